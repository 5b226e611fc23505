package notificator

import (
	"context"
	"fmt"

	"github.com/go-telegram/bot"
	tgModels "github.com/go-telegram/bot/models"

	"github.com/x402wrap/paygate/internal/models"
	"github.com/x402wrap/paygate/pkg/logger"
)

// messageSender is the part of bot.Bot used to deliver alerts
type messageSender interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*tgModels.Message, error)
}

type TelegramNotificator struct {
	logger *logger.Logger
	bot    messageSender
	chatID string
}

// NewTelegramNotificator starts a bot that posts alerts to chatID. Sending
// /start to the bot replies with the chat id to configure.
func NewTelegramNotificator(ctx context.Context, logger *logger.Logger, token, chatID string) (*TelegramNotificator, error) {
	provider := &TelegramNotificator{
		logger: logger,
		chatID: chatID,
	}
	opts := []bot.Option{
		bot.WithDefaultHandler(provider.handler),
	}

	b, err := bot.New(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	go b.Start(ctx)
	provider.bot = b

	return provider, nil
}

func (t *TelegramNotificator) Name() string {
	return "telegram"
}

func (t *TelegramNotificator) Send(ctx context.Context, alert *models.BillingAlert) error {
	if t.chatID == "" {
		return fmt.Errorf("telegram alert chat id is not configured")
	}
	params := &bot.SendMessageParams{
		ChatID: t.chatID,
		Text:   alert.String(),
	}
	if _, err := t.bot.SendMessage(ctx, params); err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	return nil
}

func (t *TelegramNotificator) handler(ctx context.Context, b *bot.Bot, update *tgModels.Update) {
	if update.Message == nil {
		return
	}
	user := update.Message.From
	if user == nil {
		t.logger.Error("User is nil")
		return
	}
	t.logger.Debug("Telegram update: ", user.Username, " ", update.Message.Text)
	if update.Message.Text == "/start" {
		chatID := fmt.Sprint(update.Message.Chat.ID)
		t.logger.Infow("Telegram chat registered for billing alerts", "username", user.Username, "chat_id", chatID)
		_, err := b.SendMessage(ctx, &bot.SendMessageParams{
			ChatID: update.Message.Chat.ID,
			Text:   "Set TELEGRAM_ALERT_CHAT_ID=" + chatID + " to receive billing alerts in this chat.",
		})
		if err != nil {
			t.logger.Error("Failed to reply to /start: ", err)
		}
	}
}
