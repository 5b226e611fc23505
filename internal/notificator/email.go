package notificator

import (
	"context"
	"fmt"
	"net/smtp"
	"strconv"
	"strings"

	"github.com/x402wrap/paygate/internal/models"
	"github.com/x402wrap/paygate/pkg/logger"
)

// sendMailFunc matches smtp.SendMail
type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

type EmailNotificator struct {
	logger *logger.Logger

	SMTPHost   string
	SMTPPort   int
	SMTPUser   string
	SMTPSender string
	Recipients []string

	SMTPAuth smtp.Auth

	sendMail sendMailFunc
}

func NewEmailNotificator(logger *logger.Logger, SMTPHost string, SMTPPort int, SMTPUser string, SMTPPassword string, SMTPSender string, recipients []string) *EmailNotificator {
	auth := smtp.PlainAuth(
		"",
		SMTPUser,
		SMTPPassword,
		SMTPHost,
	)

	return &EmailNotificator{
		logger:     logger,
		SMTPAuth:   auth,
		SMTPHost:   SMTPHost,
		SMTPPort:   SMTPPort,
		SMTPUser:   SMTPUser,
		SMTPSender: SMTPSender,
		Recipients: recipients,
		sendMail:   smtp.SendMail,
	}
}

func (e *EmailNotificator) Name() string {
	return "email"
}

// Send mails the alert to every recipient. net/smtp has no context support,
// so ctx is only checked before sending.
func (e *EmailNotificator) Send(ctx context.Context, alert *models.BillingAlert) error {
	if len(e.Recipients) == 0 {
		return fmt.Errorf("no email recipients configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	addr := fmt.Sprintf("%s:%s", e.SMTPHost, strconv.Itoa(e.SMTPPort))
	msg := fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s",
		e.SMTPSender,                     // From address
		strings.Join(e.Recipients, ", "), // To address
		alert.Subject(),                  // Subject
		alert.String(),                   // Email body
	)
	if err := e.sendMail(addr, e.SMTPAuth, e.SMTPSender, e.Recipients, []byte(msg)); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}
