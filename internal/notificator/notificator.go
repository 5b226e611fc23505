package notificator

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/alitto/pond/v2"

	"github.com/x402wrap/paygate/internal/models"
	"github.com/x402wrap/paygate/pkg/logger"
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 256
	// sendTimeout bounds one delivery attempt on one channel
	sendTimeout = 30 * time.Second
)

// Channel delivers billing alerts to operators through one medium.
type Channel interface {
	Name() string
	Send(ctx context.Context, alert *models.BillingAlert) error
}

// Notificator fans billing alerts out to every configured channel on a
// bounded worker pool so the request path never waits for delivery.
type Notificator struct {
	logger   *logger.Logger
	channels []Channel
	pool     pond.Pool
}

func NewNotificator(logger *logger.Logger, channels ...Channel) *Notificator {
	active := make([]Channel, 0, len(channels))
	for _, c := range channels {
		if c != nil {
			active = append(active, c)
		}
	}
	return &Notificator{
		logger:   logger,
		channels: active,
		pool:     pond.NewPool(defaultWorkers, pond.WithQueueSize(defaultQueueSize)),
	}
}

// safeCall runs a function with panic recovery (synchronous, no goroutine spawning)
func (n *Notificator) safeCall(fn func(), context string) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Errorw("Function panicked",
				"context", context,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	fn()
}

// SendBillingAlert queues the alert for every channel. It only blocks when
// the queue is full.
func (n *Notificator) SendBillingAlert(alert *models.BillingAlert) {
	if len(n.channels) == 0 {
		n.logger.Warnw("Billing alert not delivered, no channel configured", "wrapper", alert.WrapperID, "tx", alert.TxReference)
		return
	}
	for _, c := range n.channels {
		channel := c
		n.pool.Submit(func() {
			n.safeCall(func() { n.deliver(channel, alert) }, channel.Name())
		})
	}
}

func (n *Notificator) deliver(c Channel, alert *models.BillingAlert) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := c.Send(ctx, alert); err != nil {
		n.logger.Errorw("Failed to deliver billing alert", "channel", c.Name(), "wrapper", alert.WrapperID, "tx", alert.TxReference, "error", err)
		return
	}
	n.logger.Debugw("Billing alert delivered", "channel", c.Name(), "tx", alert.TxReference)
}

// Stop waits for queued alerts to be delivered.
func (n *Notificator) Stop() {
	n.pool.StopAndWait()
}
