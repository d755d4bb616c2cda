package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/kirinyoku/tix-pay/internal/domain"
)

// NotificationHandler applies one notification. A non-nil error means the
// notification was not applied.
type NotificationHandler func(ctx context.Context, n domain.Notification) error

type ConsumerConfig struct {
	URL      string
	Queue    string
	Prefetch int
	// RetryDelay is how long a failed delivery is held before it is requeued.
	RetryDelay time.Duration
	// Permanent reports errors that will fail again on redelivery. Such
	// deliveries are dropped instead of requeued.
	Permanent func(error) bool
}

// NotificationConsumer feeds queued gateway notifications to a handler. It acks
// after the handler succeeds and requeues on retryable failures, so every
// notification is applied at least once.
type NotificationConsumer struct {
	cfg     ConsumerConfig
	handler NotificationHandler
	logger  *slog.Logger
}

func NewNotificationConsumer(cfg ConsumerConfig, handler NotificationHandler, logger *slog.Logger) *NotificationConsumer {
	if cfg.Queue == "" {
		cfg.Queue = QueuePaymentNotifications
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 16
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.Permanent == nil {
		cfg.Permanent = func(error) bool { return false }
	}

	return &NotificationConsumer{cfg: cfg, handler: handler, logger: logger}
}

// Run consumes until ctx is done, reconnecting with exponential backoff.
func (c *NotificationConsumer) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		conn, err := amqp.Dial(c.cfg.URL)
		if err != nil {
			c.logger.Warn("notification consumer: dial failed", "error", err, "retry_in", backoff)
			if !sleep(ctx, backoff) {
				return nil
			}
			backoff = min(backoff*2, 30*time.Second)
			continue
		}
		backoff = time.Second

		err = c.consume(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("notification consumer: reconnecting", "error", err)
		if !sleep(ctx, 2*time.Second) {
			return nil
		}
	}
}

func (c *NotificationConsumer) consume(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("qos: %w", err)
	}

	if _, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}

	msgs, err := ch.ConsumeWithContext(ctx, c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			c.handleDelivery(ctx, d)
		}
	}
}

func (c *NotificationConsumer) handleDelivery(ctx context.Context, d amqp.Delivery) {
	var msg NotificationMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil || msg.NotificationID == "" {
		c.logger.Error("notification consumer: dropping malformed message", "error", err, "delivery_tag", d.DeliveryTag)
		c.settle(d, "nack", d.Nack(false, false))
		return
	}

	err := c.handler(ctx, msg.Notification())
	switch {
	case err == nil:
		c.settle(d, "ack", d.Ack(false))
	case c.cfg.Permanent(err):
		c.logger.Error("notification consumer: dropping notification",
			"notification_id", msg.NotificationID, "error", err)
		c.settle(d, "nack", d.Nack(false, false))
	default:
		c.logger.Warn("notification consumer: requeueing notification",
			"notification_id", msg.NotificationID, "error", err)
		sleep(ctx, c.cfg.RetryDelay)
		c.settle(d, "requeue", d.Nack(false, true))
	}
}

// settle logs a failed ack or nack. The broker redelivers unsettled messages
// once the channel closes, and the notification ledger absorbs the repeat.
func (c *NotificationConsumer) settle(d amqp.Delivery, action string, err error) {
	if err != nil {
		c.logger.Warn("notification consumer: settle delivery failed",
			"action", action, "delivery_tag", d.DeliveryTag, "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
