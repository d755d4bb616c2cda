package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirinyoku/tix-pay/internal/domain"
)

type ackRecord struct {
	acked   bool
	nacked  bool
	requeue bool
}

func (a *ackRecord) Ack(uint64, bool) error { a.acked = true; return nil }
func (a *ackRecord) Nack(_ uint64, _ bool, requeue bool) error {
	a.nacked, a.requeue = true, requeue
	return nil
}
func (a *ackRecord) Reject(_ uint64, requeue bool) error {
	a.nacked, a.requeue = true, requeue
	return nil
}

type brokenAck struct{ err error }

func (a brokenAck) Ack(uint64, bool) error       { return a.err }
func (a brokenAck) Nack(uint64, bool, bool) error { return a.err }
func (a brokenAck) Reject(uint64, bool) error     { return a.err }

var errPermanent = errors.New("permanent")

func newTestConsumer(h NotificationHandler) *NotificationConsumer {
	return newLoggingConsumer(h, io.Discard)
}

func newLoggingConsumer(h NotificationHandler, w io.Writer) *NotificationConsumer {
	return NewNotificationConsumer(ConsumerConfig{
		RetryDelay: time.Millisecond,
		Permanent:  func(err error) bool { return errors.Is(err, errPermanent) },
	}, h, slog.New(slog.NewTextHandler(w, nil)))
}

func delivery(t *testing.T, ack amqp.Acknowledger, v any) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	return amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: body}
}

func TestHandleDelivery(t *testing.T) {
	msg := NewNotificationMessage(domain.Notification{
		ID:               "n-1",
		Type:             "payment_intent.succeeded",
		PaymentReference: "ref-1",
		RawStatus:        "succeeded",
	})

	t.Run("success acks", func(t *testing.T) {
		var got domain.Notification
		c := newTestConsumer(func(_ context.Context, n domain.Notification) error {
			got = n
			return nil
		})
		ack := &ackRecord{}

		c.handleDelivery(context.Background(), delivery(t, ack, msg))

		assert.True(t, ack.acked)
		assert.Equal(t, "n-1", got.ID)
		assert.Equal(t, "ref-1", got.PaymentReference)
	})

	t.Run("retryable error requeues", func(t *testing.T) {
		c := newTestConsumer(func(context.Context, domain.Notification) error {
			return errors.New("db down")
		})
		ack := &ackRecord{}

		c.handleDelivery(context.Background(), delivery(t, ack, msg))

		assert.True(t, ack.nacked)
		assert.True(t, ack.requeue)
	})

	t.Run("permanent error drops", func(t *testing.T) {
		c := newTestConsumer(func(context.Context, domain.Notification) error {
			return errPermanent
		})
		ack := &ackRecord{}

		c.handleDelivery(context.Background(), delivery(t, ack, msg))

		assert.True(t, ack.nacked)
		assert.False(t, ack.requeue)
	})

	t.Run("malformed body drops without calling handler", func(t *testing.T) {
		called := false
		c := newTestConsumer(func(context.Context, domain.Notification) error {
			called = true
			return nil
		})
		ack := &ackRecord{}

		c.handleDelivery(context.Background(), amqp.Delivery{Acknowledger: ack, Body: []byte("{not json")})

		assert.False(t, called)
		assert.True(t, ack.nacked)
		assert.False(t, ack.requeue)
	})

	t.Run("failed ack is logged", func(t *testing.T) {
		var logs bytes.Buffer
		c := newLoggingConsumer(func(context.Context, domain.Notification) error { return nil }, &logs)

		c.handleDelivery(context.Background(), delivery(t, brokenAck{err: amqp.ErrClosed}, msg))

		assert.Contains(t, logs.String(), "level=WARN")
		assert.Contains(t, logs.String(), "settle delivery failed")
		assert.Contains(t, logs.String(), "action=ack")
	})

	t.Run("failed requeue is logged", func(t *testing.T) {
		var logs bytes.Buffer
		c := newLoggingConsumer(func(context.Context, domain.Notification) error {
			return errors.New("db down")
		}, &logs)

		c.handleDelivery(context.Background(), delivery(t, brokenAck{err: amqp.ErrClosed}, msg))

		assert.Contains(t, logs.String(), "action=requeue")
	})
}
