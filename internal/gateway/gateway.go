// Package gateway talks to the external payment gateway: it creates payment
// intents and turns the gateway's webhook deliveries into notifications.
package gateway

import (
	"context"
	"errors"

	"github.com/kirinyoku/tix-pay/internal/domain"
)

var (
	// ErrCommunication is a transient failure talking to the gateway. Callers retry.
	ErrCommunication = errors.New("payment gateway communication failure")

	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrMalformedPayload = errors.New("malformed webhook payload")
	// ErrUnsupportedEvent marks a genuine delivery the service does not act on.
	ErrUnsupportedEvent = errors.New("unsupported webhook event")
)

type IntentRequest struct {
	AmountCents    int64
	Currency       string
	Metadata       map[string]string
	IdempotencyKey string
}

type Gateway interface {
	CreatePaymentIntent(ctx context.Context, req IntentRequest) (domain.PaymentIntent, error)
	GetPaymentIntent(ctx context.Context, reference string) (domain.PaymentIntent, error)
}

// WebhookDecoder verifies a webhook delivery and extracts the notification.
type WebhookDecoder interface {
	SignatureHeader() string
	Decode(payload []byte, signature string) (domain.Notification, error)
}
