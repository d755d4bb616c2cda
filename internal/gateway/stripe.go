package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/kirinyoku/tix-pay/internal/domain"
)

type Stripe struct {
	client        *paymentintent.Client
	webhookSecret string
}

func NewStripe(secretKey, webhookSecret string) *Stripe {
	return &Stripe{
		client: &paymentintent.Client{
			B:   stripe.GetBackend(stripe.APIBackend),
			Key: secretKey,
		},
		webhookSecret: webhookSecret,
	}
}

func (s *Stripe) CreatePaymentIntent(ctx context.Context, req IntentRequest) (domain.PaymentIntent, error) {
	const op = "gateway.Stripe.CreatePaymentIntent"

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.AmountCents),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	pi, err := s.client.New(params)
	if err != nil {
		return domain.PaymentIntent{}, fmt.Errorf("%s:%w", op, wrapStripeErr(err))
	}

	return domain.PaymentIntent{ExternalReference: pi.ID, ClientToken: pi.ClientSecret}, nil
}

func (s *Stripe) GetPaymentIntent(ctx context.Context, reference string) (domain.PaymentIntent, error) {
	const op = "gateway.Stripe.GetPaymentIntent"

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	pi, err := s.client.Get(reference, params)
	if err != nil {
		return domain.PaymentIntent{}, fmt.Errorf("%s:%w", op, wrapStripeErr(err))
	}

	return domain.PaymentIntent{ExternalReference: pi.ID, ClientToken: pi.ClientSecret}, nil
}

func wrapStripeErr(err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		return fmt.Errorf("%w: %s (status %d)", ErrCommunication, se.Msg, se.HTTPStatusCode)
	}
	return fmt.Errorf("%w: %v", ErrCommunication, err)
}

func (s *Stripe) SignatureHeader() string { return "Stripe-Signature" }

// Decode verifies the Stripe-Signature header and maps payment_intent.* events
// to notifications. Verification is skipped when no webhook secret is set.
// payment_intent.created is not a payment outcome: a fresh intent reports
// requires_payment_method, which would otherwise read as a failure.
func (s *Stripe) Decode(payload []byte, signature string) (domain.Notification, error) {
	const op = "gateway.Stripe.Decode"

	var event stripe.Event
	if s.webhookSecret != "" {
		var err error
		event, err = webhook.ConstructEventWithOptions(payload, signature, s.webhookSecret,
			webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
		if err != nil {
			return domain.Notification{}, fmt.Errorf("%s:%w: %v", op, ErrInvalidSignature, err)
		}
	} else if err := json.Unmarshal(payload, &event); err != nil {
		return domain.Notification{}, fmt.Errorf("%s:%w: %v", op, ErrMalformedPayload, err)
	}

	if !strings.HasPrefix(string(event.Type), "payment_intent.") || event.Type == stripe.EventTypePaymentIntentCreated {
		return domain.Notification{}, fmt.Errorf("%s:%w: %s", op, ErrUnsupportedEvent, event.Type)
	}
	if event.Data == nil {
		return domain.Notification{}, fmt.Errorf("%s:%w: missing data", op, ErrMalformedPayload)
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil || pi.ID == "" {
		return domain.Notification{}, fmt.Errorf("%s:%w: payment intent object", op, ErrMalformedPayload)
	}

	n := domain.Notification{
		ID:               event.ID,
		Type:             string(event.Type),
		PaymentReference: pi.ID,
		RawStatus:        string(pi.Status),
		OccurredAt:       time.Unix(event.Created, 0).UTC(),
	}
	if pi.LastPaymentError != nil {
		n.FailureReason = pi.LastPaymentError.Msg
	}

	return n, nil
}
