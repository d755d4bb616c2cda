package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kirinyoku/tix-pay/internal/domain"
)

// Sandbox is an in-process gateway for local development and tests. Intents
// live in memory; notifications are posted by hand in SandboxNotification form.
type Sandbox struct {
	secret string

	mu      sync.Mutex
	intents map[string]domain.PaymentIntent
	byKey   map[string]string
}

func NewSandbox(webhookSecret string) *Sandbox {
	return &Sandbox{
		secret:  webhookSecret,
		intents: make(map[string]domain.PaymentIntent),
		byKey:   make(map[string]string),
	}
}

func (s *Sandbox) CreatePaymentIntent(ctx context.Context, req IntentRequest) (domain.PaymentIntent, error) {
	if err := ctx.Err(); err != nil {
		return domain.PaymentIntent{}, fmt.Errorf("%w: %v", ErrCommunication, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if ref, ok := s.byKey[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return s.intents[ref], nil
	}

	id := uuid.NewString()
	pi := domain.PaymentIntent{
		ExternalReference: "sbx_pi_" + id,
		ClientToken:       "sbx_pi_" + id + "_secret_" + uuid.NewString(),
	}
	s.intents[pi.ExternalReference] = pi
	if req.IdempotencyKey != "" {
		s.byKey[req.IdempotencyKey] = pi.ExternalReference
	}

	return pi, nil
}

func (s *Sandbox) GetPaymentIntent(ctx context.Context, reference string) (domain.PaymentIntent, error) {
	if err := ctx.Err(); err != nil {
		return domain.PaymentIntent{}, fmt.Errorf("%w: %v", ErrCommunication, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pi, ok := s.intents[reference]
	if !ok {
		return domain.PaymentIntent{}, fmt.Errorf("%w: unknown payment intent %s", ErrCommunication, reference)
	}
	return pi, nil
}

type SandboxNotification struct {
	NotificationID   string    `json:"notification_id"`
	Type             string    `json:"type"`
	PaymentReference string    `json:"payment_reference"`
	RawStatus        string    `json:"raw_status"`
	FailureReason    string    `json:"failure_reason,omitempty"`
	OccurredAt       time.Time `json:"occurred_at"`
}

func (s *Sandbox) SignatureHeader() string { return "X-Sandbox-Signature" }

// Sign returns the hex HMAC-SHA256 of payload, as expected in SignatureHeader.
func (s *Sandbox) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, []byte(s.secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Sandbox) Decode(payload []byte, signature string) (domain.Notification, error) {
	const op = "gateway.Sandbox.Decode"

	if s.secret != "" && !hmac.Equal([]byte(s.Sign(payload)), []byte(signature)) {
		return domain.Notification{}, fmt.Errorf("%s:%w", op, ErrInvalidSignature)
	}

	var sn SandboxNotification
	if err := json.Unmarshal(payload, &sn); err != nil {
		return domain.Notification{}, fmt.Errorf("%s:%w: %v", op, ErrMalformedPayload, err)
	}
	if sn.NotificationID == "" || sn.PaymentReference == "" {
		return domain.Notification{}, fmt.Errorf("%s:%w: missing id or reference", op, ErrMalformedPayload)
	}

	return domain.Notification{
		ID:               sn.NotificationID,
		Type:             sn.Type,
		PaymentReference: sn.PaymentReference,
		RawStatus:        sn.RawStatus,
		FailureReason:    sn.FailureReason,
		OccurredAt:       sn.OccurredAt,
	}, nil
}
