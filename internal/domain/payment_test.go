package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMapGatewayStatus(t *testing.T) {
	cases := map[string]PaymentStatus{
		"succeeded":               PaymentSucceeded,
		"processing":              PaymentProcessing,
		"requires_payment_method": PaymentFailed,
		"payment_failed":          PaymentFailed,
		"canceled":                PaymentCanceled,
		" Canceled ":              PaymentCanceled,
		"requires_action":         PaymentPending,
		"requires_confirmation":   PaymentPending,
		"":                        PaymentPending,
	}

	for raw, want := range cases {
		assert.Equal(t, want, MapGatewayStatus(raw), "raw=%q", raw)
	}
}

func TestPaymentStatus_CanTransitionTo(t *testing.T) {
	terminal := []PaymentStatus{PaymentSucceeded, PaymentFailed, PaymentCanceled}
	all := []PaymentStatus{PaymentPending, PaymentProcessing, PaymentSucceeded, PaymentFailed, PaymentCanceled}

	for _, from := range terminal {
		for _, to := range all {
			assert.False(t, from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}

	assert.True(t, PaymentPending.CanTransitionTo(PaymentProcessing))
	assert.True(t, PaymentPending.CanTransitionTo(PaymentSucceeded))
	assert.True(t, PaymentProcessing.CanTransitionTo(PaymentFailed))
	assert.False(t, PaymentProcessing.CanTransitionTo(PaymentPending))
	assert.False(t, PaymentPending.CanTransitionTo(PaymentPending))
}

func TestEvent_CanAllocate(t *testing.T) {
	e := Event{TotalTickets: 10, TicketsAvailable: 2}

	assert.True(t, e.CanAllocate(2))
	assert.False(t, e.CanAllocate(3))
	assert.False(t, e.CanAllocate(0))
	assert.Equal(t, EventSoldOut, StatusFor(0))
	assert.Equal(t, EventActive, StatusFor(1))
}
