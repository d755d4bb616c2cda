package domain

import (
	"strings"
	"time"
)

type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentProcessing PaymentStatus = "processing"
	PaymentSucceeded  PaymentStatus = "succeeded"
	PaymentFailed     PaymentStatus = "failed"
	PaymentCanceled   PaymentStatus = "canceled"
)

// IsTerminal reports whether the status is final. Terminal statuses are never overwritten.
func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case PaymentSucceeded, PaymentFailed, PaymentCanceled:
		return true
	}
	return false
}

func (s PaymentStatus) rank() int {
	switch s {
	case PaymentProcessing:
		return 1
	case PaymentSucceeded, PaymentFailed, PaymentCanceled:
		return 2
	default:
		return 0
	}
}

// CanTransitionTo reports whether a payment in status s may move to next.
// Statuses only move forward: pending, then processing, then a terminal status.
func (s PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	if s == next || s.IsTerminal() {
		return false
	}
	return next.rank() >= s.rank()
}

// MapGatewayStatus translates the gateway's raw status vocabulary into a PaymentStatus.
// Unknown values map to PaymentPending.
func MapGatewayStatus(raw string) PaymentStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "succeeded":
		return PaymentSucceeded
	case "processing":
		return PaymentProcessing
	case "requires_payment_method", "failed", "payment_failed":
		return PaymentFailed
	case "canceled", "cancelled":
		return PaymentCanceled
	default:
		return PaymentPending
	}
}

type Payment struct {
	ID                int64
	ReservationID     int64
	AmountCents       int64
	Currency          string
	Status            PaymentStatus
	ExternalReference string
	FailureReason     string
	ProcessedAt       *time.Time
	CreatedAt         time.Time
}

// PaymentIntent is what the client needs to complete a payment with the gateway.
type PaymentIntent struct {
	ExternalReference string
	ClientToken       string
}
