package domain

import "time"

type ReconciliationReason string

const (
	// ReconciliationInventoryUnavailable: the gateway captured money but the
	// event no longer has enough tickets.
	ReconciliationInventoryUnavailable ReconciliationReason = "inventory_unavailable"
	// ReconciliationReservationNotPending: the gateway captured money for a
	// reservation that was already cancelled or expired.
	ReconciliationReservationNotPending ReconciliationReason = "reservation_not_pending"
	// ReconciliationPaymentStatusConflict: the gateway reports a capture for a
	// payment already recorded as failed or canceled.
	ReconciliationPaymentStatusConflict ReconciliationReason = "payment_status_conflict"
)

type ReconciliationCase struct {
	ID                int64
	PaymentID         int64
	ReservationID     int64
	EventID           int64
	ExternalReference string
	AmountCents       int64
	Currency          string
	Reason            ReconciliationReason
	Detail            string
	CreatedAt         time.Time
	ResolvedAt        *time.Time
	Resolution        string
}
