// Package queue carries messages between the service and RabbitMQ: outgoing
// domain events and incoming gateway notifications.
package queue

import (
	"time"

	"github.com/kirinyoku/tix-pay/internal/domain"
)

const (
	QueuePaymentNotifications   = "payment.notifications"
	QueueReservationConfirmed   = "reservation.confirmed"
	QueueReconciliationRequired = "payment.reconciliation_required"
)

// ReservationConfirmed is published after a reservation is confirmed and its
// tickets are taken from inventory.
type ReservationConfirmed struct {
	ReservationID    int64     `json:"reservation_id"`
	UserID           int64     `json:"user_id"`
	EventID          int64     `json:"event_id"`
	Tickets          int       `json:"tickets"`
	AmountCents      int64     `json:"amount_cents"`
	Currency         string    `json:"currency"`
	PaymentReference string    `json:"payment_reference"`
	ConfirmedAt      time.Time `json:"confirmed_at"`
}

// ReconciliationRequired is published when the gateway captured money that
// could not be matched with tickets. Consumers refund or overbook by hand.
type ReconciliationRequired struct {
	CaseID           int64     `json:"case_id"`
	PaymentID        int64     `json:"payment_id"`
	ReservationID    int64     `json:"reservation_id"`
	EventID          int64     `json:"event_id"`
	PaymentReference string    `json:"payment_reference"`
	AmountCents      int64     `json:"amount_cents"`
	Currency         string    `json:"currency"`
	Reason           string    `json:"reason"`
	Detail           string    `json:"detail"`
	DetectedAt       time.Time `json:"detected_at"`
}

// NotificationMessage is the queued form of a verified gateway notification.
type NotificationMessage struct {
	NotificationID   string    `json:"notification_id"`
	Type             string    `json:"type"`
	PaymentReference string    `json:"payment_reference"`
	RawStatus        string    `json:"raw_status"`
	FailureReason    string    `json:"failure_reason,omitempty"`
	OccurredAt       time.Time `json:"occurred_at"`
}

func NewNotificationMessage(n domain.Notification) NotificationMessage {
	return NotificationMessage{
		NotificationID:   n.ID,
		Type:             n.Type,
		PaymentReference: n.PaymentReference,
		RawStatus:        n.RawStatus,
		FailureReason:    n.FailureReason,
		OccurredAt:       n.OccurredAt,
	}
}

func (m NotificationMessage) Notification() domain.Notification {
	return domain.Notification{
		ID:               m.NotificationID,
		Type:             m.Type,
		PaymentReference: m.PaymentReference,
		RawStatus:        m.RawStatus,
		FailureReason:    m.FailureReason,
		OccurredAt:       m.OccurredAt,
	}
}
