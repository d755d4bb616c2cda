package domain

import "time"

// Notification is an asynchronous status report from the payment gateway.
type Notification struct {
	ID               string
	Type             string
	PaymentReference string
	RawStatus        string
	FailureReason    string
	OccurredAt       time.Time
}

type ProcessedNotification struct {
	ID          string
	Type        string
	ProcessedAt time.Time
}
