package domain

import "time"

type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "pending"
	ReservationConfirmed ReservationStatus = "confirmed"
	ReservationCancelled ReservationStatus = "cancelled"
	ReservationExpired   ReservationStatus = "expired"
)

// IsActive reports whether the status counts against the one-reservation-per-event rule.
func (s ReservationStatus) IsActive() bool {
	return s == ReservationPending || s == ReservationConfirmed
}

type Reservation struct {
	ID                       int64
	UserID                   int64
	EventID                  int64
	NumberOfTickets          int
	Status                   ReservationStatus
	AmountCents              int64
	Currency                 string
	ExternalPaymentReference string
	CreatedAt                time.Time
	UpdatedAt                time.Time
}

func (r Reservation) OwnedBy(userID int64) bool {
	return r.UserID == userID
}
