package reservation

import (
	"errors"
	"fmt"
	"time"

	"github.com/kirinyoku/tix-pay/internal/domain"
	"github.com/kirinyoku/tix-pay/internal/service/inventory"
)

var (
	ErrDuplicateReservation    = errors.New("user already holds a reservation for this event")
	ErrInvalidReservationState = errors.New("invalid reservation state")
	ErrReservationNotFound     = errors.New("reservation not found")
	ErrUnauthorizedAccess      = errors.New("reservation belongs to another user")
	ErrRateLimited             = errors.New("rate limited")
	ErrQuantityAboveLimit      = errors.New("quantity exceeds the per-reservation limit")

	ErrInsufficientInventory = inventory.ErrInsufficientInventory
	ErrEventNotFound         = inventory.ErrEventNotFound
	ErrInvalidQuantity       = inventory.ErrInvalidQuantity
)

// StateError is returned when a transition is attempted from the wrong status.
type StateError struct {
	ReservationID int64
	Status        domain.ReservationStatus
	Action        string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s reservation %d in status %s", e.Action, e.ReservationID, e.Status)
}

func (e *StateError) Unwrap() error { return ErrInvalidReservationState }

type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry in %s", e.RetryAfter)
}

func (e *RateLimitedError) Unwrap() error { return ErrRateLimited }
