package reservation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirinyoku/tix-pay/internal/clock"
	"github.com/kirinyoku/tix-pay/internal/domain"
	"github.com/kirinyoku/tix-pay/internal/metrics"
	"github.com/kirinyoku/tix-pay/internal/queue"
	"github.com/kirinyoku/tix-pay/internal/repository"
	"github.com/kirinyoku/tix-pay/internal/uow"
)

type Repository interface {
	Create(ctx context.Context, r *domain.Reservation) (int64, error)
	Get(ctx context.Context, id int64) (*domain.Reservation, error)
	GetForUpdate(ctx context.Context, id int64) (*domain.Reservation, error)
	UpdateStatus(ctx context.Context, id int64, from, to domain.ReservationStatus) error
	SetPaymentReference(ctx context.Context, id int64, ref string) error
	HasActive(ctx context.Context, userID, eventID int64) (bool, error)
	ListByUser(ctx context.Context, userID int64) ([]domain.Reservation, error)
	ListStalePending(ctx context.Context, before time.Time, limit int) ([]int64, error)
}

type EventReader interface {
	Get(ctx context.Context, id int64) (*domain.Event, error)
}

type PaymentReader interface {
	GetByReservation(ctx context.Context, reservationID int64) (*domain.Payment, error)
}

type Ledger interface {
	TryDecrement(ctx context.Context, eventID int64, qty int) error
	Release(ctx context.Context, eventID int64, qty int) error
}

type Cache interface {
	InvalidateEvent(ctx context.Context, eventID int64) error
}

type ChangeNotifier interface {
	PublishEventChanged(ctx context.Context, eventID int64) error
}

type Publisher interface {
	Publish(ctx context.Context, queue string, payload any) error
}

type RateLimiter interface {
	Allow(ctx context.Context, id string) (bool, int64, time.Duration, error)
}

type Config struct {
	// PendingTTL is how long a reservation may stay pending before the sweep
	// expires it. Zero disables expiry.
	PendingTTL    time.Duration
	SweepInterval time.Duration
	SweepBatch    int
	// MaxTickets caps the quantity of one reservation. Defaults to 10.
	MaxTickets    int
	Currency      string
}

// Deps lists the collaborators of the service. Cache, Notifier, Publisher,
// Limiter and Metrics are optional.
type Deps struct {
	UoW          uow.Runner
	Reservations Repository
	Events       EventReader
	Payments     PaymentReader
	Ledger       Ledger
	Cache        Cache
	Notifier     ChangeNotifier
	Publisher    Publisher
	Limiter      RateLimiter
	Metrics      *metrics.Metrics
	Clock        clock.Clock
	Logger       *slog.Logger
}

type Service struct {
	Deps
	cfg Config
}

func New(deps Deps, cfg Config) *Service {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}

	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 100
	}

	if cfg.MaxTickets <= 0 {
		cfg.MaxTickets = 10
	}

	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}

	if deps.Clock == nil {
		deps.Clock = clock.System{}
	}

	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	return &Service{Deps: deps, cfg: cfg}
}

type CreateInput struct {
	UserID   int64
	EventID  int64
	Quantity int
	// SkipAvailabilityCheck creates the reservation even when the event
	// currently has fewer tickets than requested. Tickets are only taken at
	// confirmation, so the check is advisory either way. The HTTP layer only
	// lets admins set it.
	SkipAvailabilityCheck bool
	// RateLimitKey identifies the caller for the rate limiter. Empty skips it.
	RateLimitKey string
}

// Create creates a pending reservation.
//
// Returns:
//   - *domain.Reservation: the created reservation with its amount snapshot.
//   - error: reservation.ErrDuplicateReservation if the user already holds an
//     active reservation for the event.
//   - error: reservation.ErrInsufficientInventory if the event has fewer tickets
//     left than requested.
//   - error: reservation.ErrEventNotFound if the event does not exist.
//   - error: reservation.ErrQuantityAboveLimit if the quantity exceeds MaxTickets.
//   - error: *reservation.RateLimitedError if the caller exceeded the rate limit.
func (s *Service) Create(ctx context.Context, in CreateInput) (*domain.Reservation, error) {
	const op = "service.reservation.Create"

	if in.Quantity <= 0 {
		return nil, fmt.Errorf("%s:%w", op, ErrInvalidQuantity)
	}
	if in.Quantity > s.cfg.MaxTickets {
		return nil, fmt.Errorf("%s:%w: limit is %d", op, ErrQuantityAboveLimit, s.cfg.MaxTickets)
	}

	if s.Limiter != nil && in.RateLimitKey != "" {
		ok, _, retry, err := s.Limiter.Allow(ctx, in.RateLimitKey)
		if err != nil {
			return nil, fmt.Errorf("%s:%w", op, err)
		}
		if !ok {
			s.count("rate_limited")
			return nil, fmt.Errorf("%s:%w", op, &RateLimitedError{RetryAfter: retry})
		}
	}

	active, err := s.HasActiveReservation(ctx, in.UserID, in.EventID)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}
	if active {
		s.count("duplicate")
		return nil, fmt.Errorf("%s:%w", op, ErrDuplicateReservation)
	}

	event, err := s.Events.Get(ctx, in.EventID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%s:%w", op, ErrEventNotFound)
		}
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	if !in.SkipAvailabilityCheck && !event.CanAllocate(in.Quantity) {
		s.count("insufficient")
		return nil, fmt.Errorf("%s:%w", op, ErrInsufficientInventory)
	}

	currency := event.Currency
	if currency == "" {
		currency = s.cfg.Currency
	}

	var created *domain.Reservation

	err = s.UoW.Do(ctx, func(ctx context.Context, after func(uow.AfterCommit)) error {
		id, err := s.Reservations.Create(ctx, &domain.Reservation{
			UserID:          in.UserID,
			EventID:         in.EventID,
			NumberOfTickets: in.Quantity,
			Status:          domain.ReservationPending,
			AmountCents:     event.PriceCents * int64(in.Quantity),
			Currency:        currency,
		})
		if err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return ErrDuplicateReservation
			}
			return err
		}

		created, err = s.Reservations.Get(ctx, id)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateReservation) {
			s.count("duplicate")
		}
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	s.count("created")
	return created, nil
}

// HasActiveReservation reports whether the user already holds a pending or
// confirmed reservation for the event.
func (s *Service) HasActiveReservation(ctx context.Context, userID, eventID int64) (bool, error) {
	const op = "service.reservation.HasActiveReservation"

	active, err := s.Reservations.HasActive(ctx, userID, eventID)
	if err != nil {
		return false, fmt.Errorf("%s:%w", op, err)
	}

	return active, nil
}

func (s *Service) Get(ctx context.Context, id int64) (*domain.Reservation, error) {
	const op = "service.reservation.Get"

	r, err := s.Reservations.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%s:%w", op, ErrReservationNotFound)
		}
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return r, nil
}

// GetForUser returns the reservation if it belongs to userID.
func (s *Service) GetForUser(ctx context.Context, id, userID int64) (*domain.Reservation, error) {
	const op = "service.reservation.GetForUser"

	r, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if !r.OwnedBy(userID) {
		return nil, fmt.Errorf("%s:%w", op, ErrUnauthorizedAccess)
	}

	return r, nil
}

func (s *Service) ListByUser(ctx context.Context, userID int64) ([]domain.Reservation, error) {
	const op = "service.reservation.ListByUser"

	out, err := s.Reservations.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return out, nil
}

// Cancel cancels a pending reservation. Pending reservations hold no
// inventory, so nothing is released.
//
// Returns:
//   - error: reservation.ErrReservationNotFound if the reservation does not exist.
//   - error: *reservation.StateError (reservation.ErrInvalidReservationState)
//     if the reservation is not pending.
func (s *Service) Cancel(ctx context.Context, id int64) (*domain.Reservation, error) {
	return s.cancelPending(ctx, "service.reservation.Cancel", id, nil)
}

// CancelForUser is Cancel restricted to the reservation's owner.
func (s *Service) CancelForUser(ctx context.Context, id, userID int64) (*domain.Reservation, error) {
	return s.cancelPending(ctx, "service.reservation.CancelForUser", id, &userID)
}

func (s *Service) cancelPending(ctx context.Context, op string, id int64, owner *int64) (*domain.Reservation, error) {
	var out *domain.Reservation

	err := s.UoW.Do(ctx, func(ctx context.Context, after func(uow.AfterCommit)) error {
		r, err := s.lock(ctx, id)
		if err != nil {
			return err
		}

		if owner != nil && !r.OwnedBy(*owner) {
			return ErrUnauthorizedAccess
		}

		if r.Status != domain.ReservationPending {
			return &StateError{ReservationID: id, Status: r.Status, Action: "cancel"}
		}

		if err := s.transition(ctx, r, domain.ReservationCancelled, "cancel"); err != nil {
			return err
		}

		out = r
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	s.count("cancelled")
	return out, nil
}

// CancelConfirmed cancels a confirmed reservation and returns its tickets to
// the event. It is an administrative action, taken after the payment has been
// refunded outside the service.
func (s *Service) CancelConfirmed(ctx context.Context, id int64, reason string) (*domain.Reservation, error) {
	const op = "service.reservation.CancelConfirmed"

	var out *domain.Reservation

	err := s.UoW.Do(ctx, func(ctx context.Context, after func(uow.AfterCommit)) error {
		r, err := s.lock(ctx, id)
		if err != nil {
			return err
		}

		if r.Status != domain.ReservationConfirmed {
			return &StateError{ReservationID: id, Status: r.Status, Action: "revoke"}
		}

		if err := s.transition(ctx, r, domain.ReservationCancelled, "revoke"); err != nil {
			return err
		}

		if err := s.Ledger.Release(ctx, r.EventID, r.NumberOfTickets); err != nil {
			return err
		}

		out = r
		after(func(ctx context.Context) {
			s.Logger.Info("confirmed reservation cancelled",
				"reservation_id", r.ID, "event_id", r.EventID, "tickets", r.NumberOfTickets, "reason", reason)
			s.eventChanged(ctx, r.EventID)
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	s.count("revoked")
	return out, nil
}

// ConfirmFromPayment confirms the reservation after its payment succeeded and
// takes its tickets from inventory in the same transaction. It joins the
// caller's unit of work when there is one. Confirming an already confirmed
// reservation is a no-op.
//
// Returns:
//   - error: reservation.ErrInsufficientInventory if the event cannot cover the
//     reservation. Nothing is changed.
//   - error: *reservation.StateError if the reservation is cancelled or expired.
//   - error: reservation.ErrReservationNotFound if the reservation does not exist.
func (s *Service) ConfirmFromPayment(ctx context.Context, reservationID int64, reference string) error {
	const op = "service.reservation.ConfirmFromPayment"

	err := s.UoW.Do(ctx, func(ctx context.Context, after func(uow.AfterCommit)) error {
		r, err := s.lock(ctx, reservationID)
		if err != nil {
			return err
		}

		switch r.Status {
		case domain.ReservationConfirmed:
			return nil
		case domain.ReservationPending:
		default:
			return &StateError{ReservationID: r.ID, Status: r.Status, Action: "confirm"}
		}

		if err := s.Ledger.TryDecrement(ctx, r.EventID, r.NumberOfTickets); err != nil {
			return err
		}

		if err := s.transition(ctx, r, domain.ReservationConfirmed, "confirm"); err != nil {
			return err
		}

		if r.ExternalPaymentReference == "" && reference != "" {
			if err := s.Reservations.SetPaymentReference(ctx, r.ID, reference); err != nil {
				return err
			}
			r.ExternalPaymentReference = reference
		}

		confirmedAt := s.Clock.Now()
		after(func(ctx context.Context) {
			s.count("confirmed")
			s.eventChanged(ctx, r.EventID)
			s.publish(ctx, queue.QueueReservationConfirmed, queue.ReservationConfirmed{
				ReservationID:    r.ID,
				UserID:           r.UserID,
				EventID:          r.EventID,
				Tickets:          r.NumberOfTickets,
				AmountCents:      r.AmountCents,
				Currency:         r.Currency,
				PaymentReference: r.ExternalPaymentReference,
				ConfirmedAt:      confirmedAt,
			})
		})

		return nil
	})
	if err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	return nil
}

func (s *Service) lock(ctx context.Context, id int64) (*domain.Reservation, error) {
	r, err := s.Reservations.GetForUpdate(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrReservationNotFound
		}
		return nil, err
	}
	return r, nil
}

// transition moves r to status to and updates r in place.
func (s *Service) transition(ctx context.Context, r *domain.Reservation, to domain.ReservationStatus, action string) error {
	if err := s.Reservations.UpdateStatus(ctx, r.ID, r.Status, to); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return &StateError{ReservationID: r.ID, Status: r.Status, Action: action}
		}
		return err
	}
	r.Status = to
	r.UpdatedAt = s.Clock.Now()
	return nil
}

func (s *Service) eventChanged(ctx context.Context, eventID int64) {
	if s.Cache != nil {
		if err := s.Cache.InvalidateEvent(ctx, eventID); err != nil {
			s.Logger.Warn("invalidate event cache", "event_id", eventID, "error", err)
		}
	}
	if s.Notifier != nil {
		if err := s.Notifier.PublishEventChanged(ctx, eventID); err != nil {
			s.Logger.Warn("publish event changed", "event_id", eventID, "error", err)
		}
	}
}

func (s *Service) publish(ctx context.Context, q string, payload any) {
	if s.Publisher == nil {
		return
	}
	if err := s.Publisher.Publish(ctx, q, payload); err != nil {
		s.Logger.Error("publish message", "queue", q, "error", err)
	}
}

func (s *Service) count(result string) {
	if s.Metrics != nil {
		s.Metrics.Reservations.WithLabelValues(result).Inc()
	}
}
