package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kirinyoku/tix-pay/internal/clock"
	"github.com/kirinyoku/tix-pay/internal/domain"
	"github.com/kirinyoku/tix-pay/internal/repository"
	"github.com/kirinyoku/tix-pay/internal/uow"
)

type EventStore interface {
	Create(ctx context.Context, e *domain.Event) (int64, error)
	Get(ctx context.Context, id int64) (*domain.Event, error)
	UpdateDetails(ctx context.Context, e *domain.Event) error
	Delete(ctx context.Context, id int64) error
}

type Reconciliations interface {
	ListOpen(ctx context.Context, limit int) ([]domain.ReconciliationCase, error)
	Resolve(ctx context.Context, id int64, resolution string, at time.Time) error
}

type ReservationCanceller interface {
	CancelConfirmed(ctx context.Context, id int64, reason string) (*domain.Reservation, error)
}

type Cache interface {
	InvalidateEvent(ctx context.Context, eventID int64) error
}

type ChangeNotifier interface {
	PublishEventChanged(ctx context.Context, eventID int64) error
}

type Deps struct {
	UoW             uow.Runner
	Events          EventStore
	Reconciliations Reconciliations
	Reservations    ReservationCanceller
	Cache           Cache
	Notifier        ChangeNotifier
	Clock           clock.Clock
	Logger          *slog.Logger
}

type Service struct {
	Deps
	currency string
}

func New(deps Deps, defaultCurrency string) *Service {
	if deps.Clock == nil {
		deps.Clock = clock.System{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if defaultCurrency == "" {
		defaultCurrency = "usd"
	}
	return &Service{Deps: deps, currency: defaultCurrency}
}

type CreateEventInput struct {
	Title        string
	Description  string
	Location     string
	StartsAt     time.Time
	PriceCents   int64
	Currency     string
	TotalTickets int
}

// CreateEvent creates an event with all of its tickets available.
//
// Returns:
//   - *domain.Event: the created event.
//   - error: admin.ErrInvalidEvent if the input is incomplete.
func (s *Service) CreateEvent(ctx context.Context, in CreateEventInput) (*domain.Event, error) {
	const op = "service.admin.CreateEvent"

	if strings.TrimSpace(in.Title) == "" || in.TotalTickets <= 0 || in.PriceCents < 0 {
		return nil, fmt.Errorf("%s:%w", op, ErrInvalidEvent)
	}

	currency := strings.ToLower(in.Currency)
	if currency == "" {
		currency = s.currency
	}

	var created *domain.Event

	err := s.UoW.Do(ctx, func(ctx context.Context, after func(uow.AfterCommit)) error {
		id, err := s.Events.Create(ctx, &domain.Event{
			Title:            in.Title,
			Description:      in.Description,
			Location:         in.Location,
			StartsAt:         in.StartsAt,
			PriceCents:       in.PriceCents,
			Currency:         currency,
			TotalTickets:     in.TotalTickets,
			TicketsAvailable: in.TotalTickets,
			Status:           domain.EventActive,
		})
		if errors.Is(err, repository.ErrConstraint) {
			return ErrInvalidEvent
		}
		if err != nil {
			return err
		}

		created, err = s.Events.Get(ctx, id)
		if err != nil {
			return err
		}

		after(s.eventChanged(id))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	s.Logger.Info("event created", "event_id", created.ID, "tickets", created.TotalTickets)
	return created, nil
}

// UpdateEventInput carries the fields to change. Nil fields keep their value.
// Ticket totals and currency cannot be changed once an event exists.
type UpdateEventInput struct {
	Title       *string
	Description *string
	Location    *string
	StartsAt    *time.Time
	PriceCents  *int64
}

// UpdateEvent changes the descriptive fields of an event. Price changes apply
// to reservations created afterwards; existing reservations keep their amount.
//
// Returns:
//   - *domain.Event: the updated event.
//   - error: admin.ErrEventNotFound if the event does not exist.
//   - error: admin.ErrInvalidEvent if the title is blank or the price negative.
func (s *Service) UpdateEvent(ctx context.Context, id int64, in UpdateEventInput) (*domain.Event, error) {
	const op = "service.admin.UpdateEvent"

	if in.Title != nil && strings.TrimSpace(*in.Title) == "" {
		return nil, fmt.Errorf("%s:%w", op, ErrInvalidEvent)
	}
	if in.PriceCents != nil && *in.PriceCents < 0 {
		return nil, fmt.Errorf("%s:%w", op, ErrInvalidEvent)
	}

	var updated *domain.Event

	err := s.UoW.Do(ctx, func(ctx context.Context, after func(uow.AfterCommit)) error {
		e, err := s.Events.Get(ctx, id)
		if errors.Is(err, repository.ErrNotFound) {
			return ErrEventNotFound
		}
		if err != nil {
			return err
		}

		if in.Title != nil {
			e.Title = *in.Title
		}
		if in.Description != nil {
			e.Description = *in.Description
		}
		if in.Location != nil {
			e.Location = *in.Location
		}
		if in.StartsAt != nil {
			e.StartsAt = *in.StartsAt
		}
		if in.PriceCents != nil {
			e.PriceCents = *in.PriceCents
		}

		err = s.Events.UpdateDetails(ctx, e)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return ErrEventNotFound
		case errors.Is(err, repository.ErrConstraint):
			return ErrInvalidEvent
		case err != nil:
			return err
		}

		updated = e
		after(s.eventChanged(id))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	s.Logger.Info("event updated", "event_id", id)
	return updated, nil
}

// DeleteEvent removes an event nobody has reserved. Events with reservations,
// in any status, are kept so payments and reconciliation cases stay traceable.
//
// Returns:
//   - error: admin.ErrEventNotFound if the event does not exist.
//   - error: admin.ErrEventInUse if reservations reference the event.
func (s *Service) DeleteEvent(ctx context.Context, id int64) error {
	const op = "service.admin.DeleteEvent"

	err := s.UoW.Do(ctx, func(ctx context.Context, after func(uow.AfterCommit)) error {
		err := s.Events.Delete(ctx, id)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return ErrEventNotFound
		case errors.Is(err, repository.ErrConflict):
			return ErrEventInUse
		case err != nil:
			return err
		}

		after(s.eventChanged(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	s.Logger.Info("event deleted", "event_id", id)
	return nil
}

func (s *Service) eventChanged(id int64) uow.AfterCommit {
	return func(ctx context.Context) {
		if s.Cache != nil {
			if err := s.Cache.InvalidateEvent(ctx, id); err != nil {
				s.Logger.Warn("invalidate event cache", "event_id", id, "error", err)
			}
		}
		if s.Notifier != nil {
			if err := s.Notifier.PublishEventChanged(ctx, id); err != nil {
				s.Logger.Warn("publish event change", "event_id", id, "error", err)
			}
		}
	}
}

// CancelConfirmedReservation revokes a confirmed reservation and returns its
// tickets to the event.
func (s *Service) CancelConfirmedReservation(ctx context.Context, id int64, reason string) (*domain.Reservation, error) {
	const op = "service.admin.CancelConfirmedReservation"

	r, err := s.Reservations.CancelConfirmed(ctx, id, reason)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return r, nil
}

func (s *Service) ListOpenReconciliations(ctx context.Context, limit int) ([]domain.ReconciliationCase, error) {
	const op = "service.admin.ListOpenReconciliations"

	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	out, err := s.Reconciliations.ListOpen(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return out, nil
}

// ResolveReconciliation closes an open case with a note on how it was settled.
//
// Returns:
//   - error: admin.ErrCaseNotFound if no open case has the ID.
//   - error: admin.ErrInvalidResolution if resolution is empty.
func (s *Service) ResolveReconciliation(ctx context.Context, id int64, resolution string) error {
	const op = "service.admin.ResolveReconciliation"

	resolution = strings.TrimSpace(resolution)
	if resolution == "" {
		return fmt.Errorf("%s:%w", op, ErrInvalidResolution)
	}

	if err := s.Reconciliations.Resolve(ctx, id, resolution, s.Clock.Now()); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%s:%w", op, ErrCaseNotFound)
		}
		return fmt.Errorf("%s:%w", op, err)
	}

	s.Logger.Info("reconciliation case resolved", "case_id", id)
	return nil
}
