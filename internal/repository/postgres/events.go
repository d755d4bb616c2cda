package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/kirinyoku/tix-pay/internal/domain"
	"github.com/kirinyoku/tix-pay/internal/repository"
)

type EventRepo struct {
	store *Store
}

const eventColumns = `id, title, description, location, starts_at, price_cents, currency,
		total_tickets, tickets_available, status, created_at`

func scanEvent(row pgx.Row) (*domain.Event, error) {
	var e domain.Event
	if err := row.Scan(
		&e.ID,
		&e.Title,
		&e.Description,
		&e.Location,
		&e.StartsAt,
		&e.PriceCents,
		&e.Currency,
		&e.TotalTickets,
		&e.TicketsAvailable,
		&e.Status,
		&e.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &e, nil
}

// Create inserts a new event with all of its tickets available.
//
// Returns:
//   - int64: the new event ID.
//   - error: repository.ErrConstraint if the row breaks a CHECK, such as a
//     non-positive ticket total.
func (r *EventRepo) Create(ctx context.Context, e *domain.Event) (int64, error) {
	const op = "postgres.EventRepo.Create"

	var id int64
	err := r.store.handle(ctx).QueryRow(ctx,
		`INSERT INTO events (title, description, location, starts_at, price_cents, currency,
		                     total_tickets, tickets_available, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7, $8)
		 RETURNING id`,
		e.Title, e.Description, e.Location, e.StartsAt, e.PriceCents, e.Currency,
		e.TotalTickets, domain.StatusFor(e.TotalTickets),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return id, nil
}

// Get retrieves an event by its ID.
//
// Returns:
//   - *domain.Event: the event when found.
//   - error: repository.ErrNotFound if the event does not exist.
func (r *EventRepo) Get(ctx context.Context, id int64) (*domain.Event, error) {
	const op = "postgres.EventRepo.Get"

	e, err := scanEvent(r.store.handle(ctx).QueryRow(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id = $1`, id,
	))
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return e, nil
}

// UpdateDetails rewrites the descriptive fields of an event: title,
// description, location, start time and price. Ticket counts and currency are
// never touched.
//
// Returns:
//   - error: repository.ErrNotFound if the event does not exist.
//   - error: repository.ErrConstraint if the new values break a CHECK.
func (r *EventRepo) UpdateDetails(ctx context.Context, e *domain.Event) error {
	const op = "postgres.EventRepo.UpdateDetails"

	tag, err := r.store.handle(ctx).Exec(ctx,
		`UPDATE events
		    SET title = $2, description = $3, location = $4, starts_at = $5, price_cents = $6
		  WHERE id = $1`,
		e.ID, e.Title, e.Description, e.Location, e.StartsAt, e.PriceCents,
	)
	if err != nil {
		return fmt.Errorf("%s:%w", op, translateDBErr(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s:%w", op, repository.ErrNotFound)
	}

	return nil
}

// Delete removes an event that no reservation has ever referenced.
//
// Returns:
//   - error: repository.ErrNotFound if the event does not exist.
//   - error: repository.ErrConflict if reservations reference the event.
func (r *EventRepo) Delete(ctx context.Context, id int64) error {
	const op = "postgres.EventRepo.Delete"

	h := r.store.handle(ctx)

	tag, err := h.Exec(ctx,
		`DELETE FROM events e
		  WHERE e.id = $1
		    AND NOT EXISTS (SELECT 1 FROM reservations r WHERE r.event_id = e.id)`,
		id,
	)
	if pgCode(err) == codeForeignKeyViolation {
		return fmt.Errorf("%s:%w: event has reservations", op, repository.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("%s:%w", op, translateDBErr(err))
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := h.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM events WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("%s:%w", op, translateDBErr(err))
	}
	if exists {
		return fmt.Errorf("%s:%w: event has reservations", op, repository.ErrConflict)
	}

	return fmt.Errorf("%s:%w", op, repository.ErrNotFound)
}

// DecrementAvailable takes qty tickets from the event in a single conditional
// update, so concurrent callers can never drive tickets_available below zero.
// It reports false when the event is missing or has fewer than qty tickets left.
func (r *EventRepo) DecrementAvailable(ctx context.Context, id int64, qty int) (bool, error) {
	const op = "postgres.EventRepo.DecrementAvailable"

	var left int
	err := r.store.handle(ctx).QueryRow(ctx,
		`UPDATE events
		    SET tickets_available = tickets_available - $2,
		        status = CASE WHEN tickets_available - $2 = 0 THEN 'sold_out' ELSE 'active' END
		  WHERE id = $1 AND tickets_available >= $2
		  RETURNING tickets_available`,
		id, qty,
	).Scan(&left)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return true, nil
}

// IncrementAvailable gives qty tickets back to the event. It reports false when
// the event is missing or the release would exceed total_tickets.
func (r *EventRepo) IncrementAvailable(ctx context.Context, id int64, qty int) (bool, error) {
	const op = "postgres.EventRepo.IncrementAvailable"

	var left int
	err := r.store.handle(ctx).QueryRow(ctx,
		`UPDATE events
		    SET tickets_available = tickets_available + $2,
		        status = 'active'
		  WHERE id = $1 AND tickets_available + $2 <= total_tickets
		  RETURNING tickets_available`,
		id, qty,
	).Scan(&left)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return true, nil
}
