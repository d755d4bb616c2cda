package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/kirinyoku/tix-pay/internal/domain"
	"github.com/kirinyoku/tix-pay/internal/repository"
)

type ReservationRepo struct {
	store *Store
}

const reservationColumns = `id, user_id, event_id, number_of_tickets, status, amount_cents,
		currency, COALESCE(external_payment_reference, ''), created_at, updated_at`

func scanReservation(row pgx.Row) (*domain.Reservation, error) {
	var r domain.Reservation
	if err := row.Scan(
		&r.ID,
		&r.UserID,
		&r.EventID,
		&r.NumberOfTickets,
		&r.Status,
		&r.AmountCents,
		&r.Currency,
		&r.ExternalPaymentReference,
		&r.CreatedAt,
		&r.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &r, nil
}

// Create inserts a reservation.
//
// Returns:
//   - int64: the new reservation ID.
//   - error: repository.ErrConflict if the user already holds an active
//     reservation for the event.
func (r *ReservationRepo) Create(ctx context.Context, res *domain.Reservation) (int64, error) {
	const op = "postgres.ReservationRepo.Create"

	var id int64
	err := r.store.handle(ctx).QueryRow(ctx,
		`INSERT INTO reservations (user_id, event_id, number_of_tickets, status, amount_cents, currency)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id`,
		res.UserID, res.EventID, res.NumberOfTickets, res.Status, res.AmountCents, res.Currency,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return id, nil
}

func (r *ReservationRepo) Get(ctx context.Context, id int64) (*domain.Reservation, error) {
	const op = "postgres.ReservationRepo.Get"

	res, err := scanReservation(r.store.handle(ctx).QueryRow(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE id = $1`, id,
	))
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return res, nil
}

// GetForUpdate reads the reservation and locks its row until the surrounding
// transaction ends. Outside a transaction the lock is released immediately.
func (r *ReservationRepo) GetForUpdate(ctx context.Context, id int64) (*domain.Reservation, error) {
	const op = "postgres.ReservationRepo.GetForUpdate"

	res, err := scanReservation(r.store.handle(ctx).QueryRow(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE id = $1 FOR UPDATE`, id,
	))
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return res, nil
}

// UpdateStatus moves the reservation from one status to another.
//
// Returns:
//   - error: repository.ErrConflict if the reservation is not in status from.
func (r *ReservationRepo) UpdateStatus(
	ctx context.Context,
	id int64,
	from, to domain.ReservationStatus,
) error {
	const op = "postgres.ReservationRepo.UpdateStatus"

	tag, err := r.store.handle(ctx).Exec(ctx,
		`UPDATE reservations SET status = $3, updated_at = now()
		  WHERE id = $1 AND status = $2`,
		id, from, to,
	)
	if err != nil {
		return fmt.Errorf("%s:%w", op, translateDBErr(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s:%w", op, repository.ErrConflict)
	}

	return nil
}

// SetPaymentReference records the gateway reference on the reservation. Setting
// the same reference twice is a no-op; a different one is a conflict.
func (r *ReservationRepo) SetPaymentReference(ctx context.Context, id int64, ref string) error {
	const op = "postgres.ReservationRepo.SetPaymentReference"

	tag, err := r.store.handle(ctx).Exec(ctx,
		`UPDATE reservations SET external_payment_reference = $2, updated_at = now()
		  WHERE id = $1
		    AND (external_payment_reference IS NULL OR external_payment_reference = $2)`,
		id, ref,
	)
	if err != nil {
		return fmt.Errorf("%s:%w", op, translateDBErr(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s:%w", op, repository.ErrConflict)
	}

	return nil
}

// HasActive reports whether the user has a pending or confirmed reservation for the event.
func (r *ReservationRepo) HasActive(ctx context.Context, userID, eventID int64) (bool, error) {
	const op = "postgres.ReservationRepo.HasActive"

	var exists bool
	err := r.store.handle(ctx).QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM reservations
		    WHERE user_id = $1 AND event_id = $2 AND status IN ('pending', 'confirmed')
		 )`,
		userID, eventID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return exists, nil
}

func (r *ReservationRepo) ListByUser(ctx context.Context, userID int64) ([]domain.Reservation, error) {
	const op = "postgres.ReservationRepo.ListByUser"

	rows, err := r.store.handle(ctx).Query(ctx,
		`SELECT `+reservationColumns+` FROM reservations
		  WHERE user_id = $1
		  ORDER BY created_at DESC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}
	defer rows.Close()

	var out []domain.Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("%s:%w", op, err)
		}
		out = append(out, *res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return out, nil
}

// ListStalePending returns IDs of pending reservations created before the cutoff
// whose payment, if any, has not reached the gateway's processing or succeeded state.
func (r *ReservationRepo) ListStalePending(ctx context.Context, before time.Time, limit int) ([]int64, error) {
	const op = "postgres.ReservationRepo.ListStalePending"

	rows, err := r.store.handle(ctx).Query(ctx,
		`SELECT r.id
		   FROM reservations r
		   LEFT JOIN payments p ON p.reservation_id = r.id
		  WHERE r.status = 'pending'
		    AND r.created_at < $1
		    AND (p.id IS NULL OR p.status NOT IN ('processing', 'succeeded'))
		  ORDER BY r.created_at
		  LIMIT $2`,
		before, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return ids, nil
}
