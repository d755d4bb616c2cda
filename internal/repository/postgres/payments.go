package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/kirinyoku/tix-pay/internal/domain"
	"github.com/kirinyoku/tix-pay/internal/repository"
)

type PaymentRepo struct {
	store *Store
}

const paymentColumns = `p.id, p.reservation_id, p.amount_cents, p.currency, p.status,
		COALESCE(p.external_reference, ''), COALESCE(p.failure_reason, ''), p.processed_at, p.created_at`

func scanPayment(row pgx.Row) (*domain.Payment, error) {
	var p domain.Payment
	if err := row.Scan(
		&p.ID,
		&p.ReservationID,
		&p.AmountCents,
		&p.Currency,
		&p.Status,
		&p.ExternalReference,
		&p.FailureReason,
		&p.ProcessedAt,
		&p.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &p, nil
}

// Create inserts a payment attempt without an external reference.
//
// Returns:
//   - int64: the new payment ID.
//   - error: repository.ErrConflict if the reservation already has a payment.
func (r *PaymentRepo) Create(ctx context.Context, p *domain.Payment) (int64, error) {
	const op = "postgres.PaymentRepo.Create"

	var id int64
	err := r.store.handle(ctx).QueryRow(ctx,
		`INSERT INTO payments (reservation_id, amount_cents, currency, status)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id`,
		p.ReservationID, p.AmountCents, p.Currency, p.Status,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return id, nil
}

func (r *PaymentRepo) GetByReservation(ctx context.Context, reservationID int64) (*domain.Payment, error) {
	const op = "postgres.PaymentRepo.GetByReservation"

	p, err := scanPayment(r.store.handle(ctx).QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments p WHERE p.reservation_id = $1`, reservationID,
	))
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return p, nil
}

// GetByReferenceForUpdate looks the payment up by its gateway reference and
// locks the row for the rest of the transaction.
//
// Returns:
//   - error: repository.ErrNotFound if no payment carries the reference.
func (r *PaymentRepo) GetByReferenceForUpdate(ctx context.Context, ref string) (*domain.Payment, error) {
	const op = "postgres.PaymentRepo.GetByReferenceForUpdate"

	p, err := scanPayment(r.store.handle(ctx).QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments p WHERE p.external_reference = $1 FOR UPDATE`, ref,
	))
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return p, nil
}

// AttachReference sets the gateway reference once.
//
// Returns:
//   - error: repository.ErrConflict if a different reference is already attached
//     or the reference belongs to another payment.
func (r *PaymentRepo) AttachReference(ctx context.Context, id int64, ref string) error {
	const op = "postgres.PaymentRepo.AttachReference"

	tag, err := r.store.handle(ctx).Exec(ctx,
		`UPDATE payments SET external_reference = $2
		  WHERE id = $1 AND (external_reference IS NULL OR external_reference = $2)`,
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

func (r *PaymentRepo) UpdateStatus(
	ctx context.Context,
	id int64,
	status domain.PaymentStatus,
	failureReason string,
	processedAt time.Time,
) error {
	const op = "postgres.PaymentRepo.UpdateStatus"

	tag, err := r.store.handle(ctx).Exec(ctx,
		`UPDATE payments
		    SET status = $2, failure_reason = NULLIF($3, ''), processed_at = $4
		  WHERE id = $1`,
		id, status, failureReason, processedAt,
	)
	if err != nil {
		return fmt.Errorf("%s:%w", op, translateDBErr(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s:%w", op, repository.ErrNotFound)
	}

	return nil
}

func (r *PaymentRepo) ListByUser(ctx context.Context, userID int64) ([]domain.Payment, error) {
	const op = "postgres.PaymentRepo.ListByUser"

	rows, err := r.store.handle(ctx).Query(ctx,
		`SELECT `+paymentColumns+`
		   FROM payments p
		   JOIN reservations r ON r.id = p.reservation_id
		  WHERE r.user_id = $1
		  ORDER BY p.created_at DESC, p.id DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}
	defer rows.Close()

	var out []domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("%s:%w", op, err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return out, nil
}
