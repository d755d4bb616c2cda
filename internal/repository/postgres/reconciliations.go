package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/kirinyoku/tix-pay/internal/domain"
	"github.com/kirinyoku/tix-pay/internal/repository"
)

type ReconciliationRepo struct {
	store *Store
}

func (r *ReconciliationRepo) Create(ctx context.Context, c *domain.ReconciliationCase) (int64, error) {
	const op = "postgres.ReconciliationRepo.Create"

	var id int64
	err := r.store.handle(ctx).QueryRow(ctx,
		`INSERT INTO reconciliation_cases
		   (payment_id, reservation_id, event_id, external_reference, amount_cents, currency, reason, detail)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id`,
		c.PaymentID, c.ReservationID, c.EventID, c.ExternalReference,
		c.AmountCents, c.Currency, c.Reason, c.Detail,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return id, nil
}

// ListOpen returns unresolved cases, oldest first.
func (r *ReconciliationRepo) ListOpen(ctx context.Context, limit int) ([]domain.ReconciliationCase, error) {
	const op = "postgres.ReconciliationRepo.ListOpen"

	rows, err := r.store.handle(ctx).Query(ctx,
		`SELECT id, payment_id, reservation_id, event_id, external_reference, amount_cents,
		        currency, reason, detail, created_at, resolved_at, COALESCE(resolution, '')
		   FROM reconciliation_cases
		  WHERE resolved_at IS NULL
		  ORDER BY created_at, id
		  LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.ReconciliationCase, error) {
		var c domain.ReconciliationCase
		err := row.Scan(
			&c.ID,
			&c.PaymentID,
			&c.ReservationID,
			&c.EventID,
			&c.ExternalReference,
			&c.AmountCents,
			&c.Currency,
			&c.Reason,
			&c.Detail,
			&c.CreatedAt,
			&c.ResolvedAt,
			&c.Resolution,
		)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return out, nil
}

// Resolve closes an open case.
//
// Returns:
//   - error: repository.ErrNotFound if the case does not exist or is already resolved.
func (r *ReconciliationRepo) Resolve(ctx context.Context, id int64, resolution string, at time.Time) error {
	const op = "postgres.ReconciliationRepo.Resolve"

	tag, err := r.store.handle(ctx).Exec(ctx,
		`UPDATE reconciliation_cases SET resolved_at = $3, resolution = $2
		  WHERE id = $1 AND resolved_at IS NULL`,
		id, resolution, at,
	)
	if err != nil {
		return fmt.Errorf("%s:%w", op, translateDBErr(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s:%w", op, repository.ErrNotFound)
	}

	return nil
}
