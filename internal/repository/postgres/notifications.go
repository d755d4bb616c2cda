package postgres

import (
	"context"
	"fmt"

	"github.com/kirinyoku/tix-pay/internal/domain"
)

// NotificationRepo is the append-only ledger of gateway notifications that
// have already been applied.
type NotificationRepo struct {
	store *Store
}

func (r *NotificationRepo) Exists(ctx context.Context, id string) (bool, error) {
	const op = "postgres.NotificationRepo.Exists"

	var exists bool
	err := r.store.handle(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM processed_notifications WHERE id = $1)`, id,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return exists, nil
}

// Record claims the notification ID. It reports false if the ID was already
// recorded; inside a transaction a concurrent claim blocks until the other
// transaction finishes.
func (r *NotificationRepo) Record(ctx context.Context, n domain.ProcessedNotification) (bool, error) {
	const op = "postgres.NotificationRepo.Record"

	tag, err := r.store.handle(ctx).Exec(ctx,
		`INSERT INTO processed_notifications (id, type, processed_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO NOTHING`,
		n.ID, n.Type, n.ProcessedAt,
	)
	if err != nil {
		return false, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return tag.RowsAffected() == 1, nil
}
