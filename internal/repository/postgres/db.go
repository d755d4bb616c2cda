package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txKey struct{}

// TxFrom returns the transaction bound to ctx by RunTx, if any.
func TxFrom(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(pgx.Tx)
	return tx, ok
}

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{
		pool: pool,
	}
}

// RunTx runs fn inside a transaction bound to the context passed to fn.
// Repositories created by the store pick that transaction up from the context.
// If ctx already carries a transaction, fn joins it.
func (s *Store) RunTx(
	ctx context.Context,
	opts *pgx.TxOptions,
	fn func(ctx context.Context) error,
) error {
	if _, ok := TxFrom(ctx); ok {
		return fn(ctx)
	}

	txOpts := pgx.TxOptions{
		IsoLevel:   pgx.Serializable,
		AccessMode: pgx.ReadWrite,
	}

	if opts != nil {
		txOpts.IsoLevel = opts.IsoLevel
		txOpts.AccessMode = opts.AccessMode
		txOpts.DeferrableMode = opts.DeferrableMode
	}

	tx, err := s.pool.BeginTx(ctx, txOpts)
	if err != nil {
		return err
	}

	defer tx.Rollback(ctx)

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	return nil
}

func (s *Store) handle(ctx context.Context) DB {
	if tx, ok := TxFrom(ctx); ok {
		return tx
	}
	return s.pool
}

func (s *Store) Events() *EventRepo                   { return &EventRepo{store: s} }
func (s *Store) Reservations() *ReservationRepo       { return &ReservationRepo{store: s} }
func (s *Store) Payments() *PaymentRepo               { return &PaymentRepo{store: s} }
func (s *Store) Notifications() *NotificationRepo     { return &NotificationRepo{store: s} }
func (s *Store) Reconciliations() *ReconciliationRepo { return &ReconciliationRepo{store: s} }
