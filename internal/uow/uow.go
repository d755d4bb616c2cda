package uow

import (
	"context"

	"github.com/jackc/pgx/v5"

	postgres "github.com/kirinyoku/tix-pay/internal/repository/postgres"
)

// AfterCommit is a function that runs after a successful transaction commit.
type AfterCommit func(ctx context.Context)

// Runner runs a function as one unit of work. Services depend on Runner so
// they can run against Postgres or an in-memory store.
type Runner interface {
	Do(ctx context.Context, fn func(ctx context.Context, after func(AfterCommit)) error) error
}

type hooksKey struct{}

type hooks struct {
	list []AfterCommit
}

func (h *hooks) add(fn AfterCommit) { h.list = append(h.list, fn) }

// Join returns the hook registrar of the unit of work already running in ctx.
// Runners use it to let nested calls join the outer unit of work.
func Join(ctx context.Context) (func(AfterCommit), bool) {
	h, ok := ctx.Value(hooksKey{}).(*hooks)
	if !ok {
		return nil, false
	}
	return h.add, true
}

// Begin starts a new hook scope and returns the derived context together with
// a function that runs the collected hooks.
func Begin(ctx context.Context) (context.Context, func(AfterCommit), func(ctx context.Context)) {
	h := &hooks{}
	run := func(ctx context.Context) {
		for _, fn := range h.list {
			fn(ctx)
		}
	}
	return context.WithValue(ctx, hooksKey{}, h), h.add, run
}

type txRunner interface {
	RunTx(ctx context.Context, opts *pgx.TxOptions, fn func(ctx context.Context) error) error
}

// UoW represents a unit of work.
type UoW struct {
	store       txRunner
	maxAttempts int
}

func NewUoW(store *postgres.Store) *UoW {
	return &UoW{store: store, maxAttempts: 3}
}

// Do runs fn inside the transaction. After a successful commit,
// it executes all after-commit hooks.
func (u *UoW) Do(
	ctx context.Context,
	fn func(ctx context.Context, after func(AfterCommit)) error,
) error {
	return u.DoWithOpts(ctx, nil, fn)
}

// DoWithOpts runs fn inside the transaction with the given options. After a
// successful commit, it executes all after-commit hooks. If ctx already
// carries a unit of work, fn joins it and its hooks run with the outer commit.
// Serialization failures and deadlocks rerun fn in a fresh transaction.
func (u *UoW) DoWithOpts(
	ctx context.Context,
	opts *pgx.TxOptions,
	fn func(ctx context.Context, after func(AfterCommit)) error,
) error {
	if after, ok := Join(ctx); ok {
		return fn(ctx, after)
	}

	var err error
	for attempt := 0; attempt < u.maxAttempts; attempt++ {
		txCtx, after, runHooks := Begin(ctx)

		err = u.store.RunTx(txCtx, opts, func(ctx context.Context) error {
			return fn(ctx, after)
		})
		if err == nil {
			runHooks(ctx)
			return nil
		}

		if !postgres.IsRetryable(err) || ctx.Err() != nil {
			return err
		}
	}

	return err
}
