// Package inventory owns the per-event ticket counters.
package inventory

import (
	"context"
	"errors"
	"fmt"

	"github.com/kirinyoku/tix-pay/internal/domain"
	"github.com/kirinyoku/tix-pay/internal/metrics"
	"github.com/kirinyoku/tix-pay/internal/repository"
)

// Counters is the storage behind the ledger. Both updates must be single
// atomic conditional statements.
type Counters interface {
	Get(ctx context.Context, id int64) (*domain.Event, error)
	DecrementAvailable(ctx context.Context, id int64, qty int) (bool, error)
	IncrementAvailable(ctx context.Context, id int64, qty int) (bool, error)
}

type Ledger struct {
	events  Counters
	metrics *metrics.Metrics
}

func NewLedger(events Counters, m *metrics.Metrics) *Ledger {
	return &Ledger{events: events, metrics: m}
}

// TryDecrement takes qty tickets from the event. Call it inside the
// transaction that confirms the reservation.
//
// Returns:
//   - error: inventory.ErrInsufficientInventory if fewer than qty tickets remain.
//   - error: inventory.ErrEventNotFound if the event does not exist.
func (l *Ledger) TryDecrement(ctx context.Context, eventID int64, qty int) error {
	const op = "service.inventory.TryDecrement"

	if qty <= 0 {
		return fmt.Errorf("%s:%w", op, ErrInvalidQuantity)
	}

	ok, err := l.events.DecrementAvailable(ctx, eventID, qty)
	if err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}
	if ok {
		l.count("ok")
		return nil
	}

	if err := l.ensureExists(ctx, eventID); err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	l.count("insufficient")
	return fmt.Errorf("%s:%w", op, ErrInsufficientInventory)
}

// Release gives qty tickets back to the event.
//
// Returns:
//   - error: inventory.ErrCapacityExceeded if available would exceed total.
//   - error: inventory.ErrEventNotFound if the event does not exist.
func (l *Ledger) Release(ctx context.Context, eventID int64, qty int) error {
	const op = "service.inventory.Release"

	if qty <= 0 {
		return fmt.Errorf("%s:%w", op, ErrInvalidQuantity)
	}

	ok, err := l.events.IncrementAvailable(ctx, eventID, qty)
	if err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}
	if ok {
		return nil
	}

	if err := l.ensureExists(ctx, eventID); err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	return fmt.Errorf("%s:%w", op, ErrCapacityExceeded)
}

func (l *Ledger) ensureExists(ctx context.Context, eventID int64) error {
	if _, err := l.events.Get(ctx, eventID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrEventNotFound
		}
		return err
	}
	return nil
}

func (l *Ledger) count(result string) {
	if l.metrics != nil {
		l.metrics.InventoryDecrements.WithLabelValues(result).Inc()
	}
}
