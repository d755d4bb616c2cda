// Package notification applies gateway payment notifications. Every
// notification is applied at most once, and its effects on the payment, the
// reservation and the event inventory commit together or not at all.
package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kirinyoku/tix-pay/internal/clock"
	"github.com/kirinyoku/tix-pay/internal/domain"
	"github.com/kirinyoku/tix-pay/internal/metrics"
	"github.com/kirinyoku/tix-pay/internal/queue"
	"github.com/kirinyoku/tix-pay/internal/service/payment"
	"github.com/kirinyoku/tix-pay/internal/service/reservation"
	"github.com/kirinyoku/tix-pay/internal/uow"
)

type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeOrphan: no payment carries the reference. Nothing is recorded, so
	// a later redelivery can still be applied.
	OutcomeOrphan Outcome = "orphan"
	// OutcomeStale: the payment already has this status or a later one.
	OutcomeStale Outcome = "stale"
	// OutcomeReconciliation: the payment succeeded but its reservation could
	// not be confirmed. A reconciliation case was opened.
	OutcomeReconciliation Outcome = "reconciliation"
)

var ErrInvalidNotification = errors.New("invalid notification")

var errOrphan = errors.New("no payment for reference")

type Ledger interface {
	Exists(ctx context.Context, id string) (bool, error)
	Record(ctx context.Context, n domain.ProcessedNotification) (bool, error)
}

type Payments interface {
	ApplyGatewayStatus(ctx context.Context, reference string, u payment.StatusUpdate) (*domain.Payment, bool, error)
}

type Reservations interface {
	Get(ctx context.Context, id int64) (*domain.Reservation, error)
	ConfirmFromPayment(ctx context.Context, reservationID int64, reference string) error
}

type Reconciliations interface {
	Create(ctx context.Context, c *domain.ReconciliationCase) (int64, error)
}

type Publisher interface {
	Publish(ctx context.Context, queue string, payload any) error
}

type Deps struct {
	UoW             uow.Runner
	Ledger          Ledger
	Payments        Payments
	Reservations    Reservations
	Reconciliations Reconciliations
	Publisher       Publisher
	Metrics         *metrics.Metrics
	Clock           clock.Clock
	Logger          *slog.Logger
}

type Processor struct {
	Deps
}

func NewProcessor(deps Deps) *Processor {
	if deps.Clock == nil {
		deps.Clock = clock.System{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Processor{Deps: deps}
}

// Handle applies one gateway notification.
//
// Returns:
//   - Outcome: what the notification did.
//   - error: notification.ErrInvalidNotification if the id or reference is
//     missing. Any other error means nothing was applied and the delivery
//     should be retried.
func (p *Processor) Handle(ctx context.Context, n domain.Notification) (Outcome, error) {
	const op = "service.notification.Handle"

	if n.ID == "" || n.PaymentReference == "" {
		return "", fmt.Errorf("%s:%w", op, ErrInvalidNotification)
	}

	seen, err := p.Ledger.Exists(ctx, n.ID)
	if err != nil {
		return "", fmt.Errorf("%s:%w", op, err)
	}
	if seen {
		p.count(OutcomeDuplicate)
		return OutcomeDuplicate, nil
	}

	var outcome Outcome

	err = p.UoW.Do(ctx, func(ctx context.Context, after func(uow.AfterCommit)) error {
		outcome = ""

		claimed, err := p.Ledger.Record(ctx, domain.ProcessedNotification{
			ID:          n.ID,
			Type:        n.Type,
			ProcessedAt: p.Clock.Now(),
		})
		if err != nil {
			return err
		}
		if !claimed {
			outcome = OutcomeDuplicate
			return nil
		}

		pay, changed, err := p.Payments.ApplyGatewayStatus(ctx, n.PaymentReference, payment.StatusUpdate{
			RawStatus:     n.RawStatus,
			FailureReason: n.FailureReason,
			OccurredAt:    n.OccurredAt,
		})
		if err != nil {
			if errors.Is(err, payment.ErrPaymentNotFound) {
				return errOrphan
			}
			return err
		}

		reported := domain.MapGatewayStatus(n.RawStatus)

		switch {
		case !changed && reported == domain.PaymentSucceeded &&
			(pay.Status == domain.PaymentFailed || pay.Status == domain.PaymentCanceled):
			// the gateway captured money on a payment already frozen as unpaid
			cause := fmt.Errorf("gateway reports succeeded for a payment already %s", pay.Status)
			c, err := p.openCase(ctx, pay, domain.ReconciliationPaymentStatusConflict, cause)
			if err != nil {
				return err
			}
			after(func(ctx context.Context) { p.reportGap(ctx, n, c) })
			outcome = OutcomeReconciliation
			return nil

		case !changed && pay.Status == domain.PaymentSucceeded:
			outcome, err = p.retryConfirm(ctx, n, pay)
			return err

		case !changed:
			p.logStale(n, pay)
			outcome = OutcomeStale
			return nil

		case pay.Status != domain.PaymentSucceeded:
			outcome = OutcomeApplied
			return nil
		}

		err = p.Reservations.ConfirmFromPayment(ctx, pay.ReservationID, n.PaymentReference)

		reason, gap := gapReason(err)
		if !gap {
			if err != nil {
				return err
			}
			outcome = OutcomeApplied
			return nil
		}

		c, err := p.openCase(ctx, pay, reason, err)
		if err != nil {
			return err
		}

		after(func(ctx context.Context) { p.reportGap(ctx, n, c) })
		outcome = OutcomeReconciliation
		return nil
	})
	if errors.Is(err, errOrphan) {
		p.Logger.Warn("notification for unknown payment",
			"notification_id", n.ID, "reference", n.PaymentReference, "raw_status", n.RawStatus)
		p.count(OutcomeOrphan)
		return OutcomeOrphan, nil
	}
	if err != nil {
		if p.Metrics != nil {
			p.Metrics.Notifications.WithLabelValues("error").Inc()
		}
		return "", fmt.Errorf("%s:%w", op, err)
	}

	p.count(outcome)
	return outcome, nil
}

// gapReason classifies a ConfirmFromPayment failure that leaves captured money
// without tickets.
func gapReason(err error) (domain.ReconciliationReason, bool) {
	switch {
	case errors.Is(err, reservation.ErrInsufficientInventory):
		return domain.ReconciliationInventoryUnavailable, true
	case errors.Is(err, reservation.ErrInvalidReservationState):
		return domain.ReconciliationReservationNotPending, true
	}
	return "", false
}

// retryConfirm handles a further notification for a payment that has already
// succeeded. A reservation still pending, because its first confirmation hit
// a reconciliation gap, is confirmed again if the gap has since closed. The
// case opened the first time stays the record of the gap, so a failed retry
// opens nothing new.
func (p *Processor) retryConfirm(ctx context.Context, n domain.Notification, pay *domain.Payment) (Outcome, error) {
	r, err := p.Reservations.Get(ctx, pay.ReservationID)
	if err != nil {
		return "", err
	}
	if r.Status != domain.ReservationPending {
		p.logStale(n, pay)
		return OutcomeStale, nil
	}

	err = p.Reservations.ConfirmFromPayment(ctx, pay.ReservationID, pay.ExternalReference)
	if _, gap := gapReason(err); gap {
		p.Logger.Info("confirmation retry still blocked",
			"notification_id", n.ID, "reservation_id", r.ID, "error", err)
		return OutcomeStale, nil
	}
	if err != nil {
		return "", err
	}

	return OutcomeApplied, nil
}

func (p *Processor) logStale(n domain.Notification, pay *domain.Payment) {
	p.Logger.Info("stale notification ignored",
		"notification_id", n.ID, "reference", n.PaymentReference,
		"raw_status", n.RawStatus, "payment_status", pay.Status)
}

func (p *Processor) openCase(
	ctx context.Context,
	pay *domain.Payment,
	reason domain.ReconciliationReason,
	cause error,
) (*domain.ReconciliationCase, error) {
	r, err := p.Reservations.Get(ctx, pay.ReservationID)
	if err != nil {
		return nil, err
	}

	c := &domain.ReconciliationCase{
		PaymentID:         pay.ID,
		ReservationID:     pay.ReservationID,
		EventID:           r.EventID,
		ExternalReference: pay.ExternalReference,
		AmountCents:       pay.AmountCents,
		Currency:          pay.Currency,
		Reason:            reason,
		Detail:            cause.Error(),
		CreatedAt:         p.Clock.Now(),
	}

	id, err := p.Reconciliations.Create(ctx, c)
	if err != nil {
		return nil, err
	}
	c.ID = id

	return c, nil
}

func (p *Processor) reportGap(ctx context.Context, n domain.Notification, c *domain.ReconciliationCase) {
	p.Logger.Error("payment reconciliation required",
		"case_id", c.ID,
		"reason", c.Reason,
		"notification_id", n.ID,
		"reference", c.ExternalReference,
		"payment_id", c.PaymentID,
		"reservation_id", c.ReservationID,
		"event_id", c.EventID,
		"amount_cents", c.AmountCents,
	)

	if p.Metrics != nil {
		p.Metrics.ReconciliationGaps.WithLabelValues(string(c.Reason)).Inc()
	}

	if p.Publisher == nil {
		return
	}
	err := p.Publisher.Publish(ctx, queue.QueueReconciliationRequired, queue.ReconciliationRequired{
		CaseID:           c.ID,
		PaymentID:        c.PaymentID,
		ReservationID:    c.ReservationID,
		EventID:          c.EventID,
		PaymentReference: c.ExternalReference,
		AmountCents:      c.AmountCents,
		Currency:         c.Currency,
		Reason:           string(c.Reason),
		Detail:           c.Detail,
		DetectedAt:       c.CreatedAt,
	})
	if err != nil {
		p.Logger.Error("publish reconciliation case", "case_id", c.ID, "error", err)
	}
}

func (p *Processor) count(o Outcome) {
	if p.Metrics != nil {
		p.Metrics.Notifications.WithLabelValues(string(o)).Inc()
	}
}

// Permanent reports whether err means the notification can never be applied
// and should not be redelivered.
func Permanent(err error) bool {
	return errors.Is(err, ErrInvalidNotification)
}
