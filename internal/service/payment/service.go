// Package payment keeps one payment record per reservation and moves it
// through the gateway's statuses.
package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/kirinyoku/tix-pay/internal/clock"
	"github.com/kirinyoku/tix-pay/internal/domain"
	"github.com/kirinyoku/tix-pay/internal/gateway"
	"github.com/kirinyoku/tix-pay/internal/repository"
	redisrepo "github.com/kirinyoku/tix-pay/internal/repository/redis"
	"github.com/kirinyoku/tix-pay/internal/service/reservation"
	"github.com/kirinyoku/tix-pay/internal/uow"
)

type Repository interface {
	Create(ctx context.Context, p *domain.Payment) (int64, error)
	GetByReservation(ctx context.Context, reservationID int64) (*domain.Payment, error)
	GetByReferenceForUpdate(ctx context.Context, ref string) (*domain.Payment, error)
	AttachReference(ctx context.Context, id int64, ref string) error
	UpdateStatus(ctx context.Context, id int64, status domain.PaymentStatus, failureReason string, processedAt time.Time) error
	ListByUser(ctx context.Context, userID int64) ([]domain.Payment, error)
}

type ReservationStore interface {
	Get(ctx context.Context, id int64) (*domain.Reservation, error)
	GetForUpdate(ctx context.Context, id int64) (*domain.Reservation, error)
	SetPaymentReference(ctx context.Context, id int64, ref string) error
}

// Locker guards intent creation per reservation.
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

type Config struct {
	Currency      string
	IntentLockTTL time.Duration
}

type Deps struct {
	UoW          uow.Runner
	Payments     Repository
	Reservations ReservationStore
	Gateway      gateway.Gateway
	Locker       Locker
	Clock        clock.Clock
	Logger       *slog.Logger
}

type Service struct {
	Deps
	cfg Config
}

func New(deps Deps, cfg Config) *Service {
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	if cfg.IntentLockTTL <= 0 {
		cfg.IntentLockTTL = 30 * time.Second
	}
	if deps.Clock == nil {
		deps.Clock = clock.System{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	return &Service{Deps: deps, cfg: cfg}
}

// GetOrCreateForReservation returns the reservation's payment, creating a
// pending one with the reservation's amount if none exists yet.
func (s *Service) GetOrCreateForReservation(ctx context.Context, r *domain.Reservation) (*domain.Payment, error) {
	const op = "service.payment.GetOrCreateForReservation"

	var out *domain.Payment

	err := s.UoW.Do(ctx, func(ctx context.Context, after func(uow.AfterCommit)) error {
		p, err := s.Payments.GetByReservation(ctx, r.ID)
		if err == nil {
			out = p
			return nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return err
		}

		currency := r.Currency
		if currency == "" {
			currency = s.cfg.Currency
		}

		_, err = s.Payments.Create(ctx, &domain.Payment{
			ReservationID: r.ID,
			AmountCents:   r.AmountCents,
			Currency:      currency,
			Status:        domain.PaymentPending,
		})
		if err != nil {
			return err
		}

		out, err = s.Payments.GetByReservation(ctx, r.ID)
		return err
	})
	if errors.Is(err, repository.ErrConflict) {
		// lost the insert race; the row is there now
		out, err = s.Payments.GetByReservation(ctx, r.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return out, nil
}

// AttachExternalReference stores the gateway reference on the payment and on
// its reservation. Attaching the reference already stored is a no-op.
//
// Returns:
//   - error: payment.ErrReferenceConflict if a different reference is attached
//     or the reference belongs to another payment.
func (s *Service) AttachExternalReference(ctx context.Context, p *domain.Payment, reference string) error {
	const op = "service.payment.AttachExternalReference"

	if p.ExternalReference == reference {
		return nil
	}

	err := s.UoW.Do(ctx, func(ctx context.Context, after func(uow.AfterCommit)) error {
		if err := s.Payments.AttachReference(ctx, p.ID, reference); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return ErrReferenceConflict
			}
			return err
		}

		if err := s.Reservations.SetPaymentReference(ctx, p.ReservationID, reference); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return ErrReferenceConflict
			}
			return err
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	p.ExternalReference = reference
	return nil
}

// StatusUpdate is a gateway status report for one payment.
type StatusUpdate struct {
	RawStatus     string
	FailureReason string
	OccurredAt    time.Time
}

// ApplyGatewayStatus moves the payment identified by reference to the status
// the gateway reported. Statuses never move backwards and terminal statuses
// are frozen; such updates are ignored and reported as unchanged.
//
// Returns:
//   - *domain.Payment: the payment after the update.
//   - bool: whether the status changed.
//   - error: payment.ErrPaymentNotFound if no payment carries the reference.
func (s *Service) ApplyGatewayStatus(ctx context.Context, reference string, u StatusUpdate) (*domain.Payment, bool, error) {
	const op = "service.payment.ApplyGatewayStatus"

	var (
		out     *domain.Payment
		changed bool
	)

	err := s.UoW.Do(ctx, func(ctx context.Context, after func(uow.AfterCommit)) error {
		changed = false

		p, err := s.Payments.GetByReferenceForUpdate(ctx, reference)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrPaymentNotFound
			}
			return err
		}
		out = p

		next := domain.MapGatewayStatus(u.RawStatus)
		if !p.Status.CanTransitionTo(next) {
			return nil
		}

		var reason string
		if next == domain.PaymentFailed {
			reason = u.FailureReason
		}
		now := s.Clock.Now()

		if err := s.Payments.UpdateStatus(ctx, p.ID, next, reason, now); err != nil {
			return err
		}

		p.Status = next
		p.FailureReason = reason
		p.ProcessedAt = &now
		changed = true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("%s:%w", op, err)
	}

	return out, changed, nil
}

// RequestPaymentIntent returns a gateway payment intent for the user's pending
// reservation. A reservation keeps a single intent: repeated requests get the
// one created first.
//
// Returns:
//   - error: payment.ErrIntentInProgress if another request for the
//     reservation is running.
//   - error: reservation.ErrReservationNotFound, reservation.ErrUnauthorizedAccess
//     or reservation.ErrInvalidReservationState.
//   - error: gateway.ErrCommunication if the gateway could not be reached.
func (s *Service) RequestPaymentIntent(ctx context.Context, reservationID, userID int64) (domain.PaymentIntent, error) {
	const op = "service.payment.RequestPaymentIntent"

	if s.Locker != nil {
		key := redisrepo.KeyIntentLock(reservationID)

		ok, err := s.Locker.AcquireLock(ctx, key, s.cfg.IntentLockTTL)
		if err != nil {
			return domain.PaymentIntent{}, fmt.Errorf("%s:%w", op, err)
		}
		if !ok {
			return domain.PaymentIntent{}, fmt.Errorf("%s:%w", op, ErrIntentInProgress)
		}
		defer func() {
			if err := s.Locker.Release(context.WithoutCancel(ctx), key); err != nil {
				s.Logger.Warn("release intent lock", "reservation_id", reservationID, "error", err)
			}
		}()
	}

	var p *domain.Payment

	err := s.UoW.Do(ctx, func(ctx context.Context, after func(uow.AfterCommit)) error {
		r, err := s.Reservations.GetForUpdate(ctx, reservationID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return reservation.ErrReservationNotFound
			}
			return err
		}

		if !r.OwnedBy(userID) {
			return reservation.ErrUnauthorizedAccess
		}
		if r.Status != domain.ReservationPending {
			return &reservation.StateError{ReservationID: r.ID, Status: r.Status, Action: "pay for"}
		}

		p, err = s.GetOrCreateForReservation(ctx, r)
		return err
	})
	if err != nil {
		return domain.PaymentIntent{}, fmt.Errorf("%s:%w", op, err)
	}

	if p.ExternalReference != "" {
		intent, err := s.Gateway.GetPaymentIntent(ctx, p.ExternalReference)
		if err != nil {
			return domain.PaymentIntent{}, fmt.Errorf("%s:%w", op, err)
		}
		return intent, nil
	}

	intent, err := s.Gateway.CreatePaymentIntent(ctx, gateway.IntentRequest{
		AmountCents: p.AmountCents,
		Currency:    p.Currency,
		Metadata: map[string]string{
			"reservation_id": strconv.FormatInt(reservationID, 10),
			"user_id":        strconv.FormatInt(userID, 10),
			"payment_id":     strconv.FormatInt(p.ID, 10),
		},
		IdempotencyKey: fmt.Sprintf("reservation-%d-payment-%d", reservationID, p.ID),
	})
	if err != nil {
		return domain.PaymentIntent{}, fmt.Errorf("%s:%w", op, err)
	}

	if err := s.AttachExternalReference(ctx, p, intent.ExternalReference); err != nil {
		return domain.PaymentIntent{}, fmt.Errorf("%s:%w", op, err)
	}

	s.Logger.Info("payment intent created",
		"reservation_id", reservationID, "payment_id", p.ID, "reference", intent.ExternalReference)

	return intent, nil
}

// GetForReservation returns the payment of the user's reservation.
func (s *Service) GetForReservation(ctx context.Context, reservationID, userID int64) (*domain.Payment, error) {
	const op = "service.payment.GetForReservation"

	r, err := s.Reservations.Get(ctx, reservationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%s:%w", op, reservation.ErrReservationNotFound)
		}
		return nil, fmt.Errorf("%s:%w", op, err)
	}
	if !r.OwnedBy(userID) {
		return nil, fmt.Errorf("%s:%w", op, reservation.ErrUnauthorizedAccess)
	}

	p, err := s.Payments.GetByReservation(ctx, reservationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%s:%w", op, ErrPaymentNotFound)
		}
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return p, nil
}

func (s *Service) ListByUser(ctx context.Context, userID int64) ([]domain.Payment, error) {
	const op = "service.payment.ListByUser"

	out, err := s.Payments.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return out, nil
}
