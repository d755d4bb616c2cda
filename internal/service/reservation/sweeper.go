package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kirinyoku/tix-pay/internal/domain"
	"github.com/kirinyoku/tix-pay/internal/repository"
	"github.com/kirinyoku/tix-pay/internal/uow"
)

// ExpireStale expires pending reservations created more than ttl ago whose
// payment has not reached the gateway. It returns how many were expired.
func (s *Service) ExpireStale(ctx context.Context, ttl time.Duration) (int, error) {
	const op = "service.reservation.ExpireStale"

	ids, err := s.Reservations.ListStalePending(ctx, s.Clock.Now().Add(-ttl), s.cfg.SweepBatch)
	if err != nil {
		return 0, fmt.Errorf("%s:%w", op, err)
	}

	expired := 0
	for _, id := range ids {
		var done bool

		err := s.UoW.Do(ctx, func(ctx context.Context, after func(uow.AfterCommit)) error {
			done = false

			r, err := s.lock(ctx, id)
			if err != nil {
				return err
			}
			if r.Status != domain.ReservationPending {
				return nil
			}

			if s.Payments != nil {
				p, err := s.Payments.GetByReservation(ctx, id)
				switch {
				case errors.Is(err, repository.ErrNotFound):
				case err != nil:
					return err
				case p.Status == domain.PaymentProcessing || p.Status == domain.PaymentSucceeded:
					return nil
				}
			}

			if err := s.transition(ctx, r, domain.ReservationExpired, "expire"); err != nil {
				return err
			}
			done = true
			return nil
		})
		if err != nil {
			return expired, fmt.Errorf("%s: reservation %d: %w", op, id, err)
		}
		if done {
			expired++
		}
	}

	if expired > 0 {
		if s.Metrics != nil {
			s.Metrics.Reservations.WithLabelValues("expired").Add(float64(expired))
		}
	}

	return expired, nil
}

// RunExpirySweep expires stale pending reservations every SweepInterval until
// ctx is done. It returns immediately when PendingTTL is zero.
func (s *Service) RunExpirySweep(ctx context.Context) error {
	if s.cfg.PendingTTL <= 0 {
		return nil
	}

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	s.Logger.Info("reservation expiry sweep started", "ttl", s.cfg.PendingTTL, "interval", s.cfg.SweepInterval)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.ExpireStale(ctx, s.cfg.PendingTTL)
			if err != nil {
				s.Logger.Error("reservation expiry sweep", "error", err)
				continue
			}
			if n > 0 {
				s.Logger.Info("expired stale reservations", "count", n)
			}
		}
	}
}
