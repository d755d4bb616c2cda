package service

import (
	"context"
	"log/slog"

	"github.com/kirinyoku/tix-pay/internal/clock"
	"github.com/kirinyoku/tix-pay/internal/gateway"
	"github.com/kirinyoku/tix-pay/internal/metrics"
	postgres "github.com/kirinyoku/tix-pay/internal/repository/postgres"
	redis "github.com/kirinyoku/tix-pay/internal/repository/redis"
	"github.com/kirinyoku/tix-pay/internal/service/admin"
	"github.com/kirinyoku/tix-pay/internal/service/inventory"
	"github.com/kirinyoku/tix-pay/internal/service/notification"
	"github.com/kirinyoku/tix-pay/internal/service/payment"
	"github.com/kirinyoku/tix-pay/internal/service/query"
	"github.com/kirinyoku/tix-pay/internal/service/reservation"
	"github.com/kirinyoku/tix-pay/internal/uow"
)

type Services struct {
	Reservation  *reservation.Service
	Payment      *payment.Service
	Notification *notification.Processor
	Query        *query.Service
	Admin        *admin.Service
}

type Config struct {
	Reservation reservation.Config
	Payment     payment.Config
	Query       query.Config
}

type Publisher interface {
	Publish(ctx context.Context, queue string, payload any) error
}

type Deps struct {
	Store       *postgres.Store
	Cache       *redis.Cache
	PubSub      *redis.EventsPubSub
	Limiter     *redis.SlidingWindowLimiter
	Idempotency *redis.IdempotencyStore
	Gateway     gateway.Gateway
	Publisher   Publisher
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

func NewServices(deps Deps, cfg Config) *Services {
	store := deps.Store
	work := uow.NewUoW(store)
	clk := clock.System{}

	reservations := reservation.New(reservation.Deps{
		UoW:          work,
		Reservations: store.Reservations(),
		Events:       store.Events(),
		Payments:     store.Payments(),
		Ledger:       inventory.NewLedger(store.Events(), deps.Metrics),
		Cache:        deps.Cache,
		Notifier:     deps.PubSub,
		Publisher:    deps.Publisher,
		Limiter:      deps.Limiter,
		Metrics:      deps.Metrics,
		Clock:        clk,
		Logger:       deps.Logger.With("component", "reservation"),
	}, cfg.Reservation)

	payments := payment.New(payment.Deps{
		UoW:          work,
		Payments:     store.Payments(),
		Reservations: store.Reservations(),
		Gateway:      deps.Gateway,
		Locker:       deps.Idempotency,
		Clock:        clk,
		Logger:       deps.Logger.With("component", "payment"),
	}, cfg.Payment)

	processor := notification.NewProcessor(notification.Deps{
		UoW:             work,
		Ledger:          store.Notifications(),
		Payments:        payments,
		Reservations:    reservations,
		Reconciliations: store.Reconciliations(),
		Publisher:       deps.Publisher,
		Metrics:         deps.Metrics,
		Clock:           clk,
		Logger:          deps.Logger.With("component", "notification"),
	})

	return &Services{
		Reservation:  reservations,
		Payment:      payments,
		Notification: processor,
		Query:        query.New(store.Events(), deps.Cache, cfg.Query),
		Admin: admin.New(admin.Deps{
			UoW:             work,
			Events:          store.Events(),
			Reconciliations: store.Reconciliations(),
			Reservations:    reservations,
			Cache:           deps.Cache,
			Notifier:        deps.PubSub,
			Clock:           clk,
			Logger:          deps.Logger.With("component", "admin"),
		}, cfg.Payment.Currency),
	}
}
