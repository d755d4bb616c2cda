package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/kirinyoku/tix-pay/internal/config"
	"github.com/kirinyoku/tix-pay/internal/domain"
	"github.com/kirinyoku/tix-pay/internal/gateway"
	"github.com/kirinyoku/tix-pay/internal/metrics"
	"github.com/kirinyoku/tix-pay/internal/postgres"
	"github.com/kirinyoku/tix-pay/internal/queue"
	"github.com/kirinyoku/tix-pay/internal/redis"
	postgresrepo "github.com/kirinyoku/tix-pay/internal/repository/postgres"
	redisrepo "github.com/kirinyoku/tix-pay/internal/repository/redis"
	"github.com/kirinyoku/tix-pay/internal/service"
	"github.com/kirinyoku/tix-pay/internal/service/notification"
	"github.com/kirinyoku/tix-pay/internal/service/payment"
	"github.com/kirinyoku/tix-pay/internal/service/query"
	"github.com/kirinyoku/tix-pay/internal/service/reservation"
	httpgin "github.com/kirinyoku/tix-pay/internal/transport/http/gin"
	"github.com/kirinyoku/tix-pay/migrations"
)

type App struct {
	cfg        *config.Config
	logger     *slog.Logger
	httpServer *http.Server
	services   *service.Services
	consumer   *queue.NotificationConsumer

	pool      *pgxpool.Pool
	rdb       *goredis.Client
	publisher *queue.Publisher
}

func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	pgCfg := postgres.Config{
		User:            cfg.Postgres.User,
		Password:        cfg.Postgres.Password,
		Name:            cfg.Postgres.Name,
		Host:            cfg.Postgres.Host,
		Port:            cfg.Postgres.Port,
		SSLMode:         cfg.Postgres.SSLMode,
		MaxConns:        cfg.Postgres.MaxConns,
		ConnectAttempts: 5,
	}

	if cfg.Postgres.MigrateOnStart {
		if err := migrations.Up(pgCfg.DSN()); err != nil {
			return nil, fmt.Errorf("failed to apply migrations: %w", err)
		}
		logger.Info("migrations applied")
	}

	pgxPool, err := postgres.New(ctx, pgCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize postgres: %w", err)
	}

	rdb, err := redis.New(ctx, redis.Config{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	if err != nil {
		pgxPool.Close()
		return nil, fmt.Errorf("failed to initialize redis: %w", err)
	}

	a := &App{cfg: cfg, logger: logger, pool: pgxPool, rdb: rdb}

	// Initialize repositories
	store := postgresrepo.NewStore(pgxPool)
	cache := redisrepo.New(rdb)
	pubsub := redisrepo.NewEventsPubSub(rdb)
	limiter := redisrepo.NewSlidingWindowLimiter(rdb, "reservations", cfg.Reservation.RateLimit, cfg.Reservation.RateWindow)
	idempotencyStore := redisrepo.NewIdempotencyStore(rdb, 2*time.Hour)
	m := metrics.New()

	var publisher service.Publisher = queue.Noop{}
	if cfg.RabbitMQ.URL != "" {
		a.publisher = queue.NewPublisher(cfg.RabbitMQ.URL)
		publisher = a.publisher
	} else {
		logger.Warn("RABBITMQ_URL is empty, domain events will not be published")
	}

	gw, decoder := newGateway(cfg.Gateway)

	// Initialize services
	a.services = service.NewServices(service.Deps{
		Store:       store,
		Cache:       cache,
		PubSub:      pubsub,
		Limiter:     limiter,
		Idempotency: idempotencyStore,
		Gateway:     gw,
		Publisher:   publisher,
		Metrics:     m,
		Logger:      logger,
	}, service.Config{
		Reservation: reservation.Config{
			PendingTTL:    cfg.Reservation.PendingTTL,
			SweepInterval: cfg.Reservation.SweepInterval,
			MaxTickets:    cfg.Reservation.MaxTickets,
			Currency:      cfg.Gateway.Currency,
		},
		Payment: payment.Config{Currency: cfg.Gateway.Currency},
		Query:   query.Config{},
	})

	opts := httpgin.Options{
		Idempotency: idempotencyStore,
		Webhooks:    decoder,
		Metrics:     m,
		JWTSecret:   cfg.Auth.JWTSecret,
		Logger:      logger.With("component", "http"),
	}

	if cfg.Notifications.Ingress == config.IngressQueue {
		opts.Enqueue = a.publisher
		a.consumer = queue.NewNotificationConsumer(queue.ConsumerConfig{
			URL:       cfg.RabbitMQ.URL,
			Permanent: notification.Permanent,
		}, a.handleNotification, logger.With("component", "consumer"))
	}

	// Initialize Gin router
	router := httpgin.NewRouter(a.services, opts)

	a.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return a, nil
}

// newGateway returns the configured payment gateway. Each adapter also verifies
// its own webhooks.
func newGateway(cfg config.GatewayConfig) (gateway.Gateway, gateway.WebhookDecoder) {
	if cfg.Provider == config.GatewayStripe {
		s := gateway.NewStripe(cfg.SecretKey, cfg.WebhookSecret)
		return s, s
	}
	s := gateway.NewSandbox(cfg.WebhookSecret)
	return s, s
}

func (a *App) handleNotification(ctx context.Context, n domain.Notification) error {
	_, err := a.services.Notification.Handle(ctx, n)
	return err
}

func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	defer a.close()

	g, gCtx := errgroup.WithContext(ctx)

	// Start HTTP server
	g.Go(func() error {
		a.logger.Info("HTTP server listening", "host", a.cfg.Server.Host, "port", a.cfg.Server.Port)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
		return nil
	})

	// Expire abandoned pending reservations
	g.Go(func() error {
		return a.services.Reservation.RunExpirySweep(gCtx)
	})

	// Apply queued gateway notifications
	if a.consumer != nil {
		g.Go(func() error {
			a.logger.Info("notification consumer started", "queue", queue.QueuePaymentNotifications)
			return a.consumer.Run(gCtx)
		})
	}

	// Graceful shutdown
	g.Go(func() error {
		<-gCtx.Done()
		a.logger.Info("shutting down HTTP server")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.httpServer.Shutdown(ctx)
	})

	return g.Wait()
}

func (a *App) close() {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("failed to close rabbitmq publisher", "error", err)
		}
	}
	if err := a.rdb.Close(); err != nil {
		a.logger.Warn("failed to close redis client", "error", err)
	}
	a.pool.Close()
}
