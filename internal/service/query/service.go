package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kirinyoku/tix-pay/internal/domain"
	"github.com/kirinyoku/tix-pay/internal/repository"
	redisrepo "github.com/kirinyoku/tix-pay/internal/repository/redis"
)

var ErrEventNotFound = errors.New("event not found")

type Config struct {
	EventSummaryTTL time.Duration
	AvailabilityTTL time.Duration
}

type EventReader interface {
	Get(ctx context.Context, id int64) (*domain.Event, error)
}

type Service struct {
	events EventReader
	cache  *redisrepo.Cache
	cfg    Config
}

// New builds the read service. A nil cache reads straight from the store.
func New(events EventReader, cache *redisrepo.Cache, cfg Config) *Service {
	if cfg.EventSummaryTTL <= 0 {
		cfg.EventSummaryTTL = 60 * time.Second
	}

	if cfg.AvailabilityTTL <= 0 {
		cfg.AvailabilityTTL = 5 * time.Second
	}

	return &Service{
		events: events,
		cache:  cache,
		cfg:    cfg,
	}
}

// GetEvent retrieves an event by its ID, utilizing a caching layer to improve performance.
//
// Returns:
//   - *domain.Event: the retrieved event.
//   - error: query.ErrEventNotFound if the event is not found.
func (s *Service) GetEvent(ctx context.Context, id int64) (*domain.Event, error) {
	const op = "service.query.GetEvent"

	event, err := cached(ctx, s.cache, redisrepo.KeyEventSummary(id), s.cfg.EventSummaryTTL,
		func(ctx context.Context) (domain.Event, error) {
			return s.load(ctx, id)
		})
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return &event, nil
}

// Availability returns the event's ticket counters. The cached copy lives
// shorter than the event summary and is dropped on every inventory change.
func (s *Service) Availability(ctx context.Context, eventID int64) (*domain.Availability, error) {
	const op = "service.query.Availability"

	a, err := cached(ctx, s.cache, redisrepo.KeyEventAvailability(eventID), s.cfg.AvailabilityTTL,
		func(ctx context.Context) (domain.Availability, error) {
			e, err := s.load(ctx, eventID)
			if err != nil {
				return domain.Availability{}, err
			}
			return e.Availability(), nil
		})
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return &a, nil
}

func (s *Service) load(ctx context.Context, id int64) (domain.Event, error) {
	e, err := s.events.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.Event{}, ErrEventNotFound
		}
		return domain.Event{}, err
	}
	return *e, nil
}

func cached[T any](
	ctx context.Context,
	c *redisrepo.Cache,
	key string,
	ttl time.Duration,
	loader func(ctx context.Context) (T, error),
) (T, error) {
	if c == nil {
		return loader(ctx)
	}
	return redisrepo.GetOrSetJSON(ctx, c, key, ttl, loader)
}
