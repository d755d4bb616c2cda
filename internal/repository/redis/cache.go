package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// Cache holds JSON read models of events. Entries are only hints: the ledger
// in Postgres stays authoritative and every committed inventory change drops
// the event's entries.
type Cache struct {
	rdb *redis.Client
	sf  singleflight.Group
}

func New(client *redis.Client) *Cache {
	return &Cache{rdb: client}
}

func getJSON[T any](ctx context.Context, c *Cache, key string) (T, bool, error) {
	var out T

	b, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return out, false, nil
	}
	if err != nil {
		return out, false, err
	}

	// an entry that no longer decodes is treated as a miss and overwritten
	if err := json.Unmarshal(b, &out); err != nil {
		var zero T
		return zero, false, nil
	}

	return out, true, nil
}

func setJSON(ctx context.Context, c *Cache, key string, val any, ttl time.Duration) error {
	b, err := json.Marshal(val)
	if err != nil {
		return err
	}

	return c.rdb.Set(ctx, key, string(b), ttl).Err()
}

// GetOrSetJSON returns the cached value under key, or loads, stores and returns
// it. Concurrent misses on one key share a single load. Write failures are
// swallowed because the loaded value is still correct.
func GetOrSetJSON[T any](
	ctx context.Context,
	c *Cache,
	key string,
	ttl time.Duration,
	loader func(ctx context.Context) (T, error),
) (T, error) {
	const op = "redis.GetOrSetJSON"

	var zero T

	if v, ok, err := getJSON[T](ctx, c, key); err != nil || ok {
		return v, err
	}

	vAny, err, _ := c.sf.Do(key, func() (any, error) {
		// the first caller's cancellation must not fail the callers sharing this load
		loadCtx := context.WithoutCancel(ctx)

		if v, ok, err := getJSON[T](loadCtx, c, key); err != nil || ok {
			return v, err
		}

		v, err := loader(loadCtx)
		if err != nil {
			return nil, err
		}
		_ = setJSON(loadCtx, c, key, v, ttl)
		return v, nil
	})
	if err != nil {
		return zero, err
	}

	v, ok := vAny.(T)
	if !ok {
		return zero, fmt.Errorf("%s: unexpected %T for %s", op, vAny, key)
	}

	return v, nil
}

// InvalidateEvent drops every cached view of the event. It runs after each
// committed inventory change.
func (c *Cache) InvalidateEvent(ctx context.Context, eventID int64) error {
	return c.rdb.Del(
		ctx,
		KeyEventSummary(eventID),
		KeyEventAvailability(eventID),
	).Err()
}
