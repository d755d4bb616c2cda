package redis

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	lockValue    = "LOCK"
	resultPrefix = "RES:"
)

// luaReleaseLock deletes KEYS[1] only while it still holds the lock marker, so
// a saved result is never dropped by a late Release.
const luaReleaseLock = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`

// IdempotencyStore keeps one value per key. The value is first a lock held
// while the request runs and then the saved response for replays. Reservation
// creation and payment-intent requests share it.
type IdempotencyStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewIdempotencyStore(rdb *redis.Client, ttl time.Duration) *IdempotencyStore {
	return &IdempotencyStore{rdb: rdb, ttl: ttl}
}

// AcquireLock claims key for lockTTL. It reports false when another request
// holds the lock or a result is already saved.
func (s *IdempotencyStore) AcquireLock(ctx context.Context, key string, lockTTL time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, key, lockValue, lockTTL).Result()
}

// SaveResult replaces the lock with the response payload for the store TTL.
func (s *IdempotencyStore) SaveResult(ctx context.Context, key string, jsonPayload string) error {
	return s.rdb.Set(ctx, key, resultPrefix+jsonPayload, s.ttl).Err()
}

// GetResult returns a saved payload. A held lock is reported as not found.
func (s *IdempotencyStore) GetResult(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	payload, ok := strings.CutPrefix(v, resultPrefix)
	if !ok {
		return "", false, nil
	}

	return payload, true, nil
}

// Release drops a lock after a failed request so a retry can run.
func (s *IdempotencyStore) Release(ctx context.Context, key string) error {
	return s.rdb.Eval(ctx, luaReleaseLock, []string{key}, lockValue).Err()
}
