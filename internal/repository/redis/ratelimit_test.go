package redis

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, limit int) (*SlidingWindowLimiter, redismock.ClientMock) {
	t.Helper()
	db, mock := redismock.NewClientMock()
	l := NewSlidingWindowLimiter(db, "reservations", limit, time.Minute)
	now := time.UnixMilli(1_700_000_000_000)
	l.now = func() time.Time { return now }
	l.member = func() string { return "hit" }
	return l, mock
}

func TestSlidingWindowLimiter_Allow(t *testing.T) {
	l, mock := newTestLimiter(t, 3)
	key := KeyRateLimit("reservations", "user:7")

	mock.ExpectEvalSha(l.script.Hash(), []string{key}, int64(1_700_000_000_000), int64(60_000), 3, "hit").
		SetVal([]interface{}{int64(1), int64(2), int64(0)})

	allowed, current, retry, err := l.Allow(context.Background(), "user:7")
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, int64(2), current)
	assert.Zero(t, retry)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSlidingWindowLimiter_Rejects(t *testing.T) {
	l, mock := newTestLimiter(t, 3)
	key := KeyRateLimit("reservations", "user:7")

	mock.ExpectEvalSha(l.script.Hash(), []string{key}, int64(1_700_000_000_000), int64(60_000), 3, "hit").
		SetVal([]interface{}{int64(0), int64(3), int64(12_500)})

	allowed, _, retry, err := l.Allow(context.Background(), "user:7")
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, 12500*time.Millisecond, retry)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSlidingWindowLimiter_Disabled(t *testing.T) {
	l, mock := newTestLimiter(t, 0)

	allowed, _, _, err := l.Allow(context.Background(), "user:7")
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.NoError(t, mock.ExpectationsWereMet())
}
