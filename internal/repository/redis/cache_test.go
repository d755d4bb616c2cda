package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type summary struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
}

func TestGetOrSetJSON_LoadsOnMissAndServesFromCache(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := New(db)
	ctx := context.Background()
	key := KeyEventSummary(7)

	mock.ExpectGet(key).RedisNil()
	mock.ExpectGet(key).RedisNil()
	mock.ExpectSet(key, `{"id":7,"title":"Concert"}`, time.Minute).SetVal("OK")

	loads := 0
	loader := func(context.Context) (summary, error) {
		loads++
		return summary{ID: 7, Title: "Concert"}, nil
	}

	got, err := GetOrSetJSON(ctx, c, key, time.Minute, loader)
	require.NoError(t, err)
	assert.Equal(t, summary{ID: 7, Title: "Concert"}, got)

	mock.ExpectGet(key).SetVal(`{"id":7,"title":"Concert"}`)

	got, err = GetOrSetJSON(ctx, c, key, time.Minute, loader)
	require.NoError(t, err)
	assert.Equal(t, "Concert", got.Title)
	assert.Equal(t, 1, loads)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetOrSetJSON_LoaderErrorIsNotCached(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := New(db)
	key := KeyEventSummary(9)
	errBoom := errors.New("boom")

	mock.ExpectGet(key).RedisNil()
	mock.ExpectGet(key).RedisNil()

	_, err := GetOrSetJSON(context.Background(), c, key, time.Minute, func(context.Context) (summary, error) {
		return summary{}, errBoom
	})
	assert.ErrorIs(t, err, errBoom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInvalidateEvent(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := New(db)

	mock.ExpectDel(KeyEventSummary(3), KeyEventAvailability(3)).SetVal(2)

	require.NoError(t, c.InvalidateEvent(context.Background(), 3))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetOrSetJSON_CorruptEntryIsReloaded(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := New(db)
	key := KeyEventSummary(4)

	mock.ExpectGet(key).SetVal("not json")
	mock.ExpectGet(key).SetVal("not json")
	mock.ExpectSet(key, `{"id":4,"title":"Opera"}`, time.Minute).SetVal("OK")

	got, err := GetOrSetJSON(context.Background(), c, key, time.Minute, func(context.Context) (summary, error) {
		return summary{ID: 4, Title: "Opera"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Opera", got.Title)
	assert.NoError(t, mock.ExpectationsWereMet())
}
