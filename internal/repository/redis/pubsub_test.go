package redis

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishEventChanged(t *testing.T) {
	db, mock := redismock.NewClientMock()
	p := NewEventsPubSub(db)
	p.now = func() time.Time { return time.Unix(1_700_000_000, 0) }

	mock.ExpectPublish(ChannelEventsChanged(), []byte(`{"type":"event_changed","event_id":12,"ts_unix":1700000000}`)).SetVal(1)

	require.NoError(t, p.PublishEventChanged(context.Background(), 12))
	assert.NoError(t, mock.ExpectationsWereMet())
}
