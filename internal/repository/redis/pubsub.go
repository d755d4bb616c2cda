package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const msgEventChanged = "event_changed"

// EventsPubSub tells subscribers that an event's availability moved. The
// message carries no counts; readers fetch fresh availability.
type EventsPubSub struct {
	rdb     *redis.Client
	channel string
	now     func() time.Time
}

func NewEventsPubSub(rdb *redis.Client) *EventsPubSub {
	return &EventsPubSub{
		rdb:     rdb,
		channel: ChannelEventsChanged(),
		now:     time.Now,
	}
}

type EventChanged struct {
	Type    string `json:"type"`
	EventID int64  `json:"event_id"`
	TsUnix  int64  `json:"ts_unix"`
}

func (p *EventsPubSub) PublishEventChanged(ctx context.Context, eventID int64) error {
	const op = "redis.EventsPubSub.PublishEventChanged"

	b, err := json.Marshal(EventChanged{
		Type:    msgEventChanged,
		EventID: eventID,
		TsUnix:  p.now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	if err := p.rdb.Publish(ctx, p.channel, b).Err(); err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	return nil
}
