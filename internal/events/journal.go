package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisJournal appends events to a capped Redis stream.
type RedisJournal struct {
	R      redis.UniversalClient
	Stream string
	MaxLen int64
}

func (j RedisJournal) stream() string {
	if j.Stream == "" {
		return "pos:events"
	}
	return j.Stream
}

// Append adds ev to the stream and returns it with the stream entry id.
func (j RedisJournal) Append(ctx context.Context, ev Event) (Event, error) {
	if j.R == nil {
		return Event{}, errors.New("events: redis client not configured")
	}
	args := &redis.XAddArgs{
		Stream: j.stream(),
		Values: map[string]any{
			"id":           ev.ID,
			"topic":        ev.Topic,
			"aggregate_id": ev.AggregateID,
			"payload":      string(ev.Payload),
			"occurred_at":  ev.OccurredAt.Format(time.RFC3339Nano),
		},
	}
	if j.MaxLen > 0 {
		args.MaxLen = j.MaxLen
		args.Approx = true
	}
	if _, err := j.R.XAdd(ctx, args).Result(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// Recent returns up to n of the newest events, newest first.
func (j RedisJournal) Recent(ctx context.Context, n int64) ([]Event, error) {
	if j.R == nil {
		return nil, errors.New("events: redis client not configured")
	}
	if n <= 0 {
		n = 50
	}
	msgs, err := j.R.XRevRangeN(ctx, j.stream(), "+", "-", n).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(msgs))
	for _, msg := range msgs {
		ev, err := decodeEntry(msg.Values)
		if err != nil {
			return nil, fmt.Errorf("events: entry %s: %w", msg.ID, err)
		}
		out = append(out, ev)
	}
	return out, nil
}

func decodeEntry(values map[string]any) (Event, error) {
	str := func(k string) string {
		s, _ := values[k].(string)
		return s
	}
	at, err := time.Parse(time.RFC3339Nano, str("occurred_at"))
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:          str("id"),
		Topic:       str("topic"),
		AggregateID: str("aggregate_id"),
		Payload:     json.RawMessage(str("payload")),
		OccurredAt:  at,
	}, nil
}

// LogNotifier writes every event to the structured log.
type LogNotifier struct {
	Logger zerolog.Logger
}

// Notify logs ev at info level.
func (n LogNotifier) Notify(_ context.Context, ev Event) error {
	n.Logger.Info().
		Str("event_id", ev.ID).
		Str("topic", ev.Topic).
		Str("aggregate_id", ev.AggregateID).
		RawJSON("payload", ev.Payload).
		Msg("session_event")
	return nil
}
