package events_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/pos-terminal/internal/events"
)

type captureNotifier struct {
	events []events.Event
	err    error
}

func (c *captureNotifier) Notify(_ context.Context, ev events.Event) error {
	c.events = append(c.events, ev)
	return c.err
}

func newJournal(t *testing.T) events.RedisJournal {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return events.RedisJournal{R: client, Stream: "test:events", MaxLen: 100}
}

func TestEmitJournalsAndNotifies(t *testing.T) {
	journal := newJournal(t)
	notifier := &captureNotifier{}
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	bus := events.Bus{Store: journal, Notifiers: []events.Notifier{notifier}, Now: func() time.Time { return fixed }}

	ctx := context.Background()
	ev, err := bus.Emit(ctx, events.TopicTenderCaptured, "sess-1", map[string]any{"method": "cash"})
	require.NoError(t, err)
	require.NotEmpty(t, ev.ID)
	require.Len(t, notifier.events, 1)
	require.Equal(t, ev.ID, notifier.events[0].ID)

	_, err = bus.Emit(ctx, events.TopicSessionCompleted, "sess-1", nil)
	require.NoError(t, err)

	recent, err := journal.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	require.Equal(t, events.TopicSessionCompleted, recent[0].Topic)
	require.Equal(t, events.TopicTenderCaptured, recent[1].Topic)
	require.JSONEq(t, `{"method":"cash"}`, string(recent[1].Payload))
	require.True(t, fixed.Equal(recent[1].OccurredAt))
}

func TestEmitValidatesInput(t *testing.T) {
	bus := events.Bus{}
	ctx := context.Background()

	_, err := bus.Emit(ctx, " ", "sess", nil)
	require.Error(t, err)
	_, err = bus.Emit(ctx, events.TopicSessionStarted, "", nil)
	require.Error(t, err)
	_, err = bus.Emit(ctx, events.TopicSessionStarted, "sess", "{not json")
	require.Error(t, err)

	ev, err := bus.Emit(ctx, events.TopicSessionStarted, "sess", json.RawMessage(nil))
	require.NoError(t, err)
	require.Equal(t, "{}", string(ev.Payload))
}

func TestNotifierErrorsAreJoined(t *testing.T) {
	boom := errors.New("boom")
	first := &captureNotifier{err: boom}
	second := &captureNotifier{}
	bus := events.Bus{Notifiers: []events.Notifier{first, nil, second}}

	ev, err := bus.Emit(context.Background(), events.TopicSessionAbandoned, "sess", nil)
	require.ErrorIs(t, err, boom)
	require.NotEmpty(t, ev.ID)
	require.Len(t, second.events, 1, "later notifiers still run")
}

func TestLogNotifierWritesTopic(t *testing.T) {
	var buf bytes.Buffer
	n := events.LogNotifier{Logger: zerolog.New(&buf)}
	require.NoError(t, n.Notify(context.Background(), events.Event{ID: "e1", Topic: events.TopicSessionFaulted, AggregateID: "s", Payload: json.RawMessage(`{"a":1}`)}))
	require.Contains(t, buf.String(), `"topic":"payment.session_faulted"`)
	require.Contains(t, buf.String(), `"payload":{"a":1}`)
}
