package sse

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/aguimesh/core"
	"github.com/hupe1980/aguimesh/internal/testutil"
	"github.com/hupe1980/aguimesh/protocol"
)

// blockingSource yields events and then blocks until its context is
// cancelled, closing cancelled when that happens.
func blockingSource(cancelled chan struct{}, events ...core.Event) core.EventSource {
	i := 0
	return core.SourceFunc[core.Event](func(ctx context.Context) (core.Event, error) {
		if i < len(events) {
			i++
			return events[i-1], nil
		}
		<-ctx.Done()
		close(cancelled)
		return core.Event{}, ctx.Err()
	})
}

// delayedSource waits delay before yielding its first event.
func delayedSource(delay time.Duration, events ...core.Event) core.EventSource {
	waited := false
	inner := core.FromSlice(events...)
	return core.SourceFunc[core.Event](func(ctx context.Context) (core.Event, error) {
		if !waited {
			waited = true
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return core.Event{}, ctx.Err()
			}
		}
		return inner.Next(ctx)
	})
}

func parse(t *testing.T, w *testutil.RecordingWriter) []testutil.Record {
	t.Helper()
	recs, err := testutil.ParseSSE(w.Bytes())
	require.NoError(t, err)
	return recs
}

func eventsOf(recs []testutil.Record) []core.Event {
	var out []core.Event
	for _, r := range recs {
		if !r.IsKeepalive() {
			out = append(out, r.Event)
		}
	}
	return out
}

func TestTransport_StreamsValidatedRun(t *testing.T) {
	src := protocol.New(testutil.NewEventBuilder().Text("m1", "Hi").Source(), func(o *protocol.Options) {
		o.RunID, o.ThreadID = "r1", "t1"
	})
	var observed []core.Kind
	tr := New(func(o *Options) {
		o.Observers = append(o.Observers, func(ev core.Event) { observed = append(observed, ev.Kind) })
	})
	w := &testutil.RecordingWriter{}

	res, err := tr.Stream(context.Background(), w, src)
	require.NoError(t, err)

	want := []core.Kind{
		core.KindRunStarted, core.KindTextMessageStart, core.KindTextMessageContent,
		core.KindTextMessageEnd, core.KindRunFinished,
	}
	recs := parse(t, w)
	assert.Equal(t, want, testutil.Kinds(eventsOf(recs)))
	assert.Len(t, recs, 5)
	assert.Equal(t, want, observed)
	assert.Equal(t, 5, w.Flushes())
	assert.Equal(t, core.RunStatusCompleted, res.Status)
	assert.Equal(t, 5, res.Events)
	assert.Equal(t, core.KindRunFinished, res.Terminal.Kind)
	assert.Equal(t, "r1", res.Terminal.RunID)
}

func TestTransport_KeepaliveWhileIdle(t *testing.T) {
	src := protocol.New(delayedSource(120*time.Millisecond, core.Custom("late", 1)))
	tr := New(func(o *Options) { o.KeepaliveInterval = 25 * time.Millisecond })
	w := &testutil.RecordingWriter{}

	res, err := tr.Stream(context.Background(), w, src)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, res.Keepalives, 2)

	recs := parse(t, w)
	require.NotEmpty(t, recs)
	last := recs[len(recs)-1]
	assert.False(t, last.IsKeepalive())
	assert.Equal(t, core.KindRunFinished, last.Event.Kind)

	// Nothing is written once the terminal event went out.
	n := len(w.Bytes())
	time.Sleep(60 * time.Millisecond)
	assert.Len(t, w.Bytes(), n)
}

func TestTransport_KeepaliveResetByEvents(t *testing.T) {
	// Events arrive faster than the keepalive interval.
	events := make([]core.Event, 0, 10)
	for i := 0; i < 10; i++ {
		events = append(events, core.Custom("tick", i))
	}
	i := 0
	src := core.SourceFunc[core.Event](func(ctx context.Context) (core.Event, error) {
		if i == len(events) {
			return core.RunFinished("r", ""), nil
		}
		time.Sleep(10 * time.Millisecond)
		i++
		return events[i-1], nil
	})
	tr := New(func(o *Options) { o.KeepaliveInterval = 50 * time.Millisecond })
	res, err := tr.Stream(context.Background(), &testutil.RecordingWriter{}, src)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Keepalives)
	assert.Equal(t, 11, res.Events)
}

func TestTransport_TimeoutClosesOpenEntities(t *testing.T) {
	cancelled := make(chan struct{})
	src := blockingSource(cancelled,
		core.RunStarted("r1", "t1"),
		core.TextMessageStart("m1", core.RoleAssistant),
		core.TextMessageContent("m1", "partial"),
		core.ToolCallStart("tc1", "search"),
	)
	tr := New(func(o *Options) { o.Timeout = 80 * time.Millisecond })
	w := &testutil.RecordingWriter{}

	start := time.Now()
	res, err := tr.Stream(context.Background(), w, src)
	elapsed := time.Since(start)

	var te *core.TimeoutExceeded
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.GreaterOrEqual(t, elapsed, 80*time.Millisecond, "timeout must never fire early")

	events := eventsOf(parse(t, w))
	assert.Equal(t, []core.Kind{
		core.KindRunStarted,
		core.KindTextMessageStart,
		core.KindTextMessageContent,
		core.KindToolCallStart,
		core.KindToolCallEnd,
		core.KindTextMessageEnd,
		core.KindRunError,
	}, testutil.Kinds(events))
	last := events[len(events)-1]
	assert.Equal(t, core.CodeTimeout, last.Code)
	assert.Equal(t, "Agent execution timed out", last.Message)
	assert.Equal(t, core.RunStatusErrored, res.Status)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("producer was not cancelled")
	}
}

func TestTransport_ParentDeadlineIsTimeout(t *testing.T) {
	cancelled := make(chan struct{})
	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	w := &testutil.RecordingWriter{}
	_, err := New().Stream(ctx, w, blockingSource(cancelled, core.RunStarted("r1", "")))

	var te *core.TimeoutExceeded
	require.ErrorAs(t, err, &te)
	events := eventsOf(parse(t, w))
	assert.Equal(t, core.KindRunError, events[len(events)-1].Kind)
}

func TestTransport_ClientDisconnect(t *testing.T) {
	cancelled := make(chan struct{})
	src := blockingSource(cancelled,
		core.RunStarted("r1", "t1"),
		core.TextMessageStart("m1", core.RoleAssistant),
		core.TextMessageContent("m1", "a"),
		core.TextMessageContent("m1", "b"),
		core.TextMessageContent("m1", "c"),
	)
	ctx, cancel := context.WithCancel(context.Background())
	var (
		mu      sync.Mutex
		written int
	)
	tr := New(func(o *Options) {
		o.Observers = append(o.Observers, func(ev core.Event) {
			mu.Lock()
			defer mu.Unlock()
			written++
			if written == 5 {
				cancel()
			}
		})
	})
	w := &testutil.RecordingWriter{}

	res, err := tr.Stream(ctx, w, src)
	require.ErrorIs(t, err, core.ErrClientDisconnected)
	assert.Equal(t, core.RunStatusCancelled, res.Status)

	events := eventsOf(parse(t, w))
	assert.Len(t, events, 5)
	for _, ev := range events {
		assert.NotEqual(t, core.KindRunError, ev.Kind)
		assert.NotEqual(t, core.KindTextMessageEnd, ev.Kind)
	}
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("producer was not cancelled")
	}
}

func TestTransport_WriteErrorIsDisconnect(t *testing.T) {
	cancelled := make(chan struct{})
	src := blockingSource(cancelled, core.RunStarted("r1", ""), core.Custom("x", 1))
	w := &testutil.FailingWriter{After: 1}

	res, err := New().Stream(context.Background(), w, src)
	require.ErrorIs(t, err, core.ErrClientDisconnected)
	assert.Equal(t, 1, res.Events)
	<-cancelled
}

func TestTransport_SourceFailureWithoutTerminal(t *testing.T) {
	boom := errors.New("exploded")
	i := 0
	events := []core.Event{core.RunStarted("r1", ""), core.TextMessageStart("m1", core.RoleAssistant)}
	src := core.SourceFunc[core.Event](func(ctx context.Context) (core.Event, error) {
		if i < len(events) {
			i++
			return events[i-1], nil
		}
		return core.Event{}, boom
	})
	w := &testutil.RecordingWriter{}
	res, err := New(func(o *Options) { o.Redact = core.FullRedactor }).Stream(context.Background(), w, src)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, core.RunStatusErrored, res.Status)

	events = eventsOf(parse(t, w))
	assert.Equal(t, []core.Kind{
		core.KindRunStarted, core.KindTextMessageStart, core.KindTextMessageEnd, core.KindRunError,
	}, testutil.Kinds(events))
	assert.Equal(t, "exploded", events[3].Message)
	assert.Equal(t, core.CodeAgentFailure, events[3].Code)
}

func burst(n int) core.EventSource {
	b := testutil.NewEventBuilder().Event(core.RunStarted("r1", "")).Custom("burst", n)
	return protocol.New(b.Source())
}

func TestTransport_DropModeDiscardsWhileBusy(t *testing.T) {
	const n = 40
	w := &testutil.SlowWriter{Delay: 5 * time.Millisecond}
	tr := New(func(o *Options) {
		o.Backpressure = BackpressureDrop
		o.DropGrace = time.Millisecond
	})

	res, err := tr.Stream(context.Background(), w, burst(n))
	require.NoError(t, err)
	assert.Positive(t, res.Dropped)
	assert.Equal(t, n+2, res.Events+res.Dropped)

	events := eventsOf(parse(t, &w.RecordingWriter))
	assert.Equal(t, core.KindRunStarted, events[0].Kind)
	assert.Equal(t, core.KindRunFinished, events[len(events)-1].Kind)
}

func TestTransport_DropModeKeepsEventsForFastWriter(t *testing.T) {
	tr := New(func(o *Options) { o.Backpressure = BackpressureDrop })
	for i := 0; i < 50; i++ {
		src := protocol.New(core.FromSlice(
			core.Event{Kind: core.KindStepStarted, StepName: "plan"},
			core.Custom("tick", i),
			core.StateSnapshot(json.RawMessage(`{"i":1}`)),
			core.Event{Kind: core.KindStepFinished, StepName: "plan"},
		))
		res, err := tr.Stream(context.Background(), io.Discard, src)
		require.NoError(t, err)
		require.Equal(t, 0, res.Dropped, "run %d", i)
		require.Equal(t, 6, res.Events, "run %d", i)
	}
}

func TestTransport_DropModeNeverDropsState(t *testing.T) {
	w := &testutil.SlowWriter{Delay: 5 * time.Millisecond}
	tr := New(func(o *Options) {
		o.Backpressure = BackpressureDrop
		o.DropGrace = time.Millisecond
	})
	src := protocol.New(core.FromSlice(
		core.StateSnapshot(json.RawMessage(`{"n":1}`)),
		core.StateSnapshot(json.RawMessage(`{"n":2}`)),
		core.StateSnapshot(json.RawMessage(`{"n":3}`)),
	))
	res, err := tr.Stream(context.Background(), w, src)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Dropped)
	assert.Equal(t, 5, res.Events)
}

func TestTransport_NothingWrittenAfterDisconnect(t *testing.T) {
	tr := New()
	for i := 0; i < 100; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		w := &testutil.RecordingWriter{}
		src := protocol.New(testutil.NewEventBuilder().Text("m1", "Hi").Source())

		res, err := tr.Stream(ctx, w, src)
		require.ErrorIs(t, err, core.ErrClientDisconnected)
		require.Equal(t, core.RunStatusCancelled, res.Status)
		require.Empty(t, w.Bytes(), "run %d", i)
	}
}

func TestTransport_BlockModeDeliversEverything(t *testing.T) {
	const n = 40
	w := &testutil.SlowWriter{Delay: time.Millisecond}
	res, err := New().Stream(context.Background(), w, burst(n))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Dropped)
	assert.Equal(t, n+2, res.Events)
	assert.Len(t, eventsOf(parse(t, &w.RecordingWriter)), n+2)
}
