// Package storetest is the conformance suite every core.Store backend must
// pass. Backend tests call Run with a factory returning an empty store.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/aguimesh/core"
	"github.com/hupe1980/aguimesh/internal/testutil"
)

// Factory returns an empty store. Cleanup is registered through t.
type Factory func(t *testing.T) core.Store

var base = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return base.Add(time.Duration(sec) * time.Second) }

// Run executes the suite. When the store also implements core.StateStore the
// state tests run as well.
func Run(t *testing.T, newStore Factory) {
	t.Helper()
	tests := []struct {
		name string
		fn   func(t *testing.T, s core.Store)
	}{
		{"ThreadRoundTrip", testThreadRoundTrip},
		{"ThreadNotFound", testThreadNotFound},
		{"ListThreads", testListThreads},
		{"DeleteThread", testDeleteThread},
		{"MessageUpsertIsCumulative", testMessageUpsert},
		{"MessageOrdering", testMessageOrdering},
		{"MessagesScopedToThread", testMessagesScoped},
		{"ToolCallLifecycle", testToolCallLifecycle},
		{"RunLifecycle", testRunLifecycle},
		{"ConcurrentWrites", testConcurrentWrites},
		{"SeededThread", testSeededThread},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
	t.Run("StateStore", func(t *testing.T) {
		ss, ok := newStore(t).(core.StateStore)
		if !ok {
			t.Skip("backend has no state support")
		}
		testStateStore(t, ss)
	})
}

func sameTime(t *testing.T, want, got time.Time) {
	t.Helper()
	assert.WithinDuration(t, want, got, time.Millisecond)
}

func testThreadRoundTrip(t *testing.T, s core.Store) {
	ctx := context.Background()
	th := core.Thread{
		ID: "th-1", AgentID: "echo", Title: "first",
		Metadata:  map[string]string{"team": "blue"},
		CreatedAt: at(0), UpdatedAt: at(0),
	}
	require.NoError(t, s.SaveThread(ctx, th))

	got, err := s.GetThread(ctx, "th-1")
	require.NoError(t, err)
	assert.Equal(t, "echo", got.AgentID)
	assert.Equal(t, "first", got.Title)
	assert.Equal(t, "blue", got.Metadata["team"])
	sameTime(t, at(0), got.CreatedAt)

	th.Title = "renamed"
	th.CreatedAt = at(50)
	th.UpdatedAt = at(60)
	require.NoError(t, s.SaveThread(ctx, th))
	got, err = s.GetThread(ctx, "th-1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Title)
	sameTime(t, at(0), got.CreatedAt)
	sameTime(t, at(60), got.UpdatedAt)
}

func testThreadNotFound(t *testing.T, s core.Store) {
	ctx := context.Background()
	_, err := s.GetThread(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = s.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.ErrorIs(t, s.DeleteThread(ctx, "missing"), core.ErrNotFound)
}

func testListThreads(t *testing.T, s core.Store) {
	ctx := context.Background()
	require.NoError(t, s.SaveThread(ctx, core.Thread{ID: "b", CreatedAt: at(2), UpdatedAt: at(2)}))
	require.NoError(t, s.SaveThread(ctx, core.Thread{ID: "a", CreatedAt: at(1), UpdatedAt: at(1)}))
	require.NoError(t, s.SaveThread(ctx, core.Thread{ID: "c", CreatedAt: at(2), UpdatedAt: at(2)}))

	got, err := s.ListThreads(ctx)
	require.NoError(t, err)
	ids := make([]string, len(got))
	for i, th := range got {
		ids[i] = th.ID
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func testDeleteThread(t *testing.T, s core.Store) {
	ctx := context.Background()
	b := testutil.NewThreadBuilder("th-del").Message("m1", "user", "hi").ToolCall("tc1", "search", "{}", "ok").Run("r1", core.RunStatusCompleted)
	require.NoError(t, b.Seed(ctx, s))
	require.NoError(t, s.SaveThread(ctx, core.Thread{ID: "th-keep", CreatedAt: at(0)}))
	require.NoError(t, s.SaveMessage(ctx, core.Message{ID: "m-keep", ThreadID: "th-keep", Role: "user", Content: "x", CreatedAt: at(0)}))

	require.NoError(t, s.DeleteThread(ctx, "th-del"))
	_, err := s.GetThread(ctx, "th-del")
	assert.ErrorIs(t, err, core.ErrNotFound)

	msgs, err := s.ListMessages(ctx, "th-del")
	require.NoError(t, err)
	assert.Empty(t, msgs)
	tcs, err := s.ListToolCalls(ctx, "th-del")
	require.NoError(t, err)
	assert.Empty(t, tcs)
	runs, err := s.ListRuns(ctx, "th-del")
	require.NoError(t, err)
	assert.Empty(t, runs)

	kept, err := s.ListMessages(ctx, "th-keep")
	require.NoError(t, err)
	assert.Len(t, kept, 1)
}

func testMessageUpsert(t *testing.T, s core.Store) {
	ctx := context.Background()
	m := core.Message{ID: "m1", ThreadID: "th", RunID: "r1", Role: core.RoleAssistant, Content: "He", CreatedAt: at(1), UpdatedAt: at(1)}
	require.NoError(t, s.SaveMessage(ctx, m))
	m.Content = "Hello"
	m.Complete = true
	m.CreatedAt = at(9)
	m.UpdatedAt = at(2)
	require.NoError(t, s.SaveMessage(ctx, m))
	require.NoError(t, s.SaveMessage(ctx, m))

	got, err := s.ListMessages(ctx, "th")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Hello", got[0].Content)
	assert.True(t, got[0].Complete)
	assert.Equal(t, "r1", got[0].RunID)
	assert.Equal(t, core.RoleAssistant, got[0].Role)
	sameTime(t, at(1), got[0].CreatedAt)
	sameTime(t, at(2), got[0].UpdatedAt)
}

func testMessageOrdering(t *testing.T, s core.Store) {
	ctx := context.Background()
	save := func(id string, sec int) {
		require.NoError(t, s.SaveMessage(ctx, core.Message{ID: id, ThreadID: "th", Role: "user", Content: id, CreatedAt: at(sec), UpdatedAt: at(sec)}))
	}
	save("late", 5)
	save("early", 1)
	save("tie-first", 3)
	save("tie-second", 3)
	// Re-saving must not move a message behind later insertions.
	save("tie-first", 3)

	got, err := s.ListMessages(ctx, "th")
	require.NoError(t, err)
	ids := make([]string, len(got))
	for i, m := range got {
		ids[i] = m.ID
	}
	assert.Equal(t, []string{"early", "tie-first", "tie-second", "late"}, ids)
}

func testMessagesScoped(t *testing.T, s core.Store) {
	ctx := context.Background()
	require.NoError(t, s.SaveMessage(ctx, core.Message{ID: "a1", ThreadID: "a", Role: "user", Content: "x", CreatedAt: at(0)}))
	require.NoError(t, s.SaveMessage(ctx, core.Message{ID: "b1", ThreadID: "b", Role: "user", Content: "y", CreatedAt: at(0)}))
	got, err := s.ListMessages(ctx, "a")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a1", got[0].ID)
	none, err := s.ListMessages(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testToolCallLifecycle(t *testing.T, s core.Store) {
	ctx := context.Background()
	tc := core.ToolCall{ID: "tc1", ThreadID: "th", RunID: "r1", ParentMessageID: "m1", Name: "search", Status: core.ToolCallStarted, CreatedAt: at(1), UpdatedAt: at(1)}
	require.NoError(t, s.SaveToolCall(ctx, tc))
	tc.Arguments = `{"q":"cats"}`
	tc.Status = core.ToolCallEnded
	tc.UpdatedAt = at(2)
	require.NoError(t, s.SaveToolCall(ctx, tc))
	tc.Result = "3 results"
	tc.Status = core.ToolCallResulted
	tc.UpdatedAt = at(3)
	require.NoError(t, s.SaveToolCall(ctx, tc))
	require.NoError(t, s.SaveToolCall(ctx, core.ToolCall{ID: "tc2", ThreadID: "th", Name: "fetch", Status: core.ToolCallStarted, CreatedAt: at(4), UpdatedAt: at(4)}))

	got, err := s.ListToolCalls(ctx, "th")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "tc1", got[0].ID)
	assert.Equal(t, "search", got[0].Name)
	assert.Equal(t, "m1", got[0].ParentMessageID)
	assert.Equal(t, `{"q":"cats"}`, got[0].Arguments)
	assert.Equal(t, "3 results", got[0].Result)
	assert.Equal(t, core.ToolCallResulted, got[0].Status)
	sameTime(t, at(1), got[0].CreatedAt)
	assert.Equal(t, "tc2", got[1].ID)
}

func testRunLifecycle(t *testing.T, s core.Store) {
	ctx := context.Background()
	r := core.Run{ID: "r1", ThreadID: "th", AgentID: "echo", Status: core.RunStatusRunning, StartedAt: at(1)}
	require.NoError(t, s.SaveRun(ctx, r))
	r.Status = core.RunStatusErrored
	r.Error = "Agent execution failed"
	r.EndedAt = at(5)
	r.StartedAt = at(4)
	require.NoError(t, s.SaveRun(ctx, r))
	require.NoError(t, s.SaveRun(ctx, core.Run{ID: "r0", ThreadID: "th", AgentID: "echo", Status: core.RunStatusCompleted, StartedAt: at(0), EndedAt: at(1)}))

	got, err := s.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusErrored, got.Status)
	assert.Equal(t, "Agent execution failed", got.Error)
	assert.Equal(t, "echo", got.AgentID)
	sameTime(t, at(1), got.StartedAt)
	sameTime(t, at(5), got.EndedAt)

	runs, err := s.ListRuns(ctx, "th")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "r0", runs[0].ID)
	assert.Equal(t, "r1", runs[1].ID)
}

func testConcurrentWrites(t *testing.T, s core.Store) {
	ctx := context.Background()
	const workers, perWorker = 8, 10
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				id := fmt.Sprintf("m-%d-%d", w, i)
				assert.NoError(t, s.SaveMessage(ctx, core.Message{ID: id, ThreadID: "th", Role: "assistant", Content: "x", CreatedAt: at(i), UpdatedAt: at(i)}))
				// Everyone also rewrites one shared id.
				assert.NoError(t, s.SaveMessage(ctx, core.Message{ID: "shared", ThreadID: "th", Role: "assistant", Content: id, CreatedAt: at(0), UpdatedAt: at(i)}))
			}
		}(w)
	}
	wg.Wait()

	got, err := s.ListMessages(ctx, "th")
	require.NoError(t, err)
	assert.Len(t, got, workers*perWorker+1)
}

func testSeededThread(t *testing.T, s core.Store) {
	ctx := context.Background()
	b := testutil.NewThreadBuilder("th-seed").Agent("echo").Title("demo").
		Message("m1", "user", "What is up?").
		Message("m2", "assistant", "Not much.").
		Run("r1", core.RunStatusCompleted)
	require.NoError(t, b.Seed(ctx, s))

	th, err := s.GetThread(ctx, "th-seed")
	require.NoError(t, err)
	assert.Equal(t, "demo", th.Title)
	msgs, err := s.ListMessages(ctx, "th-seed")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "What is up?", msgs[0].Content)
	assert.Equal(t, "Not much.", msgs[1].Content)
}

func testStateStore(t *testing.T, s core.StateStore) {
	ctx := context.Background()
	st, err := s.LoadState(ctx, "th")
	require.NoError(t, err)
	assert.Nil(t, st)

	require.NoError(t, s.SaveState(ctx, "th", "r1", json.RawMessage(`{"count":1}`)))
	require.NoError(t, s.SaveState(ctx, "th", "r2", json.RawMessage(`{"count":2}`)))
	st, err = s.LoadState(ctx, "th")
	require.NoError(t, err)
	assert.JSONEq(t, `{"count":2}`, string(st))

	require.NoError(t, s.DeleteState(ctx, "th"))
	st, err = s.LoadState(ctx, "th")
	require.NoError(t, err)
	assert.Nil(t, st)
}
