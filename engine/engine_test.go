package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/aguimesh/core"
	"github.com/hupe1980/aguimesh/internal/testutil"
	"github.com/hupe1980/aguimesh/protocol"
	"github.com/hupe1980/aguimesh/store"
	"github.com/hupe1980/aguimesh/translate"
)

func newTestEngine(t *testing.T, optFns ...func(o *Options)) (*Engine, *store.InMemoryStore) {
	t.Helper()
	s := store.NewInMemoryStore()
	e := New(append([]func(o *Options){func(o *Options) { o.Store = s }}, optFns...)...)
	return e, s
}

func streamEvents(t *testing.T, e *Engine, agentID string, input core.RunInput) ([]core.Event, Result, error) {
	t.Helper()
	w := &testutil.RecordingWriter{}
	res, err := e.Stream(context.Background(), agentID, input, w)
	evs, perr := testutil.ParseEvents(w.Bytes())
	require.NoError(t, perr)
	return evs, res, err
}

func userInput(runID, threadID, text string) core.RunInput {
	return core.RunInput{
		RunID:    runID,
		ThreadID: threadID,
		Messages: []core.InputMessage{{ID: "u1", Role: core.RoleUser, Content: text}},
	}
}

func TestEngine_StreamsRun(t *testing.T) {
	e, s := newTestEngine(t)
	e.Register("echo", testutil.EventsAgent(testutil.NewEventBuilder().Text("m1", "Hel", "lo").Build()...))

	evs, res, err := streamEvents(t, e, "echo", userInput("r1", "t1", "hi"))
	require.NoError(t, err)

	assert.Equal(t, []core.Kind{
		core.KindRunStarted,
		core.KindTextMessageStart,
		core.KindTextMessageContent,
		core.KindTextMessageContent,
		core.KindTextMessageEnd,
		core.KindRunFinished,
	}, testutil.Kinds(evs))
	assert.Equal(t, "r1", evs[0].RunID)
	assert.Equal(t, "t1", evs[0].ThreadID)

	assert.Equal(t, core.RunStatusCompleted, res.Status)
	assert.Equal(t, 6, res.Events)
	assert.Equal(t, "r1", res.RunID)
	assert.NoError(t, res.Err)
	assert.Empty(t, e.Active())

	run, err := s.GetRun(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusCompleted, run.Status)
	assert.Equal(t, "echo", run.AgentID)

	msgs, err := s.ListMessages(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "u1", msgs[0].ID)
	assert.Equal(t, "Hello", msgs[1].Content)
	assert.True(t, msgs[1].Complete)
}

func TestEngine_AssignsIDs(t *testing.T) {
	e, _ := newTestEngine(t)
	e.Register("echo", testutil.EventsAgent())

	evs, res, err := streamEvents(t, e, "echo", core.RunInput{})
	require.NoError(t, err)
	assert.NotEmpty(t, res.RunID)
	assert.NotEmpty(t, res.ThreadID)
	assert.Equal(t, res.RunID, evs[0].RunID)
	assert.Equal(t, res.ThreadID, evs[len(evs)-1].ThreadID)
}

func TestEngine_UnknownAgent(t *testing.T) {
	e, _ := newTestEngine(t)
	w := &testutil.RecordingWriter{}

	_, err := e.Stream(context.Background(), "missing", core.RunInput{}, w)
	require.ErrorIs(t, err, ErrAgentNotFound)
	assert.Empty(t, w.Bytes())
}

func TestEngine_AgentFailureIsRedacted(t *testing.T) {
	cause := errors.New("dial tcp 10.0.0.1: secret")
	open := testutil.NewEventBuilder().OpenText("m1", "par").Build()

	t.Run("safe", func(t *testing.T) {
		e, s := newTestEngine(t)
		e.Register("bad", testutil.FailingAgent(cause, open...))

		evs, res, err := streamEvents(t, e, "bad", userInput("r1", "t1", "hi"))
		require.NoError(t, err)

		assert.Equal(t, []core.Kind{
			core.KindRunStarted,
			core.KindTextMessageStart,
			core.KindTextMessageContent,
			core.KindTextMessageEnd,
			core.KindRunError,
		}, testutil.Kinds(evs))
		last := evs[len(evs)-1]
		assert.Equal(t, "Agent execution failed", last.Message)
		assert.Equal(t, core.CodeAgentFailure, last.Code)

		assert.Equal(t, core.RunStatusErrored, res.Status)
		var af *core.AgentFailure
		require.ErrorAs(t, res.Err, &af)
		assert.Equal(t, "bad", af.Agent)
		assert.ErrorIs(t, res.Err, cause)

		run, err := s.GetRun(context.Background(), "r1")
		require.NoError(t, err)
		assert.Equal(t, core.RunStatusErrored, run.Status)
		assert.Equal(t, "Agent execution failed", run.Error)
	})

	t.Run("full", func(t *testing.T) {
		e, _ := newTestEngine(t, func(o *Options) { o.ErrorDetail = "full" })
		e.Register("bad", testutil.FailingAgent(cause))

		evs, _, err := streamEvents(t, e, "bad", core.RunInput{})
		require.NoError(t, err)
		assert.Contains(t, evs[len(evs)-1].Message, "secret")
	})
}

func TestEngine_AgentPanic(t *testing.T) {
	e, _ := newTestEngine(t)
	e.Register("boom", testutil.PanickingAgent("kaboom"))

	evs, res, err := streamEvents(t, e, "boom", core.RunInput{})
	require.NoError(t, err)
	assert.Equal(t, []core.Kind{core.KindRunStarted, core.KindRunError}, testutil.Kinds(evs))

	var af *core.AgentFailure
	require.ErrorAs(t, res.Err, &af)
	assert.True(t, af.Panic)
	assert.Contains(t, af.Error(), "kaboom")
}

func TestEngine_ProtocolPolicy(t *testing.T) {
	stray := []core.Event{core.TextMessageContent("ghost", "boo")}

	t.Run("strict fails the run", func(t *testing.T) {
		e, _ := newTestEngine(t)
		e.Register("stray", testutil.EventsAgent(stray...))

		evs, res, err := streamEvents(t, e, "stray", core.RunInput{})
		require.NoError(t, err)
		assert.Equal(t, core.CodeProtocolViolation, evs[len(evs)-1].Code)
		var pv *core.ProtocolViolation
		assert.ErrorAs(t, res.Err, &pv)
	})

	t.Run("lenient override drops and warns", func(t *testing.T) {
		var warned []string
		cbs := NewCallbackManager()
		cbs.RegisterCallback(NewFunctionCallback(CallbackOnWarning, func(_ context.Context, cc *CallbackContext) error {
			warned = append(warned, cc.Warning.Message)
			return nil
		}))
		e, _ := newTestEngine(t, func(o *Options) { o.Callbacks = cbs })
		lenient := protocol.Lenient()
		e.Register("stray", testutil.EventsAgent(stray...), func(c *AgentConfig) { c.Policy = &lenient })

		evs, res, err := streamEvents(t, e, "stray", core.RunInput{})
		require.NoError(t, err)
		assert.Equal(t, []core.Kind{core.KindRunStarted, core.KindRunFinished}, testutil.Kinds(evs))
		assert.Equal(t, core.RunStatusCompleted, res.Status)
		require.Len(t, res.Warnings, 1)
		assert.Len(t, warned, 1)
	})
}

func TestEngine_TranslatorFactory(t *testing.T) {
	e, _ := newTestEngine(t)
	e.Register("json", testutil.AgentOf(
		`{"type":"text_message_start","message_id":"m1","role":"assistant"}`,
		`{"type":"text_message_content","message_id":"m1","delta":"ok"}`,
		`{"type":"text_message_end","message_id":"m1"}`,
	), func(c *AgentConfig) { c.Translator = translate.JSONFactory() })

	evs, _, err := streamEvents(t, e, "json", core.RunInput{})
	require.NoError(t, err)
	require.Len(t, evs, 5)
	assert.Equal(t, "ok", evs[2].Delta)
}

func TestEngine_UntranslatableItem(t *testing.T) {
	e, _ := newTestEngine(t)
	e.Register("odd", testutil.AgentOf(42))

	evs, res, err := streamEvents(t, e, "odd", core.RunInput{})
	require.NoError(t, err)
	assert.Equal(t, core.CodeTranslationError, evs[len(evs)-1].Code)
	var te *core.TranslationError
	assert.ErrorAs(t, res.Err, &te)
}

func TestEngine_SystemMessage(t *testing.T) {
	e, _ := newTestEngine(t)
	var seen []core.InputMessage
	e.RegisterFunc("sys", func(rc *core.RunContext) error {
		seen = rc.Input.Messages
		return nil
	}, func(c *AgentConfig) {
		c.SystemMessage = func(core.RunInput) string { return "Be brief." }
	})

	input := userInput("r1", "t1", "hi")
	_, _, err := streamEvents(t, e, "sys", input)
	require.NoError(t, err)

	require.Len(t, seen, 2)
	assert.Equal(t, core.InputMessage{ID: "system-r1", Role: core.RoleSystem, Content: "Be brief."}, seen[0])
	assert.Equal(t, "u1", seen[1].ID)
	assert.Len(t, input.Messages, 1)
}

func TestEngine_StateSeedAndSave(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, s.SaveState(ctx, "t1", "r0", []byte(`{"count":1}`)))

	var seeded string
	e.RegisterFunc("counter", func(rc *core.RunContext) error {
		seeded = string(rc.Input.State)
		return rc.EmitState(map[string]int{"count": 2})
	})

	evs, _, err := streamEvents(t, e, "counter", userInput("r1", "t1", "inc"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"count":1}`, seeded)

	last := evs[len(evs)-1]
	require.Equal(t, core.KindRunFinished, last.Kind)
	assert.JSONEq(t, `{"count":2}`, string(last.Result))

	state, err := s.LoadState(ctx, "t1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"count":2}`, string(state))
}

func TestEngine_ExplicitStateWins(t *testing.T) {
	e, s := newTestEngine(t)
	require.NoError(t, s.SaveState(context.Background(), "t1", "r0", []byte(`{"stored":true}`)))

	var seeded string
	e.RegisterFunc("a", func(rc *core.RunContext) error {
		seeded = string(rc.Input.State)
		return nil
	})

	input := userInput("r1", "t1", "x")
	input.State = []byte(`{"client":true}`)
	_, _, err := streamEvents(t, e, "a", input)
	require.NoError(t, err)
	assert.JSONEq(t, `{"client":true}`, seeded)
}

func TestEngine_Collect(t *testing.T) {
	e, _ := newTestEngine(t)
	e.Register("echo", testutil.EventsAgent(testutil.NewEventBuilder().Text("m1", "hi").Build()...))
	e.Register("bad", testutil.FailingAgent(errors.New("nope")))

	out, err := e.Collect(context.Background(), "echo", core.RunInput{})
	require.NoError(t, err)
	assert.False(t, out.HasError)
	assert.Len(t, out.Events, 5)
	assert.Equal(t, core.RunStatusCompleted, out.Result.Status)

	out, err = e.Collect(context.Background(), "bad", core.RunInput{})
	require.NoError(t, err)
	assert.True(t, out.HasError)
	assert.Equal(t, core.KindRunError, out.Events[len(out.Events)-1].Kind)
}

func TestEngine_TooManyRuns(t *testing.T) {
	e, s := newTestEngine(t, func(o *Options) { o.MaxConcurrentRuns = 1 })
	agent := testutil.NewBlockingAgent(testutil.NewEventBuilder().OpenText("m1", "thinking").Build()...)
	e.Register("slow", agent)
	e.Register("echo", testutil.EventsAgent())

	var (
		wg  sync.WaitGroup
		res Result
		err error
	)
	w := &testutil.RecordingWriter{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		res, err = e.Stream(context.Background(), "slow", userInput("r1", "t1", "go"), w)
	}()
	<-agent.Started

	assert.Equal(t, []string{"r1"}, e.Active())
	_, busy := e.Stream(context.Background(), "echo", core.RunInput{}, &testutil.RecordingWriter{})
	require.ErrorIs(t, busy, ErrTooManyRuns)

	require.NoError(t, e.Stop("r1"))
	wg.Wait()
	<-agent.Cancelled

	require.NoError(t, err)
	assert.Equal(t, core.RunStatusCancelled, res.Status)
	assert.ErrorIs(t, res.Err, ErrRunStopped)
	assert.Empty(t, e.Active())
	require.ErrorIs(t, e.Stop("r1"), ErrRunNotFound)

	evs, perr := testutil.ParseEvents(w.Bytes())
	require.NoError(t, perr)
	assert.Equal(t, core.KindTextMessageEnd, evs[len(evs)-2].Kind)
	assert.Equal(t, core.KindRunError, evs[len(evs)-1].Kind)

	run, gerr := s.GetRun(context.Background(), "r1")
	require.NoError(t, gerr)
	assert.Equal(t, core.RunStatusCancelled, run.Status)

	// The slot is free again.
	_, _, err = streamEvents(t, e, "echo", core.RunInput{})
	require.NoError(t, err)
}

func TestEngine_StopEndsRunOfContextIgnoringAgent(t *testing.T) {
	e, _ := newTestEngine(t)
	started := make(chan struct{})
	e.Register("stubborn", core.AgentFunc(func(rc *core.RunContext) error {
		if err := rc.EmitAll(testutil.NewEventBuilder().OpenText("m1", "working").Build()...); err != nil {
			return err
		}
		close(started)
		time.Sleep(700 * time.Millisecond)
		return nil
	}))

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	w := &testutil.RecordingWriter{}
	go func() {
		res, err := e.Stream(context.Background(), "stubborn", userInput("r1", "t1", "go"), w)
		done <- outcome{res, err}
	}()
	<-started

	begin := time.Now()
	require.NoError(t, e.Stop("r1"))

	var out outcome
	select {
	case out = <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("stream still open after stop")
	}
	assert.Less(t, time.Since(begin), 500*time.Millisecond)
	require.NoError(t, out.err)
	assert.Equal(t, core.RunStatusCancelled, out.res.Status)
	assert.ErrorIs(t, out.res.Err, ErrRunStopped)

	evs, err := testutil.ParseEvents(w.Bytes())
	require.NoError(t, err)
	assert.Equal(t, core.KindTextMessageEnd, evs[len(evs)-2].Kind)
	assert.Equal(t, core.KindRunError, evs[len(evs)-1].Kind)
}

func TestEngine_ClientDisconnect(t *testing.T) {
	e, _ := newTestEngine(t)
	agent := testutil.NewBlockingAgent(core.Custom("tick", 1))
	e.Register("slow", agent)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var (
		res Result
		err error
	)
	go func() {
		defer close(done)
		res, err = e.Stream(ctx, "slow", core.RunInput{}, &testutil.RecordingWriter{})
	}()
	<-agent.Started
	cancel()
	<-done

	require.ErrorIs(t, err, core.ErrClientDisconnected)
	assert.Equal(t, core.RunStatusCancelled, res.Status)
	select {
	case <-agent.Cancelled:
	case <-time.After(time.Second):
		t.Fatal("agent was not cancelled")
	}
}

func TestEngine_Timeout(t *testing.T) {
	e, _ := newTestEngine(t)
	agent := testutil.NewBlockingAgent()
	e.Register("slow", agent, func(c *AgentConfig) { c.Timeout = 50 * time.Millisecond })

	evs, res, err := streamEvents(t, e, "slow", core.RunInput{})
	var te *core.TimeoutExceeded
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 50*time.Millisecond, te.After)
	assert.Equal(t, core.RunStatusErrored, res.Status)
	assert.Equal(t, core.CodeTimeout, evs[len(evs)-1].Code)
	<-agent.Cancelled
}

func TestEngine_Callbacks(t *testing.T) {
	var (
		mu    sync.Mutex
		calls []CallbackType
		seen  int
		after *Result
	)
	record := func(ct CallbackType) Callback {
		return NewFunctionCallback(ct, func(_ context.Context, cc *CallbackContext) error {
			mu.Lock()
			defer mu.Unlock()
			switch ct {
			case CallbackOnEvent:
				seen++
				return nil
			case CallbackAfterRun:
				after = cc.Result
			}
			calls = append(calls, cc.CallbackType)
			return nil
		})
	}
	cbs := NewCallbackManager()
	for _, ct := range []CallbackType{CallbackBeforeRun, CallbackOnEvent, CallbackAfterRun, CallbackOnError} {
		cbs.RegisterCallback(record(ct))
	}

	e, _ := newTestEngine(t, func(o *Options) { o.Callbacks = cbs })
	e.Register("bad", testutil.FailingAgent(errors.New("nope")))

	_, res, err := streamEvents(t, e, "bad", core.RunInput{})
	require.NoError(t, err)

	assert.Equal(t, []CallbackType{CallbackBeforeRun, CallbackAfterRun, CallbackOnError}, calls)
	assert.Equal(t, res.Events, seen)
	require.NotNil(t, after)
	assert.Equal(t, core.RunStatusErrored, after.Status)
}

func TestEngine_BeforeRunAborts(t *testing.T) {
	deny := errors.New("denied")
	cbs := NewCallbackManager()
	cbs.RegisterCallback(NewFunctionCallback(CallbackBeforeRun, func(context.Context, *CallbackContext) error {
		return deny
	}))
	e, s := newTestEngine(t, func(o *Options) { o.Callbacks = cbs })
	ran := false
	e.RegisterFunc("a", func(*core.RunContext) error { ran = true; return nil })

	w := &testutil.RecordingWriter{}
	_, err := e.Stream(context.Background(), "a", userInput("r1", "t1", "x"), w)
	require.ErrorIs(t, err, deny)
	assert.False(t, ran)
	assert.Empty(t, w.Bytes())

	_, err = s.GetRun(context.Background(), "r1")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

type describedAgent struct{ core.AgentFunc }

func (describedAgent) Description() string { return "from agent" }

func TestEngine_Registry(t *testing.T) {
	e, _ := newTestEngine(t)
	noop := func(*core.RunContext) error { return nil }
	e.RegisterFunc("b", noop, func(c *AgentConfig) { c.Description = "configured" })
	e.Register("a", describedAgent{core.AgentFunc(noop)})
	e.RegisterFunc("c", noop)

	assert.Equal(t, []string{"a", "b", "c"}, e.Agents())

	info, ok := e.Agent("a")
	require.True(t, ok)
	assert.Equal(t, "from agent", info.Description)
	info, _ = e.Agent("b")
	assert.Equal(t, "configured", info.Description)
	info, _ = e.Agent("c")
	assert.Empty(t, info.Description)

	assert.True(t, e.Unregister("c"))
	assert.False(t, e.Unregister("c"))
	_, ok = e.Agent("c")
	assert.False(t, ok)
}

func TestCallbackManager_StopsAtFirstError(t *testing.T) {
	cm := NewCallbackManager()
	boom := errors.New("boom")
	second := false
	cm.RegisterCallback(NewFunctionCallback(CallbackAfterRun, func(context.Context, *CallbackContext) error { return boom }))
	cm.RegisterCallback(NewFunctionCallback(CallbackAfterRun, func(context.Context, *CallbackContext) error {
		second = true
		return nil
	}))

	assert.True(t, cm.Has(CallbackAfterRun))
	assert.False(t, cm.Has(CallbackOnEvent))
	require.ErrorIs(t, cm.ExecuteCallbacks(context.Background(), CallbackAfterRun, &CallbackContext{}), boom)
	assert.False(t, second)

	var nilManager *CallbackManager
	assert.NoError(t, nilManager.ExecuteCallbacks(context.Background(), CallbackAfterRun, &CallbackContext{}))
}

func TestLoggingCallback(t *testing.T) {
	cb := NewLoggingCallback(CallbackOnError, nil)
	assert.Equal(t, CallbackOnError, cb.Type())
	assert.NoError(t, cb.Execute(context.Background(), &CallbackContext{Err: errors.New("x")}))
}

func TestRunLimiter(t *testing.T) {
	l := newRunLimiter(2)
	require.NoError(t, l.acquire())
	require.NoError(t, l.acquire())
	assert.ErrorIs(t, l.acquire(), ErrTooManyRuns)
	assert.Equal(t, 2, l.inUse())
	assert.Equal(t, 0, l.remaining())

	l.release()
	assert.Equal(t, 1, l.remaining())
	l.release()
	l.release()
	assert.Equal(t, 0, l.inUse())

	unlimited := newRunLimiter(0)
	for i := 0; i < 100; i++ {
		require.NoError(t, unlimited.acquire())
	}
	assert.Equal(t, -1, unlimited.remaining())
}
