package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/aguimesh/core"
)

func kinds(events []core.Event) []core.Kind {
	out := make([]core.Kind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func drain(t *testing.T, m *Machine) []core.Event {
	t.Helper()
	out, err := core.Drain[core.Event](context.Background(), m)
	require.NoError(t, err)
	return out
}

// failAfter yields events and then returns err instead of io.EOF.
func failAfter(err error, events ...core.Event) core.EventSource {
	i := 0
	return core.SourceFunc[core.Event](func(ctx context.Context) (core.Event, error) {
		if i < len(events) {
			i++
			return events[i-1], nil
		}
		return core.Event{}, err
	})
}

func withRun(runID, threadID string) func(o *Options) {
	return func(o *Options) {
		o.RunID = runID
		o.ThreadID = threadID
	}
}

func TestMachine_SimpleMessage(t *testing.T) {
	m := New(core.FromSlice(
		core.TextMessageStart("m1", core.RoleAssistant),
		core.TextMessageContent("m1", "Hi"),
		core.TextMessageEnd("m1"),
	), withRun("r1", "t1"))

	out := drain(t, m)
	assert.Equal(t, []core.Kind{
		core.KindRunStarted,
		core.KindTextMessageStart,
		core.KindTextMessageContent,
		core.KindTextMessageEnd,
		core.KindRunFinished,
	}, kinds(out))
	assert.Equal(t, "r1", out[0].RunID)
	assert.Equal(t, "t1", out[0].ThreadID)
	assert.Equal(t, "r1", out[4].RunID)
	assert.Empty(t, m.Warnings())
	assert.NoError(t, m.Err())
}

func TestMachine_ContentWithoutStart_Strict(t *testing.T) {
	m := New(core.FromSlice(core.TextMessageContent("m1", "x")), withRun("r1", ""))

	out := drain(t, m)
	require.Equal(t, []core.Kind{core.KindRunStarted, core.KindRunError}, kinds(out))
	assert.Equal(t, core.CodeProtocolViolation, out[1].Code)

	var pv *core.ProtocolViolation
	require.ErrorAs(t, m.Err(), &pv)
	assert.Equal(t, core.ViolationUnknownMessage, pv.Kind)
}

func TestMachine_ContentWithoutStart_Lenient(t *testing.T) {
	var hooked []Warning
	m := New(core.FromSlice(core.TextMessageContent("m1", "x")), func(o *Options) {
		o.Policy = Lenient()
		o.OnWarning = func(w Warning) { hooked = append(hooked, w) }
	})

	out := drain(t, m)
	assert.Equal(t, []core.Kind{core.KindRunStarted, core.KindRunFinished}, kinds(out))
	require.Len(t, m.Warnings(), 1)
	assert.Equal(t, core.ViolationUnknownMessage, m.Warnings()[0].Violation.Kind)
	assert.Len(t, hooked, 1)
}

func TestMachine_StrictStopsForwarding(t *testing.T) {
	src := core.FromSlice(
		core.TextMessageStart("m1", core.RoleAssistant),
		core.TextMessageStart("m1", core.RoleAssistant),
		core.TextMessageContent("m1", "never forwarded"),
	)
	out := drain(t, New(src))
	assert.Equal(t, []core.Kind{
		core.KindRunStarted,
		core.KindTextMessageStart,
		core.KindTextMessageEnd,
		core.KindRunError,
	}, kinds(out))
}

func TestMachine_ToleratedDuplicateEnd(t *testing.T) {
	src := core.FromSlice(
		core.TextMessageStart("m1", core.RoleAssistant),
		core.TextMessageEnd("m1"),
		core.TextMessageEnd("m1"),
	)
	m := New(src, func(o *Options) { o.Policy = TolerateDuplicateEnds() })
	out := drain(t, m)
	assert.Equal(t, []core.Kind{
		core.KindRunStarted, core.KindTextMessageStart, core.KindTextMessageEnd, core.KindRunFinished,
	}, kinds(out))
	require.Len(t, m.Warnings(), 1)
	assert.Equal(t, core.ViolationDuplicateEnd, m.Warnings()[0].Violation.Kind)

	// Other violations still fail the run.
	m = New(core.FromSlice(core.ToolCallEnd("t9")), func(o *Options) { o.Policy = TolerateDuplicateEnds() })
	out = drain(t, m)
	assert.Equal(t, core.KindRunError, out[len(out)-1].Kind)
}

func TestMachine_ToolCallLifecycle(t *testing.T) {
	src := core.FromSlice(
		core.ToolCallStart("t1", "search"),
		core.ToolCallArgs("t1", `{"q":`),
		core.ToolCallArgs("t1", `"cats"}`),
		core.ToolCallEnd("t1"),
		core.ToolCallResult("t1", "3 results"),
	)
	out := drain(t, New(src))
	assert.Equal(t, []core.Kind{
		core.KindRunStarted,
		core.KindToolCallStart,
		core.KindToolCallArgs,
		core.KindToolCallArgs,
		core.KindToolCallEnd,
		core.KindToolCallResult,
		core.KindRunFinished,
	}, kinds(out))
}

func TestMachine_EmptyToolResult(t *testing.T) {
	src := core.FromSlice(
		core.ToolCallStart("t1", "noop"),
		core.ToolCallArgs("t1", "{}"),
		core.ToolCallEnd("t1"),
		core.ToolCallResult("t1", ""),
		core.TextMessageStart("m1", core.RoleAssistant),
		core.TextMessageContent("m1", ""),
		core.TextMessageEnd("m1"),
	)
	m := New(src)
	out := drain(t, m)
	require.NoError(t, m.Err())
	assert.Equal(t, []core.Kind{
		core.KindRunStarted,
		core.KindToolCallStart,
		core.KindToolCallArgs,
		core.KindToolCallEnd,
		core.KindToolCallResult,
		core.KindTextMessageStart,
		core.KindTextMessageContent,
		core.KindTextMessageEnd,
		core.KindRunFinished,
	}, kinds(out))
}

func TestMachine_ToolCallViolations(t *testing.T) {
	tests := []struct {
		name   string
		events []core.Event
		want   core.ViolationKind
	}{
		{"result before end", []core.Event{core.ToolCallStart("t1", "s"), core.ToolCallResult("t1", "r")}, core.ViolationResultBeforeEnd},
		{"args unknown", []core.Event{core.ToolCallArgs("t1", "{}")}, core.ViolationUnknownToolCall},
		{"args after end", []core.Event{core.ToolCallStart("t1", "s"), core.ToolCallEnd("t1"), core.ToolCallArgs("t1", "{}")}, core.ViolationUnknownToolCall},
		{"duplicate start", []core.Event{core.ToolCallStart("t1", "s"), core.ToolCallStart("t1", "s")}, core.ViolationDuplicateToolCallStart},
		{"duplicate result", []core.Event{core.ToolCallStart("t1", "s"), core.ToolCallEnd("t1"), core.ToolCallResult("t1", "a"), core.ToolCallResult("t1", "b")}, core.ViolationDuplicateResult},
		{"end unknown message", []core.Event{core.TextMessageEnd("m1")}, core.ViolationUnknownMessage},
		{"duplicate run start", []core.Event{core.RunStarted("r", ""), core.RunStarted("r", "")}, core.ViolationDuplicateRunStart},
		{"invalid event", []core.Event{{Kind: core.KindTextMessageStart, MessageID: "m1"}}, core.ViolationInvalidEvent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New(core.FromSlice(tt.events...))
			out := drain(t, m)
			assert.Equal(t, core.KindRunError, out[len(out)-1].Kind)
			var pv *core.ProtocolViolation
			require.ErrorAs(t, m.Err(), &pv)
			assert.Equal(t, tt.want, pv.Kind)
		})
	}
}

func TestMachine_AgentFailureClosesOpenEntities(t *testing.T) {
	src := failAfter(&core.AgentFailure{Agent: "a", Cause: errors.New("secret detail")},
		core.TextMessageStart("m1", core.RoleAssistant),
		core.TextMessageContent("m1", "partial"),
		core.ToolCallStart("t1", "search"),
	)
	m := New(src)
	out := drain(t, m)
	assert.Equal(t, []core.Kind{
		core.KindRunStarted,
		core.KindTextMessageStart,
		core.KindTextMessageContent,
		core.KindToolCallStart,
		core.KindToolCallEnd,
		core.KindTextMessageEnd,
		core.KindRunError,
	}, kinds(out))
	last := out[len(out)-1]
	assert.Equal(t, core.CodeAgentFailure, last.Code)
	assert.Equal(t, "Agent execution failed", last.Message)
	assert.NotContains(t, last.Message, "secret")
}

func TestMachine_FullRedaction(t *testing.T) {
	src := failAfter(errors.New("secret detail"))
	out := drain(t, New(src, func(o *Options) { o.Redact = core.FullRedactor }))
	assert.Equal(t, "secret detail", out[len(out)-1].Message)
}

func TestMachine_TranslationErrorCode(t *testing.T) {
	src := failAfter(&core.TranslationError{Item: "chunk"})
	out := drain(t, New(src))
	assert.Equal(t, core.CodeTranslationError, out[len(out)-1].Code)
}

func TestMachine_ProducerTerminalClosesAndStops(t *testing.T) {
	src := core.FromSlice(
		core.RunStarted("producer-run", "producer-thread"),
		core.TextMessageStart("m1", core.RoleAssistant),
		core.RunFinished("", ""),
		core.TextMessageContent("m1", "after terminal"),
	)
	m := New(src, withRun("engine-run", "engine-thread"))
	out := drain(t, m)
	assert.Equal(t, []core.Kind{
		core.KindRunStarted, core.KindTextMessageStart, core.KindTextMessageEnd, core.KindRunFinished,
	}, kinds(out))
	assert.Equal(t, "producer-run", out[0].RunID)
	assert.Equal(t, "producer-run", out[3].RunID)
	assert.Equal(t, "producer-thread", out[3].ThreadID)
}

func TestMachine_UnclosedAtEOFWarns(t *testing.T) {
	m := New(core.FromSlice(core.TextMessageStart("m1", core.RoleAssistant)), func(o *Options) { o.Policy = Lenient() })
	out := drain(t, m)
	assert.Equal(t, []core.Kind{
		core.KindRunStarted, core.KindTextMessageStart, core.KindTextMessageEnd, core.KindRunFinished,
	}, kinds(out))
	require.Len(t, m.Warnings(), 1)
	assert.Nil(t, m.Warnings()[0].Violation)
}

func TestMachine_PassThroughAndStamping(t *testing.T) {
	custom := core.Event{Kind: "vendor_thing", Extra: map[string]json.RawMessage{"x": json.RawMessage("1")}}
	m := New(core.FromSlice(custom, core.ThinkingContent("hmm")), func(o *Options) {
		o.Now = func() int64 { return 42 }
	})
	out := drain(t, m)
	require.Len(t, out, 4)
	assert.Equal(t, core.Kind("vendor_thing"), out[1].Kind)
	assert.Equal(t, int64(42), out[1].Timestamp)
	assert.Equal(t, core.KindThinkingTextMessageContent, out[2].Kind)
}

func TestMachine_StateCarriedOnRunFinished(t *testing.T) {
	src := core.FromSlice(core.StateSnapshot(json.RawMessage(`{"count":2}`)))
	out := drain(t, New(src, func(o *Options) { o.InitialState = json.RawMessage(`{"count":1}`) }))
	assert.JSONEq(t, `{"count":2}`, string(out[len(out)-1].Result))

	out = drain(t, New(core.FromSlice[core.Event](), func(o *Options) { o.InitialState = json.RawMessage(`{"count":1}`) }))
	assert.Equal(t, []core.Kind{core.KindRunStarted, core.KindRunFinished}, kinds(out))
	assert.JSONEq(t, `{"count":1}`, string(out[1].Result))
}

func TestMachine_CancelledContextReturnsContextError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := core.SourceFunc[core.Event](func(ctx context.Context) (core.Event, error) {
		<-ctx.Done()
		return core.Event{}, ctx.Err()
	})
	m := New(src)
	_, err := m.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoError(t, m.Err())
}

func TestMachine_EOFAfterTerminal(t *testing.T) {
	m := New(core.FromSlice[core.Event]())
	_ = drain(t, m)
	_, err := m.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("", []string{"duplicate_end"})
	require.NoError(t, err)
	assert.Equal(t, ModeStrict, p.Mode)
	assert.True(t, p.Tolerates(core.ViolationDuplicateEnd))
	assert.False(t, p.Tolerates(core.ViolationUnknownMessage))

	p, err = ParsePolicy("lenient", nil)
	require.NoError(t, err)
	assert.True(t, p.Tolerates(core.ViolationUnknownMessage))

	_, err = ParsePolicy("loose", nil)
	assert.Error(t, err)
	_, err = ParsePolicy("strict", []string{"everything"})
	assert.Error(t, err)
}
