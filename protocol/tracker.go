package protocol

import "github.com/hupe1980/aguimesh/core"

// EntityState is the lifecycle position of a tracked message or tool call.
type EntityState int

// Entity states. Messages use Open and Ended; tool calls may also reach
// Resulted.
const (
	StateNone EntityState = iota
	StateOpen
	StateEnded
	StateResulted
)

type entityRef struct {
	tool bool
	id   string
}

// Tracker records the open set of messages and tool calls of one run. It is
// owned by a single goroutine and never shared between runs.
type Tracker struct {
	messages map[string]EntityState
	tools    map[string]EntityState
	open     []entityRef
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{messages: map[string]EntityState{}, tools: map[string]EntityState{}}
}

// Message returns the state of message id.
func (t *Tracker) Message(id string) EntityState { return t.messages[id] }

// ToolCall returns the state of tool call id.
func (t *Tracker) ToolCall(id string) EntityState { return t.tools[id] }

// OpenCount returns how many entities are currently open.
func (t *Tracker) OpenCount() int { return len(t.open) }

// Observe applies ev to the tracked state without validating it. Callers
// that need validation check the state first.
func (t *Tracker) Observe(ev core.Event) {
	switch ev.Kind {
	case core.KindTextMessageStart:
		t.messages[ev.MessageID] = StateOpen
		t.open = append(t.open, entityRef{id: ev.MessageID})
	case core.KindTextMessageEnd:
		if t.messages[ev.MessageID] == StateOpen {
			t.messages[ev.MessageID] = StateEnded
			t.remove(entityRef{id: ev.MessageID})
		}
	case core.KindToolCallStart:
		t.tools[ev.ToolCallID] = StateOpen
		t.open = append(t.open, entityRef{tool: true, id: ev.ToolCallID})
	case core.KindToolCallEnd:
		if t.tools[ev.ToolCallID] == StateOpen {
			t.tools[ev.ToolCallID] = StateEnded
			t.remove(entityRef{tool: true, id: ev.ToolCallID})
		}
	case core.KindToolCallResult:
		if t.tools[ev.ToolCallID] == StateEnded {
			t.tools[ev.ToolCallID] = StateResulted
		}
	}
}

func (t *Tracker) remove(ref entityRef) {
	for i := len(t.open) - 1; i >= 0; i-- {
		if t.open[i] == ref {
			t.open = append(t.open[:i], t.open[i+1:]...)
			return
		}
	}
}

// Close returns synthetic end events for every open entity, most recently
// opened first, and marks them ended.
func (t *Tracker) Close(now int64) []core.Event {
	if len(t.open) == 0 {
		return nil
	}
	out := make([]core.Event, 0, len(t.open))
	for i := len(t.open) - 1; i >= 0; i-- {
		ref := t.open[i]
		var ev core.Event
		if ref.tool {
			ev = core.Event{Kind: core.KindToolCallEnd, ToolCallID: ref.id, Timestamp: now}
			t.tools[ref.id] = StateEnded
		} else {
			ev = core.Event{Kind: core.KindTextMessageEnd, MessageID: ref.id, Timestamp: now}
			t.messages[ref.id] = StateEnded
		}
		out = append(out, ev)
	}
	t.open = t.open[:0]
	return out
}
