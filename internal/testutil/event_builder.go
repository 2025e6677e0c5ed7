package testutil

import (
	"encoding/json"

	"github.com/hupe1980/aguimesh/core"
)

// EventBuilder provides a fluent helper for constructing event sequences in
// tests. Example:
//
//	evs := NewEventBuilder().Text("m1", "Hello", " world").ToolCall("t1", "search", `{"q":"cats"}`, "3 results").Build()
//
// Chain only the parts you need; the builder never adds run lifecycle
// events, that is the protocol machine's job.
type EventBuilder struct {
	events []core.Event
	ts     int64
}

// NewEventBuilder creates an empty builder. Timestamps start at 1 and
// increase by one per event so sequences are deterministic.
func NewEventBuilder() *EventBuilder { return &EventBuilder{} }

func (b *EventBuilder) add(evs ...core.Event) *EventBuilder {
	for _, ev := range evs {
		b.ts++
		ev.Timestamp = b.ts
		b.events = append(b.events, ev)
	}
	return b
}

// Text appends a complete assistant message with one content event per
// chunk (chainable).
func (b *EventBuilder) Text(id string, chunks ...string) *EventBuilder {
	b.OpenText(id, chunks...)
	return b.add(core.TextMessageEnd(id))
}

// OpenText appends a message start and content without the end (chainable).
func (b *EventBuilder) OpenText(id string, chunks ...string) *EventBuilder {
	b.add(core.TextMessageStart(id, core.RoleAssistant))
	for _, c := range chunks {
		b.add(core.TextMessageContent(id, c))
	}
	return b
}

// ToolCall appends start, args, end and, when result is not empty, the
// result of one tool call (chainable).
func (b *EventBuilder) ToolCall(id, name, args, result string) *EventBuilder {
	b.OpenToolCall(id, name, args)
	b.add(core.ToolCallEnd(id))
	if result != "" {
		b.add(core.ToolCallResult(id, result))
	}
	return b
}

// OpenToolCall appends a tool call start and its args without the end
// (chainable).
func (b *EventBuilder) OpenToolCall(id, name, args string) *EventBuilder {
	b.add(core.ToolCallStart(id, name))
	if args != "" {
		b.add(core.ToolCallArgs(id, args))
	}
	return b
}

// State appends a state_snapshot (chainable).
func (b *EventBuilder) State(snapshot string) *EventBuilder {
	return b.add(core.StateSnapshot(json.RawMessage(snapshot)))
}

// Custom appends n custom events named name (chainable).
func (b *EventBuilder) Custom(name string, n int) *EventBuilder {
	for i := 0; i < n; i++ {
		b.add(core.Custom(name, i))
	}
	return b
}

// Event appends arbitrary events as given (chainable).
func (b *EventBuilder) Event(evs ...core.Event) *EventBuilder { return b.add(evs...) }

// Build returns a copy of the sequence.
func (b *EventBuilder) Build() []core.Event {
	return append([]core.Event(nil), b.events...)
}

// Source returns the sequence as an EventSource.
func (b *EventBuilder) Source() core.EventSource { return core.FromSlice(b.Build()...) }
