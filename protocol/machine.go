package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/hupe1980/aguimesh/core"
	"github.com/hupe1980/aguimesh/logging"
)

// Warning records an event the machine dropped or an entity it had to close
// on the producer's behalf.
type Warning struct {
	Violation *core.ProtocolViolation // nil for synthesized closures
	Message   string
	Event     core.Event
}

// Options configures a Machine.
type Options struct {
	Policy Policy

	RunID       string
	ThreadID    string
	ParentRunID string

	// InitialState seeds the state carried on the synthesized run_finished.
	InitialState json.RawMessage

	// Redact turns a run failure into the client-facing message.
	Redact core.Redactor

	Logger    logging.Logger
	OnWarning func(Warning)

	// Now returns the timestamp stamped on events lacking one.
	Now func() int64
}

// Machine validates and repairs a raw event sequence. It is itself an
// EventSource: Next yields validated events, with the synthesized run
// boundaries and closures the protocol requires, and io.EOF once the single
// terminal event has been returned. A Machine belongs to one run.
type Machine struct {
	src  core.EventSource
	opts Options

	tracker  *Tracker
	queue    []core.Event
	started  bool
	done     bool
	err      error
	state    json.RawMessage
	warnings []Warning
}

// New wraps src.
func New(src core.EventSource, optFns ...func(o *Options)) *Machine {
	opts := Options{
		Policy: Strict(),
		Redact: core.SafeRedactor,
		Logger: logging.NoOpLogger{},
		Now:    func() int64 { return time.Now().UnixMilli() },
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.RunID == "" {
		opts.RunID = core.NewID()
	}
	return &Machine{
		src:     src,
		opts:    opts,
		tracker: NewTracker(),
		state:   opts.InitialState,
	}
}

// Next returns the next validated event. When ctx is done while waiting on
// the producer the context error is returned as is: nobody is left to
// receive a terminal event.
func (m *Machine) Next(ctx context.Context) (core.Event, error) {
	for {
		if len(m.queue) > 0 {
			ev := m.queue[0]
			m.queue = m.queue[1:]
			return ev, nil
		}
		if m.done {
			return core.Event{}, io.EOF
		}
		ev, err := m.src.Next(ctx)
		switch {
		case errors.Is(err, io.EOF):
			m.finish()
		case err != nil:
			if ctx.Err() != nil {
				return core.Event{}, ctx.Err()
			}
			m.fail(err)
		default:
			m.accept(ev)
		}
	}
}

// Err returns the failure that ended the run, if any.
func (m *Machine) Err() error { return m.err }

// Warnings returns the warnings recorded so far.
func (m *Machine) Warnings() []Warning {
	out := make([]Warning, len(m.warnings))
	copy(out, m.warnings)
	return out
}

// RunID returns the id used on synthesized lifecycle events.
func (m *Machine) RunID() string { return m.opts.RunID }

func (m *Machine) accept(ev core.Event) {
	if ev.Timestamp == 0 {
		ev.Timestamp = m.opts.Now()
	}
	if ev.Kind == core.KindRunStarted || ev.Kind == core.KindRunFinished {
		if ev.RunID == "" {
			ev.RunID = m.opts.RunID
		}
		if ev.ThreadID == "" {
			ev.ThreadID = m.opts.ThreadID
		}
	}
	if err := ev.Validate(); err != nil {
		var pv *core.ProtocolViolation
		if errors.As(err, &pv) {
			m.violation(pv, ev)
			return
		}
		m.fail(err)
		return
	}

	if !m.started {
		m.started = true
		if ev.Kind == core.KindRunStarted {
			if ev.ParentRunID == "" {
				ev.ParentRunID = m.opts.ParentRunID
			}
			// The producer's ids win so the synthesized run_finished matches.
			m.opts.RunID, m.opts.ThreadID = ev.RunID, ev.ThreadID
			m.emit(ev)
			return
		}
		m.emit(m.runStarted())
	}

	switch ev.Kind {
	case core.KindRunStarted:
		m.violation(&core.ProtocolViolation{Kind: core.ViolationDuplicateRunStart, EventKind: ev.Kind}, ev)
	case core.KindRunFinished, core.KindRunError:
		m.closeOpen(false)
		m.emit(ev)
		m.done = true

	case core.KindTextMessageStart:
		if m.tracker.Message(ev.MessageID) != StateNone {
			m.violation(m.entityViolation(core.ViolationDuplicateMessageStart, ev), ev)
			return
		}
		m.emit(ev)
	case core.KindTextMessageContent:
		if m.tracker.Message(ev.MessageID) != StateOpen {
			m.violation(m.entityViolation(core.ViolationUnknownMessage, ev), ev)
			return
		}
		m.emit(ev)
	case core.KindTextMessageEnd:
		switch m.tracker.Message(ev.MessageID) {
		case StateOpen:
			m.emit(ev)
		case StateEnded:
			m.violation(m.entityViolation(core.ViolationDuplicateEnd, ev), ev)
		default:
			m.violation(m.entityViolation(core.ViolationUnknownMessage, ev), ev)
		}

	case core.KindToolCallStart:
		if m.tracker.ToolCall(ev.ToolCallID) != StateNone {
			m.violation(m.entityViolation(core.ViolationDuplicateToolCallStart, ev), ev)
			return
		}
		m.emit(ev)
	case core.KindToolCallArgs:
		if m.tracker.ToolCall(ev.ToolCallID) != StateOpen {
			m.violation(m.entityViolation(core.ViolationUnknownToolCall, ev), ev)
			return
		}
		m.emit(ev)
	case core.KindToolCallEnd:
		switch m.tracker.ToolCall(ev.ToolCallID) {
		case StateOpen:
			m.emit(ev)
		case StateEnded, StateResulted:
			m.violation(m.entityViolation(core.ViolationDuplicateEnd, ev), ev)
		default:
			m.violation(m.entityViolation(core.ViolationUnknownToolCall, ev), ev)
		}
	case core.KindToolCallResult:
		switch m.tracker.ToolCall(ev.ToolCallID) {
		case StateEnded:
			m.emit(ev)
		case StateOpen:
			m.violation(m.entityViolation(core.ViolationResultBeforeEnd, ev), ev)
		case StateResulted:
			m.violation(m.entityViolation(core.ViolationDuplicateResult, ev), ev)
		default:
			m.violation(m.entityViolation(core.ViolationUnknownToolCall, ev), ev)
		}

	case core.KindStateSnapshot:
		m.state = ev.Snapshot
		m.emit(ev)
	default:
		// Thinking, step, state, raw, custom and unknown kinds pass through.
		m.emit(ev)
	}
}

func (m *Machine) entityViolation(kind core.ViolationKind, ev core.Event) *core.ProtocolViolation {
	return &core.ProtocolViolation{Kind: kind, EventKind: ev.Kind, ID: ev.EntityID()}
}

func (m *Machine) emit(ev core.Event) {
	m.tracker.Observe(ev)
	m.queue = append(m.queue, ev)
}

func (m *Machine) runStarted() core.Event {
	return core.Event{
		Kind:        core.KindRunStarted,
		RunID:       m.opts.RunID,
		ThreadID:    m.opts.ThreadID,
		ParentRunID: m.opts.ParentRunID,
		Timestamp:   m.opts.Now(),
	}
}

func (m *Machine) violation(pv *core.ProtocolViolation, ev core.Event) {
	if m.opts.Policy.Tolerates(pv.Kind) {
		m.warn(Warning{Violation: pv, Message: pv.Error(), Event: ev})
		return
	}
	m.fail(pv)
}

func (m *Machine) warn(w Warning) {
	m.warnings = append(m.warnings, w)
	m.opts.Logger.Warn("protocol warning", "message", w.Message, "kind", string(w.Event.Kind), "id", w.Event.EntityID())
	if m.opts.OnWarning != nil {
		m.opts.OnWarning(w)
	}
}

// closeOpen emits synthetic ends for every open entity. warn is set when the
// producer ended normally and simply forgot them.
func (m *Machine) closeOpen(warn bool) {
	for _, ev := range m.tracker.Close(m.opts.Now()) {
		if warn {
			m.warn(Warning{Message: "closed entity left open at end of run", Event: ev})
		}
		m.queue = append(m.queue, ev)
	}
}

func (m *Machine) fail(err error) {
	if !m.started {
		m.started = true
		m.emit(m.runStarted())
	}
	m.closeOpen(false)
	m.err = err
	ev := core.RunError(m.opts.Redact(err), core.CodeOf(err))
	ev.Timestamp = m.opts.Now()
	m.emit(ev)
	m.done = true
}

func (m *Machine) finish() {
	if !m.started {
		m.started = true
		m.emit(m.runStarted())
	}
	m.closeOpen(true)
	ev := core.Event{
		Kind:      core.KindRunFinished,
		RunID:     m.opts.RunID,
		ThreadID:  m.opts.ThreadID,
		Result:    m.state,
		Timestamp: m.opts.Now(),
	}
	m.emit(ev)
	m.done = true
}
