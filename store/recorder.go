package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/aguimesh/core"
	"github.com/hupe1980/aguimesh/logging"
)

// StatePolicy decides when a run's final state is written to a
// core.StateStore.
type StatePolicy string

// State policies.
const (
	// StateAlways saves the final state, seeded or produced, of every run.
	StateAlways StatePolicy = "always"
	// StateOnSnapshot saves only when the run emitted a state_snapshot.
	StateOnSnapshot StatePolicy = "on_snapshot"
	// StateDisabled never saves state.
	StateDisabled StatePolicy = "disabled"
)

// ParseStatePolicy validates a policy name; "" resolves to always.
func ParseStatePolicy(s string) (StatePolicy, error) {
	switch StatePolicy(s) {
	case "", StateAlways:
		return StateAlways, nil
	case StateOnSnapshot, StateDisabled:
		return StatePolicy(s), nil
	default:
		return "", fmt.Errorf("unknown state policy %q", s)
	}
}

// RecorderOptions configures a Recorder.
type RecorderOptions struct {
	Logger      logging.Logger
	OnError     func(err error)
	StatePolicy StatePolicy

	// WriteTimeout bounds each store call.
	WriteTimeout time.Duration
	Now          func() time.Time
}

type op struct {
	name string
	id   string
	fn   func(ctx context.Context) error
}

// Recorder persists one run. It observes the events written to the client
// and keeps cumulative snapshots of every message and tool call; each change
// schedules a write keyed by entity. Writes still pending for the same key
// are replaced, not queued, and a single worker goroutine performs them, so
// a slow store never stalls the stream.
//
// Begin, Observe and End must be called from one goroutine at a time, in
// that order. Close waits for outstanding writes.
type Recorder struct {
	store core.Store
	opts  RecorderOptions

	agentID  string
	threadID string
	runID    string

	run       core.Run
	messages  map[string]*core.Message
	toolCalls map[string]*core.ToolCall
	state     json.RawMessage
	snapshot  bool

	mu       sync.Mutex
	pending  map[string]op
	order    []string
	closing  bool
	failures int
	wake     chan struct{}
	done     chan struct{}
}

// NewRecorder starts a recorder for one run of agentID on threadID.
func NewRecorder(s core.Store, agentID, threadID, runID string, optFns ...func(o *RecorderOptions)) *Recorder {
	opts := RecorderOptions{
		Logger:       logging.NoOpLogger{},
		StatePolicy:  StateAlways,
		WriteTimeout: 10 * time.Second,
		Now:          func() time.Time { return time.Now().UTC() },
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	r := &Recorder{
		store:     s,
		opts:      opts,
		agentID:   agentID,
		threadID:  threadID,
		runID:     runID,
		messages:  map[string]*core.Message{},
		toolCalls: map[string]*core.ToolCall{},
		pending:   map[string]op{},
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go r.work()
	return r
}

// Begin records the thread, the running run and the input messages. System
// messages are not stored: they are injected per run.
func (r *Recorder) Begin(input core.RunInput) {
	now := r.opts.Now()
	agentID, threadID := r.agentID, r.threadID
	r.schedule("save_thread", "thread:"+threadID, threadID, func(ctx context.Context) error {
		th, err := r.store.GetThread(ctx, threadID)
		if errors.Is(err, core.ErrNotFound) {
			th = core.Thread{ID: threadID, AgentID: agentID, CreatedAt: now}
			if text, ok := input.LastUserMessage(); ok {
				th.Title = title(text)
			}
		} else if err != nil {
			return err
		}
		th.UpdatedAt = now
		return r.store.SaveThread(ctx, th)
	})

	r.run = core.Run{ID: r.runID, ThreadID: threadID, AgentID: agentID, Status: core.RunStatusRunning, StartedAt: now}
	r.saveRun()

	for _, in := range input.Messages {
		if in.Role == core.RoleSystem || in.ID == "" {
			continue
		}
		m := core.Message{
			ID: in.ID, ThreadID: threadID, RunID: r.runID, Role: in.Role,
			Content: in.Content, Complete: true, CreatedAt: now, UpdatedAt: now,
		}
		r.schedule("save_message", "message:"+m.ID, m.ID, func(ctx context.Context) error {
			return r.store.SaveMessage(ctx, m)
		})
	}
	r.state = input.State
}

// Observe is an sse.Observer.
func (r *Recorder) Observe(ev core.Event) {
	now := r.opts.Now()
	switch ev.Kind {
	case core.KindTextMessageStart:
		r.messages[ev.MessageID] = &core.Message{
			ID: ev.MessageID, ThreadID: r.threadID, RunID: r.runID, Role: ev.Role,
			CreatedAt: now, UpdatedAt: now,
		}
		r.saveMessage(ev.MessageID)
	case core.KindTextMessageContent:
		if m, ok := r.messages[ev.MessageID]; ok {
			m.Content += ev.Delta
			m.UpdatedAt = now
			r.saveMessage(ev.MessageID)
		}
	case core.KindTextMessageEnd:
		if m, ok := r.messages[ev.MessageID]; ok {
			m.Complete = true
			m.UpdatedAt = now
			r.saveMessage(ev.MessageID)
		}
	case core.KindToolCallStart:
		r.toolCalls[ev.ToolCallID] = &core.ToolCall{
			ID: ev.ToolCallID, ThreadID: r.threadID, RunID: r.runID,
			ParentMessageID: ev.ParentMessageID, Name: ev.ToolCallName,
			Status: core.ToolCallStarted, CreatedAt: now, UpdatedAt: now,
		}
		r.saveToolCall(ev.ToolCallID)
	case core.KindToolCallArgs:
		if tc, ok := r.toolCalls[ev.ToolCallID]; ok {
			tc.Arguments += ev.Delta
			tc.UpdatedAt = now
			r.saveToolCall(ev.ToolCallID)
		}
	case core.KindToolCallEnd:
		if tc, ok := r.toolCalls[ev.ToolCallID]; ok {
			tc.Status = core.ToolCallEnded
			tc.UpdatedAt = now
			r.saveToolCall(ev.ToolCallID)
		}
	case core.KindToolCallResult:
		// The protocol machine only lets results through for calls it tracks.
		tc, ok := r.toolCalls[ev.ToolCallID]
		if !ok {
			return
		}
		tc.Result = ev.Content
		tc.Status = core.ToolCallResulted
		tc.UpdatedAt = now
		r.saveToolCall(ev.ToolCallID)
	case core.KindStateSnapshot:
		r.state = ev.Snapshot
		r.snapshot = true
	case core.KindRunError:
		r.run.Error = ev.Message
	}
}

// End records the final run status and, per the state policy, the final
// state.
func (r *Recorder) End(status core.RunStatus) {
	r.run.Status = status
	r.run.EndedAt = r.opts.Now()
	r.saveRun()

	ss, ok := r.store.(core.StateStore)
	if !ok || len(r.state) == 0 {
		return
	}
	switch r.opts.StatePolicy {
	case StateDisabled:
		return
	case StateOnSnapshot:
		if !r.snapshot {
			return
		}
	}
	state, threadID, runID := r.state, r.threadID, r.runID
	r.schedule("save_state", "state:"+threadID, threadID, func(ctx context.Context) error {
		return ss.SaveState(ctx, threadID, runID, state)
	})
}

// State returns the latest state seen, seeded or produced.
func (r *Recorder) State() json.RawMessage { return r.state }

// Failures returns how many writes failed so far.
func (r *Recorder) Failures() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures
}

// Close flushes pending writes and stops the worker. It returns ctx's error
// if ctx ends first; the worker still finishes in the background.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closing {
		r.closing = true
		r.signal()
	}
	r.mu.Unlock()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) saveRun() {
	run := r.run
	r.schedule("save_run", "run:"+run.ID, run.ID, func(ctx context.Context) error {
		return r.store.SaveRun(ctx, run)
	})
}

func (r *Recorder) saveMessage(id string) {
	m := *r.messages[id]
	r.schedule("save_message", "message:"+id, id, func(ctx context.Context) error {
		return r.store.SaveMessage(ctx, m)
	})
}

func (r *Recorder) saveToolCall(id string) {
	tc := *r.toolCalls[id]
	r.schedule("save_tool_call", "tool_call:"+id, id, func(ctx context.Context) error {
		return r.store.SaveToolCall(ctx, tc)
	})
}

func (r *Recorder) schedule(name, key, id string, fn func(ctx context.Context) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing {
		r.opts.Logger.Warn("recorder closed, write discarded", "op", name, "id", id)
		return
	}
	if _, ok := r.pending[key]; !ok {
		r.order = append(r.order, key)
	}
	r.pending[key] = op{name: name, id: id, fn: fn}
	r.signal()
}

// signal wakes the worker; r.mu must be held.
func (r *Recorder) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Recorder) work() {
	defer close(r.done)
	for range r.wake {
		for {
			r.mu.Lock()
			if len(r.order) == 0 {
				closing := r.closing
				r.mu.Unlock()
				if closing {
					return
				}
				break
			}
			key := r.order[0]
			r.order = r.order[1:]
			o := r.pending[key]
			delete(r.pending, key)
			r.mu.Unlock()
			r.exec(o)
		}
	}
}

func (r *Recorder) exec(o op) {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.WriteTimeout)
	defer cancel()
	if err := o.fn(ctx); err != nil {
		sf := &core.StorageFailure{Op: o.name, ID: o.id, Cause: err}
		r.mu.Lock()
		r.failures++
		r.mu.Unlock()
		r.opts.Logger.Error("storage write failed", "error", sf, "op", o.name, "id", o.id, "run_id", r.runID)
		if r.opts.OnError != nil {
			r.opts.OnError(sf)
		}
	}
}

func title(s string) string {
	const limit = 80
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "…"
}
