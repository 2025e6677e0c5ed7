package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hupe1980/aguimesh/core"
	"github.com/hupe1980/aguimesh/logging"
	"github.com/hupe1980/aguimesh/protocol"
	"github.com/hupe1980/aguimesh/sse"
	"github.com/hupe1980/aguimesh/store"
	"github.com/hupe1980/aguimesh/translate"
)

// Result summarises one run.
type Result struct {
	sse.Result

	RunID    string
	ThreadID string

	// Warnings lists the events the protocol machine dropped or repaired.
	Warnings []protocol.Warning

	// Err is the failure that ended the run: the agent, translation or
	// protocol error behind a run_error, the timeout, or the disconnect.
	Err error
}

// Collected is the outcome of a non-streaming run.
type Collected struct {
	Events   []core.Event
	HasError bool
	Result   Result
}

// Stream runs agentID on input and writes the SSE stream to w. If w is an
// http.Flusher every record is flushed.
//
// Errors returned before anything was written: ErrAgentNotFound,
// ErrTooManyRuns and a before_run callback error. Once streaming started
// the returned error is the transport's: nil when a terminal event was
// written, *core.TimeoutExceeded or core.ErrClientDisconnected otherwise.
// Agent failures are not returned; they reach the client as run_error and
// are reported in Result.Err.
func (e *Engine) Stream(ctx context.Context, agentID string, input core.RunInput, w io.Writer) (Result, error) {
	return e.run(ctx, agentID, input, w)
}

// Collect runs agentID on input without a client and returns every event
// the client would have received.
func (e *Engine) Collect(ctx context.Context, agentID string, input core.RunInput) (Collected, error) {
	var out Collected
	res, err := e.run(ctx, agentID, input, io.Discard, func(ev core.Event) {
		out.Events = append(out.Events, ev)
		if ev.Kind == core.KindRunError {
			out.HasError = true
		}
	})
	out.Result = res
	return out, err
}

func (e *Engine) run(ctx context.Context, agentID string, input core.RunInput, w io.Writer, extra ...sse.Observer) (Result, error) {
	reg, ok := e.lookup(agentID)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if err := e.limiter.acquire(); err != nil {
		return Result{}, err
	}
	defer e.limiter.release()

	input = e.prepare(ctx, agentID, reg.cfg, input)
	res := Result{RunID: input.RunID, ThreadID: input.ThreadID}
	logger := e.runLogger(agentID, input.RunID, input.ThreadID)

	cc := func() *CallbackContext {
		return &CallbackContext{AgentID: agentID, RunID: input.RunID, ThreadID: input.ThreadID, Input: input}
	}
	if err := e.callbacks.ExecuteCallbacks(ctx, CallbackBeforeRun, cc()); err != nil {
		return res, fmt.Errorf("before_run callback: %w", err)
	}

	ctx, trun := e.telemetry.StartRun(ctx, agentID, input.RunID, input.ThreadID)

	// agentCtx is cancelled by Stop and when Stream returns.
	agentCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := e.track(input.RunID, cancel); err != nil {
		trun.End(core.RunStatusErrored, 0, err)
		return res, err
	}
	defer e.untrack(input.RunID)

	rec := store.NewRecorder(e.store, agentID, input.ThreadID, input.RunID, func(o *store.RecorderOptions) {
		o.Logger = logger
		o.StatePolicy = e.opts.StatePolicy
		o.WriteTimeout = e.opts.StoreWriteTimeout
		o.Now = func() time.Time { return e.opts.Clock().UTC() }
		o.OnError = func(err error) { logger.Warn("store write failed", "error", err) }
	})
	rec.Begin(input)

	policy := e.opts.Policy
	if reg.cfg.Policy != nil {
		policy = *reg.cfg.Policy
	}
	now := func() int64 { return e.opts.Clock().UnixMilli() }

	items := newAgentSource(agentCtx, agentID, reg.agent, input, logger, func() bool { return e.stopped(input.RunID) })
	machine := protocol.New(translate.Pipe(items, reg.cfg.Translator()), func(o *protocol.Options) {
		o.Policy = policy
		o.RunID = input.RunID
		o.ThreadID = input.ThreadID
		o.ParentRunID = input.ParentRunID
		o.InitialState = input.State
		o.Redact = e.redact
		o.Logger = logger
		o.Now = now
		o.OnWarning = func(wn protocol.Warning) {
			logger.Warn("protocol warning", "message", wn.Message, "kind", string(wn.Event.Kind))
			if e.callbacks.Has(CallbackOnWarning) {
				c := cc()
				c.Warning = &wn
				if err := e.callbacks.ExecuteCallbacks(ctx, CallbackOnWarning, c); err != nil {
					logger.Warn("on_warning callback failed", "error", err)
				}
			}
		}
	})

	observers := []sse.Observer{rec.Observe, trun.Observe}
	if e.callbacks.Has(CallbackOnEvent) {
		observers = append(observers, func(ev core.Event) {
			c := cc()
			c.Event = &ev
			if err := e.callbacks.ExecuteCallbacks(ctx, CallbackOnEvent, c); err != nil {
				logger.Warn("on_event callback failed", "error", err)
			}
		})
	}
	observers = append(observers, extra...)

	timeout, keepalive := e.opts.Timeout, e.opts.KeepaliveInterval
	if reg.cfg.Timeout > 0 {
		timeout = reg.cfg.Timeout
	}
	if reg.cfg.KeepaliveInterval > 0 {
		keepalive = reg.cfg.KeepaliveInterval
	}
	transport := sse.New(func(o *sse.Options) {
		o.Timeout = timeout
		o.KeepaliveInterval = keepalive
		o.Backpressure = e.opts.Backpressure
		o.Redact = e.redact
		o.Observers = observers
		o.Logger = logger
		o.Clock = e.opts.Clock
	})

	start := e.opts.Clock()
	sres, streamErr := transport.Stream(ctx, w, machine)
	res.Result = sres
	res.Err = streamErr
	if streamErr == nil {
		// The pump has returned after the terminal event; the machine is
		// no longer in use.
		res.Err = machine.Err()
		res.Warnings = machine.Warnings()
	}

	e.untrack(input.RunID)
	cancel()
	if errors.Is(res.Err, ErrRunStopped) {
		res.Status = core.RunStatusCancelled
	}

	rec.End(res.Status)
	flushCtx, flushCancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.StoreWriteTimeout)
	if err := rec.Close(flushCtx); err != nil {
		logger.Warn("store flush incomplete", "error", err)
	}
	flushCancel()

	trun.End(res.Status, res.Dropped, res.Err)

	c := cc()
	c.Result = &res
	if err := e.callbacks.ExecuteCallbacks(ctx, CallbackAfterRun, c); err != nil {
		logger.Warn("after_run callback failed", "error", err)
	}
	if res.Err != nil {
		c = cc()
		c.Result = &res
		c.Err = res.Err
		if err := e.callbacks.ExecuteCallbacks(ctx, CallbackOnError, c); err != nil {
			logger.Warn("on_error callback failed", "error", err)
		}
	}

	dur := e.opts.Clock().Sub(start)
	if rl, ok := logger.(*logging.RunLogger); ok {
		rl.LogRun(string(res.Status), res.Events, res.Keepalives, res.Dropped, dur, res.Err)
	} else {
		logger.Info("run ended", "run_id", res.RunID, "status", string(res.Status), "events", res.Events, "duration", dur)
	}

	return res, streamErr
}

// prepare assigns ids, seeds the state and injects the system message,
// which sees the seeded state. The caller's slices are never modified.
func (e *Engine) prepare(ctx context.Context, agentID string, cfg AgentConfig, input core.RunInput) core.RunInput {
	if input.RunID == "" {
		input.RunID = core.NewID()
	}
	if input.ThreadID == "" {
		input.ThreadID = core.NewID()
	}

	if input.State == nil {
		if ss, ok := e.store.(core.StateStore); ok {
			state, err := ss.LoadState(ctx, input.ThreadID)
			if err != nil {
				e.logger.Warn("state load failed", "agent_id", agentID, "thread_id", input.ThreadID, "error", err)
			} else {
				input.State = state
			}
		}
	}

	if cfg.SystemMessage != nil {
		if text := cfg.SystemMessage(input); text != "" {
			msgs := make([]core.InputMessage, 0, len(input.Messages)+1)
			msgs = append(msgs, core.InputMessage{ID: "system-" + input.RunID, Role: core.RoleSystem, Content: text})
			input.Messages = append(msgs, input.Messages...)
		}
	}
	return input
}

// agentSource runs an agent in its own goroutine on the first Next and
// yields what it emits. The agent's error, or its panic, ends the source.
type agentSource struct {
	ctx     context.Context
	agentID string
	agent   core.Agent
	input   core.RunInput
	logger  logging.Logger
	stopped func() bool

	once  sync.Once
	items chan any
	done  chan struct{}
	err   error
}

func newAgentSource(ctx context.Context, agentID string, agent core.Agent, input core.RunInput, logger logging.Logger, stopped func() bool) *agentSource {
	return &agentSource{
		ctx:     ctx,
		agentID: agentID,
		agent:   agent,
		input:   input,
		logger:  logger,
		stopped: stopped,
		items:   make(chan any),
		done:    make(chan struct{}),
	}
}

func (s *agentSource) Next(ctx context.Context) (any, error) {
	s.once.Do(func() { go s.run() })
	select {
	case item := <-s.items:
		return item, nil
	case <-s.done:
		// Emit is synchronous, so nothing is left in flight once done is
		// closed.
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.ctx.Done():
		// An agent that ignores its context must not hold a stopped run open.
		if s.stopped() {
			return nil, &core.AgentFailure{Agent: s.agentID, Cause: ErrRunStopped}
		}
		return nil, s.ctx.Err()
	}
}

func (s *agentSource) run() {
	var err error
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("agent panicked", "panic", fmt.Sprint(r))
			err = &core.AgentFailure{Agent: s.agentID, Cause: fmt.Errorf("%v", r), Panic: true}
		}
		s.err = err
		close(s.done)
	}()

	rc := core.NewRunContext(s.ctx, s.agentID, s.input, s.items, s.logger)
	err = s.wrap(s.agent.Run(rc))
}

func (s *agentSource) wrap(err error) error {
	if s.stopped() {
		return &core.AgentFailure{Agent: s.agentID, Cause: ErrRunStopped}
	}
	if err == nil {
		return nil
	}
	var (
		te *core.TranslationError
		to *core.TimeoutExceeded
		af *core.AgentFailure
	)
	if errors.As(err, &te) || errors.As(err, &to) || errors.As(err, &af) {
		return err
	}
	return &core.AgentFailure{Agent: s.agentID, Cause: err}
}
