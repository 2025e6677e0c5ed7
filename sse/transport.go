package sse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/hupe1980/aguimesh/core"
	"github.com/hupe1980/aguimesh/logging"
	"github.com/hupe1980/aguimesh/protocol"
)

// Backpressure selects what happens to an event while the writer is busy.
type Backpressure string

// Backpressure policies.
const (
	// BackpressureBlock makes every event wait for the writer.
	BackpressureBlock Backpressure = "block"
	// BackpressureDrop discards droppable kinds the writer does not accept
	// within Options.DropGrace.
	BackpressureDrop Backpressure = "drop"
)

// ParseBackpressure validates a policy name; "" resolves to block.
func ParseBackpressure(s string) (Backpressure, error) {
	switch Backpressure(s) {
	case "", BackpressureBlock:
		return BackpressureBlock, nil
	case BackpressureDrop:
		return BackpressureDrop, nil
	default:
		return "", fmt.Errorf("unknown backpressure policy %q", s)
	}
}

// Droppable reports whether kind may be discarded under BackpressureDrop:
// custom, raw and thinking content deltas. Lifecycle, message, tool, step
// and thinking start/end events never are, and neither is state, which the
// recorder and run_finished.result depend on.
func Droppable(kind core.Kind) bool {
	switch kind {
	case core.KindCustom, core.KindRaw, core.KindThinkingTextMessageContent:
		return true
	default:
		return false
	}
}

// Observer sees every event after it was written to the client.
type Observer func(ev core.Event)

// Options configures a Transport.
type Options struct {
	// Timeout bounds the whole run. Zero disables the deadline.
	Timeout time.Duration
	// KeepaliveInterval is the idle time after which a comment record is
	// written. Zero disables keepalives.
	KeepaliveInterval time.Duration

	Backpressure Backpressure
	// DropGrace is how long a droppable event waits for the writer under
	// BackpressureDrop before it is counted as dropped.
	DropGrace time.Duration

	// Redact turns a source failure into the run_error message.
	Redact core.Redactor

	Observers []Observer
	Logger    logging.Logger

	// Clock stamps synthesized events.
	Clock func() time.Time
}

// Result summarises one streamed run.
type Result struct {
	Status     core.RunStatus
	Events     int
	Keepalives int
	Dropped    int
	// Terminal is the run_finished or run_error written last, if any.
	Terminal core.Event
}

// Transport streams runs as SSE. It holds no per-run state and may be shared.
type Transport struct {
	opts Options
	enc  Encoder
}

// New returns a Transport with the default 30s keepalive and 300s timeout.
func New(optFns ...func(o *Options)) *Transport {
	opts := Options{
		Timeout:           300 * time.Second,
		KeepaliveInterval: 30 * time.Second,
		Backpressure:      BackpressureBlock,
		DropGrace:         10 * time.Millisecond,
		Redact:            core.SafeRedactor,
		Logger:            logging.NoOpLogger{},
		Clock:             time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Transport{opts: opts}
}

// Options returns a copy of the transport settings.
func (t *Transport) Options() Options { return t.opts }

type pulled struct {
	ev  core.Event
	err error
}

// Stream writes src to w until the terminal event, the deadline or a client
// disconnect. It owns src: the source is read by a pump goroutine whose
// context is cancelled when Stream returns.
//
// The returned error is nil when a terminal event was written by the source,
// *core.TimeoutExceeded when the deadline fired, core.ErrClientDisconnected
// (possibly wrapped) when the client went away, and the source error itself
// when the source failed without a terminal event.
func (t *Transport) Stream(ctx context.Context, w io.Writer, src core.EventSource) (Result, error) {
	var res Result
	start := t.opts.Clock()

	pumpCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := make(chan pulled)
	var dropped atomic.Int64
	go t.pump(pumpCtx, src, ch, &dropped)

	var deadline <-chan time.Time
	if t.opts.Timeout > 0 {
		timer := time.NewTimer(t.opts.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	var (
		idle   *time.Timer
		idleCh <-chan time.Time
	)
	if t.opts.KeepaliveInterval > 0 {
		idle = time.NewTimer(t.opts.KeepaliveInterval)
		defer idle.Stop()
		idleCh = idle.C
	}
	resetIdle := func() {
		if idle != nil {
			idle.Reset(t.opts.KeepaliveInterval)
		}
	}

	// seen tracks what the client has been shown so a timeout can close it.
	seen := protocol.NewTracker()
	finish := func(status core.RunStatus, err error) (Result, error) {
		res.Status = status
		res.Dropped = int(dropped.Load())
		return res, err
	}

	gone := func() (Result, error) {
		cancel()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return t.timeout(w, seen, &res, t.opts.Clock().Sub(start), finish)
		}
		t.opts.Logger.Info("client disconnected", "events", res.Events)
		return finish(core.RunStatusCancelled, core.ErrClientDisconnected)
	}

	for {
		select {
		case <-ctx.Done():
			return gone()

		case <-deadline:
			cancel()
			return t.timeout(w, seen, &res, t.opts.Timeout, finish)

		case <-idleCh:
			if err := t.write(w, nil); err != nil {
				cancel()
				return finish(core.RunStatusCancelled, fmt.Errorf("%w: %v", core.ErrClientDisconnected, err))
			}
			res.Keepalives++
			resetIdle()

		case p := <-ch:
			// select picks randomly among ready cases; a gone client wins.
			if ctx.Err() != nil {
				return gone()
			}
			if p.err != nil {
				cancel()
				if errors.Is(p.err, io.EOF) {
					return finish(core.RunStatusCompleted, nil)
				}
				var te *core.TimeoutExceeded
				if errors.As(p.err, &te) {
					return t.timeout(w, seen, &res, te.After, finish)
				}
				return t.fail(w, seen, &res, p.err, finish)
			}
			if err := t.emit(w, seen, &res, p.ev); err != nil {
				cancel()
				return finish(core.RunStatusCancelled, err)
			}
			resetIdle()
			if p.ev.Kind.Terminal() {
				status := core.RunStatusCompleted
				if p.ev.Kind == core.KindRunError {
					status = core.RunStatusErrored
				}
				return finish(status, nil)
			}
		}
	}
}

// pump pulls from src until the source ends or ctx is done. It sends at most
// one event at a time and exits after the terminal event.
func (t *Transport) pump(ctx context.Context, src core.EventSource, ch chan<- pulled, dropped *atomic.Int64) {
	var grace *time.Timer
	for {
		ev, err := src.Next(ctx)
		if err != nil {
			select {
			case ch <- pulled{err: err}:
			case <-ctx.Done():
			}
			return
		}
		if t.opts.Backpressure == BackpressureDrop && Droppable(ev.Kind) {
			if grace == nil {
				grace = time.NewTimer(t.opts.DropGrace)
				defer grace.Stop()
			} else {
				grace.Reset(t.opts.DropGrace)
			}
			select {
			case ch <- pulled{ev: ev}:
				grace.Stop()
			case <-grace.C:
				dropped.Add(1)
				t.opts.Logger.Debug("event dropped", "kind", string(ev.Kind))
			case <-ctx.Done():
				return
			}
			continue
		}
		select {
		case ch <- pulled{ev: ev}:
		case <-ctx.Done():
			return
		}
		if ev.Kind.Terminal() {
			return
		}
	}
}

func (t *Transport) emit(w io.Writer, seen *protocol.Tracker, res *Result, ev core.Event) error {
	if err := t.write(w, &ev); err != nil {
		t.opts.Logger.Info("client write failed", "error", err, "kind", string(ev.Kind))
		return fmt.Errorf("%w: %v", core.ErrClientDisconnected, err)
	}
	seen.Observe(ev)
	res.Events++
	if ev.Kind.Terminal() {
		res.Terminal = ev
	}
	for _, obs := range t.opts.Observers {
		obs(ev)
	}
	return nil
}

// write writes one event record, or a keepalive when ev is nil, and flushes.
func (t *Transport) write(w io.Writer, ev *core.Event) error {
	var err error
	if ev == nil {
		err = t.enc.WriteKeepalive(w)
	} else {
		err = t.enc.WriteEvent(w, *ev)
	}
	if err != nil {
		return err
	}
	switch f := w.(type) {
	case http.Flusher:
		f.Flush()
	case interface{ Flush() error }:
		return f.Flush()
	}
	return nil
}

type finishFunc func(status core.RunStatus, err error) (Result, error)

func (t *Transport) timeout(w io.Writer, seen *protocol.Tracker, res *Result, after time.Duration, finish finishFunc) (Result, error) {
	err := &core.TimeoutExceeded{After: after}
	t.opts.Logger.Warn("run timed out", "after", after.String(), "events", res.Events)
	if werr := t.terminate(w, seen, res, err); werr != nil {
		return finish(core.RunStatusCancelled, werr)
	}
	return finish(core.RunStatusErrored, err)
}

func (t *Transport) fail(w io.Writer, seen *protocol.Tracker, res *Result, cause error, finish finishFunc) (Result, error) {
	t.opts.Logger.Warn("source failed without terminal event", "error", cause)
	if werr := t.terminate(w, seen, res, cause); werr != nil {
		return finish(core.RunStatusCancelled, werr)
	}
	return finish(core.RunStatusErrored, cause)
}

// terminate closes what the client saw opened and writes run_error.
func (t *Transport) terminate(w io.Writer, seen *protocol.Tracker, res *Result, cause error) error {
	now := t.opts.Clock().UnixMilli()
	for _, ev := range seen.Close(now) {
		if err := t.emit(w, seen, res, ev); err != nil {
			return err
		}
	}
	ev := core.RunError(t.opts.Redact(cause), core.CodeOf(cause))
	ev.Timestamp = now
	return t.emit(w, seen, res, ev)
}
