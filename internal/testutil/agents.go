package testutil

import (
	"errors"
	"sync/atomic"

	"github.com/hupe1980/aguimesh/core"
)

// AgentOf returns an agent that emits items in order and returns nil.
func AgentOf(items ...any) core.Agent {
	return core.AgentFunc(func(rc *core.RunContext) error {
		for _, it := range items {
			if err := rc.Emit(it); err != nil {
				return err
			}
		}
		return nil
	})
}

// EventsAgent is AgentOf for canonical events.
func EventsAgent(events ...core.Event) core.Agent {
	items := make([]any, len(events))
	for i, ev := range events {
		items[i] = ev
	}
	return AgentOf(items...)
}

// FailingAgent emits events and then returns cause.
func FailingAgent(cause error, events ...core.Event) core.Agent {
	return core.AgentFunc(func(rc *core.RunContext) error {
		if err := rc.EmitAll(events...); err != nil {
			return err
		}
		return cause
	})
}

// PanickingAgent emits events and then panics with v.
func PanickingAgent(v any, events ...core.Event) core.Agent {
	return core.AgentFunc(func(rc *core.RunContext) error {
		if err := rc.EmitAll(events...); err != nil {
			return err
		}
		panic(v)
	})
}

// BlockingAgent emits events and then blocks until its run is cancelled.
// Started is closed once the events were taken; Cancelled is closed when the
// agent observed cancellation.
type BlockingAgent struct {
	Events    []core.Event
	Started   chan struct{}
	Cancelled chan struct{}

	runs atomic.Int32
}

// NewBlockingAgent returns a BlockingAgent emitting events first.
func NewBlockingAgent(events ...core.Event) *BlockingAgent {
	return &BlockingAgent{
		Events:    events,
		Started:   make(chan struct{}),
		Cancelled: make(chan struct{}),
	}
}

// Run implements core.Agent. A BlockingAgent serves a single run.
func (a *BlockingAgent) Run(rc *core.RunContext) error {
	if a.runs.Add(1) > 1 {
		return errors.New("blocking agent already used")
	}
	if err := rc.EmitAll(a.Events...); err != nil {
		close(a.Started)
		close(a.Cancelled)
		return err
	}
	close(a.Started)
	<-rc.Done()
	close(a.Cancelled)
	return rc.Err()
}
