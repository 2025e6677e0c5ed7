package core

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hupe1980/aguimesh/logging"
)

// RunContext carries the per-run execution scope handed to Agent.Run. It
// aggregates:
//   - The ambient cancellation Context
//   - Identifiers (RunID, ThreadID, AgentID)
//   - The prepared RunInput (system message injected, state seeded)
//   - The emission channel feeding the translator pipeline
//
// Emission is synchronous: Emit returns once the pipeline has taken the
// item, so an agent can never run ahead of the client.
type RunContext struct {
	ctx      context.Context
	RunID    string
	ThreadID string
	AgentID  string
	Input    RunInput
	Logger   logging.Logger

	emit chan<- any
}

// NewRunContext constructs a RunContext emitting into emit.
func NewRunContext(ctx context.Context, agentID string, input RunInput, emit chan<- any, logger logging.Logger) *RunContext {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &RunContext{
		ctx:      ctx,
		RunID:    input.RunID,
		ThreadID: input.ThreadID,
		AgentID:  agentID,
		Input:    input,
		Logger:   logger,
		emit:     emit,
	}
}

// Context returns the run's cancellation context.
func (rc *RunContext) Context() context.Context { return rc.ctx }

// Done mirrors context.Context's Done.
func (rc *RunContext) Done() <-chan struct{} { return rc.ctx.Done() }

// Err returns the cancellation error (if any) from the underlying context.
func (rc *RunContext) Err() error { return rc.ctx.Err() }

// Emit hands one item to the pipeline, blocking until it is taken or the run
// is cancelled.
func (rc *RunContext) Emit(item any) error {
	select {
	case <-rc.ctx.Done():
		return rc.ctx.Err()
	case rc.emit <- item:
		return nil
	}
}

// EmitAll emits events in order, stopping at the first failure.
func (rc *RunContext) EmitAll(events ...Event) error {
	for _, ev := range events {
		if err := rc.Emit(ev); err != nil {
			return err
		}
	}
	return nil
}

// EmitText emits a complete assistant text message (start, one content
// delta, end) and returns the message id.
func (rc *RunContext) EmitText(text string) (string, error) {
	id := NewID()
	if err := rc.EmitAll(
		TextMessageStart(id, RoleAssistant),
		TextMessageContent(id, text),
		TextMessageEnd(id),
	); err != nil {
		return "", err
	}
	return id, nil
}

// EmitState emits a state_snapshot event carrying state.
func (rc *RunContext) EmitState(state any) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	return rc.Emit(StateSnapshot(raw))
}
