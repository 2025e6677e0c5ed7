package agent

import (
	"fmt"

	"github.com/hupe1980/aguimesh/core"
)

// SequentialAgent runs its children in order on one run. The first error
// stops the sequence.
type SequentialAgent struct {
	children    []core.Agent
	description string
}

var _ core.Describer = (*SequentialAgent)(nil)

// NewSequential returns a SequentialAgent over children.
func NewSequential(description string, children ...core.Agent) *SequentialAgent {
	return &SequentialAgent{children: children, description: description}
}

// Description implements core.Describer.
func (s *SequentialAgent) Description() string { return s.description }

// Run implements core.Agent. Each child sees the input of the run with the
// latest state_snapshot emitted by an earlier child as its State.
func (s *SequentialAgent) Run(rc *core.RunContext) error {
	input := rc.Input
	for i, child := range s.children {
		if err := rc.Err(); err != nil {
			return err
		}
		err := runTee(rc.Context(), rc, child, input, func(item any) {
			if ev, ok := item.(core.Event); ok && ev.Kind == core.KindStateSnapshot {
				input.State = ev.Snapshot
			}
		})
		if err != nil {
			return fmt.Errorf("sequential step %s: %w", describe(i, child), err)
		}
	}
	return nil
}
