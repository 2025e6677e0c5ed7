package agent

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hupe1980/aguimesh/core"
)

// ErrEscalated is returned by a loop child to end the loop early without
// failing the run.
var ErrEscalated = errors.New("child agent escalated")

// LoopAgent repeats one child on the same run.
type LoopAgent struct {
	child       core.Agent
	maxIters    int
	interval    time.Duration
	stopOnError bool
	predicate   func(output string) bool
	description string
}

var _ core.Describer = (*LoopAgent)(nil)

// LoopOption configures a LoopAgent.
type LoopOption func(*LoopAgent)

// WithMaxIters sets the iteration limit (default 10).
func WithMaxIters(n int) LoopOption {
	return func(l *LoopAgent) { l.maxIters = n }
}

// WithInterval sets the pause between iterations.
func WithInterval(d time.Duration) LoopOption {
	return func(l *LoopAgent) { l.interval = d }
}

// WithPredicate ends the loop once pred returns true for the text the child
// emitted in an iteration.
//
// Example:
//
//	WithPredicate(func(output string) bool {
//	    return strings.Contains(output, "DONE")
//	})
func WithPredicate(pred func(output string) bool) LoopOption {
	return func(l *LoopAgent) { l.predicate = pred }
}

// WithContinueOnError keeps looping after a failed iteration.
func WithContinueOnError() LoopOption {
	return func(l *LoopAgent) { l.stopOnError = false }
}

// WithDescription sets the agent listing description.
func WithDescription(d string) LoopOption {
	return func(l *LoopAgent) { l.description = d }
}

// NewLoop returns a LoopAgent around child.
func NewLoop(child core.Agent, opts ...LoopOption) *LoopAgent {
	l := &LoopAgent{child: child, maxIters: 10, stopOnError: true}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Description implements core.Describer.
func (l *LoopAgent) Description() string { return l.description }

// Run implements core.Agent. State snapshots carry over between iterations
// as in SequentialAgent.
func (l *LoopAgent) Run(rc *core.RunContext) error {
	input := rc.Input
	for i := 0; i < l.maxIters; i++ {
		if i > 0 && l.interval > 0 {
			timer := time.NewTimer(l.interval)
			select {
			case <-rc.Done():
				timer.Stop()
				return rc.Err()
			case <-timer.C:
			}
		}
		if err := rc.Err(); err != nil {
			return err
		}

		var out strings.Builder
		err := runTee(rc.Context(), rc, l.child, input, func(item any) {
			ev, ok := item.(core.Event)
			if !ok {
				return
			}
			switch ev.Kind {
			case core.KindTextMessageContent:
				out.WriteString(ev.Delta)
			case core.KindStateSnapshot:
				input.State = ev.Snapshot
			}
		})

		switch {
		case errors.Is(err, ErrEscalated):
			rc.Logger.Debug("loop escalated", "iteration", i+1)
			return nil
		case err != nil && l.stopOnError:
			return fmt.Errorf("loop iteration %d: %w", i+1, err)
		case err != nil:
			if ctxErr := rc.Err(); ctxErr != nil {
				return ctxErr
			}
			rc.Logger.Warn("loop iteration failed, continuing", "iteration", i+1, "error", err)
		}

		if l.predicate != nil && l.predicate(out.String()) {
			return nil
		}
	}
	return nil
}
