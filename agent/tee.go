package agent

import (
	"context"
	"fmt"

	"github.com/hupe1980/aguimesh/core"
)

// describe names a child for error messages.
func describe(i int, a core.Agent) string {
	if d, ok := a.(core.Describer); ok && d.Description() != "" {
		return fmt.Sprintf("%d (%s)", i, d.Description())
	}
	return fmt.Sprint(i)
}

// runTee runs child on a RunContext that forwards every emitted item to
// parent and passes it to observe.
func runTee(ctx context.Context, parent *core.RunContext, child core.Agent, input core.RunInput, observe func(item any)) error {
	return pump(ctx, parent, child, input, func(item any) error {
		if err := parent.Emit(item); err != nil {
			return err
		}
		if observe != nil {
			observe(item)
		}
		return nil
	})
}

// pump runs child on its own RunContext and hands each emitted item to
// forward in order. When forward fails the child's context is cancelled
// with that error and later items are discarded.
func pump(ctx context.Context, parent *core.RunContext, child core.Agent, input core.RunInput, forward func(item any) error) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	ch := make(chan any)
	done := make(chan struct{})
	var fwdErr error
	go func() {
		defer close(done)
		for item := range ch {
			if fwdErr != nil {
				continue
			}
			if err := forward(item); err != nil {
				fwdErr = err
				cancel(err)
			}
		}
	}()

	rc := core.NewRunContext(ctx, parent.AgentID, input, ch, parent.Logger)
	err := runSafe(child, rc)
	close(ch)
	<-done

	if fwdErr != nil {
		return fwdErr
	}
	return err
}

// runSafe turns a child panic into an AgentFailure. Parallel children run on
// their own goroutines, out of reach of the engine's recovery.
func runSafe(child core.Agent, rc *core.RunContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			rc.Logger.Error("child agent panicked", "panic", fmt.Sprint(r))
			err = &core.AgentFailure{Agent: rc.AgentID, Cause: fmt.Errorf("%v", r), Panic: true}
		}
	}()
	return child.Run(rc)
}
