package agent

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/aguimesh/core"
)

// ParallelAgent runs its children concurrently on one run. Their events
// interleave on the stream; messages and tool calls stay distinguishable by
// id. The first failing child cancels the others.
type ParallelAgent struct {
	children    []core.Agent
	timeout     time.Duration
	description string
}

var _ core.Describer = (*ParallelAgent)(nil)

// NewParallel returns a ParallelAgent over children. A positive timeout
// bounds the whole group.
func NewParallel(description string, timeout time.Duration, children ...core.Agent) *ParallelAgent {
	return &ParallelAgent{children: children, timeout: timeout, description: description}
}

// Description implements core.Describer.
func (p *ParallelAgent) Description() string { return p.description }

// Run implements core.Agent.
func (p *ParallelAgent) Run(rc *core.RunContext) error {
	ctx := rc.Context()
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, child := range p.children {
		g.Go(func() error {
			if err := runTee(gctx, rc, child, rc.Input, nil); err != nil {
				return fmt.Errorf("parallel branch %s: %w", describe(i, child), err)
			}
			return nil
		})
	}
	return g.Wait()
}
