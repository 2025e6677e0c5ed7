package testutil

import (
	"context"
	"time"

	"github.com/hupe1980/aguimesh/core"
)

// ThreadBuilder helps construct stored threads with fluent chaining for
// tests. Example:
//
//	b := NewThreadBuilder("th-1").Agent("echo").Message("m1", "user", "hi").Message("m2", "assistant", "hello")
//	err := b.Seed(ctx, store)
//
// Entities get CreatedAt values one second apart, in the order they were
// added, starting at Base.
type ThreadBuilder struct {
	Base time.Time

	thread    core.Thread
	messages  []core.Message
	toolCalls []core.ToolCall
	runs      []core.Run
	n         int
}

// NewThreadBuilder creates a builder for a thread with the given id.
func NewThreadBuilder(id string) *ThreadBuilder {
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	return &ThreadBuilder{
		Base:   base,
		thread: core.Thread{ID: id, CreatedAt: base, UpdatedAt: base},
	}
}

func (b *ThreadBuilder) tick() time.Time {
	b.n++
	return b.Base.Add(time.Duration(b.n) * time.Second)
}

// Agent sets the owning agent id (chainable).
func (b *ThreadBuilder) Agent(id string) *ThreadBuilder { b.thread.AgentID = id; return b }

// Title sets the thread title (chainable).
func (b *ThreadBuilder) Title(t string) *ThreadBuilder { b.thread.Title = t; return b }

// Message appends a complete message (chainable).
func (b *ThreadBuilder) Message(id, role, content string) *ThreadBuilder {
	ts := b.tick()
	b.messages = append(b.messages, core.Message{
		ID: id, ThreadID: b.thread.ID, Role: role, Content: content,
		Complete: true, CreatedAt: ts, UpdatedAt: ts,
	})
	return b
}

// ToolCall appends a resulted tool call (chainable).
func (b *ThreadBuilder) ToolCall(id, name, args, result string) *ThreadBuilder {
	ts := b.tick()
	b.toolCalls = append(b.toolCalls, core.ToolCall{
		ID: id, ThreadID: b.thread.ID, Name: name, Arguments: args, Result: result,
		Status: core.ToolCallResulted, CreatedAt: ts, UpdatedAt: ts,
	})
	return b
}

// Run appends a run with the given status (chainable).
func (b *ThreadBuilder) Run(id string, status core.RunStatus) *ThreadBuilder {
	ts := b.tick()
	r := core.Run{ID: id, ThreadID: b.thread.ID, AgentID: b.thread.AgentID, Status: status, StartedAt: ts}
	if status.Terminal() {
		r.EndedAt = ts.Add(time.Second)
	}
	b.runs = append(b.runs, r)
	return b
}

// Thread returns the thread record.
func (b *ThreadBuilder) Thread() core.Thread { return b.thread }

// Messages returns the messages added so far.
func (b *ThreadBuilder) Messages() []core.Message { return append([]core.Message(nil), b.messages...) }

// Seed writes everything to s.
func (b *ThreadBuilder) Seed(ctx context.Context, s core.Store) error {
	if err := s.SaveThread(ctx, b.thread); err != nil {
		return err
	}
	for _, m := range b.messages {
		if err := s.SaveMessage(ctx, m); err != nil {
			return err
		}
	}
	for _, tc := range b.toolCalls {
		if err := s.SaveToolCall(ctx, tc); err != nil {
			return err
		}
	}
	for _, r := range b.runs {
		if err := s.SaveRun(ctx, r); err != nil {
			return err
		}
	}
	return nil
}
