package core

import (
	"context"
	"encoding/json"
	"time"
)

// Thread is a persisted multi-run conversation.
type Thread struct {
	ID        string
	AgentID   string
	Title     string
	Metadata  map[string]string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message is a persisted text message. Content is cumulative: each save
// carries the full text accumulated so far.
type Message struct {
	ID        string
	ThreadID  string
	RunID     string
	Role      string
	Content   string
	Complete  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ToolCallStatus is the lifecycle state of a persisted tool call.
type ToolCallStatus string

// Tool call statuses.
const (
	ToolCallStarted  ToolCallStatus = "started"
	ToolCallEnded    ToolCallStatus = "ended"
	ToolCallResulted ToolCallStatus = "resulted"
)

// ToolCall is a persisted tool invocation. Arguments is the concatenation of
// every args delta seen so far.
type ToolCall struct {
	ID              string
	ThreadID        string
	RunID           string
	ParentMessageID string
	Name            string
	Arguments       string
	Result          string
	Status          ToolCallStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Run is the persisted record of one run.
type Run struct {
	ID        string
	ThreadID  string
	AgentID   string
	Status    RunStatus
	Error     string
	StartedAt time.Time
	EndedAt   time.Time
}

// Store is the persistence port. Implementations must be safe for concurrent
// use. Saves are upserts keyed by ID that preserve the original CreatedAt
// (StartedAt for runs); concurrent saves of the same id are last-write-wins.
// Lookups of missing entities return ErrNotFound.
type Store interface {
	SaveThread(ctx context.Context, t Thread) error
	GetThread(ctx context.Context, id string) (Thread, error)
	ListThreads(ctx context.Context) ([]Thread, error)
	DeleteThread(ctx context.Context, id string) error

	// SaveMessage is idempotent on Message.ID.
	SaveMessage(ctx context.Context, m Message) error
	// ListMessages returns a thread's messages ordered by CreatedAt, ties
	// broken by first insertion.
	ListMessages(ctx context.Context, threadID string) ([]Message, error)

	// SaveToolCall is idempotent on ToolCall.ID.
	SaveToolCall(ctx context.Context, tc ToolCall) error
	ListToolCalls(ctx context.Context, threadID string) ([]ToolCall, error)

	SaveRun(ctx context.Context, r Run) error
	GetRun(ctx context.Context, id string) (Run, error)
	ListRuns(ctx context.Context, threadID string) ([]Run, error)
}

// StateStore persists the latest agent state per thread.
type StateStore interface {
	SaveState(ctx context.Context, threadID, runID string, state json.RawMessage) error
	// LoadState returns nil, nil when no state is stored.
	LoadState(ctx context.Context, threadID string) (json.RawMessage, error)
	DeleteState(ctx context.Context, threadID string) error
}
