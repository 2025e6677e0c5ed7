package core

import "encoding/json"

// RunStatus is the lifecycle state of a persisted run.
type RunStatus string

// Run statuses.
const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusErrored   RunStatus = "errored"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether s is a final status.
func (s RunStatus) Terminal() bool { return s != RunStatusRunning && s != "" }

// InputToolCall is a tool call recorded on an assistant input message.
type InputToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
}

// InputMessage is one conversation message handed to the agent.
type InputMessage struct {
	ID         string          `json:"id"`
	Role       string          `json:"role"`
	Content    string          `json:"content,omitempty"`
	Name       string          `json:"name,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolCalls  []InputToolCall `json:"tool_calls,omitempty"`
}

// ToolDefinition describes a client-side tool the agent may call.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ContextItem is a piece of client-supplied context.
type ContextItem struct {
	Description string `json:"description"`
	Value       string `json:"value"`
}

// RunInput is the request for one run. Blank RunID and ThreadID are filled in
// by the engine.
type RunInput struct {
	ThreadID       string           `json:"thread_id"`
	RunID          string           `json:"run_id"`
	ParentRunID    string           `json:"parent_run_id,omitempty"`
	State          json.RawMessage  `json:"state,omitempty"`
	Messages       []InputMessage   `json:"messages,omitempty"`
	Tools          []ToolDefinition `json:"tools,omitempty"`
	Context        []ContextItem    `json:"context,omitempty"`
	ForwardedProps json.RawMessage  `json:"forwarded_props,omitempty"`
}

// LastUserMessage returns the content of the most recent user message.
func (in RunInput) LastUserMessage() (string, bool) {
	for i := len(in.Messages) - 1; i >= 0; i-- {
		if in.Messages[i].Role == RoleUser {
			return in.Messages[i].Content, true
		}
	}
	return "", false
}
