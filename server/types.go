package server

import (
	"encoding/json"
	"time"

	"github.com/hupe1980/aguimesh/core"
)

type agentResponse struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
}

type collectResponse struct {
	RunID    string       `json:"run_id"`
	ThreadID string       `json:"thread_id"`
	Status   string       `json:"status"`
	HasError bool         `json:"has_error"`
	Events   []core.Event `json:"events"`
}

type threadResponse struct {
	ID        string            `json:"id"`
	AgentID   string            `json:"agent_id,omitempty"`
	Title     string            `json:"title,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

func newThreadResponse(t core.Thread) threadResponse {
	return threadResponse{
		ID:        t.ID,
		AgentID:   t.AgentID,
		Title:     t.Title,
		Metadata:  t.Metadata,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
}

type threadDetailResponse struct {
	threadResponse
	Runs  []runResponse   `json:"runs"`
	State json.RawMessage `json:"state,omitempty"`
}

type runResponse struct {
	ID        string     `json:"id"`
	AgentID   string     `json:"agent_id"`
	Status    string     `json:"status"`
	Error     string     `json:"error,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

func newRunResponse(r core.Run) runResponse {
	out := runResponse{
		ID:        r.ID,
		AgentID:   r.AgentID,
		Status:    string(r.Status),
		Error:     r.Error,
		StartedAt: r.StartedAt,
	}
	if !r.EndedAt.IsZero() {
		ended := r.EndedAt
		out.EndedAt = &ended
	}
	return out
}

type messagesResponse struct {
	Messages  []messageResponse  `json:"messages"`
	ToolCalls []toolCallResponse `json:"tool_calls"`
}

type messageResponse struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id,omitempty"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Complete  bool      `json:"complete"`
	CreatedAt time.Time `json:"created_at"`
}

func newMessageResponse(m core.Message) messageResponse {
	return messageResponse{
		ID:        m.ID,
		RunID:     m.RunID,
		Role:      m.Role,
		Content:   m.Content,
		Complete:  m.Complete,
		CreatedAt: m.CreatedAt,
	}
}

type toolCallResponse struct {
	ID              string `json:"id"`
	RunID           string `json:"run_id,omitempty"`
	ParentMessageID string `json:"parent_message_id,omitempty"`
	Name            string `json:"name"`
	Arguments       string `json:"arguments"`
	Result          string `json:"result,omitempty"`
	Status          string `json:"status"`
}

func newToolCallResponse(tc core.ToolCall) toolCallResponse {
	return toolCallResponse{
		ID:              tc.ID,
		RunID:           tc.RunID,
		ParentMessageID: tc.ParentMessageID,
		Name:            tc.Name,
		Arguments:       tc.Arguments,
		Result:          tc.Result,
		Status:          string(tc.Status),
	}
}
