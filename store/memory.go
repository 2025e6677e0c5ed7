package store

import (
	"context"
	"encoding/json"
	"maps"
	"sort"
	"sync"

	"github.com/hupe1980/aguimesh/core"
)

type seqMessage struct {
	core.Message
	seq uint64
}

type seqToolCall struct {
	core.ToolCall
	seq uint64
}

// InMemoryStore is a volatile core.Store and core.StateStore keeping
// everything in process local maps. It is safe for concurrent access and
// best suited for tests, development and single-process demos. Returned
// values are copies.
type InMemoryStore struct {
	mu        sync.RWMutex
	seq       uint64
	threads   map[string]core.Thread
	messages  map[string]seqMessage
	toolCalls map[string]seqToolCall
	runs      map[string]core.Run
	states    map[string]json.RawMessage
}

// NewInMemoryStore constructs an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		threads:   map[string]core.Thread{},
		messages:  map[string]seqMessage{},
		toolCalls: map[string]seqToolCall{},
		runs:      map[string]core.Run{},
		states:    map[string]json.RawMessage{},
	}
}

var (
	_ core.Store      = (*InMemoryStore)(nil)
	_ core.StateStore = (*InMemoryStore)(nil)
)

// SaveThread upserts t, keeping the original CreatedAt.
func (s *InMemoryStore) SaveThread(_ context.Context, t core.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.threads[t.ID]; ok && !old.CreatedAt.IsZero() {
		t.CreatedAt = old.CreatedAt
	}
	t.Metadata = maps.Clone(t.Metadata)
	s.threads[t.ID] = t
	return nil
}

// GetThread returns a copy of thread id.
func (s *InMemoryStore) GetThread(_ context.Context, id string) (core.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[id]
	if !ok {
		return core.Thread{}, core.ErrNotFound
	}
	t.Metadata = maps.Clone(t.Metadata)
	return t, nil
}

// ListThreads returns all threads ordered by CreatedAt, then id.
func (s *InMemoryStore) ListThreads(_ context.Context) ([]core.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.Thread, 0, len(s.threads))
	for _, t := range s.threads {
		t.Metadata = maps.Clone(t.Metadata)
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// DeleteThread removes a thread with its messages, tool calls, runs and
// state.
func (s *InMemoryStore) DeleteThread(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[id]; !ok {
		return core.ErrNotFound
	}
	delete(s.threads, id)
	delete(s.states, id)
	for k, m := range s.messages {
		if m.ThreadID == id {
			delete(s.messages, k)
		}
	}
	for k, tc := range s.toolCalls {
		if tc.ThreadID == id {
			delete(s.toolCalls, k)
		}
	}
	for k, r := range s.runs {
		if r.ThreadID == id {
			delete(s.runs, k)
		}
	}
	return nil
}

// SaveMessage upserts m by id.
func (s *InMemoryStore) SaveMessage(_ context.Context, m core.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sm := seqMessage{Message: m}
	if old, ok := s.messages[m.ID]; ok {
		sm.seq = old.seq
		if !old.CreatedAt.IsZero() {
			sm.CreatedAt = old.CreatedAt
		}
	} else {
		s.seq++
		sm.seq = s.seq
	}
	s.messages[m.ID] = sm
	return nil
}

// ListMessages returns a thread's messages ordered by CreatedAt, then first
// insertion.
func (s *InMemoryStore) ListMessages(_ context.Context, threadID string) ([]core.Message, error) {
	s.mu.RLock()
	var sms []seqMessage
	for _, m := range s.messages {
		if m.ThreadID == threadID {
			sms = append(sms, m)
		}
	}
	s.mu.RUnlock()
	sort.Slice(sms, func(i, j int) bool {
		if !sms[i].CreatedAt.Equal(sms[j].CreatedAt) {
			return sms[i].CreatedAt.Before(sms[j].CreatedAt)
		}
		return sms[i].seq < sms[j].seq
	})
	out := make([]core.Message, len(sms))
	for i, m := range sms {
		out[i] = m.Message
	}
	return out, nil
}

// SaveToolCall upserts tc by id.
func (s *InMemoryStore) SaveToolCall(_ context.Context, tc core.ToolCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := seqToolCall{ToolCall: tc}
	if old, ok := s.toolCalls[tc.ID]; ok {
		st.seq = old.seq
		if !old.CreatedAt.IsZero() {
			st.CreatedAt = old.CreatedAt
		}
	} else {
		s.seq++
		st.seq = s.seq
	}
	s.toolCalls[tc.ID] = st
	return nil
}

// ListToolCalls returns a thread's tool calls in the same order as
// ListMessages.
func (s *InMemoryStore) ListToolCalls(_ context.Context, threadID string) ([]core.ToolCall, error) {
	s.mu.RLock()
	var sts []seqToolCall
	for _, tc := range s.toolCalls {
		if tc.ThreadID == threadID {
			sts = append(sts, tc)
		}
	}
	s.mu.RUnlock()
	sort.Slice(sts, func(i, j int) bool {
		if !sts[i].CreatedAt.Equal(sts[j].CreatedAt) {
			return sts[i].CreatedAt.Before(sts[j].CreatedAt)
		}
		return sts[i].seq < sts[j].seq
	})
	out := make([]core.ToolCall, len(sts))
	for i, tc := range sts {
		out[i] = tc.ToolCall
	}
	return out, nil
}

// SaveRun upserts r, keeping the original StartedAt.
func (s *InMemoryStore) SaveRun(_ context.Context, r core.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.runs[r.ID]; ok && !old.StartedAt.IsZero() {
		r.StartedAt = old.StartedAt
	}
	s.runs[r.ID] = r
	return nil
}

// GetRun returns run id.
func (s *InMemoryStore) GetRun(_ context.Context, id string) (core.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return core.Run{}, core.ErrNotFound
	}
	return r, nil
}

// ListRuns returns a thread's runs ordered by StartedAt, then id.
func (s *InMemoryStore) ListRuns(_ context.Context, threadID string) ([]core.Run, error) {
	s.mu.RLock()
	var out []core.Run
	for _, r := range s.runs {
		if r.ThreadID == threadID {
			out = append(out, r)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// SaveState stores the latest state of a thread.
func (s *InMemoryStore) SaveState(_ context.Context, threadID, _ string, state json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[threadID] = append(json.RawMessage(nil), state...)
	return nil
}

// LoadState returns the stored state of a thread, or nil.
func (s *InMemoryStore) LoadState(_ context.Context, threadID string) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[threadID]
	if !ok {
		return nil, nil
	}
	return append(json.RawMessage(nil), st...), nil
}

// DeleteState forgets the state of a thread.
func (s *InMemoryStore) DeleteState(_ context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, threadID)
	return nil
}
