// Package redis is a core.Store and core.StateStore backed by Redis hashes.
//
// Every entity is a hash under <prefix><kind>:<id>. Per-thread sets index
// messages, tool calls and runs; a global set indexes threads. created_at,
// started_at and the insertion sequence are written with HSETNX so upserts
// never move them.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hupe1980/aguimesh/core"
)

const defaultPrefix = "aguimesh:"

// Options configures the Redis store.
type Options struct {
	Client redis.UniversalClient
	// Prefix namespaces every key; defaults to "aguimesh:".
	Prefix string
}

// Store implements core.Store and core.StateStore on Redis.
type Store struct {
	rdb    redis.UniversalClient
	prefix string
}

var (
	_ core.Store      = (*Store)(nil)
	_ core.StateStore = (*Store)(nil)
)

// New returns a Store using opts.Client.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{rdb: opts.Client, prefix: prefix}, nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) threadKey(id string) string    { return s.prefix + "thread:" + id }
func (s *Store) threadsKey() string            { return s.prefix + "threads" }
func (s *Store) messageKey(id string) string   { return s.prefix + "message:" + id }
func (s *Store) toolCallKey(id string) string  { return s.prefix + "toolcall:" + id }
func (s *Store) runKey(id string) string       { return s.prefix + "run:" + id }
func (s *Store) stateKey(thread string) string { return s.prefix + "state:" + thread }
func (s *Store) seqKey() string                { return s.prefix + "seq" }

func (s *Store) indexKey(thread, kind string) string {
	return s.prefix + "thread:" + thread + ":" + kind
}

func encodeTime(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixNano(), 10)
}

func decodeTime(v string) time.Time {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func decodeInt(v string) int64 {
	n, _ := strconv.ParseInt(v, 10, 64)
	return n
}

// upsert writes fields to key and the insert-only fields with HSETNX, plus
// any index membership, in one MULTI/EXEC.
func (s *Store) upsert(ctx context.Context, key string, fields map[string]any, onInsert map[string]any, index ...[2]string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		for k, v := range onInsert {
			pipe.HSetNX(ctx, key, k, v)
		}
		for _, ix := range index {
			pipe.SAdd(ctx, ix[0], ix[1])
		}
		return nil
	})
	return err
}

// loadAll fetches the hashes at keys in one pipeline, skipping missing ones.
func (s *Store) loadAll(ctx context.Context, keys []string) ([]map[string]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = pipe.HGetAll(ctx, k)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]map[string]string, 0, len(keys))
	for _, cmd := range cmds {
		h := cmd.Val()
		if len(h) == 0 {
			continue
		}
		out = append(out, h)
	}
	return out, nil
}

func (s *Store) members(ctx context.Context, set string, key func(string) string) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, set).Result()
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = key(id)
	}
	return keys, nil
}

// SaveThread upserts t.
func (s *Store) SaveThread(ctx context.Context, t core.Thread) error {
	meta := ""
	if len(t.Metadata) > 0 {
		b, err := json.Marshal(t.Metadata)
		if err != nil {
			return fmt.Errorf("redis: encode metadata: %w", err)
		}
		meta = string(b)
	}
	return s.upsert(ctx, s.threadKey(t.ID), map[string]any{
		"id":         t.ID,
		"agent_id":   t.AgentID,
		"title":      t.Title,
		"metadata":   meta,
		"updated_at": encodeTime(t.UpdatedAt),
	}, map[string]any{"created_at": encodeTime(t.CreatedAt)},
		[2]string{s.threadsKey(), t.ID})
}

func threadFromHash(h map[string]string) (core.Thread, error) {
	t := core.Thread{
		ID:        h["id"],
		AgentID:   h["agent_id"],
		Title:     h["title"],
		CreatedAt: decodeTime(h["created_at"]),
		UpdatedAt: decodeTime(h["updated_at"]),
	}
	if m := h["metadata"]; m != "" {
		if err := json.Unmarshal([]byte(m), &t.Metadata); err != nil {
			return core.Thread{}, fmt.Errorf("redis: decode metadata: %w", err)
		}
	}
	return t, nil
}

// GetThread returns thread id.
func (s *Store) GetThread(ctx context.Context, id string) (core.Thread, error) {
	h, err := s.rdb.HGetAll(ctx, s.threadKey(id)).Result()
	if err != nil {
		return core.Thread{}, err
	}
	if len(h) == 0 {
		return core.Thread{}, core.ErrNotFound
	}
	return threadFromHash(h)
}

// ListThreads returns every thread ordered by created_at, then id.
func (s *Store) ListThreads(ctx context.Context) ([]core.Thread, error) {
	keys, err := s.members(ctx, s.threadsKey(), s.threadKey)
	if err != nil {
		return nil, err
	}
	hashes, err := s.loadAll(ctx, keys)
	if err != nil {
		return nil, err
	}
	out := make([]core.Thread, 0, len(hashes))
	for _, h := range hashes {
		t, err := threadFromHash(h)
		if err != nil {
			return nil, err
		}
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
func (s *Store) DeleteThread(ctx context.Context, id string) error {
	n, err := s.rdb.Exists(ctx, s.threadKey(id)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return core.ErrNotFound
	}
	del := []string{s.threadKey(id), s.stateKey(id)}
	for _, ix := range []struct {
		kind string
		key  func(string) string
	}{
		{"messages", s.messageKey},
		{"toolcalls", s.toolCallKey},
		{"runs", s.runKey},
	} {
		keys, err := s.members(ctx, s.indexKey(id, ix.kind), ix.key)
		if err != nil {
			return err
		}
		del = append(del, keys...)
		del = append(del, s.indexKey(id, ix.kind))
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, del...)
		pipe.SRem(ctx, s.threadsKey(), id)
		return nil
	})
	return err
}

// SaveMessage upserts m.
func (s *Store) SaveMessage(ctx context.Context, m core.Message) error {
	seq, err := s.rdb.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return err
	}
	return s.upsert(ctx, s.messageKey(m.ID), map[string]any{
		"id":         m.ID,
		"thread_id":  m.ThreadID,
		"run_id":     m.RunID,
		"role":       m.Role,
		"content":    m.Content,
		"complete":   strconv.FormatBool(m.Complete),
		"updated_at": encodeTime(m.UpdatedAt),
	}, map[string]any{"created_at": encodeTime(m.CreatedAt), "seq": seq},
		[2]string{s.indexKey(m.ThreadID, "messages"), m.ID})
}

type sequenced[T any] struct {
	v       T
	created time.Time
	seq     int64
}

func sortSequenced[T any](items []sequenced[T]) []T {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].created.Equal(items[j].created) {
			return items[i].created.Before(items[j].created)
		}
		return items[i].seq < items[j].seq
	})
	out := make([]T, len(items))
	for i, it := range items {
		out[i] = it.v
	}
	return out
}

func messageFromHash(h map[string]string) core.Message {
	complete, _ := strconv.ParseBool(h["complete"])
	return core.Message{
		ID:        h["id"],
		ThreadID:  h["thread_id"],
		RunID:     h["run_id"],
		Role:      h["role"],
		Content:   h["content"],
		Complete:  complete,
		CreatedAt: decodeTime(h["created_at"]),
		UpdatedAt: decodeTime(h["updated_at"]),
	}
}

// ListMessages returns a thread's messages ordered by created_at, then
// insertion.
func (s *Store) ListMessages(ctx context.Context, threadID string) ([]core.Message, error) {
	keys, err := s.members(ctx, s.indexKey(threadID, "messages"), s.messageKey)
	if err != nil {
		return nil, err
	}
	hashes, err := s.loadAll(ctx, keys)
	if err != nil {
		return nil, err
	}
	items := make([]sequenced[core.Message], len(hashes))
	for i, h := range hashes {
		m := messageFromHash(h)
		items[i] = sequenced[core.Message]{v: m, created: m.CreatedAt, seq: decodeInt(h["seq"])}
	}
	return sortSequenced(items), nil
}

// SaveToolCall upserts tc.
func (s *Store) SaveToolCall(ctx context.Context, tc core.ToolCall) error {
	seq, err := s.rdb.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return err
	}
	return s.upsert(ctx, s.toolCallKey(tc.ID), map[string]any{
		"id":                tc.ID,
		"thread_id":         tc.ThreadID,
		"run_id":            tc.RunID,
		"parent_message_id": tc.ParentMessageID,
		"name":              tc.Name,
		"arguments":         tc.Arguments,
		"result":            tc.Result,
		"status":            string(tc.Status),
		"updated_at":        encodeTime(tc.UpdatedAt),
	}, map[string]any{"created_at": encodeTime(tc.CreatedAt), "seq": seq},
		[2]string{s.indexKey(tc.ThreadID, "toolcalls"), tc.ID})
}

func toolCallFromHash(h map[string]string) core.ToolCall {
	return core.ToolCall{
		ID:              h["id"],
		ThreadID:        h["thread_id"],
		RunID:           h["run_id"],
		ParentMessageID: h["parent_message_id"],
		Name:            h["name"],
		Arguments:       h["arguments"],
		Result:          h["result"],
		Status:          core.ToolCallStatus(h["status"]),
		CreatedAt:       decodeTime(h["created_at"]),
		UpdatedAt:       decodeTime(h["updated_at"]),
	}
}

// ListToolCalls returns a thread's tool calls in the same order as
// ListMessages.
func (s *Store) ListToolCalls(ctx context.Context, threadID string) ([]core.ToolCall, error) {
	keys, err := s.members(ctx, s.indexKey(threadID, "toolcalls"), s.toolCallKey)
	if err != nil {
		return nil, err
	}
	hashes, err := s.loadAll(ctx, keys)
	if err != nil {
		return nil, err
	}
	items := make([]sequenced[core.ToolCall], len(hashes))
	for i, h := range hashes {
		tc := toolCallFromHash(h)
		items[i] = sequenced[core.ToolCall]{v: tc, created: tc.CreatedAt, seq: decodeInt(h["seq"])}
	}
	return sortSequenced(items), nil
}

// SaveRun upserts r.
func (s *Store) SaveRun(ctx context.Context, r core.Run) error {
	return s.upsert(ctx, s.runKey(r.ID), map[string]any{
		"id":        r.ID,
		"thread_id": r.ThreadID,
		"agent_id":  r.AgentID,
		"status":    string(r.Status),
		"error":     r.Error,
		"ended_at":  encodeTime(r.EndedAt),
	}, map[string]any{"started_at": encodeTime(r.StartedAt)},
		[2]string{s.indexKey(r.ThreadID, "runs"), r.ID})
}

func runFromHash(h map[string]string) core.Run {
	return core.Run{
		ID:        h["id"],
		ThreadID:  h["thread_id"],
		AgentID:   h["agent_id"],
		Status:    core.RunStatus(h["status"]),
		Error:     h["error"],
		StartedAt: decodeTime(h["started_at"]),
		EndedAt:   decodeTime(h["ended_at"]),
	}
}

// GetRun returns run id.
func (s *Store) GetRun(ctx context.Context, id string) (core.Run, error) {
	h, err := s.rdb.HGetAll(ctx, s.runKey(id)).Result()
	if err != nil {
		return core.Run{}, err
	}
	if len(h) == 0 {
		return core.Run{}, core.ErrNotFound
	}
	return runFromHash(h), nil
}

// ListRuns returns a thread's runs ordered by started_at, then id.
func (s *Store) ListRuns(ctx context.Context, threadID string) ([]core.Run, error) {
	keys, err := s.members(ctx, s.indexKey(threadID, "runs"), s.runKey)
	if err != nil {
		return nil, err
	}
	hashes, err := s.loadAll(ctx, keys)
	if err != nil {
		return nil, err
	}
	out := make([]core.Run, len(hashes))
	for i, h := range hashes {
		out[i] = runFromHash(h)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// SaveState replaces the stored state of a thread.
func (s *Store) SaveState(ctx context.Context, threadID, _ string, state json.RawMessage) error {
	return s.rdb.Set(ctx, s.stateKey(threadID), []byte(state), 0).Err()
}

// LoadState returns the stored state, or nil when none exists.
func (s *Store) LoadState(ctx context.Context, threadID string) (json.RawMessage, error) {
	b, err := s.rdb.Get(ctx, s.stateKey(threadID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}

// DeleteState forgets the state of a thread.
func (s *Store) DeleteState(ctx context.Context, threadID string) error {
	return s.rdb.Del(ctx, s.stateKey(threadID)).Err()
}
