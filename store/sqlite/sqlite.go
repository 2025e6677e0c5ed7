// Package sqlite is a core.Store and core.StateStore backed by a SQLite
// database file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hupe1980/aguimesh/core"
)

// Store persists threads, messages, tool calls, runs and state in SQLite.
type Store struct {
	db *sql.DB
}

var (
	_ core.Store      = (*Store)(nil)
	_ core.StateStore = (*Store)(nil)
)

// New creates or opens the database at path. ":memory:" opens a private
// in-memory database.
func New(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, err
		}
		dsn = "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// A single connection serializes writers and keeps ":memory:" databases
	// from splitting per connection.
	db.SetMaxOpenConns(1)

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			thread_id TEXT NOT NULL,
			run_id TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			complete INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, created_at, seq);
		CREATE TABLE IF NOT EXISTS tool_calls (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			thread_id TEXT NOT NULL,
			run_id TEXT NOT NULL DEFAULT '',
			parent_message_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			arguments TEXT NOT NULL DEFAULT '',
			result TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_tool_calls_thread ON tool_calls(thread_id, created_at, seq);
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			agent_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			started_at INTEGER NOT NULL DEFAULT 0,
			ended_at INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_runs_thread ON runs(thread_id, started_at);
		CREATE TABLE IF NOT EXISTS states (
			thread_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			updated_at INTEGER NOT NULL DEFAULT 0
		);
	`)
	return err
}

// Times are stored as unix nanoseconds; 0 is the zero time.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return core.ErrNotFound
	}
	return err
}

// SaveThread upserts t, keeping the original created_at.
func (s *Store) SaveThread(ctx context.Context, t core.Thread) error {
	meta := ""
	if len(t.Metadata) > 0 {
		b, err := json.Marshal(t.Metadata)
		if err != nil {
			return fmt.Errorf("sqlite: encode metadata: %w", err)
		}
		meta = string(b)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO threads (id, agent_id, title, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			agent_id = excluded.agent_id,
			title = excluded.title,
			metadata = excluded.metadata,
			created_at = CASE WHEN threads.created_at = 0 THEN excluded.created_at ELSE threads.created_at END,
			updated_at = excluded.updated_at
	`, t.ID, t.AgentID, t.Title, meta, toNanos(t.CreatedAt), toNanos(t.UpdatedAt))
	return err
}

const threadColumns = `id, agent_id, title, metadata, created_at, updated_at`

func scanThread(row interface{ Scan(dest ...any) error }) (core.Thread, error) {
	var (
		t                core.Thread
		meta             string
		created, updated int64
	)
	if err := row.Scan(&t.ID, &t.AgentID, &t.Title, &meta, &created, &updated); err != nil {
		return core.Thread{}, err
	}
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &t.Metadata); err != nil {
			return core.Thread{}, fmt.Errorf("sqlite: decode metadata: %w", err)
		}
	}
	t.CreatedAt, t.UpdatedAt = fromNanos(created), fromNanos(updated)
	return t, nil
}

// GetThread returns thread id.
func (s *Store) GetThread(ctx context.Context, id string) (core.Thread, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+threadColumns+` FROM threads WHERE id = ?`, id)
	t, err := scanThread(row)
	if err != nil {
		return core.Thread{}, notFound(err)
	}
	return t, nil
}

// ListThreads returns every thread ordered by created_at, then id.
func (s *Store) ListThreads(ctx context.Context) ([]core.Thread, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+threadColumns+` FROM threads ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteThread removes a thread and everything recorded under it in one
// transaction.
func (s *Store) DeleteThread(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `DELETE FROM threads WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return core.ErrNotFound
	}
	for _, table := range []string{"messages", "tool_calls", "runs", "states"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE thread_id = ?`, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SaveMessage upserts m. The row keeps its insertion sequence, so ties on
// created_at list in first-insertion order.
func (s *Store) SaveMessage(ctx context.Context, m core.Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, thread_id, run_id, role, content, complete, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			thread_id = excluded.thread_id,
			run_id = excluded.run_id,
			role = excluded.role,
			content = excluded.content,
			complete = excluded.complete,
			created_at = CASE WHEN messages.created_at = 0 THEN excluded.created_at ELSE messages.created_at END,
			updated_at = excluded.updated_at
	`, m.ID, m.ThreadID, m.RunID, m.Role, m.Content, m.Complete, toNanos(m.CreatedAt), toNanos(m.UpdatedAt))
	return err
}

// ListMessages returns a thread's messages ordered by created_at, then
// insertion.
func (s *Store) ListMessages(ctx context.Context, threadID string) ([]core.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, thread_id, run_id, role, content, complete, created_at, updated_at
		FROM messages WHERE thread_id = ? ORDER BY created_at, seq
	`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Message
	for rows.Next() {
		var (
			m                core.Message
			created, updated int64
		)
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.RunID, &m.Role, &m.Content, &m.Complete, &created, &updated); err != nil {
			return nil, err
		}
		m.CreatedAt, m.UpdatedAt = fromNanos(created), fromNanos(updated)
		out = append(out, m)
	}
	return out, rows.Err()
}

// SaveToolCall upserts tc.
func (s *Store) SaveToolCall(ctx context.Context, tc core.ToolCall) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_calls (id, thread_id, run_id, parent_message_id, name, arguments, result, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			thread_id = excluded.thread_id,
			run_id = excluded.run_id,
			parent_message_id = excluded.parent_message_id,
			name = excluded.name,
			arguments = excluded.arguments,
			result = excluded.result,
			status = excluded.status,
			created_at = CASE WHEN tool_calls.created_at = 0 THEN excluded.created_at ELSE tool_calls.created_at END,
			updated_at = excluded.updated_at
	`, tc.ID, tc.ThreadID, tc.RunID, tc.ParentMessageID, tc.Name, tc.Arguments, tc.Result, string(tc.Status),
		toNanos(tc.CreatedAt), toNanos(tc.UpdatedAt))
	return err
}

// ListToolCalls returns a thread's tool calls in the same order as
// ListMessages.
func (s *Store) ListToolCalls(ctx context.Context, threadID string) ([]core.ToolCall, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, thread_id, run_id, parent_message_id, name, arguments, result, status, created_at, updated_at
		FROM tool_calls WHERE thread_id = ? ORDER BY created_at, seq
	`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.ToolCall
	for rows.Next() {
		var (
			tc               core.ToolCall
			status           string
			created, updated int64
		)
		if err := rows.Scan(&tc.ID, &tc.ThreadID, &tc.RunID, &tc.ParentMessageID, &tc.Name, &tc.Arguments, &tc.Result,
			&status, &created, &updated); err != nil {
			return nil, err
		}
		tc.Status = core.ToolCallStatus(status)
		tc.CreatedAt, tc.UpdatedAt = fromNanos(created), fromNanos(updated)
		out = append(out, tc)
	}
	return out, rows.Err()
}

// SaveRun upserts r, keeping the original started_at.
func (s *Store) SaveRun(ctx context.Context, r core.Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, thread_id, agent_id, status, error, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			thread_id = excluded.thread_id,
			agent_id = excluded.agent_id,
			status = excluded.status,
			error = excluded.error,
			started_at = CASE WHEN runs.started_at = 0 THEN excluded.started_at ELSE runs.started_at END,
			ended_at = excluded.ended_at
	`, r.ID, r.ThreadID, r.AgentID, string(r.Status), r.Error, toNanos(r.StartedAt), toNanos(r.EndedAt))
	return err
}

const runColumns = `id, thread_id, agent_id, status, error, started_at, ended_at`

func scanRun(row interface{ Scan(dest ...any) error }) (core.Run, error) {
	var (
		r              core.Run
		status         string
		started, ended int64
	)
	if err := row.Scan(&r.ID, &r.ThreadID, &r.AgentID, &status, &r.Error, &started, &ended); err != nil {
		return core.Run{}, err
	}
	r.Status = core.RunStatus(status)
	r.StartedAt, r.EndedAt = fromNanos(started), fromNanos(ended)
	return r, nil
}

// GetRun returns run id.
func (s *Store) GetRun(ctx context.Context, id string) (core.Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err != nil {
		return core.Run{}, notFound(err)
	}
	return r, nil
}

// ListRuns returns a thread's runs ordered by started_at, then id.
func (s *Store) ListRuns(ctx context.Context, threadID string) ([]core.Run, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs WHERE thread_id = ? ORDER BY started_at, id`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveState replaces the stored state of a thread.
func (s *Store) SaveState(ctx context.Context, threadID, runID string, state json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO states (thread_id, run_id, state, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			run_id = excluded.run_id,
			state = excluded.state,
			updated_at = excluded.updated_at
	`, threadID, runID, string(state), time.Now().UnixNano())
	return err
}

// LoadState returns the stored state, or nil when none exists.
func (s *Store) LoadState(ctx context.Context, threadID string) (json.RawMessage, error) {
	var state string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM states WHERE thread_id = ?`, threadID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(state), nil
}

// DeleteState forgets the state of a thread.
func (s *Store) DeleteState(ctx context.Context, threadID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM states WHERE thread_id = ?`, threadID)
	return err
}
