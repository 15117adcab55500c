// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package sqlstore implements a tasks.Store backed by SQLite
// (modernc.org/sqlite, a pure-Go driver with no cgo dependency), so tasks
// and their results survive a process restart — complementing
// tasks.MemoryStore, which does not.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stephentoub/mcp-sub001/tasks"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id              TEXT PRIMARY KEY,
	session_id      TEXT NOT NULL,
	seq             INTEGER NOT NULL,
	method          TEXT NOT NULL,
	params          BLOB,
	status          TEXT NOT NULL,
	status_message  TEXT,
	created_at      TEXT NOT NULL,
	last_updated_at TEXT NOT NULL,
	ttl_ms          INTEGER,
	result          BLOB,
	err             TEXT
);
CREATE INDEX IF NOT EXISTS idx_tasks_session_seq ON tasks(session_id, seq);
CREATE TABLE IF NOT EXISTS task_seq (id INTEGER PRIMARY KEY CHECK (id = 1), next INTEGER NOT NULL);
INSERT OR IGNORE INTO task_seq(id, next) VALUES (1, 1);
`

// Store is a tasks.Store backed by a SQLite database. The zero value is
// not usable; construct with Open.
type Store struct {
	db *sql.DB

	// MaxTasksPerSession and MaxTasks mirror tasks.MemoryStore's resource
	// limits (spec §4.2 "two independently-configurable caps: global max
	// tasks, per-session max tasks"). Zero means unlimited.
	MaxTasksPerSession int
	MaxTasks           int
}

// Open opens (creating if necessary) a SQLite-backed task store at path.
// Use ":memory:" for an ephemeral database useful in tests that still want
// to exercise the SQL path rather than tasks.MemoryStore.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", path, err)
	}
	// SQLite handles one writer at a time; cap the pool so concurrent
	// CompareAndSwap calls serialize through database/sql rather than
	// tripping SQLITE_BUSY under our own transactions.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

var _ tasks.Store = (*Store)(nil)

func ttlMillis(ttl *time.Duration) any {
	if ttl == nil {
		return nil
	}
	return ttl.Milliseconds()
}

func parseTTL(v sql.NullInt64) *time.Duration {
	if !v.Valid {
		return nil
	}
	d := time.Duration(v.Int64) * time.Millisecond
	return &d
}

func (s *Store) Create(ctx context.Context, t *tasks.Task) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if s.MaxTasks > 0 || s.MaxTasksPerSession > 0 {
		total, perSession, err := s.countLiveTasksTx(ctx, tx, t.SessionID)
		if err != nil {
			return fmt.Errorf("sqlstore: count tasks: %w", err)
		}
		if s.MaxTasks > 0 && total >= s.MaxTasks {
			return fmt.Errorf("tasks: global outstanding task limit reached (%d)", s.MaxTasks)
		}
		if s.MaxTasksPerSession > 0 && perSession >= s.MaxTasksPerSession {
			return fmt.Errorf("tasks: session %s has reached its outstanding task limit (%d)", t.SessionID, s.MaxTasksPerSession)
		}
	}

	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT next FROM task_seq WHERE id = 1`).Scan(&seq); err != nil {
		return fmt.Errorf("sqlstore: read sequence: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE task_seq SET next = ? WHERE id = 1`, seq+1); err != nil {
		return fmt.Errorf("sqlstore: advance sequence: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (id, session_id, seq, method, params, status, status_message, created_at, last_updated_at, ttl_ms, result, err)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.SessionID, seq, t.Method, t.Params, string(t.Status), t.StatusMessage,
		t.CreatedAt.Format(time.RFC3339Nano), t.LastUpdatedAt.Format(time.RFC3339Nano),
		ttlMillis(t.TTL), t.Result, nullableString(t.Err))
	if err != nil {
		return fmt.Errorf("sqlstore: insert task: %w", err)
	}
	return tx.Commit()
}

// countLiveTasksTx counts non-expired tasks, both overall and scoped to
// sessionID, for the resource-limit checks in Create. It scans
// created_at/ttl_ms in Go (via tasks.Task.Expired) rather than doing date
// arithmetic in SQL, to share expiry semantics exactly with MemoryStore.
func (s *Store) countLiveTasksTx(ctx context.Context, tx *sql.Tx, sessionID string) (total, perSession int, err error) {
	rows, err := tx.QueryContext(ctx, `SELECT session_id, created_at, ttl_ms FROM tasks`)
	if err != nil {
		return 0, 0, err
	}
	defer rows.Close()

	now := time.Now()
	for rows.Next() {
		var (
			sid       string
			createdAt string
			ttlMs     sql.NullInt64
		)
		if err := rows.Scan(&sid, &createdAt, &ttlMs); err != nil {
			return 0, 0, err
		}
		ts, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return 0, 0, err
		}
		live := tasks.Task{CreatedAt: ts, TTL: parseTTL(ttlMs)}
		if live.Expired(now) {
			continue
		}
		total++
		if sid == sessionID {
			perSession++
		}
	}
	return total, perSession, rows.Err()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func scanTask(row interface {
	Scan(dest ...any) error
}) (*tasks.Task, error) {
	var (
		t                          tasks.Task
		status                     string
		createdAt, lastUpdatedAt   string
		ttlMs                      sql.NullInt64
		errStr                     sql.NullString
	)
	if err := row.Scan(&t.ID, &t.SessionID, &t.Method, &t.Params, &status, &t.StatusMessage,
		&createdAt, &lastUpdatedAt, &ttlMs, &t.Result, &errStr); err != nil {
		return nil, err
	}
	t.Status = tasks.Status(status)
	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: parse created_at: %w", err)
	}
	t.CreatedAt = ts
	ts, err = time.Parse(time.RFC3339Nano, lastUpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: parse last_updated_at: %w", err)
	}
	t.LastUpdatedAt = ts
	t.TTL = parseTTL(ttlMs)
	if errStr.Valid {
		t.Err = errStr.String
	}
	return &t, nil
}

const selectColumns = `id, session_id, method, params, status, status_message, created_at, last_updated_at, ttl_ms, result, err`

func (s *Store) Get(ctx context.Context, sessionID, taskID string) (*tasks.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM tasks WHERE id = ? AND session_id = ?`, taskID, sessionID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tasks.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if t.Expired(time.Now()) {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, taskID)
		return nil, tasks.ErrNotFound
	}
	return t, nil
}

func (s *Store) CompareAndSwap(ctx context.Context, sessionID, taskID string, expectFrom tasks.Status, mutate func(*tasks.Task)) (*tasks.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM tasks WHERE id = ? AND session_id = ?`, taskID, sessionID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tasks.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if t.Expired(time.Now()) {
		return nil, tasks.ErrNotFound
	}
	if t.Status != expectFrom {
		return nil, tasks.ErrConflict
	}
	if t.Status.Terminal() {
		return nil, &tasks.StateError{TaskID: taskID, From: t.Status, To: expectFrom}
	}

	mutate(t)

	_, err = tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, status_message = ?, last_updated_at = ?, result = ?, err = ?
		WHERE id = ?`,
		string(t.Status), t.StatusMessage, t.LastUpdatedAt.Format(time.RFC3339Nano), t.Result, nullableString(t.Err), taskID)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: update task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Store) List(ctx context.Context, sessionID string, cursor string, limit int) ([]*tasks.Task, string, error) {
	var afterSeq int64
	if cursor != "" {
		if _, err := fmt.Sscanf(cursor, "%d", &afterSeq); err != nil {
			return nil, "", tasks.ErrInvalidCursor
		}
	}
	if limit <= 0 {
		limit = 1 << 30
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectColumns+`, seq FROM tasks
		WHERE session_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?`, sessionID, afterSeq, limit+1)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var (
		out  []*tasks.Task
		seqs []int64
	)
	now := time.Now()
	for rows.Next() {
		var (
			t                        tasks.Task
			status                   string
			createdAt, lastUpdatedAt string
			ttlMs                    sql.NullInt64
			errStr                   sql.NullString
			seq                      int64
		)
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Method, &t.Params, &status, &t.StatusMessage,
			&createdAt, &lastUpdatedAt, &ttlMs, &t.Result, &errStr, &seq); err != nil {
			return nil, "", err
		}
		t.Status = tasks.Status(status)
		t.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, "", err
		}
		t.LastUpdatedAt, err = time.Parse(time.RFC3339Nano, lastUpdatedAt)
		if err != nil {
			return nil, "", err
		}
		t.TTL = parseTTL(ttlMs)
		if errStr.Valid {
			t.Err = errStr.String
		}
		if t.Expired(now) {
			continue
		}
		out = append(out, &t)
		seqs = append(seqs, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	var next string
	if len(out) > limit {
		next = fmt.Sprintf("%d", seqs[limit-1])
		out = out[:limit]
	}
	return out, next, nil
}

func (s *Store) Reap(ctx context.Context, now time.Time) (int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, created_at, ttl_ms FROM tasks WHERE ttl_ms IS NOT NULL`)
	if err != nil {
		return 0, fmt.Errorf("sqlstore: reap: scanning candidates: %w", err)
	}
	var expired []string
	for rows.Next() {
		var id, createdAt string
		var ttlMs int64
		if err := rows.Scan(&id, &createdAt, &ttlMs); err != nil {
			rows.Close()
			return 0, err
		}
		created, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			continue
		}
		if now.After(created.Add(time.Duration(ttlMs) * time.Millisecond)) {
			expired = append(expired, id)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	n := 0
	for _, id := range expired {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
			return n, fmt.Errorf("sqlstore: reap: delete %s: %w", id, err)
		}
		n++
	}
	return n, nil
}
