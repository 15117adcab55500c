// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package tasks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/stephentoub/mcp-sub001/internal/obs"
)

// Sentinel and typed errors returned by Store implementations.
var (
	// ErrNotFound is returned when a task id has no entry, or belongs to a
	// different session than the caller's.
	ErrNotFound = errors.New("tasks: task not found")

	// ErrInvalidCursor is returned by List when the supplied cursor cannot
	// be parsed as a task sequence number.
	ErrInvalidCursor = errors.New("tasks: invalid cursor")

	// ErrConflict is returned by CompareAndSwap when the stored task's
	// current status no longer matches the expected "from" value —
	// another goroutine mutated it first.
	ErrConflict = errors.New("tasks: compare-and-swap conflict")
)

// StateError reports an attempted transition out of a terminal status.
type StateError struct {
	TaskID string
	From    Status
	To      Status
}

func (e *StateError) Error() string {
	return fmt.Sprintf("tasks: task %s: cannot transition from terminal status %q to %q", e.TaskID, e.From, e.To)
}

// Store persists Tasks. Implementations must be safe for concurrent use
// and must isolate tasks by SessionID: List and Get never return a task
// belonging to a different session than the one passed in.
type Store interface {
	// Create admits a new task, assigning it a pagination sequence
	// number.
	Create(ctx context.Context, t *Task) error

	// Get retrieves the task with the given id, scoped to sessionID. It
	// returns ErrNotFound if no such task exists for this session,
	// including when the task has expired.
	Get(ctx context.Context, sessionID, taskID string) (*Task, error)

	// CompareAndSwap applies mutate to the task with the given id if its
	// current Status equals expectFrom, atomically with respect to other
	// CompareAndSwap/reap calls. It returns ErrConflict if the stored
	// status no longer matches expectFrom, or *StateError if expectFrom
	// is itself terminal (mutate would never be called in that case,
	// since no valid transition exists).
	CompareAndSwap(ctx context.Context, sessionID, taskID string, expectFrom Status, mutate func(*Task)) (*Task, error)

	// List returns up to limit tasks for sessionID, in creation order,
	// starting after cursor (the empty string lists from the start). It
	// returns the next cursor, which is empty once the caller has seen
	// every task.
	List(ctx context.Context, sessionID string, cursor string, limit int) (items []*Task, nextCursor string, err error)

	// Reap deletes every task (across all sessions) whose TTL has
	// elapsed as of now, returning how many were removed. Called
	// periodically by the Coordinator's reaper cron job; safe to call
	// directly in tests.
	Reap(ctx context.Context, now time.Time) (int, error)
}

// MemoryStore is an in-process Store implementation, the default backing
// for a task coordinator that does not need tasks to survive a restart.
// See tasks/sqlstore for a durable alternative.
type MemoryStore struct {
	mu      sync.Mutex
	next    uint64
	byID    map[string]*Task
	bySeq   map[uint64]*Task

	// MaxTasksPerSession bounds how many non-expired tasks a single
	// session may have outstanding; Create returns an error once the
	// limit would be exceeded, so a misbehaving peer can't exhaust
	// memory with abandoned tasks (spec §5 resource limits).
	MaxTasksPerSession int

	// MaxTasks bounds how many non-expired tasks may exist across every
	// session combined, independent of MaxTasksPerSession (spec §4.2
	// "Resource limits: two independently-configurable caps: global max
	// tasks, per-session max tasks"). Zero means unlimited.
	MaxTasks int
}

// NewMemoryStore returns an empty MemoryStore. maxPerSession <= 0 means
// unlimited.
func NewMemoryStore(maxPerSession int) *MemoryStore {
	return &MemoryStore{
		byID:               make(map[string]*Task),
		bySeq:              make(map[uint64]*Task),
		MaxTasksPerSession: maxPerSession,
	}
}

func (s *MemoryStore) Create(ctx context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.MaxTasksPerSession > 0 || s.MaxTasks > 0 {
		total, perSession := 0, 0
		now := time.Now()
		for _, other := range s.byID {
			if other.Expired(now) {
				continue
			}
			total++
			if other.SessionID == t.SessionID {
				perSession++
			}
		}
		if s.MaxTasksPerSession > 0 && perSession >= s.MaxTasksPerSession {
			return fmt.Errorf("tasks: session %s has reached its outstanding task limit (%d)", t.SessionID, s.MaxTasksPerSession)
		}
		if s.MaxTasks > 0 && total >= s.MaxTasks {
			return fmt.Errorf("tasks: global outstanding task limit reached (%d)", s.MaxTasks)
		}
	}
	s.next++
	t.seq = s.next
	cp := *t
	s.byID[t.ID] = &cp
	s.bySeq[cp.seq] = &cp
	obs.TasksActive.WithLabelValues("memory").Inc()
	obs.TasksTotal.WithLabelValues("memory", "created").Inc()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, sessionID, taskID string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[taskID]
	if !ok || t.SessionID != sessionID {
		return nil, ErrNotFound
	}
	if t.Expired(time.Now()) {
		s.deleteLocked(taskID)
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) deleteLocked(taskID string) {
	if t, ok := s.byID[taskID]; ok {
		delete(s.bySeq, t.seq)
		delete(s.byID, taskID)
		obs.TasksActive.WithLabelValues("memory").Dec()
	}
}

func (s *MemoryStore) CompareAndSwap(ctx context.Context, sessionID, taskID string, expectFrom Status, mutate func(*Task)) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[taskID]
	if !ok || t.SessionID != sessionID {
		return nil, ErrNotFound
	}
	if t.Expired(time.Now()) {
		s.deleteLocked(taskID)
		return nil, ErrNotFound
	}
	if t.Status != expectFrom {
		return nil, ErrConflict
	}
	if t.Status.Terminal() {
		return nil, &StateError{TaskID: taskID, From: t.Status, To: expectFrom}
	}
	mutate(t)
	if !validTransition(expectFrom, t.Status) {
		return nil, &StateError{TaskID: taskID, From: expectFrom, To: t.Status}
	}
	if t.Status.Terminal() {
		obs.TasksTotal.WithLabelValues("memory", string(t.Status)).Inc()
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) List(ctx context.Context, sessionID string, cursor string, limit int) ([]*Task, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var afterSeq uint64
	if cursor != "" {
		n, err := strconv.ParseUint(cursor, 10, 64)
		if err != nil {
			return nil, "", ErrInvalidCursor
		}
		afterSeq = n
	}

	var all []*Task
	now := time.Now()
	for seq, t := range s.bySeq {
		if t.SessionID != sessionID {
			continue
		}
		if t.Expired(now) {
			continue
		}
		if seq <= afterSeq {
			continue
		}
		all = append(all, t)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })

	if limit <= 0 {
		limit = len(all)
	}
	var next string
	if len(all) > limit {
		next = strconv.FormatUint(all[limit-1].seq, 10)
		all = all[:limit]
	}

	out := make([]*Task, len(all))
	for i, t := range all {
		cp := *t
		out[i] = &cp
	}
	return out, next, nil
}

func (s *MemoryStore) Reap(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, t := range s.byID {
		if t.Expired(now) {
			s.deleteLocked(id)
			n++
		}
	}
	return n, nil
}
