// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Executor runs the work behind one admitted task, generalized away from
// tools/call to any task-augmentable request method.
type Executor interface {
	Execute(ctx context.Context, params []byte) (result []byte, err error)
}

// ExecutorFunc adapts a function to an Executor.
type ExecutorFunc func(ctx context.Context, params []byte) ([]byte, error)

func (f ExecutorFunc) Execute(ctx context.Context, params []byte) ([]byte, error) { return f(ctx, params) }

// Notifier is told about task status transitions so it can forward a
// best-effort "notifications/tasks/status" message to the owning session.
// A nil Notifier is fine; transitions are simply not announced.
type Notifier interface {
	NotifyTaskStatus(ctx context.Context, t *Task)
}

// CoordinatorOptions configures a Coordinator.
type CoordinatorOptions struct {
	Store    Store
	Notifier Notifier
	Logger   *slog.Logger

	// ReaperSchedule is a robfig/cron expression controlling how often
	// expired tasks are swept from Store. Defaults to "@every 30s".
	ReaperSchedule string

	// DefaultTTL is used when an admitted task's caller does not specify
	// one. Nil means tasks never expire unless a TTL is given explicitly.
	DefaultTTL *time.Duration

	// MaxTTL clamps any caller-supplied TTL, per spec §5 resource limits.
	// Zero means no clamp.
	MaxTTL time.Duration
}

// Coordinator admits requests as Tasks, runs their Executor asynchronously,
// tracks status through to a terminal state, and reaps expired tasks on a
// cron cadence (spec §4.2).
type Coordinator struct {
	store    Store
	notifier Notifier
	logger   *slog.Logger

	defaultTTL *time.Duration
	maxTTL     time.Duration

	cron *cron.Cron

	mu       sync.Mutex
	cancels  map[string]context.CancelFunc
	doneChs  map[string]chan struct{}
}

// NewCoordinator constructs a Coordinator and starts its reaper cron job.
// Callers should call Stop when done.
func NewCoordinator(opts CoordinatorOptions) (*Coordinator, error) {
	if opts.Store == nil {
		return nil, errors.New("tasks: CoordinatorOptions.Store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	schedule := opts.ReaperSchedule
	if schedule == "" {
		schedule = "@every 30s"
	}
	c := &Coordinator{
		store:      opts.Store,
		notifier:   opts.Notifier,
		logger:     logger,
		defaultTTL: opts.DefaultTTL,
		maxTTL:     opts.MaxTTL,
		cancels:    make(map[string]context.CancelFunc),
		doneChs:    make(map[string]chan struct{}),
	}
	c.cron = cron.New()
	if _, err := c.cron.AddFunc(schedule, c.reapOnce); err != nil {
		return nil, fmt.Errorf("tasks: invalid ReaperSchedule %q: %w", schedule, err)
	}
	c.cron.Start()
	return c, nil
}

// Stop halts the reaper cron job. It does not cancel in-flight tasks.
func (c *Coordinator) Stop() {
	ctx := c.cron.Stop()
	<-ctx.Done()
}

func (c *Coordinator) reapOnce() {
	n, err := c.store.Reap(context.Background(), time.Now())
	if err != nil {
		c.logger.Warn("tasks: reaper sweep failed", "error", err)
		return
	}
	if n > 0 {
		c.logger.Debug("tasks: reaper swept expired tasks", "count", n)
	}
}

func (c *Coordinator) clampTTL(requested *time.Duration) *time.Duration {
	ttl := requested
	if ttl == nil {
		ttl = c.defaultTTL
	}
	if ttl != nil && c.maxTTL > 0 && *ttl > c.maxTTL {
		clamped := c.maxTTL
		ttl = &clamped
	}
	return ttl
}

// Admit creates a task for (sessionID, method, params) and runs exec
// asynchronously, returning the task's initial (Working) snapshot
// immediately. The caller is expected to return this snapshot to its peer
// as the synchronous response to the task-augmented request.
func (c *Coordinator) Admit(ctx context.Context, sessionID, method string, params []byte, requestedTTL *time.Duration, exec Executor) (*Task, error) {
	now := time.Now().UTC()
	t := &Task{
		ID:            NewID(),
		SessionID:     sessionID,
		Method:        method,
		Params:        params,
		Status:        StatusWorking,
		StatusMessage: "The operation is now in progress.",
		CreatedAt:     now,
		LastUpdatedAt: now,
		TTL:           c.clampTTL(requestedTTL),
	}
	if err := c.store.Create(ctx, t); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.mu.Lock()
	c.cancels[t.ID] = cancel
	c.doneChs[t.ID] = done
	c.mu.Unlock()

	go c.run(runCtx, done, sessionID, t.ID, exec, params)

	cp := *t
	return &cp, nil
}

func (c *Coordinator) run(ctx context.Context, done chan struct{}, sessionID, taskID string, exec Executor, params []byte) {
	defer close(done)
	ctx = context.WithValue(ctx, taskControlKey{}, &TaskControl{coordinator: c, sessionID: sessionID, taskID: taskID})
	result, runErr := exec.Execute(ctx, params)

	mutate := func(t *Task) {
		t.LastUpdatedAt = time.Now().UTC()
		switch {
		case runErr != nil:
			t.Status = StatusFailed
			t.StatusMessage = runErr.Error()
			t.Err = runErr.Error()
		default:
			t.Status = StatusCompleted
			t.StatusMessage = ""
			t.Result = result
		}
	}

	updated, err := c.store.CompareAndSwap(context.Background(), sessionID, taskID, StatusWorking, mutate)
	if err != nil {
		// Task may have been cancelled, or moved to input_required, while
		// exec was running; try again against whatever its current
		// non-terminal status turns out to be, unless it's already
		// terminal (e.g. cancelled), in which case we respect that and do
		// nothing further.
		if cur, getErr := c.store.Get(context.Background(), sessionID, taskID); getErr == nil && !cur.Status.Terminal() {
			updated, err = c.store.CompareAndSwap(context.Background(), sessionID, taskID, cur.Status, mutate)
		}
	}
	if err != nil {
		c.logger.Warn("tasks: failed to record task completion", "task_id", taskID, "error", err)
		return
	}
	c.notify(updated)
}

func (c *Coordinator) notify(t *Task) {
	if c.notifier == nil || t == nil {
		return
	}
	c.notifier.NotifyTaskStatus(context.Background(), t)
}

// SuspendForInput transitions a running task to input_required, for
// Executors that need to pause and ask their caller a question before
// continuing (spec §4.2 non-terminal statuses). The Executor itself is
// responsible for later resuming its own work (via Resume), which is why
// this only updates the task's externally visible status.
func (c *Coordinator) SuspendForInput(ctx context.Context, sessionID, taskID, message string) (*Task, error) {
	t, err := c.store.CompareAndSwap(ctx, sessionID, taskID, StatusWorking, func(t *Task) {
		t.Status = StatusInputRequired
		t.StatusMessage = message
		t.LastUpdatedAt = time.Now().UTC()
	})
	if err != nil {
		return nil, err
	}
	c.notify(t)
	return t, nil
}

// Resume transitions taskID back from input_required to working, once the
// nested server->client call that triggered SuspendForInput has returned
// (spec §4.2 "back to working when the call returns, regardless of
// outcome, unless a terminal transition has already occurred"). It is a
// no-op returning the task unchanged if the task already reached a
// terminal status (e.g. it was cancelled while suspended).
func (c *Coordinator) Resume(ctx context.Context, sessionID, taskID string) (*Task, error) {
	t, err := c.store.CompareAndSwap(ctx, sessionID, taskID, StatusInputRequired, func(t *Task) {
		t.Status = StatusWorking
		t.StatusMessage = "The operation is now in progress."
		t.LastUpdatedAt = time.Now().UTC()
	})
	if err != nil {
		if cur, getErr := c.store.Get(ctx, sessionID, taskID); getErr == nil && cur.Status.Terminal() {
			return cur, nil
		}
		return nil, err
	}
	c.notify(t)
	return t, nil
}

// taskControlKey is the context key under which run stashes a *TaskControl
// for the duration of one Executor.Execute call.
type taskControlKey struct{}

// TaskControl lets an Executor running inside Coordinator.run suspend its
// own task for required input and resume it afterward, without needing a
// reference to the Coordinator itself (spec §4.2 "input-required
// suspension"). Obtain one via ControlFromContext.
type TaskControl struct {
	coordinator *Coordinator
	sessionID   string
	taskID      string
}

// TaskID returns the id of the task this control belongs to.
func (tc *TaskControl) TaskID() string { return tc.taskID }

// SuspendForInput transitions this control's task to input_required for the
// duration of a nested server->client call the Executor is about to make.
func (tc *TaskControl) SuspendForInput(ctx context.Context, message string) (*Task, error) {
	return tc.coordinator.SuspendForInput(ctx, tc.sessionID, tc.taskID, message)
}

// Resume transitions this control's task back to working once the nested
// call SuspendForInput was called for has returned.
func (tc *TaskControl) Resume(ctx context.Context) (*Task, error) {
	return tc.coordinator.Resume(ctx, tc.sessionID, tc.taskID)
}

// ControlFromContext returns the TaskControl embedded in ctx by
// Coordinator.run, or nil if ctx was not produced by a task execution (e.g.
// the request this Executor is handling is running synchronously instead
// of as a task).
func ControlFromContext(ctx context.Context) *TaskControl {
	tc, _ := ctx.Value(taskControlKey{}).(*TaskControl)
	return tc
}

// Get returns the current snapshot of a task.
func (c *Coordinator) Get(ctx context.Context, sessionID, taskID string) (*Task, error) {
	return c.store.Get(ctx, sessionID, taskID)
}

// List returns a page of sessionID's tasks.
func (c *Coordinator) List(ctx context.Context, sessionID, cursor string, limit int) ([]*Task, string, error) {
	return c.store.List(ctx, sessionID, cursor, limit)
}

// Cancel transitions a task to Cancelled and cancels its Executor's
// context, if it is still running in this process. Per spec §4.2, a
// terminal task cannot be cancelled.
func (c *Coordinator) Cancel(ctx context.Context, sessionID, taskID string) (*Task, error) {
	cur, err := c.store.Get(ctx, sessionID, taskID)
	if err != nil {
		return nil, err
	}
	t, err := c.store.CompareAndSwap(ctx, sessionID, taskID, cur.Status, func(t *Task) {
		t.Status = StatusCancelled
		t.StatusMessage = "The task was cancelled by request."
		t.LastUpdatedAt = time.Now().UTC()
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	cancel := c.cancels[taskID]
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.notify(t)
	return t, nil
}

// Result blocks until taskID reaches a terminal status (or ctx is done)
// and returns its final snapshot. If the task was never admitted in this
// process's lifetime (e.g. after a restart with a durable Store), it
// returns immediately with whatever the Store currently reports, since
// there is no local done channel to wait on.
func (c *Coordinator) Result(ctx context.Context, sessionID, taskID string) (*Task, error) {
	c.mu.Lock()
	done := c.doneChs[taskID]
	c.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return c.store.Get(ctx, sessionID, taskID)
}
