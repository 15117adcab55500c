// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package tasks

import (
	"context"
	"errors"
	"testing"
	"time"
)

type recordingNotifier struct {
	ch chan *Task
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{ch: make(chan *Task, 16)}
}

func (n *recordingNotifier) NotifyTaskStatus(ctx context.Context, t *Task) {
	cp := *t
	n.ch <- &cp
}

func TestCoordinatorAdmitAndComplete(t *testing.T) {
	store := NewMemoryStore(0)
	notifier := newRecordingNotifier()
	c, err := NewCoordinator(CoordinatorOptions{Store: store, Notifier: notifier, ReaperSchedule: "@every 1h"})
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	defer c.Stop()

	exec := ExecutorFunc(func(ctx context.Context, params []byte) ([]byte, error) {
		return []byte(`{"ok":true}`), nil
	})

	task, err := c.Admit(context.Background(), "sess-1", "tools/call", []byte(`{}`), nil, exec)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if task.Status != StatusWorking {
		t.Fatalf("initial status = %q, want working", task.Status)
	}

	final, err := c.Result(context.Background(), "sess-1", task.ID)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if final.Status != StatusCompleted {
		t.Errorf("final status = %q, want completed", final.Status)
	}
	if string(final.Result) != `{"ok":true}` {
		t.Errorf("final result = %s", final.Result)
	}

	select {
	case n := <-notifier.ch:
		if n.Status != StatusCompleted {
			t.Errorf("notified status = %q, want completed", n.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for completion notification")
	}
}

func TestCoordinatorCancel(t *testing.T) {
	store := NewMemoryStore(0)
	c, err := NewCoordinator(CoordinatorOptions{Store: store, ReaperSchedule: "@every 1h"})
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	defer c.Stop()

	started := make(chan struct{})
	exec := ExecutorFunc(func(ctx context.Context, params []byte) ([]byte, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	task, err := c.Admit(context.Background(), "sess-1", "tools/call", nil, nil, exec)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	<-started

	cancelled, err := c.Cancel(context.Background(), "sess-1", task.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Errorf("status after cancel = %q, want cancelled", cancelled.Status)
	}

	final, err := c.Result(context.Background(), "sess-1", task.ID)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if final.Status != StatusCancelled {
		t.Errorf("status after run exits = %q, want cancelled (terminal transitions are one-way)", final.Status)
	}
}

func TestCoordinatorSuspendForInputAndResume(t *testing.T) {
	store := NewMemoryStore(0)
	notifier := newRecordingNotifier()
	c, err := NewCoordinator(CoordinatorOptions{Store: store, Notifier: notifier, ReaperSchedule: "@every 1h"})
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	defer c.Stop()

	resumed := make(chan struct{})
	exec := ExecutorFunc(func(ctx context.Context, params []byte) ([]byte, error) {
		tc := ControlFromContext(ctx)
		if tc == nil {
			t.Error("ControlFromContext returned nil inside a task execution")
			return nil, errors.New("no control")
		}
		if _, err := tc.SuspendForInput(ctx, "need more input"); err != nil {
			t.Errorf("SuspendForInput: %v", err)
			return nil, err
		}
		if _, err := tc.Resume(ctx); err != nil {
			t.Errorf("Resume: %v", err)
			return nil, err
		}
		close(resumed)
		return []byte(`{"ok":true}`), nil
	})

	task, err := c.Admit(context.Background(), "sess-1", "tools/call", nil, nil, exec)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}

	select {
	case <-resumed:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for suspend/resume to run")
	}

	final, err := c.Result(context.Background(), "sess-1", task.ID)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if final.Status != StatusCompleted {
		t.Errorf("final status = %q, want completed", final.Status)
	}

	var sawInputRequired, sawWorkingAfterResume, sawCompleted bool
	for {
		select {
		case n := <-notifier.ch:
			switch n.Status {
			case StatusInputRequired:
				sawInputRequired = true
			case StatusWorking:
				sawWorkingAfterResume = true
			case StatusCompleted:
				sawCompleted = true
			}
		default:
			if !sawInputRequired || !sawWorkingAfterResume || !sawCompleted {
				t.Fatalf("missing notifications: input_required=%v working=%v completed=%v", sawInputRequired, sawWorkingAfterResume, sawCompleted)
			}
			return
		}
	}
}

func TestCoordinatorCancelTerminalTaskFails(t *testing.T) {
	store := NewMemoryStore(0)
	c, err := NewCoordinator(CoordinatorOptions{Store: store, ReaperSchedule: "@every 1h"})
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	defer c.Stop()

	exec := ExecutorFunc(func(ctx context.Context, params []byte) ([]byte, error) { return []byte("{}"), nil })
	task, err := c.Admit(context.Background(), "sess-1", "tools/call", nil, nil, exec)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if _, err := c.Result(context.Background(), "sess-1", task.ID); err != nil {
		t.Fatalf("Result: %v", err)
	}

	if _, err := c.Cancel(context.Background(), "sess-1", task.ID); err == nil {
		t.Fatal("expected Cancel on a completed task to fail")
	} else {
		var stateErr *StateError
		if !errors.As(err, &stateErr) {
			t.Errorf("expected *StateError, got %T: %v", err, err)
		}
	}
}

func TestCoordinatorListPagination(t *testing.T) {
	store := NewMemoryStore(0)
	c, err := NewCoordinator(CoordinatorOptions{Store: store, ReaperSchedule: "@every 1h"})
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	defer c.Stop()

	exec := ExecutorFunc(func(ctx context.Context, params []byte) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	var ids []string
	for i := 0; i < 5; i++ {
		task, err := c.Admit(context.Background(), "sess-1", "tools/call", nil, nil, exec)
		if err != nil {
			t.Fatalf("Admit: %v", err)
		}
		ids = append(ids, task.ID)
	}

	page1, cursor1, err := c.List(context.Background(), "sess-1", "", 2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(page1) != 2 || cursor1 == "" {
		t.Fatalf("page1 = %d items, cursor=%q", len(page1), cursor1)
	}
	page2, cursor2, err := c.List(context.Background(), "sess-1", cursor1, 2)
	if err != nil {
		t.Fatalf("List page2: %v", err)
	}
	if len(page2) != 2 || cursor2 == "" {
		t.Fatalf("page2 = %d items, cursor=%q", len(page2), cursor2)
	}
	page3, cursor3, err := c.List(context.Background(), "sess-1", cursor2, 2)
	if err != nil {
		t.Fatalf("List page3: %v", err)
	}
	if len(page3) != 1 || cursor3 != "" {
		t.Fatalf("page3 = %d items, cursor=%q, want 1 item and empty cursor", len(page3), cursor3)
	}

	for _, id := range ids {
		if _, err := c.Cancel(context.Background(), "sess-1", id); err != nil {
			t.Fatalf("cleanup Cancel(%s): %v", id, err)
		}
	}
}

func TestCoordinatorSessionIsolation(t *testing.T) {
	store := NewMemoryStore(0)
	c, err := NewCoordinator(CoordinatorOptions{Store: store, ReaperSchedule: "@every 1h"})
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	defer c.Stop()

	exec := ExecutorFunc(func(ctx context.Context, params []byte) ([]byte, error) { return []byte("{}"), nil })
	task, err := c.Admit(context.Background(), "sess-a", "tools/call", nil, nil, exec)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if _, err := c.Get(context.Background(), "sess-b", task.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get from wrong session = %v, want ErrNotFound", err)
	}
}
