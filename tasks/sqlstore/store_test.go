// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package sqlstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stephentoub/mcp-sub001/tasks"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreCreateGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	task := &tasks.Task{
		ID:            "t1",
		SessionID:     "sess-1",
		Method:        "tools/call",
		Params:        []byte(`{"a":1}`),
		Status:        tasks.StatusWorking,
		StatusMessage: "in progress",
		CreatedAt:     now,
		LastUpdatedAt: now,
	}
	if err := s.Create(ctx, task); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := s.Get(ctx, "sess-1", "t1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != tasks.StatusWorking || string(got.Params) != `{"a":1}` {
		t.Errorf("got %+v", got)
	}
}

func TestStoreGetWrongSession(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	task := &tasks.Task{ID: "t1", SessionID: "sess-1", Method: "tools/call", Status: tasks.StatusWorking, CreatedAt: now, LastUpdatedAt: now}
	if err := s.Create(ctx, task); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Get(ctx, "sess-2", "t1"); !errors.Is(err, tasks.ErrNotFound) {
		t.Errorf("Get from wrong session = %v, want ErrNotFound", err)
	}
}

func TestStoreCompareAndSwapAndReap(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	ttl := time.Millisecond
	task := &tasks.Task{ID: "t1", SessionID: "sess-1", Method: "tools/call", Status: tasks.StatusWorking, CreatedAt: now, LastUpdatedAt: now, TTL: &ttl}
	if err := s.Create(ctx, task); err != nil {
		t.Fatalf("Create: %v", err)
	}

	updated, err := s.CompareAndSwap(ctx, "sess-1", "t1", tasks.StatusWorking, func(t *tasks.Task) {
		t.Status = tasks.StatusCompleted
		t.Result = []byte(`{"ok":true}`)
	})
	if err != nil {
		t.Fatalf("CompareAndSwap: %v", err)
	}
	if updated.Status != tasks.StatusCompleted {
		t.Errorf("status = %q, want completed", updated.Status)
	}

	n, err := s.Reap(ctx, now.Add(time.Second))
	if err != nil {
		t.Fatalf("Reap: %v", err)
	}
	if n != 1 {
		t.Errorf("Reap removed %d, want 1", n)
	}
}

func TestStoreListPagination(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		id := string(rune('a' + i))
		if err := s.Create(ctx, &tasks.Task{ID: id, SessionID: "sess-1", Method: "tools/call", Status: tasks.StatusWorking, CreatedAt: now, LastUpdatedAt: now}); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	page, cursor, err := s.List(ctx, "sess-1", "", 2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(page) != 2 || cursor == "" {
		t.Fatalf("page = %d items, cursor = %q", len(page), cursor)
	}
	page2, cursor2, err := s.List(ctx, "sess-1", cursor, 2)
	if err != nil {
		t.Fatalf("List page2: %v", err)
	}
	if len(page2) != 1 || cursor2 != "" {
		t.Fatalf("page2 = %d items, cursor = %q", len(page2), cursor2)
	}
}
