// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stephentoub/mcp-sub001/tasks"
)

// taskEchoHandler answers initialize normally and implements Executor for
// "slow", which blocks until release is closed and then echoes its params
// back as the task result.
type taskEchoHandler struct {
	release chan struct{}
}

func (h *taskEchoHandler) Handle(ctx context.Context, req *Request) (json.RawMessage, error) {
	switch req.Method {
	case methodInitialize:
		return echoHandler{}.Handle(ctx, req)
	case "slow":
		<-h.release
		return req.Params, nil
	}
	return nil, ErrUnknownRequest
}

func (h *taskEchoHandler) TaskSupport() map[string]bool {
	return map[string]bool{"slow": true}
}

var _ Executor = (*taskEchoHandler)(nil)

func newTaskTestCoordinator(t *testing.T, notifier tasks.Notifier) *tasks.Coordinator {
	t.Helper()
	store := tasks.NewMemoryStore(0)
	c, err := tasks.NewCoordinator(tasks.CoordinatorOptions{Store: store, Notifier: notifier, ReaperSchedule: "@every 1h"})
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	t.Cleanup(c.Stop)
	return c
}

func TestSessionAdmitsTaskAugmentedRequest(t *testing.T) {
	release := make(chan struct{})
	handler := &taskEchoHandler{release: release}
	registry := NewSessionRegistry()
	coord := newTaskTestCoordinator(t, &TaskNotifier{Registry: registry})

	a, b := newPipe()
	server := NewSession(RoleServer, a, SessionOptions{
		Handler: handler,
		Tasks:   &TaskOptions{Coordinator: coord, Registry: registry},
	})
	client := NewSession(RoleClient, b, SessionOptions{})
	defer server.Close()
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.SendRequest(ctx, methodInitialize, &InitializeParams{
		ProtocolVersion: "2025-06-18",
		Capabilities:    &ClientCapabilities{Tasks: &TaskCapabilities{}},
		ClientInfo:      &Implementation{Name: "c", Version: "0"},
	}, nil); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	var stub TaskStubResult
	if err := client.SendRequest(ctx, "slow", json.RawMessage(`{"task":{},"x":1}`), &stub); err != nil {
		t.Fatalf("SendRequest(slow): %v", err)
	}
	if stub.Task == nil || stub.Task.Status != string(tasks.StatusWorking) {
		t.Fatalf("stub = %+v, want a working task", stub.Task)
	}
	taskID := stub.Task.TaskID

	var got TaskView
	if err := client.SendRequest(ctx, methodTasksGet, TasksGetParams{TaskID: taskID}, &got); err != nil {
		t.Fatalf("tasks/get: %v", err)
	}
	if got.Status != string(tasks.StatusWorking) {
		t.Errorf("tasks/get status = %q, want working", got.Status)
	}

	var list TasksListResult
	if err := client.SendRequest(ctx, methodTasksList, TasksListParams{}, &list); err != nil {
		t.Fatalf("tasks/list: %v", err)
	}
	if len(list.Tasks) != 1 || list.Tasks[0].TaskID != taskID {
		t.Fatalf("tasks/list = %+v, want exactly taskID %s", list.Tasks, taskID)
	}

	close(release)

	deadline := time.After(2 * time.Second)
	for {
		var polled TaskView
		if err := client.SendRequest(ctx, methodTasksGet, TasksGetParams{TaskID: taskID}, &polled); err != nil {
			t.Fatalf("tasks/get (poll): %v", err)
		}
		if polled.Status == string(tasks.StatusCompleted) {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("task never completed, last status %q", polled.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}

	var result json.RawMessage
	if err := client.SendRequest(ctx, methodTasksResult, TasksResultParams{TaskID: taskID}, &result); err != nil {
		t.Fatalf("tasks/result: %v", err)
	}
	if string(result) != `{"task":{},"x":1}` {
		t.Errorf("tasks/result = %s, want echoed params", result)
	}
}

func TestSessionCancelTask(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	handler := &taskEchoHandler{release: release}
	registry := NewSessionRegistry()
	coord := newTaskTestCoordinator(t, &TaskNotifier{Registry: registry})

	server, client := initializedPipeWithTasksCapability(t, SessionOptions{
		Handler: handler,
		Tasks:   &TaskOptions{Coordinator: coord, Registry: registry},
	})
	defer server.Close()
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var stub TaskStubResult
	if err := client.SendRequest(ctx, "slow", json.RawMessage(`{"task":{}}`), &stub); err != nil {
		t.Fatalf("SendRequest(slow): %v", err)
	}

	var cancelled TaskView
	if err := client.SendRequest(ctx, methodTasksCancel, TasksCancelParams{TaskID: stub.Task.TaskID}, &cancelled); err != nil {
		t.Fatalf("tasks/cancel: %v", err)
	}
	if cancelled.Status != string(tasks.StatusCancelled) {
		t.Errorf("status after cancel = %q, want cancelled", cancelled.Status)
	}
}

func TestSessionRejectsTaskEnvelopeWithoutTaskSupport(t *testing.T) {
	registry := NewSessionRegistry()
	coord := newTaskTestCoordinator(t, &TaskNotifier{Registry: registry})

	server, client := initializedPipeWithTasksCapability(t, SessionOptions{
		Handler: echoHandler{},
		Tasks:   &TaskOptions{Coordinator: coord, Registry: registry},
	})
	defer server.Close()
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := client.SendRequest(ctx, "echo", json.RawMessage(`{"task":{}}`), nil)
	if err == nil {
		t.Fatal("expected an error admitting a task envelope for a method without task support")
	}
}

func initializedPipeWithTasksCapability(t *testing.T, serverOpts SessionOptions) (server, client *Session) {
	t.Helper()
	a, b := newPipe()
	server = NewSession(RoleServer, a, serverOpts)
	client = NewSession(RoleClient, b, SessionOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.SendRequest(ctx, methodInitialize, &InitializeParams{
		ProtocolVersion: "2025-06-18",
		Capabilities:    &ClientCapabilities{Tasks: &TaskCapabilities{}},
		ClientInfo:      &Implementation{Name: "c", Version: "0"},
	}, nil); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return server, client
}
