// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/stephentoub/mcp-sub001/jsonrpc2"
	"github.com/stephentoub/mcp-sub001/tasks"
)

// TaskOptions enables the task coordinator subsystem (spec §4.2) for a
// Session. See SessionOptions.Tasks.
type TaskOptions struct {
	// Coordinator admits and runs task-augmented requests. Required.
	Coordinator *tasks.Coordinator

	// Registry is where this Session registers itself under its ID for
	// the lifetime of the connection, so a TaskNotifier can look the
	// Session back up by the plain sessionId a Task carries, rather than
	// the task itself holding a pointer back to its Session (spec §4.2
	// "Task/session cross-reference"). Typically one Registry is shared
	// by every Session a server accepts.
	Registry *SessionRegistry

	// ListLimit bounds tasks/list's page size when the request doesn't
	// specify one. Defaults to 50.
	ListLimit int

	// PollIntervalMillis is advertised to peers, in task stubs and
	// notifications/tasks/status, as the suggested interval between
	// tasks/get polls. Defaults to 1000.
	PollIntervalMillis int64
}

func (o *TaskOptions) listLimit() int {
	if o.ListLimit > 0 {
		return o.ListLimit
	}
	return 50
}

func (o *TaskOptions) pollIntervalMillis() int64 {
	if o.PollIntervalMillis > 0 {
		return o.PollIntervalMillis
	}
	return 1000
}

// SessionRegistry maps session identities to their live Session, so a
// TaskNotifier can deliver "notifications/tasks/status" to whichever
// Session owns a task without the task itself (or the Coordinator)
// holding a pointer back to it. A detached session (one that has since
// closed, or was never local to this process) is simply absent, and
// notifications addressed to it are silently suppressed (spec §4.2
// "Detached sessions suppress notifications silently").
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewSessionRegistry returns an empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]*Session)}
}

// Register records s under id, overwriting any previous Session registered
// under the same id.
func (r *SessionRegistry) Register(id string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[id] = s
}

// Unregister removes id, if present.
func (r *SessionRegistry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Get returns the Session registered under id, or nil if none is.
func (r *SessionRegistry) Get(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

// TaskNotifier implements tasks.Notifier by looking the task's owning
// Session up in a SessionRegistry and sending it a best-effort
// "notifications/tasks/status", gated on the peer having declared the
// "tasks" capability during initialize.
type TaskNotifier struct {
	Registry           *SessionRegistry
	PollIntervalMillis int64
}

var _ tasks.Notifier = (*TaskNotifier)(nil)

func (n *TaskNotifier) NotifyTaskStatus(ctx context.Context, t *tasks.Task) {
	s := n.Registry.Get(t.SessionID)
	if s == nil {
		return
	}
	if !s.peerDeclaredTaskCapability() {
		return
	}
	pollMs := n.PollIntervalMillis
	if pollMs <= 0 {
		pollMs = 1000
	}
	_ = s.SendNotification(ctx, notificationTasksStatus, newTaskStatusNotificationParams(t, pollMs))
}

// peerDeclaredTaskCapability reports whether whichever capability set the
// peer declared during initialize (client, if this Session is the server;
// server, if this Session is the client) includes "tasks". A server-role
// Session runs this through RequireClientCapability, the same gate any
// other optional client feature (sampling, elicitation, roots) goes
// through, rather than inlining its own capability check.
func (s *Session) peerDeclaredTaskCapability() bool {
	if s.role == RoleServer {
		return s.RequireClientCapability(notificationTasksStatus, "tasks", func(c *ClientCapabilities) bool {
			return c.Tasks != nil
		}) == nil
	}
	if caps := s.PeerServerCapabilities(); caps != nil {
		return caps.Tasks != nil
	}
	return false
}

// TaskParamsEnvelope is the optional "task" field of a task-augmented
// request's params (spec §4.2 "the caller includes a task envelope in its
// params").
type TaskParamsEnvelope struct {
	// TTLMillis requests a time-to-live for the admitted task, clamped to
	// the coordinator's configured maximum. Nil uses the coordinator's
	// default.
	TTLMillis *int64 `json:"ttl,omitempty"`
}

type taskEnvelopeParams struct {
	Task *TaskParamsEnvelope `json:"task,omitempty"`
}

// extractTaskEnvelope reports the "task" envelope present in raw request
// params, or nil if raw carries none (including when raw is empty or
// malformed — a malformed envelope is indistinguishable here from "no
// envelope"; the request still proceeds synchronously and any genuine
// params error surfaces from the handler's own decoding).
func extractTaskEnvelope(raw json.RawMessage) *TaskParamsEnvelope {
	if len(raw) == 0 {
		return nil
	}
	var p taskEnvelopeParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil
	}
	return p.Task
}

// TaskView is the wire representation of a tasks.Task (spec §3's Task
// shape): {taskId, status, statusMessage?, createdAt, lastUpdatedAt,
// timeToLive, pollInterval, sessionId?, originatingRequest,
// terminalResult?}.
type TaskView struct {
	TaskID             string          `json:"taskId"`
	Status             string          `json:"status"`
	StatusMessage      string          `json:"statusMessage,omitempty"`
	CreatedAt          time.Time       `json:"createdAt"`
	LastUpdatedAt      time.Time       `json:"lastUpdatedAt"`
	TimeToLiveMillis   *int64          `json:"timeToLive,omitempty"`
	PollIntervalMillis int64           `json:"pollInterval"`
	SessionID          string          `json:"sessionId,omitempty"`
	OriginatingRequest string          `json:"originatingRequest,omitempty"`
	TerminalResult     json.RawMessage `json:"terminalResult,omitempty"`
	Error              string          `json:"error,omitempty"`
}

func newTaskView(t *tasks.Task, pollIntervalMillis int64) *TaskView {
	v := &TaskView{
		TaskID:             t.ID,
		Status:             string(t.Status),
		StatusMessage:      t.StatusMessage,
		CreatedAt:          t.CreatedAt,
		LastUpdatedAt:      t.LastUpdatedAt,
		PollIntervalMillis: pollIntervalMillis,
		SessionID:          t.SessionID,
		OriginatingRequest: t.Method,
		Error:              t.Err,
	}
	if t.TTL != nil {
		ms := t.TTL.Milliseconds()
		v.TimeToLiveMillis = &ms
	}
	if t.Status == tasks.StatusCompleted && len(t.Result) > 0 {
		v.TerminalResult = t.Result
	}
	return v
}

// TaskStubResult is the immediate response to a task-augmented request
// that was admitted: {task: TaskView} in its initial (working) status.
type TaskStubResult struct {
	Task *TaskView `json:"task"`
}

// TasksGetParams is the payload of a "tasks/get" request.
type TasksGetParams struct {
	TaskID string `json:"taskId"`
}

// TasksResultParams is the payload of a "tasks/result" request.
type TasksResultParams struct {
	TaskID string `json:"taskId"`
}

// TasksListParams is the payload of a "tasks/list" request.
type TasksListParams struct {
	Cursor string `json:"cursor,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// TasksListResult is the payload of a "tasks/list" response.
type TasksListResult struct {
	Tasks      []*TaskView `json:"tasks"`
	NextCursor string      `json:"nextCursor,omitempty"`
}

// TasksCancelParams is the payload of a "tasks/cancel" request.
type TasksCancelParams struct {
	TaskID string `json:"taskId"`
}

// taskStatusNotificationParams is the payload of a
// "notifications/tasks/status" notification.
type taskStatusNotificationParams struct {
	TaskID             string    `json:"taskId"`
	Status             string    `json:"status"`
	StatusMessage      string    `json:"statusMessage,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
	LastUpdatedAt      time.Time `json:"lastUpdatedAt"`
	TTLMillis          *int64    `json:"ttl,omitempty"`
	PollIntervalMillis int64     `json:"pollInterval"`
}

func newTaskStatusNotificationParams(t *tasks.Task, pollIntervalMillis int64) taskStatusNotificationParams {
	p := taskStatusNotificationParams{
		TaskID:             t.ID,
		Status:             string(t.Status),
		StatusMessage:      t.StatusMessage,
		CreatedAt:          t.CreatedAt,
		LastUpdatedAt:      t.LastUpdatedAt,
		PollIntervalMillis: pollIntervalMillis,
	}
	if t.TTL != nil {
		ms := t.TTL.Milliseconds()
		p.TTLMillis = &ms
	}
	return p
}

// executorAdapter adapts an Executor (a Handler driven by the task
// coordinator) to tasks.Executor: Execute rebuilds the Request the
// coordinator's background goroutine runs with, since a Task only retains
// the raw params bytes, not the original *Request.
type executorAdapter struct {
	session *Session
	handler Executor
	method  string
}

func (a executorAdapter) Execute(ctx context.Context, params []byte) ([]byte, error) {
	return a.handler.Handle(ctx, &Request{Session: a.session, Method: a.method, Params: params})
}

// admitTaskOrFail admits req as a task, or returns an InvalidParams error
// per spec §4.2's admission steps 1-2 ("target primitive declares
// forbidden" / "no task store is installed").
func (s *Session) admitTaskOrFail(ctx context.Context, req *jsonrpc2.Request, env *TaskParamsEnvelope) (json.RawMessage, error) {
	if s.tasks == nil || s.tasks.Coordinator == nil {
		return nil, fmt.Errorf("%w: no task store is installed", jsonrpc2.ErrInvalidParams)
	}
	exec, ok := s.handler.(Executor)
	if !ok || !exec.TaskSupport()[req.Method] {
		return nil, fmt.Errorf("%w: method %q does not support task-augmented execution", jsonrpc2.ErrInvalidParams, req.Method)
	}

	var ttl *time.Duration
	if env.TTLMillis != nil {
		d := time.Duration(*env.TTLMillis) * time.Millisecond
		ttl = &d
	}
	t, err := s.tasks.Coordinator.Admit(ctx, s.id, req.Method, req.Params, ttl,
		executorAdapter{session: s, handler: exec, method: req.Method})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", jsonrpc2.ErrInvalidParams, err)
	}
	return marshalParams(TaskStubResult{Task: newTaskView(t, s.tasks.pollIntervalMillis())})
}

// handleTasksMethod serves tasks/get, tasks/result, tasks/list, and
// tasks/cancel directly; s.tasks is guaranteed non-nil by the caller.
func (s *Session) handleTasksMethod(ctx context.Context, req *jsonrpc2.Request) (json.RawMessage, error) {
	coord := s.tasks.Coordinator
	switch req.Method {
	case methodTasksGet:
		var p TasksGetParams
		if err := jsonrpc2.StrictDecodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		t, err := coord.Get(ctx, s.id, p.TaskID)
		if err != nil {
			return nil, err
		}
		return marshalParams(newTaskView(t, s.tasks.pollIntervalMillis()))

	case methodTasksResult:
		var p TasksResultParams
		if err := jsonrpc2.StrictDecodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		t, err := coord.Result(ctx, s.id, p.TaskID)
		if err != nil {
			return nil, err
		}
		switch t.Status {
		case tasks.StatusCompleted:
			if len(t.Result) == 0 {
				return json.RawMessage(`{}`), nil
			}
			return t.Result, nil
		case tasks.StatusFailed:
			return nil, fmt.Errorf("%w: %s", jsonrpc2.ErrInternal, t.Err)
		case tasks.StatusCancelled:
			return nil, fmt.Errorf("%w: task %s was cancelled", jsonrpc2.ErrInvalidRequest, t.ID)
		default:
			return nil, fmt.Errorf("%w: task %s has not reached a terminal status (%s)", jsonrpc2.ErrInvalidRequest, t.ID, t.Status)
		}

	case methodTasksList:
		var p TasksListParams
		if len(req.Params) > 0 {
			if err := jsonrpc2.StrictDecodeParams(req.Params, &p); err != nil {
				return nil, err
			}
		}
		limit := p.Limit
		if limit <= 0 {
			limit = s.tasks.listLimit()
		}
		items, next, err := coord.List(ctx, s.id, p.Cursor, limit)
		if err != nil {
			return nil, err
		}
		views := make([]*TaskView, len(items))
		for i, t := range items {
			views[i] = newTaskView(t, s.tasks.pollIntervalMillis())
		}
		return marshalParams(TasksListResult{Tasks: views, NextCursor: next})

	case methodTasksCancel:
		var p TasksCancelParams
		if err := jsonrpc2.StrictDecodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		t, err := coord.Cancel(ctx, s.id, p.TaskID)
		if err != nil {
			return nil, err
		}
		return marshalParams(newTaskView(t, s.tasks.pollIntervalMillis()))

	default:
		return nil, jsonrpc2.ErrMethodNotFound
	}
}
