// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package tasks implements the async/resumable task subsystem (spec §4.2):
// admission of a request as a pollable unit of work, its status state
// machine, CAS-based mutation, TTL expiry with periodic reaping, session
// isolation, and keyset pagination over a caller's tasks.
package tasks

import "time"

// Status is a task's place in its state machine. Working and InputRequired
// are non-terminal; Completed, Failed, and Cancelled are terminal and
// one-way — no Store implementation may transition a task out of a
// terminal status.
type Status string

const (
	StatusWorking       Status = "working"
	StatusInputRequired Status = "input_required"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
	StatusCancelled     Status = "cancelled"
)

// Terminal reports whether s is one of the task subsystem's terminal
// statuses.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// validTransition reports whether moving from s to next is permitted. Any
// non-terminal status may move to any other status; no status may leave a
// terminal status.
func validTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	return true
}

// Task is a durable, pollable unit of work admitted by the coordinator in
// place of synchronous execution, per spec §3/§4.2.
type Task struct {
	// ID is this task's identifier, assigned by the coordinator at
	// admission time. See NewID for its monotonic UUIDv7-like format.
	ID string

	// SessionID scopes this task to the session that created it; tasks
	// are never visible across sessions.
	SessionID string

	// Method is the request method this task is executing, e.g.
	// "tools/call". Retained so a resumed coordinator can route
	// TaskResult appropriately.
	Method string

	// Params is the raw request params the Executor was invoked with.
	Params []byte

	Status        Status
	StatusMessage string

	CreatedAt     time.Time
	LastUpdatedAt time.Time

	// TTL is the duration, from CreatedAt, after which this task (and its
	// stored result) may be reaped. A nil TTL means no expiry.
	TTL *time.Duration

	// Result is the raw JSON result, set only once Status is Completed.
	Result []byte
	// Err is the error message, set only once Status is Failed.
	Err string

	// seq is a process-local monotonically increasing sequence number
	// used for keyset pagination; it is not part of the task's public
	// identity and is assigned by the Store on Create.
	seq uint64
}

// ExpiresAt reports when t becomes eligible for reaping, or the zero Time
// if it never expires.
func (t *Task) ExpiresAt() time.Time {
	if t.TTL == nil {
		return time.Time{}
	}
	return t.CreatedAt.Add(*t.TTL)
}

// Expired reports whether t has passed its TTL as of now.
func (t *Task) Expired(now time.Time) bool {
	exp := t.ExpiresAt()
	return !exp.IsZero() && now.After(exp)
}
