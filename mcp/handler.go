// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"encoding/json"
)

// Request bundles an incoming request or notification with enough context
// for a Handler or Executor to service it. It stands in for the
// concrete per-method param types a full tools/prompts/resources catalog
// would otherwise provide; that catalog is out of scope here, so handlers
// work directly with raw method names and params.
type Request struct {
	Session *Session
	Method  string
	Params  json.RawMessage
	Meta    Meta

	// IsNotification is true when this Request carries no ID and expects
	// no result.
	IsNotification bool
}

// Handler services a single Request synchronously (relative to the
// dispatch goroutine that invoked it). Handle is called both for ordinary
// requests and for notifications (IsNotification true, in which case the
// returned result is discarded and a non-nil error is logged).
//
// A Handler that also implements Executor may additionally be driven by a
// task coordinator to run a request's work asynchronously; see TaskSupport.
type Handler interface {
	Handle(ctx context.Context, req *Request) (json.RawMessage, error)
}

// HandlerFunc adapts a function to a Handler.
type HandlerFunc func(ctx context.Context, req *Request) (json.RawMessage, error)

func (f HandlerFunc) Handle(ctx context.Context, req *Request) (json.RawMessage, error) {
	return f(ctx, req)
}

// Executor is implemented by a Handler that supports running some of its
// methods as long-lived, resumable tasks (spec §4.2) rather than requiring
// the caller to block until completion. A task coordinator (package tasks)
// drives Execute on a goroutine it owns, reporting status transitions back
// to the session.
type Executor interface {
	Handler

	// TaskSupport reports which request methods may be admitted as tasks.
	// A task-augmented request for a method absent from the returned set
	// is rejected with an InvalidParams error.
	TaskSupport() map[string]bool
}
