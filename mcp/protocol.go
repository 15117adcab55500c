// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package mcp implements the session-multiplexer half of the Model Context
// Protocol: the bidirectional JSON-RPC layer that a client and a server
// share, independent of which primitives (tools, prompts, resources) ride
// on top of it. Callers supply a generic Executor to handle method
// dispatch; this package owns request/response correlation, notification
// routing, progress fan-out, the initialize handshake, cancellation, and
// (optionally) asynchronous task execution.
package mcp

import (
	"encoding/json"
)

// Meta carries the protocol's reserved "_meta" object, present on most
// request and notification params. Keys are free-form; the "progressToken"
// and task-related keys are read out of it by name rather than given their
// own struct fields, matching the wire shape of the protocol.
type Meta map[string]any

// ProgressToken identifies an in-flight request so that the receiver may
// correlate notifications/progress notifications with it. It is, per spec,
// either a string or an integer; a nil token means progress was not
// requested.
type ProgressToken = any

// GetProgressToken extracts the progress token from meta, if present.
func (m Meta) GetProgressToken() ProgressToken {
	if m == nil {
		return nil
	}
	return m["progressToken"]
}

// WithProgressToken returns a copy of meta with the progress token set.
func (m Meta) WithProgressToken(t ProgressToken) Meta {
	cp := make(Meta, len(m)+1)
	for k, v := range m {
		cp[k] = v
	}
	cp["progressToken"] = t
	return cp
}

// CancelledParams is the payload of a "notifications/cancelled" notification.
type CancelledParams struct {
	// RequestID is the id of the request to cancel. It's typed any on the
	// wire (string|int) and normalized to a jsonrpc2.ID by the session
	// before being matched against the incoming-request tracker.
	RequestID any    `json:"requestId"`
	Reason    string `json:"reason,omitempty"`
}

// ProgressNotificationParams is the payload of a "notifications/progress"
// notification.
type ProgressNotificationParams struct {
	ProgressToken ProgressToken `json:"progressToken"`
	Message       string        `json:"message,omitempty"`
	Progress      float64       `json:"progress"`
	Total         float64       `json:"total,omitempty"`
}

// RootCapabilities describes a client's support for roots.
type RootCapabilities struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// SamplingCapabilities describes a client's support for sampling.
type SamplingCapabilities struct{}

// ElicitationCapabilities describes a client's support for elicitation.
type ElicitationCapabilities struct{}

// ClientCapabilities describes capabilities a client may support.
type ClientCapabilities struct {
	Experimental map[string]any           `json:"experimental,omitempty"`
	Roots        *RootCapabilities        `json:"roots,omitempty"`
	Sampling     *SamplingCapabilities    `json:"sampling,omitempty"`
	Elicitation  *ElicitationCapabilities `json:"elicitation,omitempty"`
	// Tasks is present if the client supports receiving
	// "notifications/tasks/status" best-effort status notifications.
	Tasks *TaskCapabilities `json:"tasks,omitempty"`
}

func (c *ClientCapabilities) clone() *ClientCapabilities {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// LoggingCapabilities describes a server's support for log messages.
type LoggingCapabilities struct{}

// TaskCapabilities describes support for the task subsystem (§4.2). A peer
// that omits this capability is not sent notifications/tasks/status;
// admission of task-augmented requests does not consult it.
type TaskCapabilities struct {
	// Requests lists the request methods the peer is willing to execute
	// as tasks, e.g. "tools/call". An empty list (but non-nil struct)
	// means "any request method that accepts a task param".
	Requests []string `json:"requests,omitempty"`
}

// ServerCapabilities describes capabilities that a server supports.
type ServerCapabilities struct {
	Experimental map[string]any       `json:"experimental,omitempty"`
	Logging      *LoggingCapabilities `json:"logging,omitempty"`
	Tasks        *TaskCapabilities    `json:"tasks,omitempty"`
}

func (c *ServerCapabilities) clone() *ServerCapabilities {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// Implementation describes the name and version of an MCP implementation.
type Implementation struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version"`
}

// InitializeParams is sent by the client to initialize the session.
type InitializeParams struct {
	Meta            Meta                `json:"_meta,omitempty"`
	ProtocolVersion string              `json:"protocolVersion"`
	Capabilities    *ClientCapabilities `json:"capabilities"`
	ClientInfo      *Implementation     `json:"clientInfo"`
}

// InitializeResult is sent by the server in response to an initialize
// request.
type InitializeResult struct {
	Meta            Meta                `json:"_meta,omitempty"`
	ProtocolVersion string              `json:"protocolVersion"`
	Capabilities    *ServerCapabilities `json:"capabilities"`
	ServerInfo      *Implementation     `json:"serverInfo"`
	Instructions    string              `json:"instructions,omitempty"`
}

// LoggingLevel is an RFC 5424 syslog severity level, as used by
// "logging/setLevel" and "notifications/message".
type LoggingLevel string

const (
	LoggingLevelDebug     LoggingLevel = "debug"
	LoggingLevelInfo      LoggingLevel = "info"
	LoggingLevelNotice    LoggingLevel = "notice"
	LoggingLevelWarning   LoggingLevel = "warning"
	LoggingLevelError     LoggingLevel = "error"
	LoggingLevelCritical  LoggingLevel = "critical"
	LoggingLevelAlert     LoggingLevel = "alert"
	LoggingLevelEmergency LoggingLevel = "emergency"
)

// SetLevelParams is the payload of a "logging/setLevel" request.
type SetLevelParams struct {
	Level LoggingLevel `json:"level"`
}

// LoggingMessageParams is the payload of a "notifications/message"
// notification.
type LoggingMessageParams struct {
	Level  LoggingLevel `json:"level"`
	Logger string       `json:"logger,omitempty"`
	Data   any          `json:"data"`
}

// PingParams is the (empty) payload of a "ping" request.
type PingParams struct{}

// Well-known method and notification names this package dispatches.
const (
	methodInitialize         = "initialize"
	notificationInitialized  = "notifications/initialized"
	methodPing               = "ping"
	methodSetLevel           = "logging/setLevel"
	notificationLoggingMsg   = "notifications/message"
	notificationProgress     = "notifications/progress"
	notificationCancelled    = "notifications/cancelled"
	notificationTasksStatus  = "notifications/tasks/status"
	methodTasksGet           = "tasks/get"
	methodTasksResult        = "tasks/result"
	methodTasksList          = "tasks/list"
	methodTasksCancel        = "tasks/cancel"
)

// EmptyResult is the result of methods and requests that carry no payload
// beyond _meta, such as "ping".
type EmptyResult struct {
	Meta Meta `json:"_meta,omitempty"`
}

// marshalParams is a small helper used throughout the session to encode
// typed params into json.RawMessage for the wire frame.
func marshalParams(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}
