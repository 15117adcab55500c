// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"errors"
	"fmt"

	"github.com/stephentoub/mcp-sub001/jsonrpc2"
)

// Sentinel errors returned by Session methods. Wrap these with fmt.Errorf's
// %w verb to add context while keeping them matchable with errors.Is.
var (
	// ErrSessionClosed's message is what a SendRequest call still waiting
	// for its response receives when the session's connection closes
	// cleanly, locally or by the peer. It arrives as a *jsonrpc2.WireError
	// with CodeInternalError, which does not match ErrSessionClosed under
	// errors.Is; SendNotification reports the connection's own Write error.
	ErrSessionClosed = errors.New("mcp: session closed")

	// ErrNotInitialized is returned when a peer sends a request other than
	// "initialize" before the initialize handshake has completed.
	ErrNotInitialized = errors.New("mcp: session not initialized")

	// ErrAlreadyInitialized is returned when a peer attempts to send a
	// second "initialize" request on an already-initialized session.
	ErrAlreadyInitialized = errors.New("mcp: session already initialized")

	// ErrUnknownRequest is returned by CancelRequest when the given request
	// ID does not correspond to an outstanding incoming request.
	ErrUnknownRequest = errors.New("mcp: unknown request id")

	// ErrMissingCapability is returned when a peer issues a request or
	// notification that requires a capability the other side never
	// declared during initialize.
	ErrMissingCapability = errors.New("mcp: peer did not declare required capability")
)

// CapabilityError reports that method could not be dispatched because
// capability was not declared by the peer during initialize.
type CapabilityError struct {
	Method     string
	Capability string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("mcp: method %q requires capability %q", e.Method, e.Capability)
}

func (e *CapabilityError) Unwrap() error { return ErrMissingCapability }

// asRPCError converts any error returned by a method handler into a
// *jsonrpc2.WireError, mapping a *CapabilityError to CodeInvalidParams,
// preserving a wrapped WireError's code and otherwise defaulting to
// CodeInternalError.
func asRPCError(err error) *jsonrpc2.WireError {
	if err == nil {
		return nil
	}
	var capErr *CapabilityError
	if errors.As(err, &capErr) {
		return &jsonrpc2.WireError{Code: jsonrpc2.CodeInvalidParams, Message: err.Error()}
	}
	return jsonrpc2.ToWireError(err)
}
