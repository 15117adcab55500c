// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"

	"github.com/stephentoub/mcp-sub001/jsonrpc2"
)

// Connection is one end of a live duplex JSON-RPC connection: a single
// stdio pipe pair, a streamable-HTTP round trip plus its SSE backchannel,
// or an in-memory pipe used in tests. Transports in package transport
// implement this.
type Connection interface {
	// Read blocks until the next frame arrives, ctx is cancelled, or the
	// connection is closed, in which case it returns io.EOF.
	Read(ctx context.Context) (jsonrpc2.Frame, error)
	// Write sends a single frame. Implementations must be safe for
	// concurrent use, since the session may write a reply on one
	// goroutine while issuing a reentrant call on another.
	Write(ctx context.Context, f jsonrpc2.Frame) error
	// Close releases any resources associated with the connection. It is
	// safe to call Close more than once.
	Close() error
}

// Transport knows how to establish a Connection. A client Transport dials
// out; a server Transport is handed an already-accepted connection (e.g.
// from an HTTP handler) to wrap.
type Transport interface {
	Connect(ctx context.Context) (Connection, error)
}
