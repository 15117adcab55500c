// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package transport

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/stephentoub/mcp-sub001/internal/obs"
	"github.com/stephentoub/mcp-sub001/jsonrpc2"
	"github.com/stephentoub/mcp-sub001/mcp"
)

// SSEHandler is an http.Handler implementing the server side of the legacy
// SSE transport (spec §6): a GET establishes the event stream and
// immediately emits an "endpoint" event naming the URL the client should
// POST JSON-RPC messages to; subsequent POSTs to that URL are delivered to
// the session and any replies or server-initiated messages are written
// back as "message" events on the original GET stream.
type SSEHandler struct {
	newHandler func(*http.Request) mcp.Handler

	mu       sync.Mutex
	sessions map[string]*sseServerConn
}

// NewSSEHandler returns a handler that creates a new mcp.Handler (via
// newHandler) for each incoming GET connection.
func NewSSEHandler(newHandler func(*http.Request) mcp.Handler) *SSEHandler {
	return &SSEHandler{newHandler: newHandler, sessions: make(map[string]*sseServerConn)}
}

func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		h.serveGET(w, req)
	case http.MethodPost:
		h.servePOST(w, req)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "unsupported method", http.StatusMethodNotAllowed)
	}
}

func (h *SSEHandler) serveGET(w http.ResponseWriter, req *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	var sid [16]byte
	_, _ = rand.Read(sid[:])
	sessionID := hex.EncodeToString(sid[:])

	conn := &sseServerConn{
		outgoing: make(chan jsonrpc2.Frame, 16),
		incoming: make(chan jsonrpc2.Frame, 16),
		done:     make(chan struct{}),
	}
	h.mu.Lock()
	h.sessions[sessionID] = conn
	h.mu.Unlock()
	obs.ActiveSessions.WithLabelValues("sse").Inc()
	defer func() {
		h.mu.Lock()
		delete(h.sessions, sessionID)
		h.mu.Unlock()
		conn.Close()
		obs.ActiveSessions.WithLabelValues("sse").Dec()
	}()

	mcp.NewSession(mcp.RoleServer, conn, mcp.SessionOptions{Handler: h.newHandler(req)})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "event: endpoint\ndata: /message?sessionId=%s\n\n", sessionID)
	flusher.Flush()

	for {
		select {
		case f := <-conn.outgoing:
			data, err := jsonrpc2.Encode(f)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
			flusher.Flush()
		case <-req.Context().Done():
			return
		}
	}
}

func (h *SSEHandler) servePOST(w http.ResponseWriter, req *http.Request) {
	sessionID := req.URL.Query().Get("sessionId")
	h.mu.Lock()
	conn, ok := h.sessions[sessionID]
	h.mu.Unlock()
	if !ok {
		http.Error(w, "unknown or missing sessionId", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	frame, err := jsonrpc2.Decode(body)
	if err != nil {
		http.Error(w, fmt.Sprintf("malformed payload: %v", err), http.StatusBadRequest)
		return
	}
	if r, ok := frame.(*jsonrpc2.Request); ok && !r.ID.IsValid() {
		http.Error(w, "request missing id", http.StatusBadRequest)
		return
	}

	select {
	case conn.incoming <- frame:
		w.WriteHeader(http.StatusAccepted)
	case <-conn.done:
		http.Error(w, "session closed", http.StatusGone)
	}
}

// sseServerConn implements mcp.Connection for one legacy SSE session: the
// GET goroutine drains outgoing, and servePOST feeds incoming.
type sseServerConn struct {
	outgoing  chan jsonrpc2.Frame
	incoming  chan jsonrpc2.Frame
	done      chan struct{}
	closeOnce sync.Once
}

func (c *sseServerConn) Read(ctx context.Context) (jsonrpc2.Frame, error) {
	select {
	case f := <-c.incoming:
		return f, nil
	case <-c.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *sseServerConn) Write(ctx context.Context, f jsonrpc2.Frame) error {
	select {
	case c.outgoing <- f:
		return nil
	case <-c.done:
		return io.EOF
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *sseServerConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}
