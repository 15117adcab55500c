// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package transport

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stephentoub/mcp-sub001/eventlog"
	"github.com/stephentoub/mcp-sub001/internal/obs"
	"github.com/stephentoub/mcp-sub001/jsonrpc2"
	"github.com/stephentoub/mcp-sub001/mcp"
)

// defaultStreamID names the logical stream that carries server->client
// notifications and requests not tied to any POST: the long-lived GET
// stream, and the resumption anchor for Last-Event-ID.
const defaultStreamID = "0"

func randSessionID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// StreamableHTTPOptions configures a StreamableHTTPHandler.
type StreamableHTTPOptions struct {
	// EventStore persists and replays server->client events so that a
	// dropped GET stream can resume via Last-Event-ID. If nil, an
	// in-process eventlog.MemoryStore is used.
	EventStore eventlog.Store
	Logger     *slog.Logger
}

// StreamableHTTPHandler is an http.Handler that serves streamable MCP
// sessions per session ID (the "Mcp-Session-Id" header), as described by
// spec §6. newHandler builds the mcp.Handler that will back a
// newly-created session.
type StreamableHTTPHandler struct {
	newHandler func(*http.Request) mcp.Handler
	store      eventlog.Store
	logger     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*StreamableServerTransport
}

// NewStreamableHTTPHandler returns a handler that creates a new session
// (via newHandler) the first time a client POSTs without an
// "Mcp-Session-Id" header, and routes subsequent requests bearing that
// header to the same session's transport.
func NewStreamableHTTPHandler(newHandler func(*http.Request) mcp.Handler, opts *StreamableHTTPOptions) *StreamableHTTPHandler {
	h := &StreamableHTTPHandler{
		newHandler: newHandler,
		sessions:   make(map[string]*StreamableServerTransport),
		store:      eventlog.NewMemoryStore(eventlog.MemoryStoreOptions{MetadataTTL: 5 * time.Minute, MaxRetainedEvents: 1024}),
		logger:     slog.Default(),
	}
	if opts != nil {
		if opts.EventStore != nil {
			h.store = opts.EventStore
		}
		if opts.Logger != nil {
			h.logger = opts.Logger
		}
	}
	return h
}

// CloseAll closes every live session's transport, e.g. on server shutdown.
func (h *StreamableHTTPHandler) CloseAll() {
	h.mu.Lock()
	sessions := h.sessions
	h.sessions = nil
	h.mu.Unlock()
	for _, s := range sessions {
		_ = s.Close()
	}
}

func (h *StreamableHTTPHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	accept := strings.Split(strings.Join(req.Header.Values("Accept"), ","), ",")
	var jsonOK, streamOK bool
	for _, c := range accept {
		switch strings.TrimSpace(c) {
		case "application/json":
			jsonOK = true
		case "text/event-stream":
			streamOK = true
		}
	}
	if req.Method == http.MethodGet {
		if !streamOK {
			http.Error(w, "Accept must contain 'text/event-stream' for GET requests", http.StatusBadRequest)
			return
		}
	} else if req.Method == http.MethodPost && (!jsonOK || !streamOK) {
		http.Error(w, "Accept must contain both 'application/json' and 'text/event-stream'", http.StatusBadRequest)
		return
	}

	var session *StreamableServerTransport
	if id := req.Header.Get("Mcp-Session-Id"); id != "" {
		h.mu.Lock()
		session = h.sessions[id]
		h.mu.Unlock()
		if session == nil {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
	}

	if req.Method == http.MethodDelete {
		if session == nil {
			http.Error(w, "DELETE requires an Mcp-Session-Id header", http.StatusBadRequest)
			return
		}
		h.mu.Lock()
		delete(h.sessions, session.id)
		h.mu.Unlock()
		_ = session.Close()
		w.WriteHeader(http.StatusNoContent)
		return
	}

	switch req.Method {
	case http.MethodPost, http.MethodGet:
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		http.Error(w, "unsupported method", http.StatusMethodNotAllowed)
		return
	}

	if session == nil {
		if req.Method != http.MethodPost {
			http.Error(w, "missing Mcp-Session-Id header", http.StatusBadRequest)
			return
		}
		session = NewStreamableServerTransport(randSessionID(), h.store)
		mcp.NewSession(mcp.RoleServer, session, mcp.SessionOptions{
			Handler: h.newHandler(req),
			Logger:  h.logger,
			OnClose: func(error) {
				h.mu.Lock()
				delete(h.sessions, session.id)
				h.mu.Unlock()
				obs.ActiveSessions.WithLabelValues("streamable-http").Dec()
			},
		})
		h.mu.Lock()
		h.sessions[session.id] = session
		h.mu.Unlock()
		obs.ActiveSessions.WithLabelValues("streamable-http").Inc()
	}

	session.ServeHTTP(w, req)
}

// StreamableServerTransport implements mcp.Connection for a single
// streamable-HTTP session (spec §6): inbound messages arrive via POST
// bodies and are delivered to Read; outbound messages (server requests,
// notifications, and responses) are written via Write and routed to
// whichever logical HTTP stream is waiting for them — either the POST
// that caused them, or the long-lived GET stream for anything else.
//
// Outbound messages are durably recorded via an eventlog.Store keyed by
// (session ID, logical stream ID), so a dropped GET connection can
// resume with Last-Event-ID without losing notifications.
type StreamableServerTransport struct {
	id    string
	store eventlog.Store

	incoming chan jsonrpc2.Frame

	nextStreamID atomic.Int64

	mu             sync.Mutex
	closed         bool
	done           chan struct{}
	requestStreams map[string]string            // request id string -> stream id
	streamPending  map[string]map[string]struct{} // stream id -> set of outstanding request id strings
	streamDone     map[string]chan struct{}       // stream id -> closed when all its requests are answered
}

// NewStreamableServerTransport returns a transport for a new session
// identified by sessionID, persisting outbound events in store.
func NewStreamableServerTransport(sessionID string, store eventlog.Store) *StreamableServerTransport {
	return &StreamableServerTransport{
		id:             sessionID,
		store:          store,
		incoming:       make(chan jsonrpc2.Frame, 16),
		done:           make(chan struct{}),
		requestStreams: make(map[string]string),
		streamPending:  make(map[string]map[string]struct{}),
		streamDone:     make(map[string]chan struct{}),
	}
}

// Connect implements mcp.Transport for symmetry with other transports,
// though StreamableHTTPHandler constructs StreamableServerTransport
// directly and never calls it.
func (t *StreamableServerTransport) Connect(context.Context) (mcp.Connection, error) {
	return t, nil
}

func (t *StreamableServerTransport) Read(ctx context.Context) (jsonrpc2.Frame, error) {
	select {
	case f, ok := <-t.incoming:
		if !ok {
			return nil, io.EOF
		}
		return f, nil
	case <-t.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *StreamableServerTransport) Write(ctx context.Context, f jsonrpc2.Frame) error {
	data, err := jsonrpc2.Encode(f)
	if err != nil {
		return err
	}

	streamID := defaultStreamID
	var reqIDStr string
	switch f := f.(type) {
	case *jsonrpc2.Response:
		reqIDStr = f.ID.String()
	case *jsonrpc2.ErrorResponse:
		reqIDStr = f.ID.String()
	}
	if reqIDStr != "" {
		t.mu.Lock()
		if sid, ok := t.requestStreams[reqIDStr]; ok {
			streamID = sid
			delete(t.requestStreams, reqIDStr)
			if pending, ok := t.streamPending[sid]; ok {
				delete(pending, reqIDStr)
				if len(pending) == 0 {
					if done, ok := t.streamDone[sid]; ok {
						close(done)
						delete(t.streamDone, sid)
					}
					delete(t.streamPending, sid)
				}
			}
		}
		t.mu.Unlock()
	}

	_, err = t.store.Append(ctx, t.id, streamID, data)
	return err
}

func (t *StreamableServerTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	close(t.done)
	_ = t.store.Dispose(context.Background(), t.id, defaultStreamID)
	t.store.Forget(context.Background(), t.id, defaultStreamID)
	return nil
}

// ServeHTTP handles a single HTTP request against this session.
func (t *StreamableServerTransport) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		t.serveGET(w, req)
	case http.MethodPost:
		t.servePOST(w, req)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		http.Error(w, "unsupported method", http.StatusMethodNotAllowed)
	}
}

func (t *StreamableServerTransport) serveGET(w http.ResponseWriter, req *http.Request) {
	var afterSeq uint64
	if eid := req.Header.Get("Last-Event-ID"); eid != "" {
		sid, streamID, seq, err := eventlog.DecodeEventID(eid)
		if err != nil || sid != t.id || streamID != defaultStreamID {
			http.Error(w, fmt.Sprintf("malformed Last-Event-ID %q", eid), http.StatusBadRequest)
			return
		}
		afterSeq = seq
	}
	t.streamResponse(w, req, defaultStreamID, afterSeq, nil)
}

func (t *StreamableServerTransport) servePOST(w http.ResponseWriter, req *http.Request) {
	if req.Header.Get("Last-Event-ID") != "" {
		http.Error(w, "can't send Last-Event-ID for POST request", http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if len(body) == 0 {
		http.Error(w, "POST requires a non-empty body", http.StatusBadRequest)
		return
	}
	frame, err := jsonrpc2.Decode(body)
	if err != nil {
		http.Error(w, fmt.Sprintf("malformed payload: %v", err), http.StatusBadRequest)
		return
	}

	streamID := strconv.FormatInt(t.nextStreamID.Add(1), 10)
	done := make(chan struct{})
	if reqFrame, ok := frame.(*jsonrpc2.Request); ok {
		idStr := reqFrame.ID.String()
		t.mu.Lock()
		t.requestStreams[idStr] = streamID
		t.streamPending[streamID] = map[string]struct{}{idStr: {}}
		t.streamDone[streamID] = done
		t.mu.Unlock()
	} else {
		// Notifications have no response to wait for; the POST stream
		// closes as soon as it has been delivered.
		close(done)
	}

	w.Header().Set("Mcp-Session-Id", t.id)
	select {
	case t.incoming <- frame:
	case <-t.done:
		http.Error(w, "session closed", http.StatusGone)
		return
	}

	// Each POST's stream answers exactly one request (or none, for a
	// notification) and is never resumed once done closes, so it is
	// disposed as soon as its response has been written: any reader still
	// subscribed (e.g. a slow client mid-stream) is woken rather than left
	// to block, and the stream is marked completed for Subscribe/Replay
	// callers that arrive afterward.
	go func() {
		select {
		case <-done:
		case <-t.done:
			return
		}
		_ = t.store.Dispose(context.Background(), t.id, streamID)
	}()

	t.streamResponse(w, req, streamID, 0, done)
}

// streamResponse writes an SSE response for streamID starting just after
// afterSeq, until done is closed (all outstanding requests on this stream
// answered), the client disconnects, or the session closes. done == nil
// means "never closes on its own" (the long-lived GET stream).
func (t *StreamableServerTransport) streamResponse(w http.ResponseWriter, req *http.Request, streamID string, afterSeq uint64, done chan struct{}) {
	flusher, _ := w.(http.Flusher)

	w.Header().Set("Mcp-Session-Id", t.id)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if flusher != nil {
		flusher.Flush()
	}

	// A fresh POST stream has no events yet, since the handler goroutine
	// hasn't written a response; Subscribe on an unknown stream returns
	// ErrStreamExpired. Retry briefly rather than treating that as fatal.
	var events <-chan eventlog.Event
	var cancel func()
	var err error
	for {
		events, cancel, err = t.store.Subscribe(req.Context(), t.id, streamID, afterSeq)
		if err == nil {
			break
		}
		if !errors.Is(err, eventlog.ErrStreamExpired) || done == nil {
			return
		}
		select {
		case <-done:
			return
		case <-t.done:
			return
		case <-req.Context().Done():
			return
		case <-time.After(5 * time.Millisecond):
		}
	}
	defer cancel()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			fmt.Fprintf(w, "id: %s\ndata: %s\n\n", ev.ID(), ev.Data)
			if flusher != nil {
				flusher.Flush()
			}
		case <-done:
			return
		case <-t.done:
			return
		case <-req.Context().Done():
			return
		}
	}
}
