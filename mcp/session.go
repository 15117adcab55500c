// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/stephentoub/mcp-sub001/internal/mcpgodebug"
	"github.com/stephentoub/mcp-sub001/jsonrpc2"
)

// frameLogging reports whether MCPGODEBUG=framelog=1 is set, enabling
// verbose logging of every inbound frame a Session dispatches. Off by
// default since it is noisy and may echo request parameters into logs.
var frameLogging = mcpgodebug.Value("framelog") == "1"

// Role distinguishes which side of the handshake a Session plays; it
// governs which party must send "initialize" first.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// SessionOptions configures a Session.
type SessionOptions struct {
	// Handler services inbound requests and notifications. If it also
	// implements Executor, a task-aware caller (package tasks) may drive
	// it asynchronously instead of calling Handle directly.
	Handler Handler

	// Logger receives structured diagnostics for lifecycle transitions,
	// dispatch errors, and best-effort notification delivery failures. If
	// nil, slog.Default() is used.
	Logger *slog.Logger

	// OnClose, if non-nil, is invoked exactly once when the session's
	// connection loop exits, for any reason.
	OnClose func(error)

	// RequestsPerSecond, if positive, bounds the rate at which this
	// session will dispatch inbound requests to Handler, rejecting the
	// excess with ErrRateLimited. This guards a session against a single
	// misbehaving peer that floods requests, independent of the
	// concurrent-dispatch-per-request guarantee that "one goroutine per
	// inbound request" otherwise provides. Zero disables the limit.
	RequestsPerSecond float64

	// RequestBurst bounds the number of requests RequestsPerSecond will
	// admit in a single burst above the steady-state rate. If zero while
	// RequestsPerSecond is positive, it defaults to 1.
	RequestBurst int

	// ID identifies this Session across packages that key state by session
	// (the task coordinator's Task.SessionID, a transport's event-stream
	// store). If empty, a random one is generated. Callers that already
	// have a stable identity for the underlying connection (e.g. the
	// streamable-HTTP "Mcp-Session-Id") should pass it here so every
	// subsystem agrees on the same identity.
	ID string

	// Tasks enables the task coordinator subsystem for this session (spec
	// §4.2): admission of task-augmented requests, the tasks/get,
	// tasks/result, tasks/list, and tasks/cancel methods, and
	// notifications/tasks/status delivery. Nil disables the subsystem
	// entirely; task-augmented requests are then rejected with an
	// InvalidParams error.
	Tasks *TaskOptions
}

// pendingCall is the bookkeeping record for one outgoing request awaiting
// its response.
type pendingCall struct {
	resultCh chan jsonrpc2.Frame
}

// incomingCall is the bookkeeping record for one inbound request currently
// being serviced, enabling cooperative cancellation via
// "notifications/cancelled".
type incomingCall struct {
	cancel context.CancelFunc
}

// progressSink receives progress notifications.Sinks are registered by
// progress token for the lifetime of the outgoing request that created the
// token.
type progressSink func(ProgressNotificationParams)

// Session is the bidirectional JSON-RPC multiplexer shared by a client and
// a server peer (spec §4.1): it owns request/response correlation,
// notification dispatch, progress fan-out, the initialize handshake, and
// cooperative cancellation, independent of which primitives ride on top.
//
// A Session is safe for concurrent use. Handle callbacks may themselves
// call back into the same Session (SendRequest, SendNotification), which
// is why dispatch runs each inbound request on its own goroutine rather
// than serially off the read loop.
type Session struct {
	id     string
	role   Role
	conn   Connection
	logger *slog.Logger
	onClose func(error)

	handler Handler
	limiter *rate.Limiter
	tasks   *TaskOptions

	// initializeMu guards the one-time initialize handshake.
	initializeMu   sync.Mutex
	initialized    bool
	peerClientCaps *ClientCapabilities
	peerServerCaps *ServerCapabilities

	idMu     sync.Mutex
	nextID   atomic.Int64
	pending  map[jsonrpc2.ID]*pendingCall

	incomingMu sync.Mutex
	incoming   map[jsonrpc2.ID]*incomingCall

	progressMu sync.Mutex
	progress   map[string]progressSink

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error

	wg sync.WaitGroup
}

// NewSession wraps conn in a Session and starts its read loop. The caller
// must eventually call Close, directly or by letting the peer close the
// underlying connection (which unblocks Read with io.EOF).
func NewSession(role Role, conn Connection, opts SessionOptions) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id := opts.ID
	if id == "" {
		id = newSessionID()
	}
	s := &Session{
		id:      id,
		role:    role,
		conn:    conn,
		logger:  logger,
		onClose: opts.OnClose,
		handler: opts.Handler,
		tasks:   opts.Tasks,
		pending: make(map[jsonrpc2.ID]*pendingCall),
		incoming: make(map[jsonrpc2.ID]*incomingCall),
		progress: make(map[string]progressSink),
		closed:   make(chan struct{}),
	}
	if opts.RequestsPerSecond > 0 {
		burst := opts.RequestBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	if s.tasks != nil && s.tasks.Registry != nil {
		s.tasks.Registry.Register(s.id, s)
	}
	s.wg.Add(1)
	go s.readLoop()
	return s
}

// ID returns this session's identity (see SessionOptions.ID).
func (s *Session) ID() string { return s.id }

func newSessionID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// IsServer reports whether this session plays the server role.
func (s *Session) IsServer() bool { return s.role == RoleServer }

// PeerClientCapabilities returns the capabilities the client declared
// during initialize, or nil before initialize completes (server role only).
func (s *Session) PeerClientCapabilities() *ClientCapabilities {
	s.initializeMu.Lock()
	defer s.initializeMu.Unlock()
	return s.peerClientCaps.clone()
}

// PeerServerCapabilities returns the capabilities the server declared in
// its initialize result, or nil before initialize completes (client role
// only).
func (s *Session) PeerServerCapabilities() *ServerCapabilities {
	s.initializeMu.Lock()
	defer s.initializeMu.Unlock()
	return s.peerServerCaps.clone()
}

// Done returns a channel closed once the session's connection has shut
// down.
func (s *Session) Done() <-chan struct{} { return s.closed }

// Close shuts down the session's connection. It is safe to call more than
// once; only the first call's error is retained.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
	})
	<-s.closed
	return s.closeErr
}

func (s *Session) readLoop() {
	defer s.wg.Done()
	var loopErr error
	for {
		f, err := s.conn.Read(context.Background())
		if err != nil {
			loopErr = err
			break
		}
		s.dispatch(f)
	}
	s.finishPending(loopErr)
	if s.tasks != nil && s.tasks.Registry != nil {
		s.tasks.Registry.Unregister(s.id)
	}
	close(s.closed)
	if s.onClose != nil {
		s.onClose(loopErr)
	}
}

func (s *Session) finishPending(err error) {
	if err == nil || errors.Is(err, io.EOF) {
		err = ErrSessionClosed
	}
	s.idMu.Lock()
	pending := s.pending
	s.pending = make(map[jsonrpc2.ID]*pendingCall)
	s.idMu.Unlock()
	for _, p := range pending {
		select {
		case p.resultCh <- &jsonrpc2.ErrorResponse{Error: &jsonrpc2.WireError{Code: jsonrpc2.CodeInternalError, Message: err.Error()}}:
		default:
		}
		close(p.resultCh)
	}
}

func (s *Session) dispatch(f jsonrpc2.Frame) {
	if frameLogging {
		s.logger.Debug("mcp: dispatching frame", "type", fmt.Sprintf("%T", f), "frame", f)
	}
	switch f := f.(type) {
	case *jsonrpc2.Response:
		s.deliverResult(f.ID, f)
	case *jsonrpc2.ErrorResponse:
		s.deliverResult(f.ID, f)
	case *jsonrpc2.Notification:
		s.handleNotification(f)
	case *jsonrpc2.Request:
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleRequest(f)
		}()
	}
}

func (s *Session) deliverResult(id jsonrpc2.ID, f jsonrpc2.Frame) {
	s.idMu.Lock()
	p, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.idMu.Unlock()
	if !ok {
		s.logger.Warn("mcp: response for unknown request id", "id", id.String())
		return
	}
	p.resultCh <- f
	close(p.resultCh)
}

func (s *Session) handleNotification(n *jsonrpc2.Notification) {
	switch n.Method {
	case notificationProgress:
		var p ProgressNotificationParams
		if err := jsonrpc2.StrictDecodeParams(n.Params, &p); err != nil {
			s.logger.Warn("mcp: malformed progress notification", "error", err)
			return
		}
		s.deliverProgress(p)
		return
	case notificationCancelled:
		var p CancelledParams
		if err := jsonrpc2.StrictDecodeParams(n.Params, &p); err != nil {
			s.logger.Warn("mcp: malformed cancelled notification", "error", err)
			return
		}
		s.cancelIncoming(p)
		return
	case notificationInitialized:
		s.initializeMu.Lock()
		s.initialized = true
		s.initializeMu.Unlock()
		return
	}
	if s.handler == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx := context.Background()
		if _, err := s.handler.Handle(ctx, &Request{Session: s, Method: n.Method, Params: n.Params, IsNotification: true}); err != nil {
			s.logger.Warn("mcp: notification handler error", "method", n.Method, "error", err)
		}
	}()
}

func (s *Session) cancelIncoming(p CancelledParams) {
	id, err := jsonrpc2.MakeID(p.RequestID)
	if err != nil {
		return
	}
	s.incomingMu.Lock()
	call, ok := s.incoming[id]
	s.incomingMu.Unlock()
	if ok {
		call.cancel()
	}
}

func (s *Session) handleRequest(req *jsonrpc2.Request) {
	ctx, cancel := context.WithCancel(context.Background())
	s.incomingMu.Lock()
	s.incoming[req.ID] = &incomingCall{cancel: cancel}
	s.incomingMu.Unlock()
	defer func() {
		s.incomingMu.Lock()
		delete(s.incoming, req.ID)
		s.incomingMu.Unlock()
		cancel()
	}()

	if req.Method == methodInitialize {
		s.handleInitialize(ctx, req)
		return
	}

	if req.Method != methodPing && s.limiter != nil && !s.limiter.Allow() {
		s.reply(req.ID, nil, jsonrpc2.ErrRateLimited)
		return
	}

	s.initializeMu.Lock()
	initialized := s.initialized
	s.initializeMu.Unlock()
	if !initialized {
		s.reply(req.ID, nil, fmt.Errorf("%w", ErrNotInitialized))
		return
	}

	if req.Method == methodPing {
		s.reply(req.ID, json.RawMessage(`{}`), nil)
		return
	}

	if s.tasks != nil {
		switch req.Method {
		case methodTasksGet, methodTasksResult, methodTasksList, methodTasksCancel:
			result, err := s.handleTasksMethod(ctx, req)
			s.reply(req.ID, result, err)
			return
		}
	}

	// A request carrying a "task" envelope is task-augmented (spec §4.2):
	// admit it as a task instead of running it synchronously, or reject it
	// with InvalidParams if this session has no task store, or the target
	// method doesn't support task-augmented execution.
	if env := extractTaskEnvelope(req.Params); env != nil {
		result, err := s.admitTaskOrFail(ctx, req, env)
		s.reply(req.ID, result, err)
		return
	}

	if s.handler == nil {
		s.reply(req.ID, nil, jsonrpc2.ErrMethodNotFound)
		return
	}
	result, err := s.handler.Handle(ctx, &Request{Session: s, Method: req.Method, Params: req.Params})
	s.reply(req.ID, result, err)
}

func (s *Session) handleInitialize(ctx context.Context, req *jsonrpc2.Request) {
	s.initializeMu.Lock()
	if s.role != RoleServer {
		s.initializeMu.Unlock()
		s.reply(req.ID, nil, fmt.Errorf("%w: client sessions do not accept initialize", jsonrpc2.ErrInvalidRequest))
		return
	}
	if s.initialized {
		s.initializeMu.Unlock()
		s.reply(req.ID, nil, ErrAlreadyInitialized)
		return
	}
	s.initializeMu.Unlock()

	var params InitializeParams
	if err := jsonrpc2.StrictDecodeParams(req.Params, &params); err != nil {
		s.reply(req.ID, nil, err)
		return
	}

	var result *InitializeResult
	var err error
	if s.handler != nil {
		var raw json.RawMessage
		raw, err = s.handler.Handle(ctx, &Request{Session: s, Method: methodInitialize, Params: req.Params})
		if err == nil {
			result = &InitializeResult{}
			err = json.Unmarshal(raw, result)
		}
	} else {
		result = &InitializeResult{ProtocolVersion: params.ProtocolVersion, Capabilities: &ServerCapabilities{}}
	}
	if err != nil {
		s.reply(req.ID, nil, err)
		return
	}

	s.initializeMu.Lock()
	s.peerClientCaps = params.Capabilities.clone()
	s.initialized = true
	s.initializeMu.Unlock()

	data, err := marshalParams(result)
	s.reply(req.ID, data, err)
}

func (s *Session) reply(id jsonrpc2.ID, result json.RawMessage, err error) {
	ctx := context.Background()
	if err != nil {
		_ = s.conn.Write(ctx, &jsonrpc2.ErrorResponse{ID: id, Error: asRPCError(err)})
		return
	}
	if result == nil {
		result = json.RawMessage(`{}`)
	}
	_ = s.conn.Write(ctx, &jsonrpc2.Response{ID: id, Result: result})
}

func (s *Session) newID() jsonrpc2.ID {
	return jsonrpc2.Int64ID(s.nextID.Add(1))
}

// SendRequest issues method with params, blocks until a matching response
// or error response arrives (or ctx is done), and decodes the result into
// result (which may be nil to discard it).
func (s *Session) SendRequest(ctx context.Context, method string, params any, result any) error {
	data, err := marshalParams(params)
	if err != nil {
		return err
	}
	id := s.newID()
	call := &pendingCall{resultCh: make(chan jsonrpc2.Frame, 1)}
	s.idMu.Lock()
	s.pending[id] = call
	s.idMu.Unlock()

	if err := s.conn.Write(ctx, &jsonrpc2.Request{ID: id, Method: method, Params: data}); err != nil {
		s.idMu.Lock()
		delete(s.pending, id)
		s.idMu.Unlock()
		return err
	}

	select {
	case <-ctx.Done():
		// Best-effort cooperative cancellation: tell the peer, but don't
		// block waiting for it to notice. A deadline expiring and an
		// explicit Context cancellation are distinguished both in the
		// reason given to the peer and in the sentinel returned to our own
		// caller, so the two are never confused in logs or error handling.
		reason := "cancelled"
		sentinel := jsonrpc2.ErrCancelled
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			reason = "timeout"
			sentinel = jsonrpc2.ErrTimeout
		}
		_ = s.conn.Write(context.Background(), &jsonrpc2.Notification{
			Method: notificationCancelled,
			Params: mustMarshal(CancelledParams{RequestID: id.Raw(), Reason: reason}),
		})
		s.idMu.Lock()
		delete(s.pending, id)
		s.idMu.Unlock()
		return sentinel
	case f := <-call.resultCh:
		switch f := f.(type) {
		case *jsonrpc2.Response:
			if method == methodInitialize && s.role == RoleClient {
				s.recordClientInitialized(f.Result)
			}
			if result == nil || f.Result == nil {
				return nil
			}
			return json.Unmarshal(f.Result, result)
		case *jsonrpc2.ErrorResponse:
			return f.Error
		default:
			return fmt.Errorf("mcp: unexpected frame type %T for response", f)
		}
	}
}

// recordClientInitialized marks a client-role Session initialized once its
// own "initialize" request has succeeded, mirroring the gate a server-role
// Session applies after handleInitialize: a client must complete its own
// handshake before it accepts inbound requests from its peer, just as a
// server must. raw is best-effort decoded for the server's capabilities;
// a decode failure still marks the session initialized, since the
// handshake itself succeeded.
func (s *Session) recordClientInitialized(raw json.RawMessage) {
	var result InitializeResult
	_ = json.Unmarshal(raw, &result)
	s.initializeMu.Lock()
	s.peerServerCaps = result.Capabilities.clone()
	s.initialized = true
	s.initializeMu.Unlock()
}

// SendNotification sends a fire-and-forget notification.
func (s *Session) SendNotification(ctx context.Context, method string, params any) error {
	data, err := marshalParams(params)
	if err != nil {
		return err
	}
	return s.conn.Write(ctx, &jsonrpc2.Notification{Method: method, Params: data})
}

// NotifyProgress sends a "notifications/progress" notification for token.
// It is a no-op (returning nil) if token is nil, since progress was not
// requested for the associated call.
func (s *Session) NotifyProgress(ctx context.Context, token ProgressToken, progress, total float64, message string) error {
	if token == nil {
		return nil
	}
	return s.SendNotification(ctx, notificationProgress, ProgressNotificationParams{
		ProgressToken: token,
		Progress:      progress,
		Total:         total,
		Message:       message,
	})
}

// deliverProgress fans a progress notification out to whichever sink
// registered interest in its token, if any; unmatched progress notifications
// are dropped, since the originating call may have already completed.
func (s *Session) deliverProgress(p ProgressNotificationParams) {
	key := fmt.Sprintf("%v", p.ProgressToken)
	s.progressMu.Lock()
	sink, ok := s.progress[key]
	s.progressMu.Unlock()
	if ok {
		sink(p)
	}
}

// WatchProgress registers sink to receive progress notifications for
// token until the returned cancel func is called. Use this around a
// SendRequest call that set token as its progress token.
func (s *Session) WatchProgress(token ProgressToken, sink func(ProgressNotificationParams)) (cancelFunc func()) {
	key := fmt.Sprintf("%v", token)
	s.progressMu.Lock()
	s.progress[key] = sink
	s.progressMu.Unlock()
	return func() {
		s.progressMu.Lock()
		delete(s.progress, key)
		s.progressMu.Unlock()
	}
}

// CancelRequest requests cancellation of the inbound request identified by
// id, running its handler's context cancellation. It returns
// ErrUnknownRequest if no such request is currently being serviced.
func (s *Session) CancelRequest(id jsonrpc2.ID) error {
	s.incomingMu.Lock()
	call, ok := s.incoming[id]
	s.incomingMu.Unlock()
	if !ok {
		return ErrUnknownRequest
	}
	call.cancel()
	return nil
}

// RequireClientCapability returns a *CapabilityError if the peer client did
// not declare the named capability during initialize. Used by handlers that
// need optional client features (sampling, elicitation, roots).
func (s *Session) RequireClientCapability(method, name string, present func(*ClientCapabilities) bool) error {
	caps := s.PeerClientCapabilities()
	if caps == nil || !present(caps) {
		return &CapabilityError{Method: method, Capability: name}
	}
	return nil
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
