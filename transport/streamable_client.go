// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/oauth2"

	"github.com/stephentoub/mcp-sub001/auth"
	"github.com/stephentoub/mcp-sub001/jsonrpc2"
	"github.com/stephentoub/mcp-sub001/mcp"
)

// StreamableClientTransportOptions configures a StreamableClientTransport.
type StreamableClientTransportOptions struct {
	// HTTPClient is the client used for requests. If nil, http.DefaultClient
	// is used.
	HTTPClient *http.Client

	// MaxRetries bounds how many times a POST or the hanging GET is
	// retried after a transient failure. Zero means no retries.
	MaxRetries int

	// InitialBackoff is the delay before the first retry; later retries
	// back off exponentially with jitter, capped at 30s. Zero defaults to
	// one second.
	InitialBackoff time.Duration

	// OAuthHandler, if set, is consulted whenever a POST or the hanging GET
	// comes back 401 Unauthorized or 403 Forbidden: its Authorize method is
	// given the failing request/response pair to run the MCP OAuth
	// challenge flow (spec's authorization extension), and on success the
	// request is retried once with a bearer token from the resulting
	// TokenSource attached. A nil OAuthHandler leaves such responses
	// unhandled, surfaced to the caller as a plain *httpStatusError.
	OAuthHandler auth.OAuthHandler
}

// StreamableClientTransport is the client side of spec §6's streamable HTTP
// transport: outbound messages are POSTed to url with the session's
// "Mcp-Session-Id" header attached once known, and inbound messages (server
// requests, notifications, and POST responses delivered as SSE) arrive over
// a self-healing hanging GET that resumes with "Last-Event-ID".
type StreamableClientTransport struct {
	url  string
	opts StreamableClientTransportOptions
}

// NewStreamableClientTransport returns a transport that connects to the
// streamable HTTP endpoint at url.
func NewStreamableClientTransport(url string, opts *StreamableClientTransportOptions) *StreamableClientTransport {
	t := &StreamableClientTransport{url: url}
	if opts != nil {
		t.opts = *opts
	}
	if t.opts.InitialBackoff == 0 {
		t.opts.InitialBackoff = time.Second
	}
	return t
}

func (t *StreamableClientTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	client := t.opts.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	conn := &streamableClientConn{
		url:            t.url,
		client:         client,
		incoming:       make(chan []byte, 100),
		done:           make(chan struct{}),
		pendingFrames:  make(chan jsonrpc2.Frame, 100),
		maxRetries:     t.opts.MaxRetries,
		initialBackoff: t.opts.InitialBackoff,
		randSource:     rand.New(rand.NewSource(time.Now().UnixNano())),
		oauthHandler:   t.opts.OAuthHandler,
	}
	conn.sessionID.Store("")
	go conn.startMessageWriter()
	go conn.startEventStreamReceiver()
	return conn, nil
}

type streamableClientConn struct {
	url      string
	client   *http.Client
	incoming chan []byte

	sessionID atomic.Value // string

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	mu          sync.Mutex
	lastEventID string
	err         error

	pendingFrames chan jsonrpc2.Frame

	maxRetries     int
	initialBackoff time.Duration
	randSource     *rand.Rand

	cancelHangingGet context.CancelFunc

	oauthHandler auth.OAuthHandler
	authMu       sync.Mutex // guards tokenSource
	tokenSource  oauth2.TokenSource
}

// applyAuth attaches a bearer token to req if a token source has already
// been obtained from a prior Authorize call.
func (s *streamableClientConn) applyAuth(ctx context.Context, req *http.Request) {
	s.authMu.Lock()
	ts := s.tokenSource
	s.authMu.Unlock()
	if ts == nil {
		return
	}
	tok, err := ts.Token()
	if err != nil {
		return
	}
	tok.SetAuthHeader(req)
}

// authorizeAndRetry runs s.oauthHandler's challenge flow against the
// request/response pair that triggered a 401/403, and on success returns a
// freshly authorized clone of req with the same body (rebuilt from
// bodyBytes, since the original body has already been consumed), ready to
// be retried. It returns ErrRedirected unchanged when the flow paused for
// out-of-band user interaction — that is not something worth retrying in a
// tight loop, unlike a transient network error.
func (s *streamableClientConn) authorizeAndRetry(ctx context.Context, req *http.Request, resp *http.Response, bodyBytes []byte) (*http.Request, error) {
	if s.oauthHandler == nil {
		return nil, nil
	}
	if err := s.oauthHandler.Authorize(ctx, req, resp); err != nil {
		return nil, err
	}
	ts, err := s.oauthHandler.TokenSource(ctx)
	if err != nil {
		return nil, fmt.Errorf("oauth: TokenSource after Authorize: %w", err)
	}
	s.authMu.Lock()
	s.tokenSource = ts
	s.authMu.Unlock()

	retry := req.Clone(ctx)
	if bodyBytes != nil {
		retry.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	}
	s.applyAuth(ctx, retry)
	return retry, nil
}

// needsAuthorize reports whether status is one the MCP authorization
// extension treats as a trigger to run the OAuth challenge flow.
func needsAuthorize(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

// SessionID returns the server-assigned session ID, or "" before the first
// successful POST completes.
func (s *streamableClientConn) SessionID() string {
	return s.sessionID.Load().(string)
}

func (s *streamableClientConn) Read(ctx context.Context) (jsonrpc2.Frame, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	case data := <-s.incoming:
		return jsonrpc2.Decode(data)
	}
}

func (s *streamableClientConn) Write(ctx context.Context, f jsonrpc2.Frame) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.err != nil {
			return s.err
		}
		return io.EOF
	case s.pendingFrames <- f:
		return nil
	}
}

func (s *streamableClientConn) startMessageWriter() {
	for {
		select {
		case <-s.done:
			return
		case f := <-s.pendingFrames:
			ctx, cancel := context.WithCancel(context.Background())
			go func(f jsonrpc2.Frame) {
				defer cancel()
				currentSessionID := s.sessionID.Load().(string)
				var lastErr error
				for i := 0; i <= s.maxRetries; i++ {
					select {
					case <-s.done:
						return
					case <-ctx.Done():
						return
					default:
					}

					gotSessionID, sendErr := s.postMessage(ctx, currentSessionID, f)
					if sendErr == nil {
						if currentSessionID == "" && gotSessionID != "" {
							s.sessionID.Store(gotSessionID)
						}
						return
					}

					lastErr = sendErr
					if !isRetryable(sendErr) || i == s.maxRetries {
						break
					}
					if !s.sleepBackoff(ctx, i) {
						return
					}
				}
				s.mu.Lock()
				s.err = fmt.Errorf("failed to send message after %d retries: %w", s.maxRetries, lastErr)
				s.mu.Unlock()
				s.Close()
			}(f)
		}
	}
}

func (s *streamableClientConn) sleepBackoff(ctx context.Context, attempt int) bool {
	backoff := s.initialBackoff * time.Duration(1<<uint(attempt))
	if backoff > 30*time.Second {
		backoff = 30 * time.Second
	}
	jitter := time.Duration(s.randSource.Int63n(int64(backoff/2) + 1))
	select {
	case <-ctx.Done():
		return false
	case <-time.After(backoff + jitter):
		return true
	}
}

func (s *streamableClientConn) postMessage(ctx context.Context, currentSessionID string, f jsonrpc2.Frame) (string, error) {
	data, err := jsonrpc2.Encode(f)
	if err != nil {
		return "", fmt.Errorf("failed to encode message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to create POST request: %w", err)
	}
	if currentSessionID != "" {
		req.Header.Set("Mcp-Session-Id", currentSessionID)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	s.applyAuth(ctx, req)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("POST request failed: %w", err)
	}

	if needsAuthorize(resp.StatusCode) {
		retry, authErr := s.authorizeAndRetry(ctx, req, resp, data)
		if authErr != nil {
			return "", authErr
		}
		if retry != nil {
			resp, err = s.client.Do(retry)
			if err != nil {
				return "", fmt.Errorf("POST retry after authorize failed: %w", err)
			}
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return "", &httpStatusError{StatusCode: resp.StatusCode, Err: fmt.Errorf("POST returned %d %s: %s", resp.StatusCode, resp.Status, strings.TrimSpace(string(body)))}
	}

	newSessionID := resp.Header.Get("Mcp-Session-Id")
	if currentSessionID == "" && newSessionID == "" {
		resp.Body.Close()
		return "", errors.New("initial POST did not return an Mcp-Session-Id")
	}
	if newSessionID == "" {
		newSessionID = currentSessionID
	}

	if resp.Header.Get("Content-Type") == "text/event-stream" {
		go s.handleSSE(resp)
	} else {
		resp.Body.Close()
	}
	return newSessionID, nil
}

func (s *streamableClientConn) startEventStreamReceiver() {
	backoff := s.initialBackoff
	retries := 0
	for {
		select {
		case <-s.done:
			return
		default:
		}

		sessionID := s.sessionID.Load().(string)
		if sessionID == "" {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		ctx, cancel := context.WithCancel(context.Background())
		s.mu.Lock()
		s.cancelHangingGet = cancel
		lastEventID := s.lastEventID
		s.mu.Unlock()

		err := s.performHangingGet(ctx, sessionID, lastEventID)

		s.mu.Lock()
		s.cancelHangingGet = nil
		s.mu.Unlock()
		cancel()

		if err == nil {
			retries = 0
			backoff = s.initialBackoff
			continue
		}

		if retries >= s.maxRetries {
			s.mu.Lock()
			s.err = fmt.Errorf("failed to maintain SSE connection after %d retries: %w", s.maxRetries, err)
			s.mu.Unlock()
			s.Close()
			return
		}

		delay := backoff + time.Duration(s.randSource.Int63n(int64(backoff/2)+1))
		select {
		case <-s.done:
			return
		case <-time.After(delay):
			retries++
			backoff *= 2
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
		}
	}
}

func (s *streamableClientConn) performHangingGet(ctx context.Context, sessionID, lastEventID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return fmt.Errorf("failed to create GET request: %w", err)
	}
	req.Header.Set("Mcp-Session-Id", sessionID)
	req.Header.Set("Accept", "text/event-stream")
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	s.applyAuth(ctx, req)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("GET request failed: %w", err)
	}

	if needsAuthorize(resp.StatusCode) {
		retry, authErr := s.authorizeAndRetry(ctx, req, resp, nil)
		if authErr != nil {
			return authErr
		}
		if retry != nil {
			resp, err = s.client.Do(retry)
			if err != nil {
				return fmt.Errorf("GET retry after authorize failed: %w", err)
			}
		}
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return &httpStatusError{StatusCode: resp.StatusCode, Err: fmt.Errorf("GET returned %d %s: %s", resp.StatusCode, resp.Status, strings.TrimSpace(string(body)))}
	}
	return s.handleSSE(resp)
}

func (s *streamableClientConn) handleSSE(resp *http.Response) error {
	defer resp.Body.Close()
	br := bufio.NewReader(resp.Body)
	for {
		evt, err := scanEvent(br)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("error scanning SSE events: %w", err)
		}
		if evt.id != "" {
			s.mu.Lock()
			s.lastEventID = evt.id
			s.mu.Unlock()
		}
		if len(evt.data) == 0 {
			continue
		}
		select {
		case s.incoming <- evt.data:
		case <-s.done:
			return io.EOF
		}
	}
}

// isRetryable reports whether err indicates a transient condition worth
// retrying: 408/425/429/500/502/503/504 HTTP statuses, or a timed-out
// network error.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var httpErr *httpStatusError
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode {
		case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests,
			http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		default:
			return false
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

func (s *streamableClientConn) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		if s.cancelHangingGet != nil {
			s.cancelHangingGet()
		}
		s.mu.Unlock()

		if s.sessionID.Load().(string) != "" {
			req, err := http.NewRequest(http.MethodDelete, s.url, nil)
			if err == nil {
				req.Header.Set("Mcp-Session-Id", s.sessionID.Load().(string))
				resp, derr := s.client.Do(req)
				if derr == nil {
					resp.Body.Close()
				}
			}
		}
	})
	return s.closeErr
}

// httpStatusError wraps a failed HTTP response with its status code, so
// isRetryable can switch on it via errors.As.
type httpStatusError struct {
	StatusCode int
	Err        error
}

func (e *httpStatusError) Error() string { return e.Err.Error() }
func (e *httpStatusError) Unwrap() error { return e.Err }

// sseEvent is one parsed "id:"/"data:" pair from an SSE stream.
type sseEvent struct {
	id   string
	data []byte
}

// scanEvent reads a single SSE event (a block of lines terminated by a
// blank line) from r. It returns io.EOF once the stream is exhausted with
// no further event pending.
func scanEvent(br *bufio.Reader) (sseEvent, error) {
	var evt sseEvent
	var data bytes.Buffer
	sawAny := false
	for {
		line, err := br.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if sawAny {
				evt.data = data.Bytes()
				return evt, nil
			}
			if err != nil {
				return sseEvent{}, err
			}
			continue
		}
		sawAny = true
		switch {
		case strings.HasPrefix(line, "id:"):
			evt.id = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		case strings.HasPrefix(line, ":"):
			// comment/keepalive line, ignore
		}
		if err != nil {
			if sawAny {
				evt.data = data.Bytes()
				return evt, nil
			}
			return sseEvent{}, err
		}
	}
}
