// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stephentoub/mcp-sub001/jsonrpc2"
)

// pipeConn is an in-memory Connection used to wire two Sessions together in
// tests without a real transport, client and server sessions connected
// over a pair of buffered frame channels.
type pipeConn struct {
	out chan jsonrpc2.Frame
	in  chan jsonrpc2.Frame

	closeOnce sync.Once
	closed    chan struct{}
}

func newPipe() (a, b *pipeConn) {
	c1 := make(chan jsonrpc2.Frame, 64)
	c2 := make(chan jsonrpc2.Frame, 64)
	closed := make(chan struct{})
	a = &pipeConn{out: c1, in: c2, closed: closed}
	b = &pipeConn{out: c2, in: c1, closed: closed}
	return a, b
}

func (p *pipeConn) Read(ctx context.Context) (jsonrpc2.Frame, error) {
	select {
	case f, ok := <-p.in:
		if !ok {
			return nil, io.EOF
		}
		return f, nil
	case <-p.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeConn) Write(ctx context.Context, f jsonrpc2.Frame) error {
	select {
	case p.out <- f:
		return nil
	case <-p.closed:
		return io.EOF
	}
}

func (p *pipeConn) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

type echoHandler struct{}

func (echoHandler) Handle(ctx context.Context, req *Request) (json.RawMessage, error) {
	switch req.Method {
	case methodInitialize:
		res := &InitializeResult{
			ProtocolVersion: "2025-06-18",
			Capabilities:    &ServerCapabilities{},
			ServerInfo:      &Implementation{Name: "test-server", Version: "0.0.0"},
		}
		return json.Marshal(res)
	case "echo":
		return req.Params, nil
	}
	return nil, jsonrpc2.ErrMethodNotFound
}

func TestSessionInitializeHandshake(t *testing.T) {
	a, b := newPipe()
	server := NewSession(RoleServer, a, SessionOptions{Handler: echoHandler{}})
	client := NewSession(RoleClient, b, SessionOptions{})
	defer server.Close()
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var result InitializeResult
	err := client.SendRequest(ctx, methodInitialize, &InitializeParams{
		ProtocolVersion: "2025-06-18",
		Capabilities:    &ClientCapabilities{},
		ClientInfo:      &Implementation{Name: "test-client", Version: "0.0.0"},
	}, &result)
	if err != nil {
		t.Fatalf("SendRequest(initialize): %v", err)
	}
	if result.ServerInfo == nil || result.ServerInfo.Name != "test-server" {
		t.Errorf("unexpected initialize result: %+v", result)
	}
}

func TestSessionRejectsRequestBeforeInitialize(t *testing.T) {
	a, b := newPipe()
	server := NewSession(RoleServer, a, SessionOptions{Handler: echoHandler{}})
	client := NewSession(RoleClient, b, SessionOptions{})
	defer server.Close()
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := client.SendRequest(ctx, "echo", json.RawMessage(`{"x":1}`), nil)
	if err == nil {
		t.Fatal("expected error sending a request before initialize")
	}
}

func TestSessionEchoAfterInitialize(t *testing.T) {
	a, b := newPipe()
	server := NewSession(RoleServer, a, SessionOptions{Handler: echoHandler{}})
	client := NewSession(RoleClient, b, SessionOptions{})
	defer server.Close()
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.SendRequest(ctx, methodInitialize, &InitializeParams{
		ProtocolVersion: "2025-06-18",
		Capabilities:    &ClientCapabilities{},
		ClientInfo:      &Implementation{Name: "c", Version: "0"},
	}, nil); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	want := json.RawMessage(`{"x":1}`)
	var got json.RawMessage
	if err := client.SendRequest(ctx, "echo", json.RawMessage(`{"x":1}`), &got); err != nil {
		t.Fatalf("SendRequest(echo): %v", err)
	}
	if diff := cmp.Diff(string(want), string(got)); diff != "" {
		t.Errorf("echo result mismatch (-want +got):\n%s", diff)
	}
}

func TestNotifyProgressFansOutToWatcher(t *testing.T) {
	a, b := newPipe()
	server := NewSession(RoleServer, a, SessionOptions{})
	client := NewSession(RoleClient, b, SessionOptions{})
	defer server.Close()
	defer client.Close()

	got := make(chan ProgressNotificationParams, 1)
	cancel := client.WatchProgress("tok-1", func(p ProgressNotificationParams) {
		got <- p
	})
	defer cancel()

	ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()
	if err := server.NotifyProgress(ctx, "tok-1", 1, 10, "working"); err != nil {
		t.Fatalf("NotifyProgress: %v", err)
	}

	select {
	case p := <-got:
		if p.Progress != 1 || p.Total != 10 {
			t.Errorf("unexpected progress payload: %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for progress notification")
	}
}

func TestSessionRequestsPerSecondRejectsExcess(t *testing.T) {
	a, b := newPipe()
	server := NewSession(RoleServer, a, SessionOptions{
		Handler:           echoHandler{},
		RequestsPerSecond: 1,
		RequestBurst:      1,
	})
	client := NewSession(RoleClient, b, SessionOptions{})
	defer server.Close()
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.SendRequest(ctx, methodInitialize, &InitializeParams{
		ProtocolVersion: "2025-06-18",
		Capabilities:    &ClientCapabilities{},
		ClientInfo:      &Implementation{Name: "c", Version: "0"},
	}, nil); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	var got json.RawMessage
	if err := client.SendRequest(ctx, "echo", json.RawMessage(`{"x":1}`), &got); err != nil {
		t.Fatalf("first echo (within burst): %v", err)
	}

	err := client.SendRequest(ctx, "echo", json.RawMessage(`{"x":2}`), &got)
	if err == nil {
		t.Fatal("expected second immediate echo to be rate limited")
	}
	var werr *jsonrpc2.WireError
	if !errors.As(err, &werr) || werr.Code != jsonrpc2.CodeRateLimited {
		t.Errorf("got error %v, want a WireError with code %d", err, jsonrpc2.CodeRateLimited)
	}
}

// hangHandler answers initialize normally but blocks "hang" until its
// context is cancelled, so tests can force SendRequest's ctx.Done() path.
type hangHandler struct{}

func (hangHandler) Handle(ctx context.Context, req *Request) (json.RawMessage, error) {
	switch req.Method {
	case methodInitialize:
		return echoHandler{}.Handle(ctx, req)
	case "hang":
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return nil, jsonrpc2.ErrMethodNotFound
}

func initializedPipe(t *testing.T, serverOpts SessionOptions) (server, client *Session) {
	t.Helper()
	a, b := newPipe()
	server = NewSession(RoleServer, a, serverOpts)
	client = NewSession(RoleClient, b, SessionOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.SendRequest(ctx, methodInitialize, &InitializeParams{
		ProtocolVersion: "2025-06-18",
		Capabilities:    &ClientCapabilities{},
		ClientInfo:      &Implementation{Name: "c", Version: "0"},
	}, nil); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return server, client
}

func TestSendRequestCancelledReturnsErrCancelled(t *testing.T) {
	server, client := initializedPipe(t, SessionOptions{Handler: hangHandler{}})
	defer server.Close()
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := client.SendRequest(ctx, "hang", json.RawMessage(`{}`), nil)
	if !errors.Is(err, jsonrpc2.ErrCancelled) {
		t.Fatalf("SendRequest error = %v, want jsonrpc2.ErrCancelled", err)
	}
}

func TestSendRequestTimeoutReturnsErrTimeout(t *testing.T) {
	server, client := initializedPipe(t, SessionOptions{Handler: hangHandler{}})
	defer server.Close()
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := client.SendRequest(ctx, "hang", json.RawMessage(`{}`), nil)
	if !errors.Is(err, jsonrpc2.ErrTimeout) {
		t.Fatalf("SendRequest error = %v, want jsonrpc2.ErrTimeout", err)
	}
}
