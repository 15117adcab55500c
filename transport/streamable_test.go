// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/stephentoub/mcp-sub001/auth"
	"github.com/stephentoub/mcp-sub001/mcp"
)

type echoHandler struct{}

func (echoHandler) Handle(ctx context.Context, req *mcp.Request) (json.RawMessage, error) {
	switch req.Method {
	case "initialize":
		return json.Marshal(&mcp.InitializeResult{
			ProtocolVersion: "2025-06-18",
			Capabilities:    &mcp.ServerCapabilities{},
			ServerInfo:      &mcp.Implementation{Name: "test", Version: "0.0.1"},
		})
	case "echo":
		return req.Params, nil
	}
	return nil, nil
}

func TestStreamableHTTPRoundTrip(t *testing.T) {
	h := NewStreamableHTTPHandler(func(*http.Request) mcp.Handler { return echoHandler{} }, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()
	defer h.CloseAll()

	clientTransport := NewStreamableClientTransport(srv.URL, nil)
	clientConn, err := clientTransport.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	client := mcp.NewSession(mcp.RoleClient, clientConn, mcp.SessionOptions{})
	defer client.Close()

	var initResult mcp.InitializeResult
	if err := client.SendRequest(context.Background(), "initialize", &mcp.InitializeParams{
		ProtocolVersion: "2025-06-18",
		Capabilities:    &mcp.ClientCapabilities{},
		ClientInfo:      &mcp.Implementation{Name: "test-client", Version: "0.0.1"},
	}, &initResult); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if initResult.ServerInfo == nil || initResult.ServerInfo.Name != "test" {
		t.Errorf("initialize result = %+v, want ServerInfo.Name=test", initResult)
	}

	var echoed map[string]string
	if err := client.SendRequest(context.Background(), "echo", map[string]string{"hello": "world"}, &echoed); err != nil {
		t.Fatalf("echo: %v", err)
	}
	if echoed["hello"] != "world" {
		t.Errorf("echo = %+v, want hello=world", echoed)
	}
}

func TestStreamableHTTPRejectsUnknownSession(t *testing.T) {
	h := NewStreamableHTTPHandler(func(*http.Request) mcp.Handler { return echoHandler{} }, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()
	defer h.CloseAll()

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Mcp-Session-Id", "does-not-exist")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

// requireBearerMiddleware answers every request 401 with a WWW-Authenticate
// challenge until it sees the expected bearer token, simulating a resource
// server that requires MCP authorization.
func requireBearerMiddleware(next http.Handler, wantToken string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+wantToken {
			w.Header().Set("WWW-Authenticate", `Bearer realm="mcp", error="invalid_token"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func TestStreamableClientRetriesAfterAuthorize(t *testing.T) {
	h := NewStreamableHTTPHandler(func(*http.Request) mcp.Handler { return echoHandler{} }, nil)
	srv := httptest.NewServer(requireBearerMiddleware(h, "good-token"))
	defer srv.Close()
	defer h.CloseAll()

	fake := &auth.FakeOAuthHandler{Token: &oauth2.Token{AccessToken: "good-token", TokenType: "Bearer"}}
	clientTransport := NewStreamableClientTransport(srv.URL, &StreamableClientTransportOptions{
		OAuthHandler: fake,
	})
	clientConn, err := clientTransport.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	client := mcp.NewSession(mcp.RoleClient, clientConn, mcp.SessionOptions{})
	defer client.Close()

	var initResult mcp.InitializeResult
	if err := client.SendRequest(context.Background(), "initialize", &mcp.InitializeParams{
		ProtocolVersion: "2025-06-18",
		Capabilities:    &mcp.ClientCapabilities{},
		ClientInfo:      &mcp.Implementation{Name: "test-client", Version: "0.0.1"},
	}, &initResult); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if initResult.ServerInfo == nil || initResult.ServerInfo.Name != "test" {
		t.Errorf("initialize result = %+v, want ServerInfo.Name=test", initResult)
	}
}

func TestStreamableClientSurfacesAuthorizeFailure(t *testing.T) {
	h := NewStreamableHTTPHandler(func(*http.Request) mcp.Handler { return echoHandler{} }, nil)
	srv := httptest.NewServer(requireBearerMiddleware(h, "good-token"))
	defer srv.Close()
	defer h.CloseAll()

	fake := &auth.FakeOAuthHandler{AuthorizeErr: auth.ErrRedirected}
	clientTransport := NewStreamableClientTransport(srv.URL, &StreamableClientTransportOptions{
		OAuthHandler: fake,
	})
	clientConn, err := clientTransport.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	client := mcp.NewSession(mcp.RoleClient, clientConn, mcp.SessionOptions{})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = client.SendRequest(ctx, "initialize", &mcp.InitializeParams{
		ProtocolVersion: "2025-06-18",
		Capabilities:    &mcp.ClientCapabilities{},
		ClientInfo:      &mcp.Implementation{Name: "test-client", Version: "0.0.1"},
	}, nil)
	if err == nil {
		t.Fatal("expected initialize to fail when Authorize fails")
	}
}
