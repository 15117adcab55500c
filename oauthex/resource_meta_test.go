// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package oauthex

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestGetProtectedResourceMetadata(t *testing.T) {
	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/oauth-protected-resource", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(&ProtectedResourceMetadata{
			Resource:              srv.URL,
			AuthorizationServers:  []string{"https://as.example.com"},
			ScopesSupported:       []string{"mcp:read"},
		})
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	prm, err := GetProtectedResourceMetadata(context.Background(), ProtectedResourceMetadataURL{
		URL:      srv.URL + "/.well-known/oauth-protected-resource",
		Resource: srv.URL,
	}, srv.Client())
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"mcp:read"}, prm.ScopesSupported); diff != "" {
		t.Errorf("ScopesSupported mismatch (-want +got):\n%s", diff)
	}
}

func TestGetProtectedResourceMetadataResourceMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(&ProtectedResourceMetadata{Resource: "https://wrong.example.com"})
	}))
	defer srv.Close()

	_, err := GetProtectedResourceMetadata(context.Background(), ProtectedResourceMetadataURL{
		URL:      srv.URL,
		Resource: srv.URL,
	}, srv.Client())
	if err == nil {
		t.Fatal("want error for resource mismatch, got nil")
	}
}

func TestParseWWWAuthenticate(t *testing.T) {
	headers := []string{
		`Bearer realm="example", resource_metadata="https://example.com/.well-known/oauth-protected-resource", scope="mcp:read mcp:write"`,
	}
	cs, err := ParseWWWAuthenticate(headers)
	if err != nil {
		t.Fatal(err)
	}
	if len(cs) != 1 {
		t.Fatalf("got %d challenges, want 1", len(cs))
	}
	if cs[0].Scheme != "bearer" {
		t.Errorf("Scheme = %q, want bearer", cs[0].Scheme)
	}
	if g, w := cs[0].Params["realm"], "example"; g != w {
		t.Errorf("realm = %q, want %q", g, w)
	}
	if g, w := ResourceMetadataURL(cs), "https://example.com/.well-known/oauth-protected-resource"; g != w {
		t.Errorf("ResourceMetadataURL = %q, want %q", g, w)
	}
	if diff := cmp.Diff([]string{"mcp:read", "mcp:write"}, Scopes(cs)); diff != "" {
		t.Errorf("Scopes mismatch (-want +got):\n%s", diff)
	}
}

func TestParseWWWAuthenticateMultipleChallenges(t *testing.T) {
	headers := []string{`Basic realm="legacy", Bearer realm="example"`}
	cs, err := ParseWWWAuthenticate(headers)
	if err != nil {
		t.Fatal(err)
	}
	if len(cs) != 2 {
		t.Fatalf("got %d challenges, want 2: %+v", len(cs), cs)
	}
	if cs[0].Scheme != "basic" || cs[1].Scheme != "bearer" {
		t.Errorf("schemes = %q, %q, want basic, bearer", cs[0].Scheme, cs[1].Scheme)
	}
}

func TestRegisterClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %q, want POST", r.Method)
		}
		var md ClientRegistrationMetadata
		if err := json.NewDecoder(r.Body).Decode(&md); err != nil {
			t.Fatal(err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(&ClientRegistrationResponse{
			ClientID:                  "client-123",
			ClientSecret:              "secret-456",
			TokenEndpointAuthMethod:   "client_secret_post",
			ClientRegistrationMetadata: md,
		})
	}))
	defer srv.Close()

	resp, err := RegisterClient(context.Background(), srv.URL, &ClientRegistrationMetadata{
		RedirectURIs: []string{"https://client.example.com/callback"},
	}, srv.Client())
	if err != nil {
		t.Fatal(err)
	}
	if resp.ClientID != "client-123" || resp.ClientSecret != "secret-456" {
		t.Errorf("got %+v, want client-123/secret-456", resp)
	}
}
