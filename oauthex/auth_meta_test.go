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

func TestAuthMetaParse(t *testing.T) {
	const doc = `{
		"issuer": "https://auth.example.com",
		"authorization_endpoint": "https://auth.example.com/authorize",
		"token_endpoint": "https://auth.example.com/token",
		"registration_endpoint": "https://auth.example.com/register",
		"code_challenge_methods_supported": ["S256"]
	}`
	var a AuthServerMeta
	if err := json.Unmarshal([]byte(doc), &a); err != nil {
		t.Fatal(err)
	}
	if g, w := a.Issuer, "https://auth.example.com"; g != w {
		t.Errorf("Issuer = %q, want %q", g, w)
	}
	if diff := cmp.Diff([]string{"S256"}, a.CodeChallengeMethodsSupported); diff != "" {
		t.Errorf("CodeChallengeMethodsSupported mismatch (-want +got):\n%s", diff)
	}
}

func TestGetAuthServerMetaDiscovery(t *testing.T) {
	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/oauth-authorization-server", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(&AuthServerMeta{
			Issuer:                srv.URL,
			AuthorizationEndpoint: srv.URL + "/authorize",
			TokenEndpoint:         srv.URL + "/token",
		})
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	want := &AuthServerMeta{
		Issuer:                srv.URL,
		AuthorizationEndpoint: srv.URL + "/authorize",
		TokenEndpoint:         srv.URL + "/token",
	}
	meta, err := GetAuthServerMeta(context.Background(), srv.URL, srv.Client())
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, meta); diff != "" {
		t.Errorf("GetAuthServerMeta mismatch (-want +got):\n%s", diff)
	}
}

func TestGetAuthServerMetaNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	meta, err := GetAuthServerMeta(context.Background(), srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("GetAuthServerMeta: %v", err)
	}
	if meta != nil {
		t.Errorf("GetAuthServerMeta = %+v, want nil", meta)
	}
}
