// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/stephentoub/mcp-sub001/internal/obs"
)

// ErrInvalidToken is returned by a TokenVerifier when the presented token is
// malformed, unknown, or otherwise unacceptable.
var ErrInvalidToken = errors.New("invalid token")

// ErrOAuth is returned by a TokenVerifier when the token could not be
// verified due to an error talking to the authorization server, distinct
// from the token itself being invalid.
var ErrOAuth = errors.New("oauth error")

// TokenInfo describes a verified bearer token.
type TokenInfo struct {
	Scopes     []string
	Expiration time.Time
	Subject    string
	Extra      map[string]any
}

// TokenVerifier validates the bearer token extracted from an incoming
// request's Authorization header. The request is provided so a verifier can
// consult other request details (e.g. the resource indicator) if needed.
type TokenVerifier func(ctx context.Context, token string, req *http.Request) (*TokenInfo, error)

// RequireBearerTokenOptions configures [RequireBearerToken].
type RequireBearerTokenOptions struct {
	// Scopes, if non-empty, lists the scopes a token must carry for the
	// request to be allowed through.
	Scopes []string

	// ResourceMetadataURL, if set, is advertised in the WWW-Authenticate
	// challenge on 401/403 responses, per RFC 9728.
	ResourceMetadataURL string
}

type tokenInfoContextKey struct{}

// TokenInfoFromContext returns the TokenInfo attached by RequireBearerToken,
// if any.
func TokenInfoFromContext(ctx context.Context) (*TokenInfo, bool) {
	info, ok := ctx.Value(tokenInfoContextKey{}).(*TokenInfo)
	return info, ok
}

// verify extracts and validates the bearer token from req, returning the
// verified TokenInfo on success, or a human-readable message and HTTP status
// code describing the failure.
func verify(req *http.Request, verifier TokenVerifier, opts *RequireBearerTokenOptions) (*TokenInfo, string, int) {
	auth := req.Header.Get("Authorization")
	const prefix = "bearer "
	if len(auth) < len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return nil, "no bearer token", http.StatusUnauthorized
	}
	token := auth[len(prefix):]

	info, err := verifier(req.Context(), token, req)
	if err != nil {
		if errors.Is(err, ErrOAuth) {
			return nil, "oauth error", http.StatusBadRequest
		}
		return nil, "invalid token", http.StatusUnauthorized
	}

	if info.Expiration.IsZero() {
		return nil, "token missing expiration", http.StatusUnauthorized
	}
	if time.Now().After(info.Expiration) {
		return nil, "token expired", http.StatusUnauthorized
	}

	if opts != nil {
		for _, want := range opts.Scopes {
			if !containsString(info.Scopes, want) {
				return nil, "insufficient scope", http.StatusForbidden
			}
		}
	}

	return info, "", 0
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// RequireBearerToken returns HTTP middleware that verifies the Authorization
// header of each request using verifier, rejecting requests with no token,
// an invalid or expired token, or insufficient scope. On success the
// TokenInfo is attached to the request's context, retrievable with
// [TokenInfoFromContext].
//
// Rejections carry a WWW-Authenticate challenge pointing at
// opts.ResourceMetadataURL (RFC 9728), so a client can discover how to
// obtain a token for this resource.
func RequireBearerToken(verifier TokenVerifier, opts *RequireBearerTokenOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			info, msg, code := verify(r, verifier, opts)
			if code != 0 {
				obs.OAuthChallenges.WithLabelValues("resource", msg).Inc()
				if opts != nil && opts.ResourceMetadataURL != "" {
					w.Header().Set("WWW-Authenticate", "Bearer resource_metadata="+opts.ResourceMetadataURL)
				}
				http.Error(w, msg, code)
				return
			}
			obs.OAuthChallenges.WithLabelValues("resource", "ok").Inc()
			ctx := context.WithValue(r.Context(), tokenInfoContextKey{}, info)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
