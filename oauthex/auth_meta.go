// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// This file implements Authorization Server Metadata discovery.
// See https://www.rfc-editor.org/rfc/rfc8414.html.

package oauthex

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/yosida95/uritemplate/v3"

	"github.com/stephentoub/mcp-sub001/internal/util"
)

// AuthServerMeta is the JSON document served at
// /.well-known/oauth-authorization-server (RFC 8414) or
// /.well-known/openid-configuration (OpenID Connect Discovery), the two
// forms an MCP client must probe for when discovering how to talk to an
// authorization server.
type AuthServerMeta struct {
	Issuer                        string   `json:"issuer"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint,omitempty"`
	TokenEndpoint                 string   `json:"token_endpoint,omitempty"`
	RegistrationEndpoint          string   `json:"registration_endpoint,omitempty"`
	JWKSURI                       string   `json:"jwks_uri,omitempty"`
	ScopesSupported               []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported        []string `json:"response_types_supported,omitempty"`
	GrantTypesSupported           []string `json:"grant_types_supported,omitempty"`
	TokenEndpointAuthMethods      []string `json:"token_endpoint_auth_methods_supported,omitempty"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`
	RevocationEndpoint            string   `json:"revocation_endpoint,omitempty"`
	IntrospectionEndpoint         string   `json:"introspection_endpoint,omitempty"`

	// ClientIDMetadataDocumentSupported records support for Client ID
	// Metadata Documents, a not-yet-standardized extension used by MCP
	// (see https://client.dev/).
	ClientIDMetadataDocumentSupported bool `json:"client_id_metadata_document_supported,omitempty"`
}

var (
	oauthAuthServerWellKnownTemplate = wellKnownPathTemplate("/.well-known/oauth-authorization-server")
	openIDConfigWellKnownTemplate    = wellKnownPathTemplate("/.well-known/openid-configuration")
)

// wellKnownCandidates returns the well-known metadata URLs to probe for
// issuer, in the order recommended by RFC 8414 section 3 and the OpenID
// Connect Discovery specification: the RFC 8414 path with the issuer's
// path appended, then the RFC 8414 path at the root (when that differs),
// then the OpenID Connect path with the issuer's path appended, and last
// the OpenID Connect path added after the issuer's own path.
func wellKnownCandidates(issuer string) ([]string, error) {
	u, err := url.Parse(issuer)
	if err != nil {
		return nil, err
	}

	withPath := func(tmpl *uritemplate.Template) (string, error) {
		v := *u
		v.Path, err = expandWellKnownPath(tmpl, u.Path)
		if err != nil {
			return "", err
		}
		return v.String(), nil
	}
	asPath, err := withPath(oauthAuthServerWellKnownTemplate)
	if err != nil {
		return nil, err
	}
	oidcPath, err := withPath(openIDConfigWellKnownTemplate)
	if err != nil {
		return nil, err
	}
	root := *u
	root.Path, root.RawPath = "/.well-known/oauth-authorization-server", ""
	candidates := []string{asPath}
	if rootAS := root.String(); rootAS != asPath {
		candidates = append(candidates, rootAS)
	}
	return append(candidates,
		oidcPath,
		strings.TrimRight(issuer, "/")+"/.well-known/openid-configuration",
	), nil
}

// GetAuthServerMeta retrieves authorization server metadata for the given
// issuer URL, probing the well-known locations defined by RFC 8414 and
// OpenID Connect Discovery in turn. It returns (nil, nil) if none of the
// well-known documents could be fetched, so the caller can fall back to the
// hardcoded endpoints from the pre-discovery MCP specification.
func GetAuthServerMeta(ctx context.Context, issuer string, c *http.Client) (_ *AuthServerMeta, err error) {
	defer util.Wrapf(&err, "GetAuthServerMeta(%q)", issuer)

	if err := checkURLScheme(issuer); err != nil {
		return nil, err
	}
	candidates, err := wellKnownCandidates(issuer)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, u := range candidates {
		meta, err := getJSON[AuthServerMeta](ctx, c, u, 1<<20)
		if err != nil {
			lastErr = err
			continue
		}
		if meta.Issuer != "" && meta.Issuer != issuer {
			lastErr = errors.New("issuer mismatch in authorization server metadata")
			continue
		}
		return meta, nil
	}
	_ = lastErr
	return nil, nil
}
