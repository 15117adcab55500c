// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package oauthex

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/yosida95/uritemplate/v3"

	"github.com/stephentoub/mcp-sub001/internal/util"
)

// wellKnownPathTemplate expands a well-known prefix plus an optional
// resource path into the suffixed well-known path RFC 8414 section 3.1 and
// RFC 9728 section 3.1 both describe: inserted directly at the root when
// the resource has no path, or after the well-known prefix as a sequence of
// path segments otherwise.
func wellKnownPathTemplate(prefix string) *uritemplate.Template {
	return uritemplate.MustNew(prefix + "{/segments*}")
}

// expandWellKnownPath expands tmpl with resourcePath split into path
// segments (an empty resourcePath yields no segments, i.e. the prefix
// alone).
func expandWellKnownPath(tmpl *uritemplate.Template, resourcePath string) (string, error) {
	resourcePath = strings.Trim(resourcePath, "/")
	var segments []string
	if resourcePath != "" {
		segments = strings.Split(resourcePath, "/")
	}
	return tmpl.Expand(uritemplate.Values{
		"segments": uritemplate.List(segments...),
	})
}

// getJSON issues a GET request for rawURL and decodes the JSON response body
// into a T, reading at most maxBytes of body.
func getJSON[T any](ctx context.Context, c *http.Client, rawURL string, maxBytes int64) (*T, error) {
	if c == nil {
		c = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: unexpected status %s", rawURL, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes))
	if err != nil {
		return nil, fmt.Errorf("GET %s: reading body: %w", rawURL, err)
	}
	var v T
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, fmt.Errorf("GET %s: decoding JSON: %w", rawURL, err)
	}
	return &v, nil
}

// checkURLScheme validates that rawURL is HTTPS, or plain HTTP to a loopback
// address (permitted for local development and testing). This guards against
// an authorization server URL being used to mount script injection via a
// javascript: or similar scheme (see #526).
func checkURLScheme(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		if util.IsLoopback(u.Host) {
			return nil
		}
	}
	return fmt.Errorf("authorization server URL %q must use HTTPS", rawURL)
}
