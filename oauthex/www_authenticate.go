// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// This file parses WWW-Authenticate challenges, per RFC 7235 section 4.1 and
// RFC 6750 section 3 (the Bearer scheme's resource_metadata and scope
// extensions used for MCP authorization).

package oauthex

import (
	"fmt"
	"strings"
)

// challenge is one parsed WWW-Authenticate challenge, e.g.
//
//	Bearer realm="example", resource_metadata="https://example.com/.well-known/oauth-protected-resource"
type challenge struct {
	Scheme string
	Params map[string]string
}

// ParseWWWAuthenticate parses the values of one or more WWW-Authenticate
// header lines into a list of challenges.
func ParseWWWAuthenticate(headers []string) ([]challenge, error) {
	var out []challenge
	for _, h := range headers {
		cs, err := parseChallenges(h)
		if err != nil {
			return nil, fmt.Errorf("parsing WWW-Authenticate %q: %w", h, err)
		}
		out = append(out, cs...)
	}
	return out, nil
}

func parseChallenges(header string) ([]challenge, error) {
	var out []challenge
	var cur *challenge
	for _, raw := range splitUnquotedComma(header) {
		part := strings.TrimSpace(raw)
		if part == "" {
			continue
		}
		eq := strings.IndexByte(part, '=')
		sp := strings.IndexByte(part, ' ')
		// A new scheme starts when there's no '=' at all (a bare scheme
		// token like "Negotiate"), or when a space precedes the first '='
		// (the scheme name followed immediately by its first parameter,
		// e.g. "Bearer realm=foo").
		if eq < 0 || (sp >= 0 && sp < eq) {
			if cur != nil {
				out = append(out, *cur)
			}
			if sp < 0 {
				cur = &challenge{Scheme: strings.ToLower(part)}
				continue
			}
			cur = &challenge{Scheme: strings.ToLower(part[:sp])}
			part = strings.TrimSpace(part[sp+1:])
			eq = strings.IndexByte(part, '=')
			if eq < 0 {
				continue
			}
		}
		if cur == nil {
			return nil, fmt.Errorf("parameter %q before any scheme", part)
		}
		key := strings.TrimSpace(part[:eq])
		val := strings.Trim(strings.TrimSpace(part[eq+1:]), `"`)
		if cur.Params == nil {
			cur.Params = make(map[string]string)
		}
		cur.Params[key] = val
	}
	if cur != nil {
		out = append(out, *cur)
	}
	return out, nil
}

// splitUnquotedComma splits s on commas that are not inside a double-quoted
// string.
func splitUnquotedComma(s string) []string {
	var parts []string
	var buf strings.Builder
	inQuotes := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			inQuotes = !inQuotes
			buf.WriteByte(c)
		case c == ',' && !inQuotes:
			parts = append(parts, buf.String())
			buf.Reset()
		default:
			buf.WriteByte(c)
		}
	}
	parts = append(parts, buf.String())
	return parts
}
