// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package jsonrpc2

import (
	"fmt"

	internaljsonrpc2 "github.com/stephentoub/mcp-sub001/internal/jsonrpc2"
)

// StrictDecodeParams decodes raw request/notification/result params into v,
// rejecting unknown fields and case-variant duplicate keys. The session
// multiplexer runs every inbound params/result payload through this instead
// of a bare json.Unmarshal, closing the field-smuggling hole that a
// case-insensitive decoder would otherwise leave open in a wire protocol
// whose spec mandates exact, case-sensitive field names.
func StrictDecodeParams(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := internaljsonrpc2.StrictUnmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return nil
}
