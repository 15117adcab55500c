// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package transport

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stephentoub/mcp-sub001/jsonrpc2"
)

func TestStdioRoundTrip(t *testing.T) {
	in := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n")
	var out bytes.Buffer

	tr := NewStdio(in, &out)
	conn, err := tr.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	f, err := conn.Read(context.Background())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	req, ok := f.(*jsonrpc2.Request)
	if !ok || req.Method != "ping" {
		t.Fatalf("Read = %#v, want ping request", f)
	}

	if err := conn.Write(context.Background(), &jsonrpc2.Response{ID: req.ID, Result: []byte(`{}`)}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !strings.Contains(out.String(), `"result":{}`) {
		t.Errorf("output = %q, want a result frame", out.String())
	}

	if err := conn.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
