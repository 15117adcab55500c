// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package jsonrpc2

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestIDRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		id   ID
	}{
		{"null", ID{}},
		{"string", StringID("abc")},
		{"int", Int64ID(42)},
		{"zero int", Int64ID(0)},
		{"empty string", StringID("")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.id)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			var got ID
			if err := json.Unmarshal(data, &got); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if got != tt.id {
				t.Errorf("round trip mismatch: got %+v, want %+v", got, tt.id)
			}
		})
	}
}

func TestEncodeDecodeFrame(t *testing.T) {
	tests := []struct {
		name string
		in   Frame
	}{
		{"request", &Request{ID: StringID("1"), Method: "initialize", Params: json.RawMessage(`{"a":1}`)}},
		{"notification", &Notification{Method: "notifications/cancelled", Params: json.RawMessage(`{"requestId":"1"}`)}},
		{"response", &Response{ID: Int64ID(7), Result: json.RawMessage(`{"ok":true}`)}},
		{"error response", &ErrorResponse{ID: Int64ID(7), Error: &WireError{Code: CodeMethodNotFound, Message: "method not found"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.in)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			got, err := Decode(data)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if diff := cmp.Diff(tt.in, got, cmpopts.EquateComparable(ID{})); diff != "" {
				t.Errorf("Decode(Encode(x)) mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeRejectsFrameWithNeitherMethodNorID(t *testing.T) {
	_, err := Decode([]byte(`{"jsonrpc":"2.0"}`))
	if err == nil {
		t.Fatal("expected error decoding a frame with neither method nor id")
	}
}

func TestDecodeRejectsWrongVersion(t *testing.T) {
	_, err := Decode([]byte(`{"jsonrpc":"1.0","id":1,"method":"x"}`))
	if err == nil {
		t.Fatal("expected error decoding a frame with an unsupported jsonrpc version")
	}
}

func TestToWireErrorPreservesCode(t *testing.T) {
	we := ToWireError(ErrMethodNotFound)
	if we.Code != CodeMethodNotFound {
		t.Errorf("Code = %d, want %d", we.Code, CodeMethodNotFound)
	}
}
