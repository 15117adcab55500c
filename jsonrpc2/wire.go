// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package jsonrpc2 implements the wire-level JSON-RPC 2.0 frame types used by
// the MCP session multiplexer: requests, responses, error responses, and
// notifications, plus their newline- and length-prefixed encodings.
//
// Batch framing is not supported, matching the MCP wire protocol.
package jsonrpc2

import (
	"encoding/json"
	"errors"
	"fmt"

	segjson "github.com/segmentio/encoding/json"
)

// ID is a tagged union over the three shapes JSON-RPC 2.0 permits for a
// request identifier: string, integer, or null. Two IDs are equal iff their
// tag and value are equal; a zero ID is the null/absent id.
type ID struct {
	str    string
	num    int64
	isStr  bool
	isNum  bool
}

// StringID returns an ID holding a string value.
func StringID(s string) ID { return ID{str: s, isStr: true} }

// Int64ID returns an ID holding an integer value.
func Int64ID(i int64) ID { return ID{num: i, isNum: true} }

// IsValid reports whether id is non-null (either a string or an integer).
func (id ID) IsValid() bool { return id.isStr || id.isNum }

// Raw returns the underlying Go value: a string, an int64, or nil.
func (id ID) Raw() any {
	switch {
	case id.isStr:
		return id.str
	case id.isNum:
		return id.num
	default:
		return nil
	}
}

// String renders the ID for diagnostics; it is not the wire form.
func (id ID) String() string {
	switch {
	case id.isStr:
		return id.str
	case id.isNum:
		return fmt.Sprintf("%d", id.num)
	default:
		return "<null>"
	}
}

func (id ID) MarshalJSON() ([]byte, error) {
	switch {
	case id.isStr:
		return json.Marshal(id.str)
	case id.isNum:
		return json.Marshal(id.num)
	default:
		return []byte("null"), nil
	}
}

func (id *ID) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	n, err := MakeID(v)
	if err != nil {
		return err
	}
	*id = n
	return nil
}

// MakeID coerces a decoded JSON value (nil, float64, or string — the shapes
// encoding/json produces for an `any`) into an ID.
func MakeID(v any) (ID, error) {
	switch v := v.(type) {
	case nil:
		return ID{}, nil
	case float64:
		return Int64ID(int64(v)), nil
	case int64:
		return Int64ID(v), nil
	case string:
		return StringID(v), nil
	default:
		return ID{}, fmt.Errorf("%w: invalid id type %T", ErrParse, v)
	}
}

// Frame is the closed set of concrete JSON-RPC message shapes this package
// produces and consumes: *Request, *Response, *ErrorResponse, *Notification.
type Frame interface {
	isFrame()
	marshal(*wireFrame)
}

// Request is a call requiring a response, identified by ID.
type Request struct {
	ID     ID
	Method string
	Params json.RawMessage
}

func (*Request) isFrame() {}
func (r *Request) marshal(w *wireFrame) {
	w.ID = &r.ID
	w.Method = r.Method
	w.Params = r.Params
}

// Notification is a fire-and-forget call: it carries no ID and expects no
// response.
type Notification struct {
	Method string
	Params json.RawMessage
}

func (*Notification) isFrame() {}
func (n *Notification) marshal(w *wireFrame) {
	w.Method = n.Method
	w.Params = n.Params
}

// Response is a successful reply to a Request with the same ID.
type Response struct {
	ID     ID
	Result json.RawMessage
}

func (*Response) isFrame() {}
func (r *Response) marshal(w *wireFrame) {
	w.ID = &r.ID
	w.Result = r.Result
}

// ErrorResponse is a failed reply to a Request with the same ID. Per spec
// §3, a nil ID is permitted only when the triggering request itself could
// not be parsed.
type ErrorResponse struct {
	ID    ID
	Error *WireError
}

func (*ErrorResponse) isFrame() {}
func (r *ErrorResponse) marshal(w *wireFrame) {
	w.ID = &r.ID
	w.Error = r.Error
}

// WireError is the `error` object of a JSON-RPC error response. It
// implements the error interface so it can be returned and matched with
// errors.As by callers throughout the multiplexer.
type WireError struct {
	Code    int64           `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *WireError) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// Standard JSON-RPC 2.0 / MCP error codes.
const (
	CodeParse          = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// MCP-specific codes, chosen outside the reserved JSON-RPC range.
	CodeRequestCancelled = -32800
	CodeRequestTimeout   = -32801
	CodeRateLimited      = -32802
)

// Sentinel errors for the protocol-violation taxonomy in spec §7. Wrap one
// of these with fmt.Errorf("%w: ...", ErrX) to preserve matching via
// errors.Is/As, and use ToWireError to produce the frame-level error.
var (
	ErrParse          = &WireError{Code: CodeParse, Message: "parse error"}
	ErrInvalidRequest = &WireError{Code: CodeInvalidRequest, Message: "invalid request"}
	ErrMethodNotFound = &WireError{Code: CodeMethodNotFound, Message: "method not found"}
	ErrInvalidParams  = &WireError{Code: CodeInvalidParams, Message: "invalid params"}
	ErrInternal       = &WireError{Code: CodeInternalError, Message: "internal error"}
	ErrCancelled      = &WireError{Code: CodeRequestCancelled, Message: "request cancelled"}
	ErrTimeout        = &WireError{Code: CodeRequestTimeout, Message: "request timeout"}
	ErrRateLimited    = &WireError{Code: CodeRateLimited, Message: "rate limit exceeded"}
)

// ToWireError converts an arbitrary error into a *WireError suitable for an
// ErrorResponse. If err already wraps a *WireError (including the sentinels
// above), that error's code is preserved but the outer message is used.
func ToWireError(err error) *WireError {
	if err == nil {
		return nil
	}
	var we *WireError
	if errors.As(err, &we) {
		return &WireError{Code: we.Code, Message: err.Error(), Data: we.Data}
	}
	return &WireError{Code: CodeInternalError, Message: err.Error()}
}

// wireFrame is the single on-the-wire struct that every frame shape
// marshals to and unmarshals from; JSON-RPC 2.0 doesn't tag the frame kind
// explicitly; it's inferred from which fields are present.
type wireFrame struct {
	VersionTag string          `json:"jsonrpc"`
	ID         *ID             `json:"id,omitempty"`
	Method     string          `json:"method,omitempty"`
	Params     json.RawMessage `json:"params,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *WireError      `json:"error,omitempty"`
}

const wireVersion = "2.0"

// Encode marshals a frame to its wire bytes, using the segmentio/encoding
// codec for speed on the hot read/write path.
func Encode(f Frame) ([]byte, error) {
	w := wireFrame{VersionTag: wireVersion}
	f.marshal(&w)
	data, err := segjson.Marshal(&w)
	if err != nil {
		return nil, fmt.Errorf("marshaling jsonrpc2 frame: %w", err)
	}
	return data, nil
}

// Decode unmarshals wire bytes into the appropriate Frame implementation. A
// strict decode (see StrictUnmarshal) is not performed here; callers that
// need the anti-smuggling protections should run the raw message through
// StrictDecodeParams on the resulting Params before acting on them.
func Decode(data []byte) (Frame, error) {
	var w wireFrame
	if err := segjson.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if w.VersionTag != "" && w.VersionTag != wireVersion {
		return nil, fmt.Errorf("%w: unsupported jsonrpc version %q", ErrInvalidRequest, w.VersionTag)
	}
	switch {
	case w.Method != "" && w.ID != nil:
		return &Request{ID: *w.ID, Method: w.Method, Params: w.Params}, nil
	case w.Method != "":
		return &Notification{Method: w.Method, Params: w.Params}, nil
	case w.Error != nil:
		id := ID{}
		if w.ID != nil {
			id = *w.ID
		}
		return &ErrorResponse{ID: id, Error: w.Error}, nil
	case w.ID != nil:
		return &Response{ID: *w.ID, Result: w.Result}, nil
	default:
		return nil, fmt.Errorf("%w: frame has neither method nor id", ErrInvalidRequest)
	}
}
