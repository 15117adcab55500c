// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package transport implements the Connection/Transport types mcp.Session
// multiplexes over: stdio (newline-delimited JSON over a pipe pair),
// streamable HTTP (spec's primary network transport, backed by
// package eventlog for resumable SSE streams), and a legacy SSE client
// transport (GET for inbound events, POST for outbound requests).
package transport

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/stephentoub/mcp-sub001/internal/obs"
	"github.com/stephentoub/mcp-sub001/jsonrpc2"
	"github.com/stephentoub/mcp-sub001/mcp"
)

// Stdio wraps a read/write pipe pair (typically os.Stdin/os.Stdout, or the
// two ends of a subprocess's stdio) as an mcp.Transport using
// newline-delimited JSON framing, as the MCP stdio transport requires.
type Stdio struct {
	in  io.Reader
	out io.Writer
}

// NewStdio returns a Stdio transport over in/out.
func NewStdio(in io.Reader, out io.Writer) *Stdio {
	return &Stdio{in: in, out: out}
}

func (s *Stdio) Connect(ctx context.Context) (mcp.Connection, error) {
	obs.ActiveSessions.WithLabelValues("stdio").Inc()
	return &stdioConn{
		in:  s.in,
		out: s.out,
		r:   jsonrpc2.NewlineFramer.Reader(s.in),
		w:   jsonrpc2.NewlineFramer.Writer(s.out),
	}, nil
}

type stdioConn struct {
	in  io.Reader
	out io.Writer
	r   jsonrpc2.FrameReader

	writeMu sync.Mutex
	w       jsonrpc2.FrameWriter
}

func (c *stdioConn) Read(ctx context.Context) (jsonrpc2.Frame, error) {
	data, err := c.r.ReadFrame()
	if err != nil {
		return nil, err
	}
	return jsonrpc2.Decode(data)
}

func (c *stdioConn) Write(ctx context.Context, f jsonrpc2.Frame) error {
	data, err := jsonrpc2.Encode(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.w.WriteFrame(data)
}

// Close closes the underlying pipes if they support it (e.g. a
// subprocess's stdio pipes); os.Stdin/os.Stdout are left open, since a
// process's own standard streams are not this transport's to close.
func (c *stdioConn) Close() error {
	defer obs.ActiveSessions.WithLabelValues("stdio").Dec()
	var err error
	if closer, ok := c.in.(io.Closer); ok && c.in != io.Reader(os.Stdin) {
		err = closer.Close()
	}
	if closer, ok := c.out.(io.Closer); ok && c.out != io.Writer(os.Stdout) {
		if cerr := closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
