// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/stephentoub/mcp-sub001/jsonrpc2"
	"github.com/stephentoub/mcp-sub001/mcp"
)

// SSEClientTransport implements the legacy (pre-streamable-HTTP) SSE
// transport (spec §6): it opens a GET to Endpoint, expects an "endpoint"
// event naming the URL to POST outbound messages to, and reads inbound
// messages from subsequent "message" events on the same GET stream.
type SSEClientTransport struct {
	// Endpoint is the URL of the SSE stream (a GET target).
	Endpoint string

	// HTTPClient, if non-nil, is used for both the GET and subsequent
	// POSTs. If nil, http.DefaultClient is used.
	HTTPClient *http.Client
}

func (t *SSEClientTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	client := t.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.Endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sse: connecting: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("sse: connect returned status %s", resp.Status)
	}

	conn := &sseClientConn{
		client:    client,
		streamURL: t.Endpoint,
		body:      resp.Body,
		reader:    bufio.NewReader(resp.Body),

		incoming: make(chan []byte, 100),
		done:     make(chan struct{}),
		ready:    make(chan struct{}),
	}
	go conn.readLoop()

	select {
	case <-conn.ready:
	case <-conn.done:
		return nil, conn.readyErr
	case <-ctx.Done():
		conn.Close()
		return nil, ctx.Err()
	}
	if conn.readyErr != nil {
		return nil, conn.readyErr
	}
	return conn, nil
}

type sseClientConn struct {
	client    *http.Client
	streamURL string
	body      io.ReadCloser
	reader    *bufio.Reader

	incoming chan []byte
	done     chan struct{}
	closeOnce sync.Once

	ready    chan struct{}
	readyOnce sync.Once
	readyErr error

	mu          sync.Mutex
	msgEndpoint *url.URL
}

func (c *sseClientConn) readLoop() {
	defer close(c.done)
	defer c.body.Close()
	for {
		evt, name, err := scanNamedEvent(c.reader)
		if err != nil {
			c.readyOnce.Do(func() {
				c.readyErr = err
				close(c.ready)
			})
			return
		}
		switch name {
		case "endpoint":
			u, err := url.Parse(string(evt.data))
			if err != nil {
				c.readyOnce.Do(func() {
					c.readyErr = fmt.Errorf("sse: malformed endpoint event: %w", err)
					close(c.ready)
				})
				return
			}
			if base, err := url.Parse(c.streamURL); err == nil {
				u = base.ResolveReference(u)
			}
			c.mu.Lock()
			c.msgEndpoint = u
			c.mu.Unlock()
			c.readyOnce.Do(func() { close(c.ready) })
		case "message", "":
			select {
			case c.incoming <- evt.data:
			case <-c.done:
				return
			}
		}
	}
}

func (c *sseClientConn) Read(ctx context.Context) (jsonrpc2.Frame, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, io.EOF
	case data := <-c.incoming:
		return jsonrpc2.Decode(data)
	}
}

func (c *sseClientConn) Write(ctx context.Context, f jsonrpc2.Frame) error {
	c.mu.Lock()
	endpoint := c.msgEndpoint
	c.mu.Unlock()
	if endpoint == nil {
		return fmt.Errorf("sse: no message endpoint yet")
	}
	data, err := jsonrpc2.Encode(f)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("sse: POST returned %s: %s", resp.Status, string(body))
	}
	return nil
}

func (c *sseClientConn) Close() error {
	c.closeOnce.Do(func() {
		c.body.Close()
	})
	return nil
}

// scanNamedEvent is scanEvent extended to also report the SSE "event:"
// field, which the legacy transport uses to distinguish "endpoint" from
// "message" events.
func scanNamedEvent(br *bufio.Reader) (sseEvent, string, error) {
	var evt sseEvent
	var name string
	var data bytes.Buffer
	sawAny := false
	for {
		line, err := br.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if sawAny {
				evt.data = data.Bytes()
				return evt, name, nil
			}
			if err != nil {
				return sseEvent{}, "", err
			}
			continue
		}
		sawAny = true
		switch {
		case strings.HasPrefix(line, "id:"):
			evt.id = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
		if err != nil {
			if sawAny {
				evt.data = data.Bytes()
				return evt, name, nil
			}
			return sseEvent{}, "", err
		}
	}
}
