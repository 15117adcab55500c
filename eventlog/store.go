// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package eventlog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/stephentoub/mcp-sub001/internal/obs"
)

// Errors returned by Store implementations. See the StreamMeta doc comment
// for why these are distinct.
var (
	// ErrStreamExpired means the (session, stream)'s metadata is gone
	// entirely: there is no resume point to continue from, and the
	// caller must fall back to a fresh stream (e.g. re-issue the
	// triggering request).
	ErrStreamExpired = errors.New("eventlog: stream metadata expired or unknown")

	// ErrEventExpired means the stream's metadata still exists, but one
	// or more events at or after the requested resume sequence have been
	// evicted; the caller can still resume, but will observe a gap.
	ErrEventExpired = errors.New("eventlog: one or more requested events have expired")
)

// Store persists per-(session, stream) event logs. Implementations must be
// safe for concurrent use.
type Store interface {
	// Append adds data as the next event in (sessionID, streamID),
	// creating the stream's metadata if this is its first event, and
	// refreshing the stream's metadata TTL regardless (spec's "stream
	// metadata TTL refresh on every write" supplemented feature). It
	// returns the assigned Event, including its sequence number.
	Append(ctx context.Context, sessionID, streamID string, data []byte) (Event, error)

	// Replay returns every retained event in (sessionID, streamID) with
	// Sequence > afterSeq, in order, for polling-mode resumption. It
	// returns ErrStreamExpired if the stream's metadata is gone, or
	// ErrEventExpired if afterSeq is older than the oldest retained
	// event (some events in the requested range were evicted).
	Replay(ctx context.Context, sessionID, streamID string, afterSeq uint64) ([]Event, error)

	// Subscribe returns a channel delivering every future event appended
	// to (sessionID, streamID) after afterSeq, for streaming-mode
	// resumption, plus any already-retained events after afterSeq
	// (delivered before the channel blocks for new ones). The returned
	// cancel func must be called to release the subscription; the
	// channel is closed once cancel is called or the store is closed.
	Subscribe(ctx context.Context, sessionID, streamID string, afterSeq uint64) (events <-chan Event, cancel func(), err error)

	// Meta returns the current metadata for (sessionID, streamID), or
	// ErrStreamExpired if none exists.
	Meta(ctx context.Context, sessionID, streamID string) (*StreamMeta, error)

	// SetMode flips the delivery mode of (sessionID, streamID), visible to
	// already-open readers on their next wake (spec §4.3 "Mode flips are
	// observed on the reader's next wake"). Flipping to ModePolling closes
	// every currently-open Subscribe channel for the stream, so a blocked
	// streaming reader wakes immediately and must fall back to Replay, per
	// the polling contract of "yields the currently-available backlog,
	// then completes promptly". It is a no-op if the stream doesn't exist.
	SetMode(ctx context.Context, sessionID, streamID string, mode Mode) error

	// Dispose marks (sessionID, streamID) completed, waking every blocked
	// reader (closing open Subscribe channels) so each observes the end of
	// the stream rather than continuing to block. Idempotent; a no-op if
	// the stream doesn't exist or is already disposed.
	Dispose(ctx context.Context, sessionID, streamID string) error

	// Forget immediately discards (sessionID, streamID)'s metadata and
	// events outright, e.g. on DELETE-driven session teardown, without
	// waiting out any configured TTL.
	Forget(ctx context.Context, sessionID, streamID string)
}

type streamLog struct {
	meta   StreamMeta
	events []Event // retained events, oldest first

	subsMu sync.Mutex
	subs   []chan Event
}

// MemoryStoreOptions configures a MemoryStore.
type MemoryStoreOptions struct {
	// MetadataTTL is how long a stream's metadata survives after its
	// last write, before it is fully forgotten (ErrStreamExpired).
	// Zero means metadata never expires on its own (callers must call
	// Forget explicitly, e.g. on DELETE-driven session teardown).
	MetadataTTL time.Duration

	// MaxRetainedEvents bounds how many of a stream's most recent events
	// are kept for replay; older ones are evicted (ErrEventExpired for
	// resume attempts before the oldest retained sequence). Zero means
	// unlimited.
	MaxRetainedEvents int
}

// MemoryStore is an in-process Store. See eventlog/redisstore for a
// distributed alternative.
type MemoryStore struct {
	opts MemoryStoreOptions

	mu      sync.Mutex
	streams map[streamKey]*streamLog
}

type streamKey struct {
	sessionID, streamID string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore(opts MemoryStoreOptions) *MemoryStore {
	return &MemoryStore{opts: opts, streams: make(map[streamKey]*streamLog)}
}

func (s *MemoryStore) Append(ctx context.Context, sessionID, streamID string, data []byte) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := streamKey{sessionID, streamID}
	log, ok := s.streams[key]
	now := time.Now()
	if !ok {
		log = &streamLog{meta: StreamMeta{SessionID: sessionID, StreamID: streamID, CreatedAt: now}}
		s.streams[key] = log
	}
	// Sequences start at 1 (spec §3): increment before assigning rather
	// than after, so the zero value of a fresh StreamMeta.NextSequence
	// never itself becomes a delivered sequence number.
	log.meta.NextSequence++
	ev := Event{SessionID: sessionID, StreamID: streamID, Sequence: log.meta.NextSequence, Data: data}
	log.meta.LastWriteAt = now
	log.events = append(log.events, ev)
	if s.opts.MaxRetainedEvents > 0 && len(log.events) > s.opts.MaxRetainedEvents {
		log.events = log.events[len(log.events)-s.opts.MaxRetainedEvents:]
	}

	log.subsMu.Lock()
	for _, ch := range log.subs {
		select {
		case ch <- ev:
		default:
			// A slow subscriber does not block the writer; it will
			// observe a gap and must fall back to Replay.
		}
	}
	log.subsMu.Unlock()

	obs.EventsAppended.WithLabelValues("memory").Inc()
	return ev, nil
}

func (s *MemoryStore) getLog(sessionID, streamID string) (*streamLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.streams[streamKey{sessionID, streamID}]
	if !ok {
		return nil, ErrStreamExpired
	}
	if s.opts.MetadataTTL > 0 && time.Since(log.meta.LastWriteAt) > s.opts.MetadataTTL {
		delete(s.streams, streamKey{sessionID, streamID})
		return nil, ErrStreamExpired
	}
	return log, nil
}

func (s *MemoryStore) Replay(ctx context.Context, sessionID, streamID string, afterSeq uint64) ([]Event, error) {
	log, err := s.getLog(sessionID, streamID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(log.events) > 0 && log.events[0].Sequence > afterSeq+1 {
		return nil, fmt.Errorf("%w: oldest retained sequence is %d, requested resume after %d", ErrEventExpired, log.events[0].Sequence, afterSeq)
	}
	var out []Event
	for _, ev := range log.events {
		if ev.Sequence > afterSeq {
			out = append(out, ev)
		}
	}
	return out, nil
}

// closeSubsLocked closes and detaches every currently-open subscriber
// channel on log, waking any reader blocked in Subscribe. Callers must hold
// log.subsMu.
func closeSubsLocked(log *streamLog) {
	for _, ch := range log.subs {
		close(ch)
	}
	log.subs = nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, sessionID, streamID string, afterSeq uint64) (<-chan Event, func(), error) {
	log, err := s.getLog(sessionID, streamID)
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan Event, 64)
	s.mu.Lock()
	var backlog []Event
	for _, ev := range log.events {
		if ev.Sequence > afterSeq {
			backlog = append(backlog, ev)
		}
	}
	// A stream already in polling mode, or already disposed, behaves for
	// this call exactly like Replay: deliver the backlog and complete
	// promptly rather than blocking for future events (spec §4.3 "polling"
	// semantics). The channel is not registered in log.subs, so a later
	// SetMode/Dispose won't try to close it twice.
	oneShot := log.meta.Mode == ModePolling || log.meta.IsCompleted
	if !oneShot {
		log.subsMu.Lock()
		log.subs = append(log.subs, ch)
		log.subsMu.Unlock()
	}
	s.mu.Unlock()

	for _, ev := range backlog {
		ch <- ev
	}
	if oneShot {
		close(ch)
		return ch, func() {}, nil
	}

	cancel := func() {
		log.subsMu.Lock()
		defer log.subsMu.Unlock()
		for i, c := range log.subs {
			if c == ch {
				log.subs = append(log.subs[:i], log.subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
	return ch, cancel, nil
}

func (s *MemoryStore) Meta(ctx context.Context, sessionID, streamID string) (*StreamMeta, error) {
	log, err := s.getLog(sessionID, streamID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m := log.meta
	return &m, nil
}

// Forget immediately discards a stream's metadata and events, e.g. on
// DELETE-driven session teardown.
func (s *MemoryStore) Forget(ctx context.Context, sessionID, streamID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.streams, streamKey{sessionID, streamID})
}

func (s *MemoryStore) SetMode(ctx context.Context, sessionID, streamID string, mode Mode) error {
	s.mu.Lock()
	log, ok := s.streams[streamKey{sessionID, streamID}]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	log.meta.Mode = mode
	s.mu.Unlock()

	if mode == ModePolling {
		log.subsMu.Lock()
		closeSubsLocked(log)
		log.subsMu.Unlock()
	}
	return nil
}

func (s *MemoryStore) Dispose(ctx context.Context, sessionID, streamID string) error {
	s.mu.Lock()
	log, ok := s.streams[streamKey{sessionID, streamID}]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	already := log.meta.IsCompleted
	log.meta.IsCompleted = true
	s.mu.Unlock()

	if !already {
		log.subsMu.Lock()
		closeSubsLocked(log)
		log.subsMu.Unlock()
	}
	return nil
}
