// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package redisstore implements an eventlog.Store backed by Redis, for
// deployments where multiple server processes must share resumable event
// streams (spec §4.3's "distributed backing... over a distributed K/V
// cache with two per-record TTLs").
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stephentoub/mcp-sub001/eventlog"
	"github.com/stephentoub/mcp-sub001/internal/obs"
)

// Options configures a Store.
type Options struct {
	// MetadataTTL is a sliding TTL refreshed on every Append and every
	// Meta read that succeeds; it governs ErrStreamExpired.
	MetadataTTL time.Duration

	// EventTTL is an absolute TTL set once, at the moment the stream's
	// event list is first created; it never slides, so it governs
	// ErrEventExpired independently of how active the stream stays
	// (spec §9 "Distinct metadata vs event-payload expiration").
	EventTTL time.Duration

	// KeyPrefix namespaces this store's keys in a shared Redis instance.
	KeyPrefix string
}

// Store is an eventlog.Store backed by Redis: metadata in a hash with a
// sliding TTL, events in a sorted set (scored by sequence) with a fixed
// TTL, and Subscribe implemented over Redis Pub/Sub.
type Store struct {
	rdb  *redis.Client
	opts Options
}

// New wraps an existing Redis client. The caller owns rdb's lifecycle.
func New(rdb *redis.Client, opts Options) *Store {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "mcp:eventlog:"
	}
	return &Store{rdb: rdb, opts: opts}
}

var _ eventlog.Store = (*Store)(nil)

func (s *Store) metaKey(sessionID, streamID string) string {
	return fmt.Sprintf("%smeta:%s:%s", s.opts.KeyPrefix, sessionID, streamID)
}

func (s *Store) eventsKey(sessionID, streamID string) string {
	return fmt.Sprintf("%sevents:%s:%s", s.opts.KeyPrefix, sessionID, streamID)
}

func (s *Store) channelKey(sessionID, streamID string) string {
	return fmt.Sprintf("%schan:%s:%s", s.opts.KeyPrefix, sessionID, streamID)
}

type metaRecord struct {
	NextSequence uint64        `json:"nextSequence"`
	Mode         eventlog.Mode `json:"mode"`
	IsCompleted  bool          `json:"isCompleted"`
	CreatedAt    int64         `json:"createdAt"`
	LastWriteAt  int64         `json:"lastWriteAt"`
}

func (s *Store) Append(ctx context.Context, sessionID, streamID string, data []byte) (eventlog.Event, error) {
	metaKey := s.metaKey(sessionID, streamID)
	eventsKey := s.eventsKey(sessionID, streamID)
	now := time.Now()

	raw, err := s.rdb.Get(ctx, metaKey).Bytes()
	var meta metaRecord
	switch {
	case err == redis.Nil:
		meta = metaRecord{CreatedAt: now.UnixMilli()}
	case err != nil:
		return eventlog.Event{}, fmt.Errorf("redisstore: read metadata: %w", err)
	default:
		if err := json.Unmarshal(raw, &meta); err != nil {
			return eventlog.Event{}, fmt.Errorf("redisstore: decode metadata: %w", err)
		}
	}

	// Sequences start at 1 (spec §3): increment before assigning.
	meta.NextSequence++
	seq := meta.NextSequence
	meta.LastWriteAt = now.UnixMilli()

	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return eventlog.Event{}, err
	}
	if err := s.rdb.Set(ctx, metaKey, metaBytes, s.opts.MetadataTTL).Err(); err != nil {
		return eventlog.Event{}, fmt.Errorf("redisstore: write metadata: %w", err)
	}

	member, err := json.Marshal(eventRecord{Sequence: seq, Data: data})
	if err != nil {
		return eventlog.Event{}, err
	}
	pipe := s.rdb.TxPipeline()
	pipe.ZAdd(ctx, eventsKey, redis.Z{Score: float64(seq), Member: member})
	// EventTTL is absolute: only set it the first time this key exists
	// (NX), so later writes never push it back out.
	if s.opts.EventTTL > 0 {
		pipe.ExpireNX(ctx, eventsKey, s.opts.EventTTL)
	}
	pipe.Publish(ctx, s.channelKey(sessionID, streamID), member)
	if _, err := pipe.Exec(ctx); err != nil {
		return eventlog.Event{}, fmt.Errorf("redisstore: append event: %w", err)
	}

	obs.EventsAppended.WithLabelValues("redis").Inc()
	return eventlog.Event{SessionID: sessionID, StreamID: streamID, Sequence: seq, Data: data}, nil
}

type eventRecord struct {
	Sequence uint64 `json:"seq"`
	Data     []byte `json:"data"`

	// Control, when non-empty, marks this Pub/Sub message as a control
	// signal rather than an event: "polling" when the stream's mode has
	// flipped to ModePolling, "dispose" when the stream has been marked
	// completed. Subscribe's fan-out goroutine reacts to these by closing
	// its output channel rather than delivering an Event.
	Control string `json:"ctrl,omitempty"`
}

func (s *Store) Meta(ctx context.Context, sessionID, streamID string) (*eventlog.StreamMeta, error) {
	metaKey := s.metaKey(sessionID, streamID)
	raw, err := s.rdb.Get(ctx, metaKey).Bytes()
	if err == redis.Nil {
		return nil, eventlog.ErrStreamExpired
	}
	if err != nil {
		return nil, fmt.Errorf("redisstore: read metadata: %w", err)
	}
	var rec metaRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("redisstore: decode metadata: %w", err)
	}
	if s.opts.MetadataTTL > 0 {
		s.rdb.Expire(ctx, metaKey, s.opts.MetadataTTL)
	}
	return &eventlog.StreamMeta{
		SessionID:    sessionID,
		StreamID:     streamID,
		NextSequence: rec.NextSequence,
		Mode:         rec.Mode,
		IsCompleted:  rec.IsCompleted,
		CreatedAt:    time.UnixMilli(rec.CreatedAt),
		LastWriteAt:  time.UnixMilli(rec.LastWriteAt),
	}, nil
}

func (s *Store) Replay(ctx context.Context, sessionID, streamID string, afterSeq uint64) ([]eventlog.Event, error) {
	if _, err := s.Meta(ctx, sessionID, streamID); err != nil {
		return nil, err
	}
	return s.replayEvents(ctx, sessionID, streamID, afterSeq)
}

func (s *Store) replayEvents(ctx context.Context, sessionID, streamID string, afterSeq uint64) ([]eventlog.Event, error) {
	eventsKey := s.eventsKey(sessionID, streamID)

	// The oldest retained member tells us whether anything before
	// afterSeq+1 has already been evicted by EventTTL.
	oldest, err := s.rdb.ZRangeWithScores(ctx, eventsKey, 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: read oldest event: %w", err)
	}
	if len(oldest) > 0 && uint64(oldest[0].Score) > afterSeq+1 {
		return nil, fmt.Errorf("%w: oldest retained sequence is %d, requested resume after %d", eventlog.ErrEventExpired, uint64(oldest[0].Score), afterSeq)
	}

	members, err := s.rdb.ZRangeByScore(ctx, eventsKey, &redis.ZRangeBy{
		Min: fmt.Sprintf("(%d", afterSeq),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: replay: %w", err)
	}
	out := make([]eventlog.Event, 0, len(members))
	for _, m := range members {
		var rec eventRecord
		if err := json.Unmarshal([]byte(m), &rec); err != nil {
			return nil, fmt.Errorf("redisstore: decode event: %w", err)
		}
		out = append(out, eventlog.Event{SessionID: sessionID, StreamID: streamID, Sequence: rec.Sequence, Data: rec.Data})
	}
	return out, nil
}

// Subscribe delivers the replay backlog followed by live events received
// over a Redis Pub/Sub channel. Per spec §9's "at most one metadata read
// per getReader call in polling mode" constraint, Subscribe itself (the
// streaming-mode reader) performs exactly one Meta check, before replaying
// the backlog and switching to the Pub/Sub channel.
func (s *Store) Subscribe(ctx context.Context, sessionID, streamID string, afterSeq uint64) (<-chan eventlog.Event, func(), error) {
	meta, err := s.Meta(ctx, sessionID, streamID)
	if err != nil {
		return nil, nil, err
	}
	backlog, err := s.replayEvents(ctx, sessionID, streamID, afterSeq)
	if err != nil {
		return nil, nil, err
	}

	out := make(chan eventlog.Event, 64)

	// A stream already in polling mode, or already disposed, behaves for
	// this call like Replay: deliver the backlog and complete promptly
	// rather than opening a Pub/Sub subscription (spec §4.3 "polling"
	// semantics).
	if meta.Mode == eventlog.ModePolling || meta.IsCompleted {
		go func() {
			defer close(out)
			for _, ev := range backlog {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}()
		return out, func() {}, nil
	}

	pubsub := s.rdb.Subscribe(ctx, s.channelKey(sessionID, streamID))

	go func() {
		defer close(out)
		for _, ev := range backlog {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
		ch := pubsub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var rec eventRecord
				if err := json.Unmarshal([]byte(msg.Payload), &rec); err != nil {
					continue
				}
				if rec.Control != "" {
					// A mode flip to polling, or a dispose, wakes this
					// reader: it closes now rather than continuing to
					// block (spec §4.3 "Mode flips are observed on the
					// reader's next wake").
					return
				}
				if rec.Sequence <= afterSeq {
					continue
				}
				select {
				case out <- eventlog.Event{SessionID: sessionID, StreamID: streamID, Sequence: rec.Sequence, Data: rec.Data}:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	cancel := func() { _ = pubsub.Close() }
	return out, cancel, nil
}

// SetMode flips the delivery mode of (sessionID, streamID) and, when
// flipping to ModePolling, publishes a control message that wakes every
// currently-subscribed reader.
func (s *Store) SetMode(ctx context.Context, sessionID, streamID string, mode eventlog.Mode) error {
	metaKey := s.metaKey(sessionID, streamID)
	raw, err := s.rdb.Get(ctx, metaKey).Bytes()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("redisstore: read metadata: %w", err)
	}
	var meta metaRecord
	if err := json.Unmarshal(raw, &meta); err != nil {
		return fmt.Errorf("redisstore: decode metadata: %w", err)
	}
	meta.Mode = mode
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, metaKey, metaBytes, s.opts.MetadataTTL).Err(); err != nil {
		return fmt.Errorf("redisstore: write metadata: %w", err)
	}
	if mode == eventlog.ModePolling {
		ctl, err := json.Marshal(eventRecord{Control: "polling"})
		if err != nil {
			return err
		}
		if err := s.rdb.Publish(ctx, s.channelKey(sessionID, streamID), ctl).Err(); err != nil {
			return fmt.Errorf("redisstore: publish mode flip: %w", err)
		}
	}
	return nil
}

// Dispose marks (sessionID, streamID) completed and publishes a control
// message that wakes every currently-subscribed reader. Idempotent.
func (s *Store) Dispose(ctx context.Context, sessionID, streamID string) error {
	metaKey := s.metaKey(sessionID, streamID)
	raw, err := s.rdb.Get(ctx, metaKey).Bytes()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("redisstore: read metadata: %w", err)
	}
	var meta metaRecord
	if err := json.Unmarshal(raw, &meta); err != nil {
		return fmt.Errorf("redisstore: decode metadata: %w", err)
	}
	if meta.IsCompleted {
		return nil
	}
	meta.IsCompleted = true
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, metaKey, metaBytes, s.opts.MetadataTTL).Err(); err != nil {
		return fmt.Errorf("redisstore: write metadata: %w", err)
	}
	ctl, err := json.Marshal(eventRecord{Control: "dispose"})
	if err != nil {
		return err
	}
	if err := s.rdb.Publish(ctx, s.channelKey(sessionID, streamID), ctl).Err(); err != nil {
		return fmt.Errorf("redisstore: publish dispose: %w", err)
	}
	return nil
}

// Forget deletes (sessionID, streamID)'s metadata and events outright,
// without waiting for MetadataTTL/EventTTL to elapse, e.g. on DELETE-driven
// session teardown.
func (s *Store) Forget(ctx context.Context, sessionID, streamID string) {
	s.rdb.Del(ctx, s.metaKey(sessionID, streamID), s.eventsKey(sessionID, streamID))
}
