// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package eventlog

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestEventIDRoundTrip(t *testing.T) {
	id := EncodeEventID("session-1", "stream-ü", 42)
	sid, stid, seq, err := DecodeEventID(id)
	if err != nil {
		t.Fatalf("DecodeEventID: %v", err)
	}
	if sid != "session-1" || stid != "stream-ü" || seq != 42 {
		t.Errorf("got (%q, %q, %d), want (session-1, stream-ü, 42)", sid, stid, seq)
	}
}

func TestMemoryStoreAppendAndReplay(t *testing.T) {
	s := NewMemoryStore(MemoryStoreOptions{})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := s.Append(ctx, "sess", "stream", []byte{byte(i)}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	events, err := s.Replay(ctx, "sess", "stream", 0)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("Replay after 0 = %d events, want 3", len(events))
	}
	if events[0].Sequence != 1 || events[1].Sequence != 2 {
		t.Errorf("unexpected sequences: %+v", events)
	}
}

func TestMemoryStoreReplayUnknownStream(t *testing.T) {
	s := NewMemoryStore(MemoryStoreOptions{})
	if _, err := s.Replay(context.Background(), "sess", "stream", 0); !errors.Is(err, ErrStreamExpired) {
		t.Errorf("Replay on unknown stream = %v, want ErrStreamExpired", err)
	}
}

func TestMemoryStoreReplayEvictedEvents(t *testing.T) {
	s := NewMemoryStore(MemoryStoreOptions{MaxRetainedEvents: 2})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := s.Append(ctx, "sess", "stream", []byte{byte(i)}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if _, err := s.Replay(ctx, "sess", "stream", 0); !errors.Is(err, ErrEventExpired) {
		t.Errorf("Replay from evicted point = %v, want ErrEventExpired", err)
	}
}

func TestMemoryStoreMetadataExpiry(t *testing.T) {
	s := NewMemoryStore(MemoryStoreOptions{MetadataTTL: time.Millisecond})
	ctx := context.Background()
	if _, err := s.Append(ctx, "sess", "stream", []byte("x")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := s.Meta(ctx, "sess", "stream"); !errors.Is(err, ErrStreamExpired) {
		t.Errorf("Meta after TTL = %v, want ErrStreamExpired", err)
	}
}

func TestMemoryStoreSubscribeDeliversBacklogThenLive(t *testing.T) {
	s := NewMemoryStore(MemoryStoreOptions{})
	ctx := context.Background()
	if _, err := s.Append(ctx, "sess", "stream", []byte("first")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	ch, cancel, err := s.Subscribe(ctx, "sess", "stream", 0)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	select {
	case ev := <-ch:
		if string(ev.Data) != "first" {
			t.Errorf("backlog event = %q, want first", ev.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for backlog event")
	}

	if _, err := s.Append(ctx, "sess", "stream", []byte("second")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	select {
	case ev := <-ch:
		if string(ev.Data) != "second" {
			t.Errorf("live event = %q, want second", ev.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for live event")
	}
}
