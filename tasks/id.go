// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package tasks

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
)

// idGen produces monotonic UUIDv7-like task ids: consecutive ids generated
// within the same process sort lexically in creation order, unlike the
// teacher's newTaskID (16 random bytes, hex-encoded), which spec.md §9
// flags as a possible improvement ("a monotonic task id would let clients
// infer creation order without a separate timestamp field").
type idGen struct {
	mu     sync.Mutex
	lastMs int64
	seq    uint16
}

var defaultIDGen = &idGen{}

// NewID returns a new monotonic task id. Safe for concurrent use.
func NewID() string {
	return defaultIDGen.next(time.Now())
}

func (g *idGen) next(now time.Time) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := now.UnixMilli()
	if ms <= g.lastMs {
		// Clock did not advance (or went backwards); stay on the same
		// millisecond and bump the counter so ordering is preserved.
		ms = g.lastMs
		g.seq++
		if g.seq >= 1<<12 {
			// Counter exhausted for this millisecond: borrow the next one.
			ms++
			g.seq = 0
		}
	} else {
		g.seq = 0
	}
	g.lastMs = ms

	var id uuid.UUID
	if _, err := io.ReadFull(newV7Reader(ms, g.seq), id[:]); err != nil {
		// newV7Reader never returns an error.
		panic(err)
	}
	return id.String()
}

// newV7Reader returns an io.Reader yielding the 16 bytes of a version 7
// UUID: ms as the 48-bit big-endian timestamp, then the version nibble and
// seq as the 12-bit monotonic counter, so that UUIDs minted within the same
// millisecond still sort in creation order, then the variant bits and
// genuine randomness.
func newV7Reader(ms int64, seq uint16) *v7Reader {
	var buf [16]byte
	for i := 0; i < 6; i++ {
		buf[i] = byte(ms >> (40 - 8*i))
	}
	buf[6] = 0x70 | byte(seq>>8)&0x0F
	buf[7] = byte(seq)
	_, _ = rand.Read(buf[8:])
	buf[8] = buf[8]&0x3F | 0x80
	return &v7Reader{buf: buf}
}

type v7Reader struct {
	buf [16]byte
	off int
}

func (r *v7Reader) Read(p []byte) (int, error) {
	n := copy(p, r.buf[r.off:])
	r.off += n
	return n, nil
}
