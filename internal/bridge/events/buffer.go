// Package events routes unsolicited DevTools events into bounded, queryable
// per-domain buffers.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Record is one buffered event. Seq is assigned by the owning Buffer and is
// never reused, so a gap between consecutive reads means records were evicted.
type Record struct {
	Seq       uint64          `json:"seq"`
	Method    string          `json:"method"`
	SessionID string          `json:"sessionId,omitempty"`
	Received  time.Time       `json:"received"`
	Params    json.RawMessage `json:"params"`
}

// Stats describes the current occupancy of a buffer. Oldest and Latest are
// zero while the buffer is empty.
type Stats struct {
	Name     string `json:"name"`
	Capacity int    `json:"capacity"`
	Len      int    `json:"len"`
	Oldest   uint64 `json:"oldest"`
	Latest   uint64 `json:"latest"`
}

// Buffer is a fixed capacity ring with a single writer and many readers.
type Buffer struct {
	name     string
	capacity int

	mu   sync.RWMutex
	ring []Record
	head int // index of the oldest record
	size int
	last uint64 // sequence of the newest record
}

// NewBuffer creates a ring holding at most capacity records.
func NewBuffer(name string, capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &Buffer{
		name:     name,
		capacity: capacity,
		ring:     make([]Record, capacity),
	}
}

// Name returns the domain this buffer stores.
func (b *Buffer) Name() string { return b.name }

// Append stores rec, stamping it with the next sequence number. It reports
// whether the oldest record had to be evicted. O(1).
func (b *Buffer) Append(rec Record) (stored Record, evicted bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.last++
	rec.Seq = b.last

	if b.size < b.capacity {
		b.ring[(b.head+b.size)%b.capacity] = rec
		b.size++
		return rec, false
	}
	b.ring[b.head] = rec
	b.head = (b.head + 1) % b.capacity
	return rec, true
}

// Read returns up to limit of the most recent records whose sequence is at
// least since, oldest first. A limit <= 0 returns every matching record.
func (b *Buffer) Read(limit int, since uint64) []Record {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.size == 0 {
		return []Record{}
	}

	oldest := b.last - uint64(b.size) + 1
	skip := 0
	if since > oldest {
		if since > b.last {
			return []Record{}
		}
		skip = int(since - oldest)
	}

	count := b.size - skip
	if limit > 0 && count > limit {
		skip += count - limit
		count = limit
	}

	out := make([]Record, count)
	for i := 0; i < count; i++ {
		out[i] = b.ring[(b.head+skip+i)%b.capacity]
	}
	return out
}

// Stats reports capacity, length and the sequence window currently held.
func (b *Buffer) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s := Stats{Name: b.name, Capacity: b.capacity, Len: b.size}
	if b.size > 0 {
		s.Latest = b.last
		s.Oldest = b.last - uint64(b.size) + 1
	}
	return s
}
