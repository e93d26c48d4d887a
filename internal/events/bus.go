package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Bus is an in-memory pub/sub with a small ring buffer for late clients.
type Bus struct {
	nextSeq atomic.Int64

	mu    sync.Mutex
	ring  []Envelope
	start int
	size  int

	subs      map[int]chan Envelope
	nextSubID int
}

// NewBus creates a bus whose ring buffer holds capacity envelopes.
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 100
	}
	return &Bus{
		ring: make([]Envelope, capacity),
		subs: make(map[int]chan Envelope),
	}
}

// Publish fans an event out to all subscribers and records it in the ring.
func (b *Bus) Publish(ev Event) {
	env := Envelope{
		Seq:   b.nextSeq.Add(1),
		At:    time.Now().UTC(),
		Event: ev,
	}

	b.mu.Lock()
	b.pushLocked(env)
	for _, ch := range b.subs {
		// Don't let slow clients block producers.
		select {
		case ch <- env:
		default:
		}
	}
	b.mu.Unlock()
}

// Subscribe registers a new subscriber. The returned cancel func must be
// called to release the subscription.
func (b *Bus) Subscribe() (<-chan Envelope, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextSubID
	b.nextSubID++
	ch := make(chan Envelope, 128)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
		b.mu.Unlock()
	}

	return ch, cancel
}

// SnapshotSince returns buffered envelopes with Seq > lastSeq, oldest-first.
// If lastSeq is 0, the full ring buffer snapshot is returned.
func (b *Bus) SnapshotSince(lastSeq int64) []Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Envelope, 0, b.size)
	for i := 0; i < b.size; i++ {
		env := b.ring[(b.start+i)%len(b.ring)]
		if lastSeq == 0 || env.Seq > lastSeq {
			out = append(out, env)
		}
	}
	return out
}

func (b *Bus) pushLocked(env Envelope) {
	capacity := len(b.ring)
	if capacity == 0 {
		return
	}

	if b.size < capacity {
		idx := (b.start + b.size) % capacity
		b.ring[idx] = env
		b.size++
		return
	}

	// Overwrite oldest.
	b.ring[b.start] = env
	b.start = (b.start + 1) % capacity
}
