// Package buffer implements the store-and-forward buffer: a bounded FIFO
// per stored-for public key, using a mutex-guarded map rather than the
// registry's channel coordinator. A buffer's append/drain access pattern
// (many concurrent appends across keys, rare whole-key drains) fits a
// per-key lock better than a single serializing goroutine.
package buffer

import (
	"sync"

	"github.com/sage-x-project/agentrelay/internal/metrics"
	"github.com/sage-x-project/agentrelay/pkg/envelope"
)

// DefaultCapacity bounds each stored-for key's queue when a Buffer is
// constructed without an explicit capacity.
const DefaultCapacity = 100

type queue struct {
	mu    sync.Mutex
	items []envelope.Envelope
}

// Buffer holds one bounded FIFO per public key in a fixed, configured
// allowlist. A slot exists only for keys supplied at construction; Append
// and Drain are no-ops (reporting as such) for any other key.
type Buffer struct {
	capacity int
	mu       sync.RWMutex
	queues   map[string]*queue
}

// New creates a Buffer with a slot for each of storedFor, each bounded to
// capacity entries. capacity <= 0 uses DefaultCapacity.
func New(storedFor []string, capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	b := &Buffer{
		capacity: capacity,
		queues:   make(map[string]*queue, len(storedFor)),
	}
	for _, key := range storedFor {
		b.queues[key] = &queue{}
	}
	return b
}

// IsStoredFor reports whether publicKey has a configured buffer slot.
func (b *Buffer) IsStoredFor(publicKey string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.queues[publicKey]
	return ok
}

// Append adds env to publicKey's queue in insertion order. If the queue is
// at capacity, the oldest entry is dropped to make room. Append reports
// false if publicKey has no configured slot; callers must check
// IsStoredFor (or the router's "recipient_not_connected" path) before
// calling Append.
func (b *Buffer) Append(publicKey string, env envelope.Envelope) bool {
	b.mu.RLock()
	q, ok := b.queues[publicKey]
	b.mu.RUnlock()
	if !ok {
		return false
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, env)
	if len(q.items) > b.capacity {
		metrics.BufferDropped.Add(float64(len(q.items) - b.capacity))
		q.items = q.items[len(q.items)-b.capacity:]
	}
	return true
}

// Drain atomically removes and returns all buffered envelopes for
// publicKey, in insertion order, leaving the queue empty. Draining is a
// single non-interruptible phase: no Append can interleave partway through
// the returned slice.
func (b *Buffer) Drain(publicKey string) []envelope.Envelope {
	b.mu.RLock()
	q, ok := b.queues[publicKey]
	b.mu.RUnlock()
	if !ok {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	drained := q.items
	q.items = nil
	metrics.BufferDepth.WithLabelValues(publicKey).Set(0)
	return drained
}

// Depth returns the current number of buffered envelopes for publicKey.
func (b *Buffer) Depth(publicKey string) int {
	b.mu.RLock()
	q, ok := b.queues[publicKey]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// StoredForKeys returns every public key with a configured buffer slot, in
// no particular order — used to seed peer_list snapshots with stored-for
// peers that are not currently connected.
func (b *Buffer) StoredForKeys() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	keys := make([]string, 0, len(b.queues))
	for k := range b.queues {
		keys = append(keys, k)
	}
	return keys
}
