// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package busconn

import (
	"sync"

	"github.com/bureau-foundation/databus/lib/wire"
)

// result is what the reader delivers to a waiting caller.
type result struct {
	response wire.Response
	err      error
}

// pendingRequest is one in-flight request. The waiter has capacity 1
// and receives exactly one result, so the reader never blocks on it
// even when the caller has already given up.
type pendingRequest struct {
	kind      wire.Kind
	waiter    chan result
	abandoned bool
}

// pendingTable maps in-flight sequence numbers to their waiters. Caller
// goroutines register and abandon; the reader takes and fails.
type pendingTable struct {
	mu      sync.Mutex
	entries map[uint32]*pendingRequest
	// closed is set by failAll. Registration after that returns it.
	closed error
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[uint32]*pendingRequest)}
}

// register allocates a sequence not currently in flight and records a
// waiter for it.
func (t *pendingTable) register(sequence *Sequence, kind wire.Kind) (uint32, <-chan result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed != nil {
		return 0, nil, t.closed
	}
	for {
		number := sequence.Next()
		if _, busy := t.entries[number]; busy {
			continue
		}
		entry := &pendingRequest{kind: kind, waiter: make(chan result, 1)}
		t.entries[number] = entry
		return number, entry.waiter, nil
	}
}

// take removes and returns the request for number. Whoever takes an
// entry owns delivering its one result.
func (t *pendingTable) take(number uint32) (*pendingRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[number]
	if ok {
		delete(t.entries, number)
	}
	return entry, ok
}

// abandon marks a request whose caller stopped waiting. The entry stays
// registered so the sequence is not reused before the kernel answers.
func (t *pendingTable) abandon(number uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if entry, ok := t.entries[number]; ok {
		entry.abandoned = true
	}
}

// failAll resolves every pending request with err and rejects further
// registrations. Only the first call has any effect.
func (t *pendingTable) failAll(err error) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed != nil {
		return 0
	}
	t.closed = err
	count := len(t.entries)
	for number, entry := range t.entries {
		entry.waiter <- result{err: err}
		delete(t.entries, number)
	}
	return count
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
