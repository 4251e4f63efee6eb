// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package busconn

import "sync/atomic"

// Sequence issues request sequence numbers. The first call returns 1;
// after the unsigned 32-bit maximum it wraps back to 1. Zero is never
// issued and means "no sequence". The zero value is ready to use and
// safe for concurrent callers.
type Sequence struct {
	last atomic.Uint32
}

// Next returns the next sequence number.
func (s *Sequence) Next() uint32 {
	for {
		previous := s.last.Load()
		next := previous + 1
		if next == 0 {
			next = 1
		}
		if s.last.CompareAndSwap(previous, next) {
			return next
		}
	}
}
