// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock abstracts the time operations used by the connection layer.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once d
	// has elapsed. If d <= 0 the channel receives immediately.
	After(d time.Duration) <-chan time.Time

	// NewTimer returns a Timer that delivers on C once d has elapsed.
	// Stop it when the wait ends early so the timer does not linger.
	NewTimer(d time.Duration) *Timer
}

// Timer is a one-shot timer. Read the event from C.
type Timer struct {
	// C receives the fire time. Buffered with capacity 1.
	C <-chan time.Time

	stopFunc func() bool
}

// Stop prevents the Timer from firing. Returns false if the timer had
// already fired or been stopped.
func (t *Timer) Stop() bool { return t.stopFunc() }
