// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source so that request
// timeouts and dial backoff can be tested without wall-clock sleeps.
//
// Code that waits accepts a Clock instead of calling time.After or
// time.NewTimer directly. Production uses Real(); tests use Fake(),
// which only moves when Advance is called:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	conn := dialWithClock(fake)
//	go conn.Call(ctx, request) // registers a timeout timer
//	fake.WaitForTimers(1)
//	fake.Advance(requestTimeout) // the call returns ErrTimeout
//
// WaitForTimers closes the race between a goroutine registering its
// timer and the test advancing past it.
package clock
