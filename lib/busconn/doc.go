// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package busconn multiplexes DataBus requests over one TCP connection
// to the kernel.
//
// A [Conn] owns the socket and a single reader goroutine. Callers on any
// goroutine invoke [Conn.Call], which:
//
//  1. allocates a sequence number from the connection's [Sequence],
//     skipping any sequence still waiting for a response;
//  2. registers a pending request whose waiter is a one-slot channel;
//  3. writes the frame under the send lock, the only mutually
//     exclusive region on the hot path;
//  4. blocks until the reader resolves the waiter, the request timeout
//     or the caller's context expires, or the connection dies.
//
// The reader drains the socket into a [wire.Assembler], and for every
// complete frame takes the matching pending request out of the table
// and delivers exactly one result to it. Frames whose sequence has no
// pending request (late duplicates) are dropped. Responses may arrive in
// any order.
//
// A request that times out stays in the pending table until its late
// response arrives or the connection is torn down, so its sequence is
// never handed to another request while the kernel may still answer it.
//
// When the socket fails, the reader resolves every pending request with
// an error wrapping [ErrConnectionLost] (or [ErrClosed] after an explicit
// [Conn.Close]) before closing the socket, so no caller waits forever.
// Every later Call fails immediately with the same error.
package busconn
