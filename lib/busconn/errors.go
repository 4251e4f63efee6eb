// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package busconn

import "errors"

var (
	// ErrTimeout is returned by Call when no response arrives within
	// the request timeout. The kernel may still process the request.
	ErrTimeout = errors.New("databus request timed out")

	// ErrConnectionLost wraps the read or write error that killed the
	// connection.
	ErrConnectionLost = errors.New("databus connection lost")

	// ErrClosed is returned for requests outstanding or attempted after
	// Close.
	ErrClosed = errors.New("databus connection closed")

	// ErrProtocol marks a frame that violates the wire protocol: an
	// undecodable body, an unknown kind, or a response of the wrong
	// kind.
	ErrProtocol = errors.New("databus protocol error")
)
