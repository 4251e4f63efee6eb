// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package databus

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/databus/lib/busconn"
	"github.com/bureau-foundation/databus/lib/wire"
)

// ErrNotConnected is returned by every operation attempted before Open,
// after Close, or when Open failed.
var ErrNotConnected = errors.New("not connected to databus")

// CoreError is a request the kernel rejected.
type CoreError = wire.CoreError

// ValidationError is a caller mistake detected before any network I/O.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IOError is a failure of the raw memory primitive inside a lease.
type IOError struct {
	// Op is "read" or "write".
	Op       string
	UserKey  string
	MemoryID uint32
	Err      error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("databus %s of %q (memory %d): %v", e.Op, e.UserKey, e.MemoryID, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Code maps an error from this package to its protocol error code. A
// nil error is CodeNone. Errors that match nothing more specific map to
// CodeProtocolError.
func Code(err error) wire.ErrorCode {
	if err == nil {
		return wire.CodeNone
	}
	var coreErr *wire.CoreError
	if errors.As(err, &coreErr) {
		return coreErr.Code
	}
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return wire.CodeInvalidArgument
	}
	if errors.Is(err, wire.ErrSideDataTooLarge) {
		return wire.CodeInvalidArgument
	}
	if errors.Is(err, ErrNotConnected) {
		return wire.CodeNotConnectedToDataBus
	}
	var ioErr *IOError
	if errors.As(err, &ioErr) {
		if ioErr.Op == "write" {
			return wire.CodeMemoryWriteError
		}
		return wire.CodeMemoryReadError
	}
	switch {
	case errors.Is(err, busconn.ErrTimeout):
		return wire.CodeTimeout
	case errors.Is(err, busconn.ErrConnectionLost), errors.Is(err, busconn.ErrClosed):
		return wire.CodeConnectionLost
	}
	return wire.CodeProtocolError
}
