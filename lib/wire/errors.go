// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"errors"
	"fmt"
	"strconv"
)

// ErrorCode is the status carried by every kernel response. CodeNone
// means success.
type ErrorCode uint32

const (
	CodeNone                  ErrorCode = 0
	CodeMallocFailed          ErrorCode = 1
	CodeKeyNotFound           ErrorCode = 2
	CodePlatformNotSupported  ErrorCode = 3
	CodeNotConnectedToDataBus ErrorCode = 4
	CodeIOOutOfBounds         ErrorCode = 5
	CodeMemoryReadError       ErrorCode = 6
	CodeMemoryWriteError      ErrorCode = 7
	CodeInvalidArgument       ErrorCode = 8
	CodePermissionConflict    ErrorCode = 9

	// The remaining codes describe client-side outcomes. The kernel
	// never sends them, but they complete the mapping from Go errors
	// back to a single status value.
	CodeTimeout        ErrorCode = 10
	CodeConnectionLost ErrorCode = 11
	CodeProtocolError  ErrorCode = 12
)

var codeNames = map[ErrorCode]string{
	CodeNone:                  "None",
	CodeMallocFailed:          "MallocFailed",
	CodeKeyNotFound:           "KeyNotFound",
	CodePlatformNotSupported:  "PlatformNotSupported",
	CodeNotConnectedToDataBus: "NotConnectedToDataBus",
	CodeIOOutOfBounds:         "IOOutOfBounds",
	CodeMemoryReadError:       "MemoryReadError",
	CodeMemoryWriteError:      "MemoryWriteError",
	CodeInvalidArgument:       "InvalidArgument",
	CodePermissionConflict:    "PermissionConflict",
	CodeTimeout:               "Timeout",
	CodeConnectionLost:        "ConnectionLost",
	CodeProtocolError:         "ProtocolError",
}

func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return "ErrorCode(" + strconv.FormatUint(uint64(c), 10) + ")"
}

// CoreError is a request the kernel explicitly rejected, either through
// a non-None error_code in the response body or through an Error frame.
type CoreError struct {
	// Kind is the request kind that failed.
	Kind Kind
	Code ErrorCode
}

func (e *CoreError) Error() string {
	return fmt.Sprintf("databus kernel rejected %s: %s", e.Kind, e.Code)
}

// Is matches another *CoreError with the same code, so callers can write
// errors.Is(err, &wire.CoreError{Code: wire.CodeKeyNotFound}). A zero
// Kind in the target matches any kind.
func (e *CoreError) Is(target error) bool {
	other, ok := target.(*CoreError)
	if !ok {
		return false
	}
	return other.Code == e.Code && (other.Kind == 0 || other.Kind == e.Kind)
}

// ErrUnknownKind is returned when a header names a message kind this
// package does not know.
var ErrUnknownKind = errors.New("unknown message kind")

// ErrFrameTooLarge is returned when a header declares a body larger than
// MaxBodySize. The stream cannot be resynchronized after this.
var ErrFrameTooLarge = errors.New("frame body exceeds maximum size")

// ErrSideDataTooLarge is returned when side data exceeds MaxSideData.
var ErrSideDataTooLarge = errors.New("side data exceeds maximum size")
