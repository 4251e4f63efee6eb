// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package shmem

import (
	"errors"
	"fmt"
)

// Accessor reads and writes leased segments.
type Accessor interface {
	// Read copies size bytes starting at offset out of the segment.
	Read(memoryID uint32, size, offset int) ([]byte, error)

	// Write copies data into the segment at offset and returns the
	// number of bytes written.
	Write(memoryID uint32, data []byte, offset int) (int, error)
}

// Store is an Accessor that can also create and remove segments. Only
// the kernel side (the test kernel, in this module) calls Create and
// Remove.
type Store interface {
	Accessor
	Create(memoryID uint32, size int) error
	Remove(memoryID uint32) error
}

var (
	// ErrNoSegment is returned for a memory id with no backing segment.
	ErrNoSegment = errors.New("no such memory segment")

	// ErrOutOfRange is returned when an access extends past the end of
	// the segment or uses a negative size or offset.
	ErrOutOfRange = errors.New("access outside memory segment")

	// ErrPlatformNotSupported is returned by Directory on platforms
	// without mmap.
	ErrPlatformNotSupported = errors.New("shared memory segments not supported on this platform")
)

// checkRange validates an access of length bytes at offset within a
// segment of segmentSize bytes.
func checkRange(memoryID uint32, segmentSize, length, offset int) error {
	if length < 0 || offset < 0 || offset > segmentSize || length > segmentSize-offset {
		return fmt.Errorf("%w: segment %d: %d bytes at offset %d, segment size %d",
			ErrOutOfRange, memoryID, length, offset, segmentSize)
	}
	return nil
}
