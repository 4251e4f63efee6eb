// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build unix

package shmem

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// DirectorySupported reports whether Directory can map segments on this
// platform.
const DirectorySupported = true

// Read maps the segment read-only and copies size bytes at offset.
func (d *Directory) Read(memoryID uint32, size, offset int) ([]byte, error) {
	file, segmentSize, err := d.openSegment(memoryID, os.O_RDONLY)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	if err := checkRange(memoryID, segmentSize, size, offset); err != nil {
		return nil, err
	}
	if size == 0 {
		return []byte{}, nil
	}

	mapping, err := unix.Mmap(int(file.Fd()), 0, segmentSize, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mapping segment %d: %w", memoryID, err)
	}
	defer unix.Munmap(mapping)

	out := make([]byte, size)
	copy(out, mapping[offset:offset+size])
	return out, nil
}

// Write maps the segment read-write and copies data in at offset.
func (d *Directory) Write(memoryID uint32, data []byte, offset int) (int, error) {
	file, segmentSize, err := d.openSegment(memoryID, os.O_RDWR)
	if err != nil {
		return 0, err
	}
	defer file.Close()
	if err := checkRange(memoryID, segmentSize, len(data), offset); err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, nil
	}

	mapping, err := unix.Mmap(int(file.Fd()), 0, segmentSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return 0, fmt.Errorf("mapping segment %d: %w", memoryID, err)
	}
	written := copy(mapping[offset:], data)
	if err := unix.Munmap(mapping); err != nil {
		return written, fmt.Errorf("unmapping segment %d: %w", memoryID, err)
	}
	return written, nil
}
