// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package shmem

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const (
	// DefaultDirectory is where the kernel publishes segment files.
	DefaultDirectory = "/dev/shm"

	// DefaultPrefix is prepended to the memory id to form a segment
	// file name.
	DefaultPrefix = "databus-"
)

// Directory is a Store of file-backed segments under one directory.
type Directory struct {
	path   string
	prefix string
}

// NewDirectory returns a Directory rooted at path. Empty arguments
// select DefaultDirectory and DefaultPrefix.
func NewDirectory(path, prefix string) *Directory {
	if path == "" {
		path = DefaultDirectory
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Directory{path: path, prefix: prefix}
}

// SegmentPath returns the file backing memoryID.
func (d *Directory) SegmentPath(memoryID uint32) string {
	return filepath.Join(d.path, d.prefix+strconv.FormatUint(uint64(memoryID), 10))
}

// Create makes a zero-filled segment file of size bytes. The file must
// not already exist.
func (d *Directory) Create(memoryID uint32, size int) error {
	if size <= 0 {
		return fmt.Errorf("segment %d: size %d must be positive", memoryID, size)
	}
	path := d.SegmentPath(memoryID)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("creating segment file %s: %w", path, err)
	}
	defer file.Close()
	if err := file.Truncate(int64(size)); err != nil {
		os.Remove(path)
		return fmt.Errorf("sizing segment file %s: %w", path, err)
	}
	return nil
}

// Remove deletes the segment file.
func (d *Directory) Remove(memoryID uint32) error {
	path := d.SegmentPath(memoryID)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %d", ErrNoSegment, memoryID)
		}
		return fmt.Errorf("removing segment file %s: %w", path, err)
	}
	return nil
}

// openSegment opens the segment file and returns it with its size.
func (d *Directory) openSegment(memoryID uint32, flag int) (*os.File, int, error) {
	path := d.SegmentPath(memoryID)
	file, err := os.OpenFile(path, flag, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, fmt.Errorf("%w: %d (%s)", ErrNoSegment, memoryID, path)
		}
		return nil, 0, fmt.Errorf("opening segment file %s: %w", path, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, fmt.Errorf("stat segment file %s: %w", path, err)
	}
	return file, int(info.Size()), nil
}
