// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package shmem

import (
	"fmt"
	"sync"
)

// Memory is an in-process Store. Safe for concurrent use.
type Memory struct {
	mu       sync.Mutex
	segments map[uint32][]byte
}

// NewMemory returns an empty in-process store.
func NewMemory() *Memory {
	return &Memory{segments: make(map[uint32][]byte)}
}

// Create allocates a zeroed segment. Creating an existing id fails.
func (m *Memory) Create(memoryID uint32, size int) error {
	if size <= 0 {
		return fmt.Errorf("segment %d: size %d must be positive", memoryID, size)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.segments[memoryID]; exists {
		return fmt.Errorf("segment %d already exists", memoryID)
	}
	m.segments[memoryID] = make([]byte, size)
	return nil
}

// Remove discards a segment.
func (m *Memory) Remove(memoryID uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.segments[memoryID]; !exists {
		return fmt.Errorf("%w: %d", ErrNoSegment, memoryID)
	}
	delete(m.segments, memoryID)
	return nil
}

func (m *Memory) Read(memoryID uint32, size, offset int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	segment, exists := m.segments[memoryID]
	if !exists {
		return nil, fmt.Errorf("%w: %d", ErrNoSegment, memoryID)
	}
	if err := checkRange(memoryID, len(segment), size, offset); err != nil {
		return nil, err
	}
	out := make([]byte, size)
	copy(out, segment[offset:offset+size])
	return out, nil
}

func (m *Memory) Write(memoryID uint32, data []byte, offset int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	segment, exists := m.segments[memoryID]
	if !exists {
		return 0, fmt.Errorf("%w: %d", ErrNoSegment, memoryID)
	}
	if err := checkRange(memoryID, len(segment), len(data), offset); err != nil {
		return 0, err
	}
	return copy(segment[offset:], data), nil
}
