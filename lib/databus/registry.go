// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package databus

import "sync"

// Block is the client's record of an allocated memory block.
type Block struct {
	UserKey  string
	MemoryID uint32
	Size     uint32
}

// Registry caches user key to block for one client. Memory ids are only
// meaningful on the connection that learned them, so the client resets
// the registry whenever it opens or closes a connection. Safe for
// concurrent use.
type Registry struct {
	mu     sync.RWMutex
	blocks map[string]Block
}

func newRegistry() *Registry {
	return &Registry{blocks: make(map[string]Block)}
}

// Put records or replaces the block for block.UserKey.
func (r *Registry) Put(block Block) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocks[block.UserKey] = block
}

func (r *Registry) Lookup(userKey string) (Block, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	block, ok := r.blocks[userKey]
	return block, ok
}

// Remove drops userKey and reports whether it was present.
func (r *Registry) Remove(userKey string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.blocks[userKey]
	delete(r.blocks, userKey)
	return ok
}

func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.blocks)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.blocks)
}
