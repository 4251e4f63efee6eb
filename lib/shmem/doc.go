// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package shmem is the raw memory primitive behind DataBus blocks.
//
// The kernel owns the shared-memory segments; a client may only touch a
// segment while it holds a permission lease for it. [Accessor] is the
// boundary the client calls inside a lease: copy bytes out of, or into,
// the segment identified by a kernel memory id. It performs no locking
// of its own.
//
// [Directory] maps segments that the kernel exposes as files named
// <prefix><memory_id> in a directory (by default /dev/shm/databus-N),
// using mmap with MAP_SHARED so writes are visible to every process
// mapping the same segment. [Memory] keeps segments in process memory
// and backs unit tests and the in-process test kernel.
//
// Both implement [Store], which adds the kernel-side Create and Remove.
package shmem
