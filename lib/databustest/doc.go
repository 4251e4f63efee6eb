// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package databustest provides an in-process DataBus kernel for tests
// and local development.
//
// [Kernel] listens on TCP and speaks the same framed protocol as the
// real kernel: it allocates blocks as shared-memory segments in a
// [shmem.Store], tracks user keys and memory ids, grants and releases
// read/write permissions, and stores side data. Every request it
// handles is recorded as an [Event], so tests can assert exactly which
// applies and releases a client sent. [Kernel.Digest] fingerprints a
// block's contents with BLAKE3 for checks that bypass the client.
//
// Faults are injected per message kind: [Kernel.FailNext] answers the
// next request with an Error frame, [Kernel.Hold] parks responses until
// [Kernel.Release], and [Kernel.DropConnections] severs every client
// connection.
//
// Typical use:
//
//	kernel := databustest.Start(t)
//	client := databus.New(databus.Options{Accessor: kernel.Store()})
//	err := client.Open(ctx, kernel.Host(), kernel.Port())
package databustest
