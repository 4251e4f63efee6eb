// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package databus is the client for a DataBus kernel: a separate process
// that owns named blocks of shared memory and arbitrates access to them.
//
// A [Client] holds one multiplexed connection (see lib/busconn) and a
// [Registry] caching user key to memory id. Blocks move through
// allocate, lease, and free:
//
//	client.SharedMalloc(ctx, "frames", 4096)
//	client.WriteOnce(ctx, databus.WriteRequest{UserKey: "frames", Contents: data})
//	response, err := client.ReadOnce(ctx, databus.ReadRequest{UserKey: "frames", Size: len(data)})
//	client.SharedFree(ctx, "frames")
//
// Every read or write runs inside a permission lease obtained from the
// kernel ([Client.WithPermission]). The lease is released exactly once
// on every exit path, including a panic in the caller's function, and
// the raw memory is touched only while the lease is held.
//
// Errors are ordinary Go errors. [Code] maps any error returned by this
// package to the protocol's [wire.ErrorCode] for callers that dispatch
// on codes.
package databus
