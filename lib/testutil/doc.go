// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for DataBus packages.
//
// [RequireReceive], [RequireClosed], and [RequireBlocked] wrap the
// select-with-deadline pattern so tests that wait on connection
// goroutines never hang the suite. They are the only place tests use
// real wall-clock timeouts; request timeouts under test are driven by
// lib/clock's fake clock instead.
//
// [UniqueID] generates distinct user keys so parallel tests sharing one
// test kernel never collide.
//
// All helpers call t.Fatalf on failure rather than returning errors.
//
// This package has no DataBus-internal dependencies.
package testutil
