// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil holds small TCP helpers shared by the DataBus client
// connection and the test kernel: resolving and dialing the kernel
// endpoint with Nagle disabled, and classifying orderly teardown errors
// so they are not reported as failures.
package netutil
