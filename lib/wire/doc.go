// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire implements the DataBus wire protocol: the fixed frame
// header, the message kinds and their bodies, the kernel error codes,
// and stream reassembly.
//
// Every frame is a 10-byte header followed by a body:
//
//	+----------+---------------+---------------+----------------+
//	| type u16 | body_size u32 | sequence u32  | body (CBOR)    |
//	+----------+---------------+---------------+----------------+
//
// All header integers are big-endian. The sequence number correlates a
// response with the request that caused it; responses reuse the
// request's type, except that the kernel may answer any request with an
// [KindError] frame carrying the request's sequence.
//
// Bodies are CBOR maps keyed by integer field ids (see lib/codec), so
// peers tolerate fields added by newer versions. An empty body decodes
// to the zero value of the message, which is how bodyless acks and
// [KindHello] travel.
//
// [Assembler] turns an arbitrarily fragmented byte stream back into
// frames. The connection's reader feeds it whatever each socket read
// returns; a frame split across many reads and many frames packed into
// one read produce the same output.
package wire
