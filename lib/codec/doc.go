// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR encoding configuration shared by the
// DataBus wire protocol and anything else that serializes message bodies.
//
// Message bodies are CBOR maps keyed by small integer field ids rather
// than names. Each field carries its id next to its value, so a decoder
// built against an older schema skips fields it does not know and a
// newer decoder tolerates fields an older peer omits. Struct types
// declare ids with the keyasint tag option:
//
//	type applyMemoryRequest struct {
//		UserKey string `cbor:"1,keyasint,omitempty"`
//		Size    uint32 `cbor:"3,keyasint"`
//	}
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2): sorted
// map keys, smallest integer encoding, no indefinite-length items. The
// same logical message always produces identical bytes, which keeps
// frame-level tests byte-exact.
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
package codec
