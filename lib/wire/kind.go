// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"fmt"
	"strconv"
)

// Kind identifies the message type carried by a frame.
type Kind uint16

const (
	// KindHello is the bodyless handshake and liveness probe. The
	// kernel answers with a bodyless Hello.
	KindHello Kind = 1

	// KindError is sent only by the kernel, in place of the normal
	// response, when a request cannot be processed at all.
	KindError Kind = 2

	KindApplyMemory       Kind = 3
	KindReleaseMemory     Kind = 4
	KindApplyPermission   Kind = 5
	KindReleasePermission Kind = 6
	KindGetMetaData       Kind = 7
)

var kindNames = map[Kind]string{
	KindHello:             "Hello",
	KindError:             "Error",
	KindApplyMemory:       "ApplyMemory",
	KindReleaseMemory:     "ReleaseMemory",
	KindApplyPermission:   "ApplyPermission",
	KindReleasePermission: "ReleasePermission",
	KindGetMetaData:       "GetMetaData",
}

// Known reports whether k is a kind this package can decode.
func (k Kind) Known() bool {
	_, ok := kindNames[k]
	return ok
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "Kind(" + strconv.Itoa(int(k)) + ")"
}

// Permission is the access mode of a permission lease.
type Permission uint8

const (
	PermissionRead  Permission = 1
	PermissionWrite Permission = 2
)

func (p Permission) String() string {
	switch p {
	case PermissionRead:
		return "read"
	case PermissionWrite:
		return "write"
	default:
		return fmt.Sprintf("Permission(%d)", uint8(p))
	}
}

// Valid reports whether p is Read or Write.
func (p Permission) Valid() bool {
	return p == PermissionRead || p == PermissionWrite
}
