// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

// MaxSideData is the largest side data blob the kernel stores with a
// memory block.
const MaxSideData = 1024

// Field ids are shared across bodies so that the same number always
// means the same thing on the wire:
//
//	1 user_key     2 memory_id    3 size / memory_size
//	4 permission   5 has_side_data 6 side_data
//	15 error_code

// Message is any request or response body.
type Message interface {
	Kind() Kind
}

// Response is a message sent by the kernel. Status is CodeNone on
// success.
type Response interface {
	Message
	Status() ErrorCode
}

// Hello is the bodyless handshake, in both directions.
type Hello struct{}

func (Hello) Kind() Kind { return KindHello }
func (Hello) Status() ErrorCode { return CodeNone }

// ErrorResponse replaces the normal response when the kernel cannot
// process a request.
type ErrorResponse struct {
	Code ErrorCode `cbor:"15,keyasint,omitempty"`
}

func (ErrorResponse) Kind() Kind { return KindError }
func (r ErrorResponse) Status() ErrorCode { return r.Code }

// ApplyMemoryRequest asks the kernel to allocate a block of Size bytes
// under UserKey.
type ApplyMemoryRequest struct {
	UserKey  string `cbor:"1,keyasint,omitempty"`
	MemoryID uint32 `cbor:"2,keyasint,omitempty"`
	Size     uint32 `cbor:"3,keyasint"`
}

func (ApplyMemoryRequest) Kind() Kind { return KindApplyMemory }

type ApplyMemoryResponse struct {
	MemoryID   uint32    `cbor:"2,keyasint,omitempty"`
	MemorySize uint32    `cbor:"3,keyasint,omitempty"`
	Code       ErrorCode `cbor:"15,keyasint,omitempty"`
}

func (ApplyMemoryResponse) Kind() Kind { return KindApplyMemory }
func (r ApplyMemoryResponse) Status() ErrorCode { return r.Code }

// ReleaseMemoryRequest frees a block. MemoryID takes precedence over
// UserKey when both are set.
type ReleaseMemoryRequest struct {
	UserKey  string `cbor:"1,keyasint,omitempty"`
	MemoryID uint32 `cbor:"2,keyasint,omitempty"`
}

func (ReleaseMemoryRequest) Kind() Kind { return KindReleaseMemory }

type ReleaseMemoryResponse struct {
	Code ErrorCode `cbor:"15,keyasint,omitempty"`
}

func (ReleaseMemoryResponse) Kind() Kind { return KindReleaseMemory }
func (r ReleaseMemoryResponse) Status() ErrorCode { return r.Code }

// ApplyPermissionRequest acquires a read or write lease. A write lease
// with HasSideData replaces the block's side data atomically with the
// grant.
type ApplyPermissionRequest struct {
	UserKey     string     `cbor:"1,keyasint,omitempty"`
	MemoryID    uint32     `cbor:"2,keyasint,omitempty"`
	Permission  Permission `cbor:"4,keyasint"`
	HasSideData bool       `cbor:"5,keyasint,omitempty"`
	SideData    []byte     `cbor:"6,keyasint,omitempty"`
}

func (ApplyPermissionRequest) Kind() Kind { return KindApplyPermission }

// ApplyPermissionResponse carries the kernel's authoritative view of the
// block for the duration of the lease.
type ApplyPermissionResponse struct {
	MemoryID   uint32    `cbor:"2,keyasint,omitempty"`
	MemorySize uint32    `cbor:"3,keyasint,omitempty"`
	SideData   []byte    `cbor:"6,keyasint,omitempty"`
	Code       ErrorCode `cbor:"15,keyasint,omitempty"`
}

func (ApplyPermissionResponse) Kind() Kind { return KindApplyPermission }
func (r ApplyPermissionResponse) Status() ErrorCode { return r.Code }

type ReleasePermissionRequest struct {
	UserKey    string     `cbor:"1,keyasint,omitempty"`
	MemoryID   uint32     `cbor:"2,keyasint,omitempty"`
	Permission Permission `cbor:"4,keyasint"`
}

func (ReleasePermissionRequest) Kind() Kind { return KindReleasePermission }

type ReleasePermissionResponse struct {
	Code ErrorCode `cbor:"15,keyasint,omitempty"`
}

func (ReleasePermissionResponse) Kind() Kind { return KindReleasePermission }
func (r ReleasePermissionResponse) Status() ErrorCode { return r.Code }

type GetMetaDataRequest struct {
	UserKey string `cbor:"1,keyasint,omitempty"`
}

func (GetMetaDataRequest) Kind() Kind { return KindGetMetaData }

type GetMetaDataResponse struct {
	MemoryID   uint32    `cbor:"2,keyasint,omitempty"`
	MemorySize uint32    `cbor:"3,keyasint,omitempty"`
	SideData   []byte    `cbor:"6,keyasint,omitempty"`
	Code       ErrorCode `cbor:"15,keyasint,omitempty"`
}

func (GetMetaDataResponse) Kind() Kind { return KindGetMetaData }
func (r GetMetaDataResponse) Status() ErrorCode { return r.Code }
