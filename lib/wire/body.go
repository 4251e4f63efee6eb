// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"fmt"

	"github.com/bureau-foundation/databus/lib/codec"
)

// EncodeBody serializes a message body. Hello encodes to an empty body.
func EncodeBody(message Message) ([]byte, error) {
	switch m := message.(type) {
	case Hello, *Hello:
		return nil, nil
	case ApplyPermissionRequest:
		if err := checkSideData(m.SideData); err != nil {
			return nil, err
		}
	case *ApplyPermissionRequest:
		if err := checkSideData(m.SideData); err != nil {
			return nil, err
		}
	}
	if !message.Kind().Known() {
		return nil, fmt.Errorf("encode body: %w: %s", ErrUnknownKind, message.Kind())
	}
	body, err := codec.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("encode %s body: %w", message.Kind(), err)
	}
	return body, nil
}

func checkSideData(sideData []byte) error {
	if len(sideData) > MaxSideData {
		return fmt.Errorf("%w: %d > %d bytes", ErrSideDataTooLarge, len(sideData), MaxSideData)
	}
	return nil
}

// DecodeRequest decodes a body sent by a client. KindError is never a
// request and is rejected like an unknown kind.
func DecodeRequest(kind Kind, body []byte) (Message, error) {
	var message Message
	var err error
	switch kind {
	case KindHello:
		return Hello{}, nil
	case KindApplyMemory:
		message, err = decodeInto[ApplyMemoryRequest](body)
	case KindReleaseMemory:
		message, err = decodeInto[ReleaseMemoryRequest](body)
	case KindApplyPermission:
		var request ApplyPermissionRequest
		request, err = decodeInto[ApplyPermissionRequest](body)
		if err == nil {
			err = checkSideData(request.SideData)
		}
		message = request
	case KindReleasePermission:
		message, err = decodeInto[ReleasePermissionRequest](body)
	case KindGetMetaData:
		message, err = decodeInto[GetMetaDataRequest](body)
	default:
		return nil, fmt.Errorf("decode request: %w: %s", ErrUnknownKind, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s request: %w", kind, err)
	}
	return message, nil
}

// DecodeResponse decodes a body sent by the kernel.
func DecodeResponse(kind Kind, body []byte) (Response, error) {
	var response Response
	var err error
	switch kind {
	case KindHello:
		return Hello{}, nil
	case KindError:
		response, err = decodeInto[ErrorResponse](body)
	case KindApplyMemory:
		response, err = decodeInto[ApplyMemoryResponse](body)
	case KindReleaseMemory:
		response, err = decodeInto[ReleaseMemoryResponse](body)
	case KindApplyPermission:
		response, err = decodeInto[ApplyPermissionResponse](body)
	case KindReleasePermission:
		response, err = decodeInto[ReleasePermissionResponse](body)
	case KindGetMetaData:
		response, err = decodeInto[GetMetaDataResponse](body)
	default:
		return nil, fmt.Errorf("decode response: %w: %s", ErrUnknownKind, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s response: %w", kind, err)
	}
	return response, nil
}

func decodeInto[T any](body []byte) (T, error) {
	var value T
	if len(body) == 0 {
		return value, nil
	}
	err := codec.Unmarshal(body, &value)
	return value, err
}
