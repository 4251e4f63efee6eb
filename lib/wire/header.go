// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// HeaderSize is the fixed size of a frame header: 2 bytes type, 4 bytes
// body size, 4 bytes sequence.
const HeaderSize = 10

// MaxBodySize is the largest body a frame may declare. Bodies carry
// metadata (keys, ids, at most 1 KiB of side data), never block
// contents, so 16 MiB is far beyond anything legitimate.
const MaxBodySize = 16 * 1024 * 1024

// Header is the decoded form of a frame header.
type Header struct {
	Kind     Kind
	BodySize uint32
	Sequence uint32
}

// EncodeHeader returns the wire form of a header.
func EncodeHeader(kind Kind, sequence uint32, bodySize uint32) [HeaderSize]byte {
	var header [HeaderSize]byte
	binary.BigEndian.PutUint16(header[0:2], uint16(kind))
	binary.BigEndian.PutUint32(header[2:6], bodySize)
	binary.BigEndian.PutUint32(header[6:10], sequence)
	return header
}

// DecodeHeader parses the first HeaderSize bytes of data. It rejects
// bodies over MaxBodySize but does not validate the kind: an unknown
// kind still has a well-defined body length, so the stream stays in
// sync and the error is reported per frame by the body decoders.
func DecodeHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("header needs %d bytes, have %d", HeaderSize, len(data))
	}
	header := Header{
		Kind:     Kind(binary.BigEndian.Uint16(data[0:2])),
		BodySize: binary.BigEndian.Uint32(data[2:6]),
		Sequence: binary.BigEndian.Uint32(data[6:10]),
	}
	if header.BodySize > MaxBodySize {
		return header, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, header.BodySize, MaxBodySize)
	}
	return header, nil
}

// Frame is one header plus its body.
type Frame struct {
	Header
	Body []byte
}

// AppendFrame appends the wire form of a frame to dst. The header's
// BodySize is taken from len(body).
func AppendFrame(dst []byte, kind Kind, sequence uint32, body []byte) ([]byte, error) {
	if len(body) > MaxBodySize {
		return dst, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(body), MaxBodySize)
	}
	header := EncodeHeader(kind, sequence, uint32(len(body)))
	dst = append(dst, header[:]...)
	return append(dst, body...), nil
}

// WriteFrame writes a single frame to w with one Write call, so
// concurrent writers serialized by a lock never interleave partial
// frames.
func WriteFrame(w io.Writer, kind Kind, sequence uint32, body []byte) error {
	frame, err := AppendFrame(make([]byte, 0, HeaderSize+len(body)), kind, sequence, body)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write %s frame: %w", kind, err)
	}
	return nil
}

// ReadFrame reads exactly one frame from r. It is the blocking
// counterpart of [Assembler] for peers that own their read loop, such
// as the test kernel.
func ReadFrame(r io.Reader) (Frame, error) {
	var headerBytes [HeaderSize]byte
	if _, err := io.ReadFull(r, headerBytes[:]); err != nil {
		return Frame{}, fmt.Errorf("read frame header: %w", err)
	}
	header, err := DecodeHeader(headerBytes[:])
	if err != nil {
		return Frame{}, err
	}
	body := make([]byte, header.BodySize)
	if header.BodySize > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return Frame{}, fmt.Errorf("read frame body: %w", err)
		}
	}
	return Frame{Header: header, Body: body}, nil
}
