// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

// Assembler reassembles frames from a byte stream delivered in
// arbitrary chunks. It is not safe for concurrent use; a connection has
// exactly one reader.
type Assembler struct {
	buffer []byte
}

// Feed appends chunk to the accumulated stream and returns every frame
// that is now complete, in stream order. Bytes belonging to an
// incomplete trailing frame are retained for the next call.
//
// A header declaring a body over MaxBodySize returns ErrFrameTooLarge
// together with any frames completed before it. The stream is
// unrecoverable at that point and the caller should drop the
// connection.
//
// Returned frame bodies do not alias chunk or the internal buffer.
func (a *Assembler) Feed(chunk []byte) ([]Frame, error) {
	a.buffer = append(a.buffer, chunk...)

	var frames []Frame
	consumed := 0
	for {
		pending := a.buffer[consumed:]
		if len(pending) < HeaderSize {
			break
		}
		header, err := DecodeHeader(pending)
		if err != nil {
			a.compact(consumed)
			return frames, err
		}
		frameSize := HeaderSize + int(header.BodySize)
		if len(pending) < frameSize {
			break
		}
		body := make([]byte, header.BodySize)
		copy(body, pending[HeaderSize:frameSize])
		frames = append(frames, Frame{Header: header, Body: body})
		consumed += frameSize
	}
	a.compact(consumed)
	return frames, nil
}

// Buffered returns the number of bytes held for an incomplete frame.
func (a *Assembler) Buffered() int {
	return len(a.buffer)
}

// Reset discards any buffered partial frame.
func (a *Assembler) Reset() {
	a.buffer = a.buffer[:0]
}

// compact drops the first n consumed bytes, moving the partial tail to
// the front so the buffer does not grow without bound.
func (a *Assembler) compact(n int) {
	if n == 0 {
		return
	}
	remaining := copy(a.buffer, a.buffer[n:])
	a.buffer = a.buffer[:remaining]
}
