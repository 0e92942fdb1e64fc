// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package frame implements the length-delimited message envelope:
//
//	[1 byte flags][4 byte big-endian length][length bytes of payload]
//
// Bit 0 of flags marks a compressed payload. The package only manages the
// envelope; payload serialization and compression belong to the caller.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderLen is the size of the envelope prefix.
const HeaderLen = 5

// FlagCompressed is set when the payload is compressed.
const FlagCompressed byte = 0x01

// DefaultMaxSize bounds a received payload unless configured otherwise.
const DefaultMaxSize = 4 << 20

var (
	// ErrTruncated means the declared length exceeds the bytes available.
	ErrTruncated = errors.New("frame: declared length exceeds available bytes")

	// ErrTooLarge means the declared length exceeds the receive limit.
	ErrTooLarge = errors.New("frame: message larger than limit")

	// ErrFlags means reserved flag bits were set.
	ErrFlags = errors.New("frame: reserved flag bits set")
)

// Frame is one decoded envelope.
type Frame struct {
	Compressed bool
	Payload    []byte
}

// Len is the encoded size of f.
func (f Frame) Len() int {
	return HeaderLen + len(f.Payload)
}

// Encode returns the envelope for payload.
func Encode(payload []byte, compressed bool) []byte {
	buf := make([]byte, HeaderLen+len(payload))
	PutHeader(buf, len(payload), compressed)
	copy(buf[HeaderLen:], payload)
	return buf
}

// PutHeader writes the 5 byte prefix into buf.
func PutHeader(buf []byte, n int, compressed bool) {
	buf[0] = 0
	if compressed {
		buf[0] = FlagCompressed
	}
	binary.BigEndian.PutUint32(buf[1:HeaderLen], uint32(n))
}

// ParseHeader decodes a 5 byte prefix.
func ParseHeader(hdr []byte) (compressed bool, n uint32, err error) {
	if len(hdr) < HeaderLen {
		return false, 0, ErrTruncated
	}
	if hdr[0]&^FlagCompressed != 0 {
		return false, 0, fmt.Errorf("%w: %#x", ErrFlags, hdr[0])
	}
	return hdr[0]&FlagCompressed != 0, binary.BigEndian.Uint32(hdr[1:HeaderLen]), nil
}

// Decode parses one envelope from the front of buf and returns it together
// with the remaining bytes. The payload aliases buf.
func Decode(buf []byte) (Frame, []byte, error) {
	compressed, n, err := ParseHeader(buf)
	if err != nil {
		return Frame{}, buf, err
	}
	end := uint64(HeaderLen) + uint64(n)
	if uint64(len(buf)) < end {
		return Frame{}, buf, fmt.Errorf("%w: want %d, have %d", ErrTruncated, n, len(buf)-HeaderLen)
	}
	return Frame{Compressed: compressed, Payload: buf[HeaderLen:end]}, buf[end:], nil
}

// Reader reads successive envelopes from a byte stream.
type Reader struct {
	r       io.Reader
	maxSize int
	hdr     [HeaderLen]byte
}

// NewReader returns a Reader over r. A maxSize of zero means DefaultMaxSize;
// a negative one disables the check.
func NewReader(r io.Reader, maxSize int) *Reader {
	if maxSize == 0 {
		maxSize = DefaultMaxSize
	}
	return &Reader{r: r, maxSize: maxSize}
}

// Next returns the next envelope. It returns io.EOF when the stream ends
// cleanly between envelopes and an error wrapping ErrTruncated when it ends
// inside one. Any other error from the underlying reader is returned as is.
func (fr *Reader) Next() (Frame, error) {
	if _, err := io.ReadFull(fr.r, fr.hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, fmt.Errorf("%w: partial header", ErrTruncated)
		}
		return Frame{}, err
	}
	compressed, n, err := ParseHeader(fr.hdr[:])
	if err != nil {
		return Frame{}, err
	}
	if fr.maxSize >= 0 && uint64(n) > uint64(fr.maxSize) {
		return Frame{}, fmt.Errorf("%w: %d > %d", ErrTooLarge, n, fr.maxSize)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, fmt.Errorf("%w: want %d bytes", ErrTruncated, n)
		}
		return Frame{}, err
	}
	return Frame{Compressed: compressed, Payload: payload}, nil
}
