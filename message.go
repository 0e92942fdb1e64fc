// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpc

import (
	"errors"
	"io"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"

	"github.com/luxfi/streamrpc/frame"
	"github.com/luxfi/streamrpc/internal/transport"
	"github.com/luxfi/streamrpc/status"
)

// msgIO moves encoded messages over one stream. abort resolves the call
// when an inbound message is malformed.
type msgIO struct {
	s       *transport.Stream
	codec   Codec
	comp    encoding.Compressor
	fr      *frame.Reader
	maxSend int
	maxRecv int
	abort   func(*status.Status)
}

func newMsgIO(s *transport.Stream, codec Codec, comp encoding.Compressor, maxSend, maxRecv int, abort func(*status.Status)) *msgIO {
	return &msgIO{
		s:       s,
		codec:   codec,
		comp:    comp,
		fr:      frame.NewReader(s, maxRecv),
		maxSend: maxSend,
		maxRecv: maxRecv,
		abort:   abort,
	}
}

func (m *msgIO) encode(v any) ([]byte, error) {
	if raw, ok := v.(RawMessage); ok {
		return raw, nil
	}
	data, err := m.codec.Encode(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode message: %v", err)
	}
	return data, nil
}

func (m *msgIO) decode(data []byte, v any) error {
	switch v := v.(type) {
	case nil:
		return nil
	case *RawMessage:
		*v = data
		return nil
	}
	return m.codec.Decode(data, v)
}

// send encodes v and writes one envelope, optionally ending the local
// direction. Encoding failures leave the call untouched.
func (m *msgIO) send(v any, end bool) error {
	data, err := m.encode(v)
	if err != nil {
		return err
	}
	if m.maxSend >= 0 && len(data) > m.maxSend {
		return status.Errorf(codes.ResourceExhausted, "message of %d bytes exceeds send limit %d", len(data), m.maxSend)
	}
	compressed := false
	if m.comp != nil {
		if data, err = compress(m.comp, data); err != nil {
			return status.Errorf(codes.Internal, "failed to compress message: %v", err)
		}
		compressed = true
	}
	return m.s.Write(frame.Encode(data, compressed), end)
}

// recv reads one message into v. It returns io.EOF once the peer finished
// sending; a malformed envelope resolves the call.
func (m *msgIO) recv(v any) error {
	f, err := m.fr.Next()
	if err != nil {
		switch {
		case err == io.EOF:
			return io.EOF
		case errors.Is(err, frame.ErrTooLarge):
			return m.fail(status.New(codes.ResourceExhausted, err.Error()))
		case errors.Is(err, frame.ErrTruncated), errors.Is(err, frame.ErrFlags):
			return m.fail(status.New(codes.Internal, err.Error()))
		}
		return err
	}

	payload := f.Payload
	if f.Compressed {
		name := m.s.RecvCompression()
		c, err := compressorFor(name)
		switch {
		case err != nil:
			return m.fail(status.New(codes.Unimplemented, err.Error()))
		case c == nil:
			return m.fail(status.New(codes.Internal, "compressed flag set on a stream without grpc-encoding"))
		}
		payload, err = decompress(c, payload, m.maxRecv)
		if errors.Is(err, errMessageTooLarge) {
			return m.fail(status.Newf(codes.ResourceExhausted, "decompressed message exceeds limit %d", m.maxRecv))
		}
		if err != nil {
			return m.fail(status.Newf(codes.Internal, "failed to decompress message: %v", err))
		}
	}
	if err := m.decode(payload, v); err != nil {
		return m.fail(status.Newf(codes.Internal, "failed to decode message: %v", err))
	}
	return nil
}

func (m *msgIO) fail(st *status.Status) error {
	m.abort(st)
	return st.Err()
}
