// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpc

import (
	"context"
	"io"
	"net"
	"sync"

	"google.golang.org/grpc/codes"

	"github.com/luxfi/streamrpc/internal/transport"
	"github.com/luxfi/streamrpc/metadata"
	"github.com/luxfi/streamrpc/status"
)

// ServerCall is the server side of one call. The handler returns the final
// status; the call must not be used after the handler returns.
type ServerCall interface {
	Method() string
	Shape() Shape
	Context() context.Context

	// RequestHeader is the metadata sent by the client.
	RequestHeader() metadata.MD

	// Peer is the client address.
	Peer() net.Addr

	// SetHeader adds md to the response headers. It fails once headers
	// were sent.
	SetHeader(md metadata.MD) error

	// SendHeader sends the response headers now, with md added.
	SendHeader(md metadata.MD) error

	// SetTrailer adds md to the trailing metadata.
	SetTrailer(md metadata.MD)

	// SendMsg sends one response. Headers are sent first if needed.
	SendMsg(m any) error

	// RecvMsg receives one request. It returns io.EOF once the client
	// finished sending.
	RecvMsg(m any) error
}

type serverCall struct {
	ctx   context.Context
	shape Shape
	s     *transport.Stream
	io    *msgIO

	mu         sync.Mutex
	header     metadata.MD
	headerSent bool
	trailer    metadata.MD
	sent       int

	recvMu sync.Mutex
	recvd  bool
}

func newServerCall(ctx context.Context, shape Shape, s *transport.Stream, mio *msgIO) *serverCall {
	return &serverCall{ctx: ctx, shape: shape, s: s, io: mio}
}

func (c *serverCall) Method() string           { return c.s.Method() }
func (c *serverCall) Shape() Shape             { return c.shape }
func (c *serverCall) Context() context.Context { return c.ctx }
func (c *serverCall) Peer() net.Addr           { return c.s.RemoteAddr() }

func (c *serverCall) RequestHeader() metadata.MD {
	return c.s.RequestHeader().Metadata.Copy()
}

func (c *serverCall) SetHeader(md metadata.MD) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.headerSent {
		return status.Error(codes.FailedPrecondition, "headers already sent")
	}
	c.header = metadata.Join(c.header, md)
	return nil
}

func (c *serverCall) SendHeader(md metadata.MD) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.headerSent {
		return status.Error(codes.FailedPrecondition, "headers already sent")
	}
	c.header = metadata.Join(c.header, md)
	return c.sendHeaderLocked()
}

func (c *serverCall) sendHeaderLocked() error {
	if err := c.header.Validate(); err != nil {
		return status.Errorf(codes.Internal, "invalid response metadata: %v", err)
	}
	c.headerSent = true
	return c.s.WriteHeader(c.header)
}

func (c *serverCall) SetTrailer(md metadata.MD) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trailer = metadata.Join(c.trailer, md)
}

func (c *serverCall) SendMsg(m any) error {
	c.mu.Lock()
	if !c.shape.ServerStreams() && c.sent > 0 {
		c.mu.Unlock()
		return status.Error(codes.Internal, "cardinality violation: unary call sends one response")
	}
	if !c.headerSent {
		if err := c.sendHeaderLocked(); err != nil {
			c.mu.Unlock()
			return err
		}
	}
	c.sent++
	c.mu.Unlock()
	return c.io.send(m, false)
}

func (c *serverCall) RecvMsg(m any) error {
	if c.shape.ClientStreams() {
		return c.io.recv(m)
	}
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	if c.recvd {
		return io.EOF
	}
	c.recvd = true
	if err := c.io.recv(m); err != nil {
		if err == io.EOF {
			return c.io.fail(status.New(codes.Internal, "client closed the call without sending a request"))
		}
		return err
	}
	switch err := c.io.recv(nil); err {
	case io.EOF:
		return nil
	case nil:
		return c.io.fail(status.New(codes.Internal, "cardinality violation: expected one request message"))
	default:
		return err
	}
}

// finish resolves the call with the handler result. Metadata set but not
// sent travels with the trailers.
func (c *serverCall) finish(err error) {
	st := handlerStatus(err)
	c.mu.Lock()
	trailer := c.trailer
	if !c.headerSent {
		trailer = metadata.Join(c.header, trailer)
	}
	c.mu.Unlock()
	if verr := trailer.Validate(); verr != nil {
		st = status.Newf(codes.Internal, "invalid trailing metadata: %v", verr)
		trailer = metadata.MD{}
	}
	_ = c.s.WriteStatus(st, trailer)
}
