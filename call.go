// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpc

import (
	"context"
	"io"
	"sync"

	"google.golang.org/grpc/codes"

	"github.com/luxfi/streamrpc/internal/transport"
	"github.com/luxfi/streamrpc/metadata"
	"github.com/luxfi/streamrpc/status"
)

// ClientCall is the client side of one call of any shape.
//
// SendMsg and RecvMsg may run concurrently with each other but each must
// only be used by one goroutine at a time. The final status of the call is
// the error returned by RecvMsg: io.EOF after a clean end, or a status error.
// SendMsg returns io.EOF once the call is over, the status is then read
// with RecvMsg.
type ClientCall interface {
	Method() string
	Shape() Shape
	Context() context.Context

	// SendMsg sends one request. For shapes with a single request it also
	// closes the send direction.
	SendMsg(m any) error

	// CloseSend ends the request stream. It is idempotent.
	CloseSend() error

	// RecvMsg receives one response into m. For shapes with a single
	// response it returns nil once the response and a clean end have been
	// received; the next call returns io.EOF.
	RecvMsg(m any) error

	// Header waits for the response headers.
	Header() (metadata.MD, error)

	// Trailer returns the trailing metadata once the call is over.
	Trailer() metadata.MD

	// Cancel aborts the call with Cancelled.
	Cancel()

	// Done is closed once the call has its final status.
	Done() <-chan struct{}
}

type clientCall struct {
	ctx  context.Context
	info *CallInfo
	s    *transport.Stream
	io   *msgIO

	mu    sync.Mutex
	final error
}

func newClientCall(ctx context.Context, cancel context.CancelFunc, info *CallInfo, s *transport.Stream, mio *msgIO) *clientCall {
	c := &clientCall{ctx: ctx, info: info, s: s, io: mio}
	stop := context.AfterFunc(ctx, func() {
		s.Cancel(status.FromContextError(ctx.Err()))
	})
	go func() {
		<-s.Done()
		stop()
		if cancel != nil {
			cancel()
		}
	}()
	return c
}

func (c *clientCall) Method() string           { return c.info.Method }
func (c *clientCall) Shape() Shape             { return c.info.Shape }
func (c *clientCall) Context() context.Context { return c.ctx }
func (c *clientCall) Done() <-chan struct{}    { return c.s.Done() }
func (c *clientCall) Trailer() metadata.MD     { return c.s.Trailer() }
func (c *clientCall) CloseSend() error         { return c.s.CloseSend() }

func (c *clientCall) Header() (metadata.MD, error) {
	return c.s.Header()
}

func (c *clientCall) Cancel() {
	c.s.Cancel(status.New(codes.Canceled, "call cancelled by client"))
}

func (c *clientCall) SendMsg(m any) error {
	return c.io.send(m, !c.info.Shape.ClientStreams())
}

func (c *clientCall) RecvMsg(m any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.final != nil {
		return c.final
	}
	if c.info.Shape.ServerStreams() {
		err := c.recv(m)
		if err != nil {
			c.final = err
		}
		return err
	}

	if err := c.recv(m); err != nil {
		if err == io.EOF {
			err = status.Error(codes.Internal, "server closed the call without sending a response")
		}
		c.final = err
		return err
	}
	switch err := c.recv(nil); err {
	case io.EOF:
		c.final = io.EOF
		return nil
	case nil:
		st := status.New(codes.Internal, "cardinality violation: expected one response message")
		c.s.Cancel(st)
		c.final = st.Err()
	default:
		c.final = err
	}
	return c.final
}

// recv reads one message. Past the last message it waits for the final
// status and reports it, io.EOF for OK.
func (c *clientCall) recv(m any) error {
	err := c.io.recv(m)
	if err != io.EOF {
		return err
	}
	<-c.s.Done()
	if err := c.s.Status().Err(); err != nil {
		return err
	}
	return io.EOF
}
