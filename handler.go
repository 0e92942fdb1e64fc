// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpc

import (
	"context"
	"io"
	"iter"
)

// Invoke makes a typed unary call.
func Invoke[Req, Resp any](ctx context.Context, ch *Channel, method string, req Req, opts ...CallOption) (Resp, error) {
	var resp Resp
	err := ch.unary(ctx, method, req, &resp, opts)
	return resp, err
}

// ServerStream makes a server-streaming call. The sequence yields each
// response and ends after the last one; a failed call yields its status
// error once. Stopping the iteration early cancels the call.
func ServerStream[Req, Resp any](ctx context.Context, ch *Channel, method string, req Req, opts ...CallOption) iter.Seq2[Resp, error] {
	return func(yield func(Resp, error) bool) {
		var zero Resp
		call, err := ch.NewCall(ctx, method, ShapeServerStream, opts...)
		if err != nil {
			yield(zero, err)
			return
		}
		if err := call.SendMsg(req); err != nil && err != io.EOF {
			call.Cancel()
			yield(zero, err)
			return
		}
		for {
			var resp Resp
			err := call.RecvMsg(&resp)
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(zero, err)
				return
			}
			if !yield(resp, nil) {
				call.Cancel()
				return
			}
		}
	}
}

// ClientStream sends every request of reqs and returns the single response.
func ClientStream[Req, Resp any](ctx context.Context, ch *Channel, method string, reqs iter.Seq[Req], opts ...CallOption) (Resp, error) {
	var resp Resp
	call, err := ch.NewCall(ctx, method, ShapeClientStream, opts...)
	if err != nil {
		return resp, err
	}
	for req := range reqs {
		if err := call.SendMsg(req); err != nil {
			if err == io.EOF {
				// The server already answered; its status follows.
				break
			}
			call.Cancel()
			return resp, err
		}
	}
	_ = call.CloseSend()
	err = call.RecvMsg(&resp)
	return resp, err
}

// BidiStream is the client side of a typed bidirectional call.
type BidiStream[Req, Resp any] struct {
	call ClientCall
}

// Bidi starts a bidirectional call.
func Bidi[Req, Resp any](ctx context.Context, ch *Channel, method string, opts ...CallOption) (*BidiStream[Req, Resp], error) {
	call, err := ch.NewCall(ctx, method, ShapeBidi, opts...)
	if err != nil {
		return nil, err
	}
	return &BidiStream[Req, Resp]{call: call}, nil
}

// Send sends one request. It returns io.EOF once the call is over.
func (b *BidiStream[Req, Resp]) Send(req Req) error { return b.call.SendMsg(req) }

// CloseSend ends the request stream.
func (b *BidiStream[Req, Resp]) CloseSend() error { return b.call.CloseSend() }

// Recv receives one response. It returns io.EOF after a clean end and the
// status error otherwise.
func (b *BidiStream[Req, Resp]) Recv() (Resp, error) {
	var resp Resp
	err := b.call.RecvMsg(&resp)
	return resp, err
}

// Call exposes the untyped call for headers, trailers and cancellation.
func (b *BidiStream[Req, Resp]) Call() ClientCall { return b.call }

// UnaryHandler handles a typed unary call.
type UnaryHandler[Req, Resp any] func(ctx context.Context, req Req) (Resp, error)

// ServerStreamHandler handles a typed server-streaming call.
type ServerStreamHandler[Req, Resp any] func(ctx context.Context, req Req, send func(Resp) error) error

// ClientStreamHandler handles a typed client-streaming call. The sequence
// ends when the client finishes sending; a receive failure is yielded once.
type ClientStreamHandler[Req, Resp any] func(ctx context.Context, reqs iter.Seq2[Req, error]) (Resp, error)

// BidiHandler handles a typed bidirectional call. recv returns io.EOF once
// the client finished sending.
type BidiHandler[Req, Resp any] func(ctx context.Context, recv func() (Req, error), send func(Resp) error) error

// RegisterUnary registers a typed unary handler.
func RegisterUnary[Req, Resp any](s Server, method string, h UnaryHandler[Req, Resp]) error {
	return s.Register(method, ShapeUnary, func(ctx context.Context, call ServerCall) error {
		var req Req
		if err := call.RecvMsg(&req); err != nil {
			return err
		}
		resp, err := h(ctx, req)
		if err != nil {
			return err
		}
		return call.SendMsg(resp)
	})
}

// RegisterServerStream registers a typed server-streaming handler.
func RegisterServerStream[Req, Resp any](s Server, method string, h ServerStreamHandler[Req, Resp]) error {
	return s.Register(method, ShapeServerStream, func(ctx context.Context, call ServerCall) error {
		var req Req
		if err := call.RecvMsg(&req); err != nil {
			return err
		}
		return h(ctx, req, func(resp Resp) error { return call.SendMsg(resp) })
	})
}

// RegisterClientStream registers a typed client-streaming handler.
func RegisterClientStream[Req, Resp any](s Server, method string, h ClientStreamHandler[Req, Resp]) error {
	return s.Register(method, ShapeClientStream, func(ctx context.Context, call ServerCall) error {
		resp, err := h(ctx, recvSeq[Req](call))
		if err != nil {
			return err
		}
		return call.SendMsg(resp)
	})
}

// RegisterBidi registers a typed bidirectional handler.
func RegisterBidi[Req, Resp any](s Server, method string, h BidiHandler[Req, Resp]) error {
	return s.Register(method, ShapeBidi, func(ctx context.Context, call ServerCall) error {
		recv := func() (Req, error) {
			var req Req
			err := call.RecvMsg(&req)
			return req, err
		}
		return h(ctx, recv, func(resp Resp) error { return call.SendMsg(resp) })
	})
}

func recvSeq[Req any](call ServerCall) iter.Seq2[Req, error] {
	return func(yield func(Req, error) bool) {
		for {
			var req Req
			err := call.RecvMsg(&req)
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(req, err)
				return
			}
			if !yield(req, nil) {
				return
			}
		}
	}
}
