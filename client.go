// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpc

import (
	"context"
	"fmt"
)

// Client is the protocol-agnostic RPC client interface.
// All application code should use this interface.
type Client interface {
	// Call makes a synchronous unary call
	Call(ctx context.Context, method string, args, reply any) error

	// CallRaw makes a unary call with raw bytes, bypassing the codec
	CallRaw(ctx context.Context, method string, payload []byte) ([]byte, error)

	// Notify sends args and waits only for the call status; any reply is
	// discarded
	Notify(ctx context.Context, method string, args any) error

	// Close closes the connection
	Close() error
}

// Server is the protocol-agnostic RPC server interface.
type Server interface {
	// Register registers a handler for method
	Register(method string, shape Shape, handler Handler) error

	// RegisterRaw registers a unary raw byte handler
	RegisterRaw(method string, handler RawHandler) error

	// Serve starts serving requests (blocks until context cancelled or the
	// server is closed)
	Serve(ctx context.Context) error

	// Close stops the server
	Close() error

	// Addr returns the server's listen address
	Addr() string
}

// RawHandler handles raw byte unary calls.
type RawHandler func(ctx context.Context, payload []byte) ([]byte, error)

// RawMessage is a pre-encoded message. It is sent and received as is,
// without passing through the codec.
type RawMessage []byte

// Shape is the cardinality of a call.
type Shape int

const (
	// ShapeUnary is one request, one response.
	ShapeUnary Shape = iota
	// ShapeServerStream is one request, a stream of responses.
	ShapeServerStream
	// ShapeClientStream is a stream of requests, one response.
	ShapeClientStream
	// ShapeBidi is a stream in both directions.
	ShapeBidi
)

func (s Shape) String() string {
	switch s {
	case ShapeUnary:
		return "unary"
	case ShapeServerStream:
		return "server-stream"
	case ShapeClientStream:
		return "client-stream"
	case ShapeBidi:
		return "bidi"
	}
	return fmt.Sprintf("Shape(%d)", int(s))
}

// ClientStreams reports whether the client sends more than one message.
func (s Shape) ClientStreams() bool {
	return s == ShapeClientStream || s == ShapeBidi
}

// ServerStreams reports whether the server sends more than one message.
func (s Shape) ServerStreams() bool {
	return s == ShapeServerStream || s == ShapeBidi
}
