// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package rpc is a streaming RPC engine over HTTP/2 that speaks the gRPC
// wire protocol.
//
// # Transports
//
// The h2 transport is the default: a Channel multiplexes calls over one
// HTTP/2 connection and a Dispatcher serves registered methods. Two more
// transports sit behind the same Client and Server interfaces:
//
//	h2    # Channel and Dispatcher, all four call shapes
//	grpc  # grpc-go ClientConn, interoperates with any gRPC server
//	json  # JSON-RPC 2.0 gateway over HTTP/1.1, unary methods only
//
// DialClient and ListenServer pick one by name (WithTransport,
// WithServerTransport); AvailableTransports lists them.
//
// # Usage
//
// Server:
//
//	d, err := rpc.Listen(":9000", rpc.WithServerLogger(log))
//	if err != nil {
//	    return err
//	}
//	rpc.RegisterUnary(d, "Greeter/Hello", func(ctx context.Context, name string) (string, error) {
//	    return "hello " + name, nil
//	})
//	rpc.RegisterServerStream(d, "Ticker/Watch", watch)
//	return d.Serve(ctx)
//
// Client:
//
//	ch, err := rpc.Dial(ctx, "localhost:9000")
//	if err != nil {
//	    return err
//	}
//	defer ch.Close()
//
//	greeting, err := rpc.Invoke[string, string](ctx, ch, "Greeter/Hello", "lux")
//	for tick, err := range rpc.ServerStream[Req, Tick](ctx, ch, "Ticker/Watch", req) {
//	    ...
//	}
//
// Failures are *status.Status errors carrying a gRPC code; use status.Code
// and status.Convert to inspect them.
//
// # Interceptors
//
// Interceptors wrap the client invoker and the server handler. The first
// one registered is the outermost. LoggingInterceptor, MetricsInterceptor,
// TokenAuth, RateLimit and HeaderInterceptor are provided.
//
// # Layout
//
//   - client.go: Client and Server interfaces, call shapes
//   - channel.go, call.go: the h2 client
//   - dispatcher.go, server_call.go: the h2 server
//   - codec.go, compress.go, message.go: message encoding
//   - gateway.go, json.go: the JSON-RPC gateway and its client
//   - grpc_client.go: the grpc-go client transport
//   - config.go: YAML configuration
//
// The HTTP/2 connection itself lives in internal/transport and the
// length-prefixed message framing in package frame.
package rpc
