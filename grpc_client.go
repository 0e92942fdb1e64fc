// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpc

import (
	"context"
	"fmt"
	"math"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/luxfi/streamrpc/status"
)

func init() {
	// A Dispatcher speaks the gRPC wire protocol, so the grpc transport
	// only differs on the client side.
	registerTransport(TransportGRPC, dialGRPC, listenH2)
}

// grpcCodec adapts a Codec to grpc-go. RawMessage bypasses the codec as it
// does on a Channel.
type grpcCodec struct {
	Codec
}

func (c grpcCodec) Marshal(v any) ([]byte, error) {
	if raw, ok := v.(RawMessage); ok {
		return raw, nil
	}
	return c.Encode(v)
}

func (c grpcCodec) Unmarshal(data []byte, v any) error {
	switch v := v.(type) {
	case nil:
		return nil
	case *RawMessage:
		*v = append(RawMessage(nil), data...)
		return nil
	}
	return c.Decode(data, v)
}

func dialGRPC(ctx context.Context, addr string, o *dialOptions) (Client, error) {
	creds := o.creds
	if creds == nil {
		creds = insecure.NewCredentials()
	}
	maxRecv, maxSend := o.maxRecvMsgSize, o.maxSendMsgSize
	if maxRecv < 0 {
		maxRecv = math.MaxInt32
	}
	if maxSend < 0 {
		maxSend = math.MaxInt32
	}
	callOpts := []grpc.CallOption{
		grpc.ForceCodec(grpcCodec{o.codec}),
		grpc.MaxCallRecvMsgSize(maxRecv),
		grpc.MaxCallSendMsgSize(maxSend),
	}
	if o.compressor != "" {
		callOpts = append(callOpts, grpc.UseCompressor(o.compressor))
	}
	network := o.network
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithUserAgent(o.userAgent),
		grpc.WithDefaultCallOptions(callOpts...),
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff:           o.backoff,
			MinConnectTimeout: o.connectTimeout,
		}),
		grpc.WithContextDialer(func(ctx context.Context, target string) (net.Conn, error) {
			return dialNetwork(ctx, network, target)
		}),
	}
	if o.authority != "" {
		dialOpts = append(dialOpts, grpc.WithAuthority(o.authority))
	}
	if o.keepalive.Time > 0 {
		dialOpts = append(dialOpts, grpc.WithKeepaliveParams(o.keepalive))
	}
	if o.initialWindow > 0 {
		dialOpts = append(dialOpts, grpc.WithInitialWindowSize(int32(min(o.initialWindow, math.MaxInt32))))
	}
	if o.initialConnWindow > 0 {
		dialOpts = append(dialOpts, grpc.WithInitialConnWindowSize(int32(min(o.initialConnWindow, math.MaxInt32))))
	}

	conn, err := grpc.NewClient("passthrough:///"+addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial: %w", err)
	}
	return &grpcClient{conn: conn, opts: o}, nil
}

// grpcClient implements Client with grpc-go.
type grpcClient struct {
	conn *grpc.ClientConn
	opts *dialOptions
}

func (c *grpcClient) invoke(ctx context.Context, method string, args, reply any, opts ...grpc.CallOption) error {
	if c.opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.timeout)
		defer cancel()
	}
	return fromGRPCError(c.conn.Invoke(ctx, "/"+methodKey(method), args, reply, opts...))
}

func (c *grpcClient) Call(ctx context.Context, method string, args, reply any) error {
	return c.invoke(ctx, method, args, reply)
}

func (c *grpcClient) CallRaw(ctx context.Context, method string, payload []byte) ([]byte, error) {
	var resp RawMessage
	err := c.invoke(ctx, method, RawMessage(payload), &resp, grpc.ForceCodec(grpcCodec{Binary}))
	return resp, err
}

func (c *grpcClient) Notify(ctx context.Context, method string, args any) error {
	return c.invoke(ctx, method, args, nil)
}

func (c *grpcClient) Close() error {
	return c.conn.Close()
}

// fromGRPCError converts a grpc-go status error to a status error.
func fromGRPCError(err error) error {
	if err == nil {
		return nil
	}
	gs, ok := grpcstatus.FromError(err)
	if !ok {
		return status.Error(codes.Unknown, err.Error())
	}
	return status.FromProto(gs.Proto()).Err()
}
