// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpc

import (
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/codes"

	"github.com/luxfi/streamrpc/internal/transport"
	"github.com/luxfi/streamrpc/metadata"
	"github.com/luxfi/streamrpc/status"
)

// ErrChannelClosed is returned by calls on a closed Channel.
var ErrChannelClosed = status.Error(codes.Canceled, "channel is closed")

var _ Client = (*Channel)(nil)

// Channel is a client bound to one server address. It keeps one connection
// and dials a new one, spaced by the backoff policy, after it closes or
// starts draining.
type Channel struct {
	addr   string
	opts   *dialOptions
	log    *zap.Logger
	invoke Invoker

	mu       sync.Mutex
	conn     *transport.Conn
	closed   bool
	failures int
	nextDial time.Time
	lastErr  error
}

// Dial connects to addr over the h2 transport.
func Dial(ctx context.Context, addr string, opts ...DialOption) (*Channel, error) {
	ch := newChannel(addr, newDialOptions(opts))
	if _, err := ch.connect(ctx); err != nil {
		return nil, err
	}
	return ch, nil
}

func newChannel(addr string, o *dialOptions) *Channel {
	ch := &Channel{
		addr: addr,
		opts: o,
		log:  o.logger.With(zap.String("target", addr)),
	}
	ch.invoke = chainInvoker(o.interceptors, ch.open)
	return ch
}

// Addr is the address the channel dials.
func (ch *Channel) Addr() string { return ch.addr }

// connect returns the live connection, dialing one if needed.
func (ch *Channel) connect(ctx context.Context) (*transport.Conn, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return nil, ErrChannelClosed
	}
	if ch.conn != nil && ch.conn.State() == transport.Established {
		return ch.conn, nil
	}
	now := ch.opts.clock.Now()
	if ch.failures > 0 && now.Before(ch.nextDial) {
		return nil, status.Errorf(codes.Unavailable, "connection to %s unavailable, next attempt in %v: %v",
			ch.addr, ch.nextDial.Sub(now), ch.lastErr)
	}
	conn, err := ch.dial(ctx)
	if err != nil {
		ch.failures++
		ch.lastErr = err
		ch.nextDial = now.Add(backoffDelay(ch.opts.backoff, ch.failures-1))
		ch.log.Debug("dial failed", zap.Int("failures", ch.failures), zap.Error(err))
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, status.FromContextError(err).Err()
		}
		return nil, status.Errorf(codes.Unavailable, "dial %s: %v", ch.addr, err)
	}
	ch.failures = 0
	ch.lastErr = nil
	ch.conn = conn
	ch.log.Debug("connected", zap.String("conn", conn.ID()))
	return conn, nil
}

func (ch *Channel) dial(ctx context.Context) (*transport.Conn, error) {
	o := ch.opts
	if o.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.connectTimeout)
		defer cancel()
	}
	nc, err := dialNetwork(ctx, o.network, ch.addr)
	if err != nil {
		return nil, err
	}
	authority := o.authority
	if authority == "" {
		authority = ch.addr
	}
	if o.creds != nil {
		secured, _, err := o.creds.ClientHandshake(ctx, authority, nc)
		if err != nil {
			_ = nc.Close()
			return nil, err
		}
		nc = secured
	}
	return transport.NewClientConn(nc, transport.Config{
		Logger:                o.logger,
		Clock:                 o.clock,
		InitialWindowSize:     o.initialWindow,
		InitialConnWindowSize: o.initialConnWindow,
		MaxFrameSize:          o.maxFrameSize,
		MaxConcurrentStreams:  o.concurrencyLimit,
		Keepalive:             o.keepalive,
		Authority:             authority,
		Secure:                o.creds != nil,
		UserAgent:             o.userAgent,
	}), nil
}

// backoffDelay is the wait after the given number of retries, following
// the exponential policy with jitter.
func backoffDelay(c backoff.Config, retries int) time.Duration {
	if retries == 0 {
		return c.BaseDelay
	}
	d, limit := float64(c.BaseDelay), float64(c.MaxDelay)
	for d < limit && retries > 0 {
		d *= c.Multiplier
		retries--
	}
	d = min(d, limit)
	d *= 1 + c.Jitter*(rand.Float64()*2-1)
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}

// NewCall starts a call of the given shape. The returned call must be
// driven to its final status or cancelled.
func (ch *Channel) NewCall(ctx context.Context, method string, shape Shape, opts ...CallOption) (ClientCall, error) {
	co := &callOptions{}
	for _, opt := range opts {
		opt(co)
	}
	var cancel context.CancelFunc
	timeout := co.timeout
	if timeout == 0 {
		timeout = ch.opts.timeout
	}
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	}
	info := &CallInfo{Method: method, Shape: shape, opts: co, cancel: cancel}
	call, err := ch.invoke(ctx, info)
	if err != nil && cancel != nil {
		cancel()
	}
	return call, err
}

// open is the innermost invoker. It opens the stream on the connection.
func (ch *Channel) open(ctx context.Context, info *CallInfo) (ClientCall, error) {
	if err := ctx.Err(); err != nil {
		return nil, status.FromContextError(err).Err()
	}
	co := info.opts
	codec := co.codec
	if codec == nil {
		codec = ch.opts.codec
	}
	compName := co.compressor
	if compName == "" {
		compName = ch.opts.compressor
	}
	comp, err := compressorFor(compName)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	md, _ := metadata.FromOutgoingContext(ctx)
	if err := md.Validate(); err != nil {
		return nil, status.Errorf(codes.Internal, "invalid request metadata: %v", err)
	}
	hdr := &transport.StreamHeader{
		Method:         info.Method,
		ContentSubtype: codec.Name(),
		AcceptEncoding: knownCompressors(),
		Metadata:       md,
	}
	if comp != nil {
		hdr.Encoding = comp.Name()
	}
	if d, ok := ctx.Deadline(); ok {
		hdr.Deadline = d
	}

	conn, err := ch.connect(ctx)
	if err != nil {
		return nil, err
	}
	s, err := conn.OpenStream(ctx, hdr)
	if err != nil {
		return nil, err
	}
	mio := newMsgIO(s, codec, comp, ch.opts.maxSendMsgSize, ch.opts.maxRecvMsgSize, s.Cancel)
	return newClientCall(ctx, info.cancel, info, s, mio), nil
}

// Call makes a unary call with the channel codec.
func (ch *Channel) Call(ctx context.Context, method string, args, reply any) error {
	return ch.unary(ctx, method, args, reply, nil)
}

// CallRaw makes a unary call with pre-encoded bytes.
func (ch *Channel) CallRaw(ctx context.Context, method string, payload []byte) ([]byte, error) {
	var reply RawMessage
	if err := ch.unary(ctx, method, RawMessage(payload), &reply, []CallOption{CallCodec(Binary)}); err != nil {
		return nil, err
	}
	return reply, nil
}

// Notify makes a unary call and discards the reply.
func (ch *Channel) Notify(ctx context.Context, method string, args any) error {
	return ch.unary(ctx, method, args, nil, nil)
}

func (ch *Channel) unary(ctx context.Context, method string, args, reply any, opts []CallOption) error {
	call, err := ch.NewCall(ctx, method, ShapeUnary, opts...)
	if err != nil {
		return err
	}
	if err := call.SendMsg(args); err != nil && err != io.EOF {
		call.Cancel()
		return err
	}
	err = call.RecvMsg(reply)

	co := &callOptions{}
	for _, opt := range opts {
		opt(co)
	}
	if co.header != nil {
		*co.header, _ = call.Header()
	}
	if co.trailer != nil {
		*co.trailer = call.Trailer()
	}
	return err
}

// Close closes the channel and fails its calls with Unavailable.
func (ch *Channel) Close() error {
	conn := ch.markClosed()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// Shutdown closes the channel after in-flight calls finish or ctx ends.
func (ch *Channel) Shutdown(ctx context.Context) error {
	conn := ch.markClosed()
	if conn == nil {
		return nil
	}
	return conn.Shutdown(ctx, true)
}

func (ch *Channel) markClosed() *transport.Conn {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.closed = true
	conn := ch.conn
	ch.conn = nil
	return conn
}
