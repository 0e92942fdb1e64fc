// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"

	"github.com/luxfi/streamrpc/internal/transport"
	"github.com/luxfi/streamrpc/metadata"
	"github.com/luxfi/streamrpc/status"
)

var errNoListener = errors.New("rpc: dispatcher has no listener")

var _ Server = (*Dispatcher)(nil)

type route struct {
	shape   Shape
	handler Handler
}

// Dispatcher serves registered methods on accepted connections.
type Dispatcher struct {
	opts   *serverOptions
	log    *zap.Logger
	codecs map[string]Codec
	handle Handler

	mu        sync.RWMutex
	routes    map[string]route
	listeners []net.Listener
	conns     map[*transport.Conn]struct{}
	closed    bool

	calls sync.WaitGroup
}

// NewDispatcher returns a Dispatcher without listeners. Use AddListener or
// ServeConn to feed it connections.
func NewDispatcher(opts ...ServerOption) *Dispatcher {
	return newDispatcher(newServerOptions(opts))
}

func newDispatcher(o *serverOptions) *Dispatcher {
	d := &Dispatcher{
		opts:   o,
		log:    o.logger,
		codecs: make(map[string]Codec),
		routes: make(map[string]route),
		conns:  make(map[*transport.Conn]struct{}),
	}
	for _, c := range o.codecs {
		d.codecs[strings.ToLower(c.Name())] = c
	}
	d.handle = chainHandler(o.interceptors, d.dispatch)
	return d
}

// Listen creates a Dispatcher listening on addr over the h2 transport.
func Listen(addr string, opts ...ServerOption) (*Dispatcher, error) {
	o := newServerOptions(opts)
	l, err := listenNetwork(o.network, addr)
	if err != nil {
		return nil, err
	}
	d := newDispatcher(o)
	d.AddListener(l)
	return d, nil
}

// AddListener makes Serve accept connections from l.
func (d *Dispatcher) AddListener(l net.Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, l)
}

func methodKey(method string) string {
	return strings.TrimPrefix(method, "/")
}

// Register registers a handler for method. Registering a method twice is
// an error.
func (d *Dispatcher) Register(method string, shape Shape, handler Handler) error {
	key := methodKey(method)
	if key == "" {
		return errors.New("rpc: empty method name")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.routes[key]; ok {
		return fmt.Errorf("rpc: method %s already registered", key)
	}
	d.routes[key] = route{shape: shape, handler: handler}
	return nil
}

// RegisterRaw registers a unary handler working on encoded bytes.
func (d *Dispatcher) RegisterRaw(method string, handler RawHandler) error {
	return d.Register(method, ShapeUnary, func(ctx context.Context, call ServerCall) error {
		var req RawMessage
		if err := call.RecvMsg(&req); err != nil {
			return err
		}
		resp, err := handler(ctx, req)
		if err != nil {
			return err
		}
		return call.SendMsg(RawMessage(resp))
	})
}

func (d *Dispatcher) lookup(method string) (route, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.routes[methodKey(method)]
	return r, ok
}

func (d *Dispatcher) codec(subtype string) (Codec, bool) {
	if c, ok := d.codecs[strings.ToLower(subtype)]; ok {
		return c, true
	}
	return CodecByName(subtype)
}

// dispatch is the innermost handler. It runs after the interceptors so
// they also observe unknown methods.
func (d *Dispatcher) dispatch(ctx context.Context, call ServerCall) error {
	r, ok := d.lookup(call.Method())
	if !ok {
		return status.Errorf(codes.Unimplemented, "unknown method %s", call.Method())
	}
	return r.handler(ctx, call)
}

// Addr returns the address of the first listener.
func (d *Dispatcher) Addr() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if len(d.listeners) == 0 {
		return ""
	}
	return d.listeners[0].Addr().String()
}

// Serve accepts connections on every listener until the dispatcher is
// closed or ctx ends, which closes it.
func (d *Dispatcher) Serve(ctx context.Context) error {
	d.mu.RLock()
	ls := slices.Clone(d.listeners)
	d.mu.RUnlock()
	if len(ls) == 0 {
		return errNoListener
	}

	stop := context.AfterFunc(ctx, func() { _ = d.Close() })
	defer stop()

	var g errgroup.Group
	for _, l := range ls {
		g.Go(func() error { return d.serveListener(l) })
	}
	return g.Wait()
}

func (d *Dispatcher) serveListener(l net.Listener) error {
	d.log.Info("serving", zap.Stringer("addr", l.Addr()))
	for {
		nc, err := l.Accept()
		if err != nil {
			if d.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				d.log.Debug("accept timeout", zap.Error(err))
				continue
			}
			return fmt.Errorf("accept on %s: %w", l.Addr(), err)
		}
		go func() {
			if err := d.ServeConn(nc); err != nil {
				d.log.Debug("connection ended", zap.Stringer("remote", nc.RemoteAddr()), zap.Error(err))
			}
		}()
	}
}

func (d *Dispatcher) isClosed() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.closed
}

// ServeConn serves calls on one connection until it closes.
func (d *Dispatcher) ServeConn(nc net.Conn) error {
	o := d.opts
	if o.creds != nil {
		secured, _, err := o.creds.ServerHandshake(nc)
		if err != nil {
			_ = nc.Close()
			return fmt.Errorf("handshake: %w", err)
		}
		nc = secured
	}
	conn := transport.NewServerConn(nc, transport.Config{
		Logger:                o.logger,
		Clock:                 o.clock,
		InitialWindowSize:     o.initialWindow,
		InitialConnWindowSize: o.initialConnWindow,
		MaxFrameSize:          o.maxFrameSize,
		MaxConcurrentStreams:  o.maxConcurrentStreams,
	})

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return conn.Close()
	}
	d.conns[conn] = struct{}{}
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.conns, conn)
		d.mu.Unlock()
	}()

	for {
		s, err := conn.Accept(context.Background())
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		d.calls.Add(1)
		go func() {
			defer d.calls.Done()
			d.handleStream(s)
		}()
	}
	<-conn.Done()
	if err := conn.Err(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (d *Dispatcher) handleStream(s *transport.Stream) {
	hdr := s.RequestHeader()
	shape := ShapeBidi
	if r, ok := d.lookup(hdr.Method); ok {
		shape = r.shape
	}

	codec, ok := d.codec(hdr.ContentSubtype)
	if !ok {
		_ = s.WriteStatus(status.Newf(codes.Internal, "no codec registered for content-subtype %q", hdr.ContentSubtype), metadata.MD{})
		return
	}
	comp, err := d.responseCompressor(hdr)
	if err != nil {
		_ = s.WriteStatus(status.New(codes.Unimplemented, err.Error()), metadata.MD{})
		return
	}
	if comp != nil {
		s.SetSendCompression(comp.Name())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if !hdr.Deadline.IsZero() {
		// The stream timer enforces the deadline on the injected clock; the
		// context only mirrors the remaining time for handlers.
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, hdr.Deadline.Sub(d.opts.clock.Now()))
		defer cancelTimeout()
	}
	ctx = metadata.NewIncomingContext(ctx, hdr.Metadata)
	go func() {
		select {
		case <-s.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	mio := newMsgIO(s, codec, comp, d.opts.maxSendMsgSize, d.opts.maxRecvMsgSize, func(st *status.Status) {
		_ = s.WriteStatus(st, metadata.MD{})
	})
	call := newServerCall(ctx, shape, s, mio)
	call.finish(d.run(ctx, call))
}

// responseCompressor mirrors the request encoding. For uncompressed
// requests the configured compressor is used if the client accepts it.
func (d *Dispatcher) responseCompressor(hdr *transport.StreamHeader) (encoding.Compressor, error) {
	if hdr.Encoding != "" && hdr.Encoding != "identity" {
		return compressorFor(hdr.Encoding)
	}
	if d.opts.compressor != "" && slices.Contains(hdr.AcceptEncoding, d.opts.compressor) {
		return compressorFor(d.opts.compressor)
	}
	return nil, nil
}

func (d *Dispatcher) run(ctx context.Context, call ServerCall) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("handler panic",
				zap.String("method", call.Method()),
				zap.Any("panic", r),
				zap.Stack("stack"))
			err = status.Errorf(codes.Internal, "handler panic: %v", r)
		}
	}()
	return d.handle(ctx, call)
}

// handlerStatus maps a handler result to the call status.
func handlerStatus(err error) *status.Status {
	if err == nil {
		return status.OK()
	}
	if st, ok := status.FromError(err); ok {
		return st
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err)
	}
	return status.New(codes.Internal, err.Error())
}

// Shutdown stops accepting connections and shuts every connection down.
// A graceful shutdown lets in-flight calls finish until ctx ends.
func (d *Dispatcher) Shutdown(ctx context.Context, graceful bool) error {
	d.mu.Lock()
	d.closed = true
	ls := d.listeners
	conns := make([]*transport.Conn, 0, len(d.conns))
	for c := range d.conns {
		conns = append(conns, c)
	}
	d.mu.Unlock()

	for _, l := range ls {
		_ = l.Close()
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range conns {
		g.Go(func() error { return c.Shutdown(gctx, graceful) })
	}
	err := g.Wait()
	if !graceful {
		return err
	}

	done := make(chan struct{})
	go func() {
		d.calls.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// Close stops the dispatcher and fails in-flight calls with Unavailable.
func (d *Dispatcher) Close() error {
	return d.Shutdown(context.Background(), false)
}
