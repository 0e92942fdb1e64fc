// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"github.com/luxfi/streamrpc/metadata"
	"github.com/luxfi/streamrpc/status"
)

// GatewayPath is where the JSON-RPC gateway is mounted by the json
// transport.
const GatewayPath = "/rpc"

const gatewayInvokeMethod = "RPC.Invoke"

// InvokeArgs are the params of RPC.Invoke.
type InvokeArgs struct {
	Method   string              `json:"method"`
	Params   json.RawMessage     `json:"params"`
	Metadata map[string][]string `json:"metadata,omitempty"`
}

// InvokeReply is the result of RPC.Invoke.
type InvokeReply struct {
	Result  json.RawMessage     `json:"result"`
	Header  map[string][]string `json:"header,omitempty"`
	Trailer map[string][]string `json:"trailer,omitempty"`
}

// GatewayErrorData is carried in the data member of gateway errors.
type GatewayErrorData struct {
	Code   uint32 `json:"code"`
	Status string `json:"status"`
}

// NewJSONGateway exposes the unary methods of d as the JSON-RPC 2.0 method
// RPC.Invoke. Calls run in-process through the dispatcher interceptors
// with the JSON codec.
func NewJSONGateway(d *Dispatcher) (http.Handler, error) {
	s := rpc.NewServer()
	s.RegisterCodec(json2.NewCodec(), "application/json")
	s.RegisterCodec(json2.NewCodec(), "application/json;charset=UTF-8")
	if err := s.RegisterService(&gatewayService{d: d}, "RPC"); err != nil {
		return nil, fmt.Errorf("register gateway service: %w", err)
	}
	return s, nil
}

type gatewayService struct {
	d *Dispatcher
}

// Invoke runs one unary call.
func (g *gatewayService) Invoke(r *http.Request, args *InvokeArgs, reply *InvokeReply) error {
	r2, ok := g.d.lookup(args.Method)
	switch {
	case !ok:
		return gatewayError(status.Newf(codes.Unimplemented, "unknown method %s", args.Method))
	case r2.shape != ShapeUnary:
		return gatewayError(status.Newf(codes.Unimplemented, "method %s is %s, the gateway only serves unary methods", args.Method, r2.shape))
	}

	md := metadata.FromMap(args.Metadata)
	if v := r.Header.Get("Authorization"); v != "" {
		md.Set(authorizationKey, v)
	}
	if err := md.Validate(); err != nil {
		return gatewayError(status.Newf(codes.Internal, "invalid request metadata: %v", err))
	}
	ctx := metadata.NewIncomingContext(r.Context(), md)
	call := &localCall{
		ctx:    ctx,
		method: methodKey(args.Method),
		md:     md,
		peer:   gatewayAddr(r.RemoteAddr),
		params: args.Params,
	}
	if err := g.d.run(ctx, call); err != nil {
		return gatewayError(handlerStatus(err))
	}
	call.mu.Lock()
	defer call.mu.Unlock()
	if !call.sent {
		return gatewayError(status.New(codes.Internal, "handler returned without a response"))
	}
	reply.Result = call.result
	reply.Header = call.header.Map()
	reply.Trailer = call.trailer.Map()
	return nil
}

func gatewayError(st *status.Status) error {
	return &json2.Error{
		Code:    json2.E_SERVER,
		Message: st.Message(),
		Data:    GatewayErrorData{Code: uint32(st.Code()), Status: st.Code().String()},
	}
}

type gatewayAddr string

func (gatewayAddr) Network() string  { return "http" }
func (a gatewayAddr) String() string { return string(a) }

// localCall is a unary ServerCall served from a JSON-RPC request.
type localCall struct {
	ctx    context.Context
	method string
	md     metadata.MD
	peer   net.Addr
	params json.RawMessage

	mu      sync.Mutex
	recvd   bool
	sent    bool
	result  json.RawMessage
	header  metadata.MD
	trailer metadata.MD
}

func (c *localCall) Method() string             { return c.method }
func (c *localCall) Shape() Shape               { return ShapeUnary }
func (c *localCall) Context() context.Context   { return c.ctx }
func (c *localCall) RequestHeader() metadata.MD { return c.md.Copy() }
func (c *localCall) Peer() net.Addr             { return c.peer }

func (c *localCall) SetHeader(md metadata.MD) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.header = metadata.Join(c.header, md)
	return nil
}

func (c *localCall) SendHeader(md metadata.MD) error {
	return c.SetHeader(md)
}

func (c *localCall) SetTrailer(md metadata.MD) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trailer = metadata.Join(c.trailer, md)
}

func (c *localCall) RecvMsg(m any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recvd {
		return io.EOF
	}
	c.recvd = true
	if raw, ok := m.(*RawMessage); ok {
		*raw = append(RawMessage(nil), c.params...)
		return nil
	}
	if m == nil {
		return nil
	}
	params := c.params
	if len(params) == 0 {
		params = json.RawMessage("null")
	}
	if err := json.Unmarshal(params, m); err != nil {
		return status.Errorf(codes.InvalidArgument, "failed to decode params: %v", err)
	}
	return nil
}

func (c *localCall) SendMsg(m any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sent {
		return status.Error(codes.Internal, "cardinality violation: unary call sends one response")
	}
	var data []byte
	if raw, ok := m.(RawMessage); ok {
		data = raw
	} else {
		var err error
		if data, err = json.Marshal(m); err != nil {
			return status.Errorf(codes.Internal, "failed to encode message: %v", err)
		}
	}
	if !json.Valid(data) {
		return status.Error(codes.Internal, "response is not valid JSON")
	}
	c.sent = true
	c.result = data
	return nil
}

func listenJSON(addr string, o *serverOptions) (Server, error) {
	l, err := listenNetwork(o.network, addr)
	if err != nil {
		return nil, err
	}
	return &jsonServer{d: newDispatcher(o), listener: l}, nil
}

// jsonServer serves the JSON-RPC gateway over HTTP.
type jsonServer struct {
	d        *Dispatcher
	listener net.Listener

	mu  sync.Mutex
	srv *http.Server
}

func (s *jsonServer) Register(method string, shape Shape, handler Handler) error {
	return s.d.Register(method, shape, handler)
}

func (s *jsonServer) RegisterRaw(method string, handler RawHandler) error {
	return s.d.RegisterRaw(method, handler)
}

func (s *jsonServer) Serve(ctx context.Context) error {
	gw, err := NewJSONGateway(s.d)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle(GatewayPath, gw)
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(s.d.log),
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()
	if err := srv.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (s *jsonServer) Close() error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv != nil {
		return srv.Close()
	}
	return s.listener.Close()
}

func (s *jsonServer) Addr() string {
	return s.listener.Addr().String()
}
