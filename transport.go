// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpc

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Transport types
const (
	TransportH2   = "h2"   // multiplexed streaming calls over HTTP/2, default
	TransportGRPC = "grpc" // grpc-go client against any gRPC server
	TransportJSON = "json" // JSON-RPC over HTTP, unary only
)

// DefaultTransport is the default transport type (h2)
const DefaultTransport = TransportH2

type dialFunc func(ctx context.Context, addr string, o *dialOptions) (Client, error)
type listenFunc func(addr string, o *serverOptions) (Server, error)

var (
	transportsMu sync.RWMutex
	transports   = map[string]struct {
		dial   dialFunc
		listen listenFunc
	}{
		TransportH2: {dialH2, listenH2},
	}
)

// registerTransport registers a new transport
func registerTransport(name string, dial dialFunc, listen listenFunc) {
	transportsMu.Lock()
	defer transportsMu.Unlock()
	transports[name] = struct {
		dial   dialFunc
		listen listenFunc
	}{dial, listen}
}

// AvailableTransports returns list of available transport types
func AvailableTransports() []string {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	result := make([]string, 0, len(transports))
	for name := range transports {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// HasTransport checks if a transport is available
func HasTransport(name string) bool {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	_, ok := transports[name]
	return ok
}

// DialClient connects to addr with the transport chosen by WithTransport.
func DialClient(ctx context.Context, addr string, opts ...DialOption) (Client, error) {
	o := newDialOptions(opts)
	transportsMu.RLock()
	t, ok := transports[o.transport]
	transportsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown transport: %s", o.transport)
	}
	return t.dial(ctx, addr, o)
}

// ListenServer listens on addr with the transport chosen by
// WithServerTransport.
func ListenServer(addr string, opts ...ServerOption) (Server, error) {
	o := newServerOptions(opts)
	transportsMu.RLock()
	t, ok := transports[o.transport]
	transportsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown transport: %s", o.transport)
	}
	return t.listen(addr, o)
}

func dialH2(ctx context.Context, addr string, o *dialOptions) (Client, error) {
	ch := newChannel(addr, o)
	if _, err := ch.connect(ctx); err != nil {
		return nil, err
	}
	return ch, nil
}

func listenH2(addr string, o *serverOptions) (Server, error) {
	l, err := listenNetwork(o.network, addr)
	if err != nil {
		return nil, err
	}
	d := newDispatcher(o)
	d.AddListener(l)
	return d, nil
}
