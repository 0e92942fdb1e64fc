// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
)

// Networks accepted by WithNetwork and WithServerNetwork.
const (
	NetworkTCP  = "tcp"
	NetworkUnix = "unix"
	NetworkMem  = "mem" // in-process pipes, for tests and embedding
)

var errMemListenerClosed = errors.New("mem: listener closed")

func listenNetwork(network, addr string) (net.Listener, error) {
	switch network {
	case NetworkTCP, NetworkUnix:
		return net.Listen(network, addr)
	case NetworkMem:
		return listenMem(addr)
	}
	return nil, fmt.Errorf("unknown network: %s", network)
}

func dialNetwork(ctx context.Context, network, addr string) (net.Conn, error) {
	switch network {
	case NetworkTCP, NetworkUnix:
		var d net.Dialer
		return d.DialContext(ctx, network, addr)
	case NetworkMem:
		return dialMem(ctx, addr)
	}
	return nil, fmt.Errorf("unknown network: %s", network)
}

type memAddr string

func (memAddr) Network() string  { return NetworkMem }
func (a memAddr) String() string { return string(a) }

// memListener hands out the server ends of net.Pipe pairs.
type memListener struct {
	addr  memAddr
	conns chan net.Conn
	done  chan struct{}
	once  sync.Once
}

var (
	memMu        sync.Mutex
	memListeners = make(map[string]*memListener)
)

// listenMem registers an in-process listener. An empty or ":0" address
// picks a unique name.
func listenMem(addr string) (*memListener, error) {
	if addr == "" || addr == ":0" {
		addr = "mem-" + uuid.NewString()
	}
	memMu.Lock()
	defer memMu.Unlock()
	if _, ok := memListeners[addr]; ok {
		return nil, fmt.Errorf("mem: address %s already in use", addr)
	}
	l := &memListener{
		addr:  memAddr(addr),
		conns: make(chan net.Conn),
		done:  make(chan struct{}),
	}
	memListeners[addr] = l
	return l, nil
}

func dialMem(ctx context.Context, addr string) (net.Conn, error) {
	memMu.Lock()
	l, ok := memListeners[addr]
	memMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("mem: dial %s: connection refused", addr)
	}
	client, server := net.Pipe()
	var err error
	select {
	case l.conns <- server:
		return client, nil
	case <-l.done:
		err = fmt.Errorf("mem: dial %s: %w", addr, errMemListenerClosed)
	case <-ctx.Done():
		err = ctx.Err()
	}
	_ = client.Close()
	_ = server.Close()
	return nil, err
}

func (l *memListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *memListener) Close() error {
	l.once.Do(func() {
		close(l.done)
		memMu.Lock()
		delete(memListeners, string(l.addr))
		memMu.Unlock()
	})
	return nil
}

func (l *memListener) Addr() net.Addr { return l.addr }
