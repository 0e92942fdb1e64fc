// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpc

import (
	"context"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemNetwork(t *testing.T) {
	l, err := listenNetwork(NetworkMem, "")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.Equal(t, NetworkMem, l.Addr().Network())

	_, err = listenNetwork(NetworkMem, addr)
	require.ErrorContains(t, err, "already in use")

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := l.Accept()
		if err == nil {
			accepted <- c
		}
		close(accepted)
	}()
	client, err := dialNetwork(testContext(t), NetworkMem, addr)
	require.NoError(t, err)
	server := <-accepted
	require.NotNil(t, server)

	go func() { _, _ = client.Write([]byte("ping")) }()
	buf := make([]byte, 4)
	_, err = io.ReadFull(server, buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf))
	require.NoError(t, client.Close())
	require.NoError(t, server.Close())

	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
	_, err = l.Accept()
	require.ErrorIs(t, err, net.ErrClosed)
	_, err = dialNetwork(testContext(t), NetworkMem, addr)
	require.ErrorContains(t, err, "connection refused")

	// The name is free again.
	l, err = listenNetwork(NetworkMem, addr)
	require.NoError(t, err)
	require.NoError(t, l.Close())
}

func TestMemDialCanceled(t *testing.T) {
	l, err := listenNetwork(NetworkMem, ":0")
	require.NoError(t, err)
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = dialNetwork(ctx, NetworkMem, l.Addr().String())
	require.ErrorIs(t, err, context.Canceled)
}

func TestUnknownNetwork(t *testing.T) {
	_, err := listenNetwork("udp", "127.0.0.1:0")
	require.ErrorContains(t, err, "unknown network")
	_, err = dialNetwork(context.Background(), "udp", "127.0.0.1:1")
	require.ErrorContains(t, err, "unknown network")
}
