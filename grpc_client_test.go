// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"github.com/luxfi/streamrpc/status"
)

// The grpc transport talks to a Dispatcher with grpc-go.
func TestGRPCClientInterop(t *testing.T) {
	srv, err := ListenServer("127.0.0.1:0")
	require.NoError(t, err)
	registerEcho(t, srv)
	require.NoError(t, srv.RegisterRaw("Raw/Echo", func(_ context.Context, p []byte) ([]byte, error) {
		return p, nil
	}))
	require.NoError(t, RegisterUnary(srv, "Test/NotFound", func(context.Context, echoMsg) (echoMsg, error) {
		return echoMsg{}, status.Error(codes.NotFound, "no such thing")
	}))
	served := make(chan error, 1)
	go func() { served <- srv.Serve(context.Background()) }()
	defer func() {
		_ = srv.Close()
		<-served
	}()

	for _, comp := range []string{"", "gzip"} {
		client, err := DialClient(testContext(t), srv.Addr(), WithTransport(TransportGRPC), WithCompressor(comp))
		require.NoError(t, err)

		var reply echoMsg
		require.NoError(t, client.Call(testContext(t), "Test/Echo", echoMsg{Text: "from grpc-go"}, &reply))
		require.Equal(t, "from grpc-go", reply.Text)

		raw, err := client.CallRaw(testContext(t), "/Raw/Echo", []byte{0, 1, 2})
		require.NoError(t, err)
		require.Equal(t, []byte{0, 1, 2}, raw)

		err = client.Call(testContext(t), "Test/NotFound", echoMsg{}, &reply)
		require.Equal(t, codes.NotFound, status.Code(err))
		require.Equal(t, "no such thing", status.Convert(err).Message())

		err = client.Notify(testContext(t), "Test/Missing", echoMsg{})
		require.Equal(t, codes.Unimplemented, status.Code(err))
		require.NoError(t, client.Close())
	}
}

func TestTransportRegistry(t *testing.T) {
	require.Equal(t, []string{TransportGRPC, TransportH2, TransportJSON}, AvailableTransports())
	require.True(t, HasTransport(DefaultTransport))
	require.False(t, HasTransport("quic"))

	_, err := DialClient(testContext(t), "127.0.0.1:1", WithTransport("quic"))
	require.ErrorContains(t, err, "unknown transport")
	_, err = ListenServer("127.0.0.1:0", WithServerTransport("quic"))
	require.ErrorContains(t, err, "unknown transport")
}
