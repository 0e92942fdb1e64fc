// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	rpc "github.com/luxfi/streamrpc"
	"github.com/luxfi/streamrpc/internal/logging"
	"github.com/luxfi/streamrpc/status"
)

func startEcho(t *testing.T) *rpc.Dispatcher {
	t.Helper()
	d, err := rpc.Listen("", rpc.WithServerNetwork(rpc.NetworkMem))
	require.NoError(t, err)
	require.NoError(t, registerEcho(d))
	done := make(chan error, 1)
	go func() { done <- d.Serve(context.Background()) }()
	t.Cleanup(func() {
		_ = d.Close()
		require.NoError(t, <-done)
	})
	return d
}

func dialEcho(t *testing.T, d *rpc.Dispatcher) *rpc.Channel {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := rpc.Dial(ctx, d.Addr(), rpc.WithNetwork(rpc.NetworkMem))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

func TestEchoService(t *testing.T) {
	d := startEcho(t)
	ch := dialEcho(t, d)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reply, err := rpc.Invoke[SayRequest, SayReply](ctx, ch, methodSay, SayRequest{Message: "hi"})
	require.NoError(t, err)
	require.Equal(t, "hi", reply.Message)

	_, err = rpc.Invoke[SayRequest, SayReply](ctx, ch, methodSay, SayRequest{})
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	var got []int
	for r, err := range rpc.ServerStream[CountRequest, CountReply](ctx, ch, methodCount, CountRequest{N: 3}) {
		require.NoError(t, err)
		got = append(got, r.I)
	}
	require.Equal(t, []int{1, 2, 3}, got)

	for _, err := range rpc.ServerStream[CountRequest, CountReply](ctx, ch, methodCount, CountRequest{N: -1}) {
		require.Equal(t, codes.OutOfRange, status.Code(err))
	}

	total, err := rpc.ClientStream[SumRequest, SumReply](ctx, ch, methodSum,
		slices.Values([]SumRequest{{Value: 1}, {Value: 2}, {Value: 39}}))
	require.NoError(t, err)
	require.Equal(t, SumReply{Total: 42, Count: 3}, total)

	chat, err := rpc.Bidi[ChatMessage, ChatMessage](ctx, ch, methodChat)
	require.NoError(t, err)
	for _, text := range []string{"a", "b"} {
		require.NoError(t, chat.Send(ChatMessage{Text: text}))
		msg, err := chat.Recv()
		require.NoError(t, err)
		require.Equal(t, "echo: "+text, msg.Text)
	}
	require.NoError(t, chat.CloseSend())
	_, err = chat.Recv()
	require.Equal(t, io.EOF, err)
}

func TestCountStopsOnCancel(t *testing.T) {
	d := startEcho(t)
	ch := dialEcho(t, d)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n := 0
	for r, err := range rpc.ServerStream[CountRequest, CountReply](ctx, ch, methodCount,
		CountRequest{N: maxCount, Interval: time.Millisecond}) {
		require.NoError(t, err)
		n = r.I
		if n == 2 {
			break
		}
	}
	require.Equal(t, 2, n)
}

func testGlobals() *globalFlags {
	g := &globalFlags{network: rpc.NetworkMem, log: logging.DefaultConfig()}
	return g
}

func TestRunCallUnary(t *testing.T) {
	d := startEcho(t)
	var out bytes.Buffer
	f := &callFlags{shape: "unary", timeout: 5 * time.Second, headers: []string{"x-trace=1"}}
	err := runCall(context.Background(), testGlobals(), f, d.Addr(), methodSay,
		json.RawMessage(`{"message":"hello"}`), strings.NewReader(""), &out)
	require.NoError(t, err)
	require.JSONEq(t, `{"message":"hello"}`, strings.TrimSpace(out.String()))
}

func TestRunCallStreaming(t *testing.T) {
	d := startEcho(t)

	var out bytes.Buffer
	f := &callFlags{shape: "server-stream", timeout: 5 * time.Second}
	require.NoError(t, runCall(context.Background(), testGlobals(), f, d.Addr(), methodCount,
		json.RawMessage(`{"n":2}`), strings.NewReader(""), &out))
	require.Equal(t, "{\"i\":1}\n{\"i\":2}\n", out.String())

	out.Reset()
	f.shape = "client-stream"
	require.NoError(t, runCall(context.Background(), testGlobals(), f, d.Addr(), methodSum,
		nil, strings.NewReader(`{"value":5} {"value":7}`), &out))
	require.JSONEq(t, `{"total":12,"count":2}`, strings.TrimSpace(out.String()))

	out.Reset()
	f.shape = "bidi"
	require.NoError(t, runCall(context.Background(), testGlobals(), f, d.Addr(), methodChat,
		nil, strings.NewReader(`{"text":"x"}`), &out))
	require.JSONEq(t, `{"text":"echo: x"}`, strings.TrimSpace(out.String()))
}

func TestRunCallErrors(t *testing.T) {
	d := startEcho(t)
	f := &callFlags{shape: "unary", timeout: 5 * time.Second}

	err := runCall(context.Background(), testGlobals(), f, d.Addr(), "Echo/Missing",
		json.RawMessage(`{}`), strings.NewReader(""), io.Discard)
	require.ErrorContains(t, err, "Unimplemented")

	f.shape = "sideways"
	err = runCall(context.Background(), testGlobals(), f, d.Addr(), methodSay, nil, strings.NewReader(""), io.Discard)
	require.ErrorContains(t, err, "unknown shape")

	f.shape = "unary"
	f.headers = []string{"novalue"}
	err = runCall(context.Background(), testGlobals(), f, d.Addr(), methodSay, nil, strings.NewReader(""), io.Discard)
	require.ErrorContains(t, err, "key=value")
}
