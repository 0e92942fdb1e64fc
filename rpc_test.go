// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpc

import (
	"context"
	"errors"
	"io"
	"iter"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/luxfi/streamrpc/internal/transport"
	"github.com/luxfi/streamrpc/metadata"
	"github.com/luxfi/streamrpc/status"
)

type echoMsg struct {
	Text string `json:"text"`
}

// newPair serves a dispatcher on the mem network and dials it.
func newPair(t testing.TB, sopts []ServerOption, dopts []DialOption) (*Dispatcher, *Channel) {
	t.Helper()
	d, err := Listen("", append([]ServerOption{WithServerNetwork(NetworkMem)}, sopts...)...)
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- d.Serve(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := Dial(ctx, d.Addr(), append([]DialOption{WithNetwork(NetworkMem)}, dopts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = ch.Close()
		_ = d.Close()
		<-served
	})
	return d, ch
}

func testContext(t testing.TB) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func registerEcho(t testing.TB, s Server) {
	t.Helper()
	require.NoError(t, RegisterUnary(s, "Test/Echo", func(_ context.Context, req echoMsg) (echoMsg, error) {
		return req, nil
	}))
}

func TestRawRoundTrip(t *testing.T) {
	d, ch := newPair(t, nil, nil)
	require.NoError(t, d.RegisterRaw("echo", func(_ context.Context, payload []byte) ([]byte, error) {
		return payload, nil
	}))

	payload := []byte("hello world")
	resp, err := ch.CallRaw(testContext(t), "echo", payload)
	require.NoError(t, err)
	require.Equal(t, payload, resp)

	resp, err = ch.CallRaw(testContext(t), "echo", nil)
	require.NoError(t, err)
	require.Empty(t, resp)
}

func TestCallAndNotify(t *testing.T) {
	d, ch := newPair(t, nil, nil)
	require.NoError(t, RegisterUnary(d, "add", func(_ context.Context, req struct{ A, B int }) (struct{ Sum int }, error) {
		return struct{ Sum int }{Sum: req.A + req.B}, nil
	}))

	var resp struct{ Sum int }
	require.NoError(t, ch.Call(testContext(t), "add", struct{ A, B int }{A: 2, B: 3}, &resp))
	require.Equal(t, 5, resp.Sum)

	// A leading slash names the same method.
	require.NoError(t, ch.Notify(testContext(t), "/add", struct{ A, B int }{A: 1, B: 1}))
}

func TestDuplicateRegistration(t *testing.T) {
	d := NewDispatcher()
	registerEcho(t, d)
	require.Error(t, d.Register("/Test/Echo", ShapeUnary, nil))
	require.Error(t, d.Register("", ShapeUnary, nil))
}

// One request, one response, status OK.
func TestUnaryCall(t *testing.T) {
	d, ch := newPair(t, nil, nil)
	received := make(chan int, 1)
	require.NoError(t, d.Register("Test/Unary", ShapeUnary, func(_ context.Context, call ServerCall) error {
		var req echoMsg
		if err := call.RecvMsg(&req); err != nil {
			return err
		}
		// The request side is closed after the single message.
		n := 1
		if err := call.RecvMsg(&req); err != io.EOF {
			n++
		}
		received <- n
		return call.SendMsg(echoMsg{Text: "re: " + req.Text})
	}))

	call, err := ch.NewCall(testContext(t), "Test/Unary", ShapeUnary)
	require.NoError(t, err)
	require.NoError(t, call.SendMsg(echoMsg{Text: "hi"}))
	var reply echoMsg
	require.NoError(t, call.RecvMsg(&reply))
	require.Equal(t, "re: hi", reply.Text)
	require.Equal(t, io.EOF, call.RecvMsg(&reply))
	require.Equal(t, 1, <-received)
}

// The client cancels a server stream after two messages.
func TestServerStreamCancel(t *testing.T) {
	d, ch := newPair(t, nil, nil)
	thirdSend := make(chan error, 1)
	require.NoError(t, d.Register("Test/Stream", ShapeServerStream, func(ctx context.Context, call ServerCall) error {
		var req echoMsg
		if err := call.RecvMsg(&req); err != nil {
			return err
		}
		for i := 1; i <= 2; i++ {
			if err := call.SendMsg(i); err != nil {
				return err
			}
		}
		<-ctx.Done()
		thirdSend <- call.SendMsg(3)
		return nil
	}))

	call, err := ch.NewCall(testContext(t), "Test/Stream", ShapeServerStream)
	require.NoError(t, err)
	require.NoError(t, call.SendMsg(echoMsg{}))
	for want := 1; want <= 2; want++ {
		var got int
		require.NoError(t, call.RecvMsg(&got))
		require.Equal(t, want, got)
	}
	call.Cancel()
	var got int
	err = call.RecvMsg(&got)
	require.Equal(t, codes.Canceled, status.Code(err))

	select {
	case err := <-thirdSend:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server send did not fail after cancellation")
	}
}

// The deadline passes while the server is still working.
func TestDeadlineExceeded(t *testing.T) {
	d, ch := newPair(t, nil, nil)
	serverSend := make(chan error, 1)
	require.NoError(t, d.Register("Test/Slow", ShapeUnary, func(ctx context.Context, call ServerCall) error {
		var req echoMsg
		if err := call.RecvMsg(&req); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
		case <-time.After(5 * time.Second):
		}
		serverSend <- call.SendMsg(req)
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	var reply echoMsg
	err := ch.unary(ctx, "Test/Slow", echoMsg{Text: "late"}, &reply, nil)
	require.Equal(t, codes.DeadlineExceeded, status.Code(err))

	select {
	case err := <-serverSend:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server call was not closed by the deadline")
	}
}

// A call over the concurrency limit waits for a slot, whether the limit is
// the channel's own or the one the server advertises.
func TestConcurrencyLimit(t *testing.T) {
	for name, opts := range map[string]struct {
		server []ServerOption
		client []DialOption
	}{
		"client": {client: []DialOption{WithConcurrencyLimit(1)}},
		"server": {server: []ServerOption{WithMaxConcurrentStreams(1)}},
	} {
		t.Run(name, func(t *testing.T) {
			testConcurrencyLimit(t, opts.server, opts.client)
		})
	}
}

func testConcurrencyLimit(t *testing.T, sopts []ServerOption, dopts []DialOption) {
	d, ch := newPair(t, sopts, dopts)
	require.NoError(t, d.Register("Test/Hold", ShapeBidi, func(_ context.Context, call ServerCall) error {
		for {
			var m echoMsg
			if err := call.RecvMsg(&m); err == io.EOF {
				return nil
			} else if err != nil {
				return err
			}
		}
	}))
	registerEcho(t, d)

	// A finished call means the server settings have been applied.
	_, err := Invoke[echoMsg, echoMsg](testContext(t), ch, "Test/Echo", echoMsg{})
	require.NoError(t, err)

	held, err := ch.NewCall(testContext(t), "Test/Hold", ShapeBidi)
	require.NoError(t, err)
	require.NoError(t, held.SendMsg(echoMsg{}))

	// Admission gives up at the deadline.
	short, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = ch.NewCall(short, "Test/Echo", ShapeUnary)
	require.Equal(t, codes.ResourceExhausted, status.Code(err))

	result := make(chan error, 1)
	go func() {
		var reply echoMsg
		result <- ch.Call(testContext(t), "Test/Echo", echoMsg{Text: "queued"}, &reply)
	}()
	select {
	case err := <-result:
		t.Fatalf("call admitted over the limit: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, held.CloseSend())
	require.Equal(t, io.EOF, held.RecvMsg(&echoMsg{}))
	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("queued call never admitted")
	}
}

// An unknown method still runs the interceptor chain.
func TestUnknownMethod(t *testing.T) {
	var intercepted atomic.Int32
	counter := InterceptorFuncs{Handler: func(next Handler) Handler {
		return func(ctx context.Context, call ServerCall) error {
			intercepted.Add(1)
			return next(ctx, call)
		}
	}}
	_, ch := newPair(t, []ServerOption{WithServerInterceptors(counter)}, nil)

	err := ch.Call(testContext(t), "Nope/Missing", echoMsg{}, nil)
	require.Equal(t, codes.Unimplemented, status.Code(err))
	require.Contains(t, status.Convert(err).Message(), "Nope/Missing")
	require.Equal(t, int32(1), intercepted.Load())
}

func TestMetadata(t *testing.T) {
	d, ch := newPair(t, nil, []DialOption{WithHeaders(metadata.New("x-default", "d"))})
	require.NoError(t, d.Register("Test/Meta", ShapeUnary, func(ctx context.Context, call ServerCall) error {
		var req echoMsg
		if err := call.RecvMsg(&req); err != nil {
			return err
		}
		in, _ := metadata.FromIncomingContext(ctx)
		user, _ := in.First("x-user")
		def, _ := call.RequestHeader().First("x-default")
		if err := call.SetHeader(metadata.New("x-seen", user+","+def)); err != nil {
			return err
		}
		call.SetTrailer(metadata.New("x-bin-bin", "\x00\x01"))
		return call.SendMsg(req)
	}))

	ctx := metadata.AppendToOutgoingContext(testContext(t), "X-User", "alice")
	var header, trailer metadata.MD
	reply, err := Invoke[echoMsg, echoMsg](ctx, ch, "Test/Meta", echoMsg{Text: "m"}, Header(&header), Trailer(&trailer))
	require.NoError(t, err)
	require.Equal(t, "m", reply.Text)

	seen, _ := header.First("x-seen")
	assert.Equal(t, "alice,d", seen)
	bin, _ := trailer.First("x-bin-bin")
	assert.Equal(t, "\x00\x01", bin)
	_, hasStatus := trailer.First("grpc-status")
	assert.False(t, hasStatus)
}

func TestTrailersOnlyError(t *testing.T) {
	d, ch := newPair(t, nil, nil)
	require.NoError(t, d.Register("Test/Fail", ShapeUnary, func(_ context.Context, call ServerCall) error {
		if err := call.SetHeader(metadata.New("x-reason", "quota")); err != nil {
			return err
		}
		st, err := status.New(codes.FailedPrecondition, "not ready: 100% busy").WithDetails(wrapperspb.String("detail"))
		if err != nil {
			return err
		}
		return st.Err()
	}))

	var trailer metadata.MD
	_, err := Invoke[echoMsg, echoMsg](testContext(t), ch, "Test/Fail", echoMsg{}, Trailer(&trailer))
	st := status.Convert(err)
	require.Equal(t, codes.FailedPrecondition, st.Code())
	require.Equal(t, "not ready: 100% busy", st.Message())
	require.NotEmpty(t, st.Details())
	reason, _ := trailer.First("x-reason")
	require.Equal(t, "quota", reason)
}

func TestHandlerErrors(t *testing.T) {
	d, ch := newPair(t, nil, nil)
	require.NoError(t, d.Register("Test/Panic", ShapeUnary, func(context.Context, ServerCall) error {
		panic("boom")
	}))
	require.NoError(t, d.Register("Test/Plain", ShapeUnary, func(context.Context, ServerCall) error {
		return errors.New("disk on fire")
	}))
	require.NoError(t, d.Register("Test/Ctx", ShapeUnary, func(context.Context, ServerCall) error {
		return context.DeadlineExceeded
	}))
	require.NoError(t, d.Register("Test/Twice", ShapeUnary, func(_ context.Context, call ServerCall) error {
		if err := call.SendMsg(1); err != nil {
			return err
		}
		return call.SendMsg(2)
	}))
	require.NoError(t, d.Register("Test/Silent", ShapeUnary, func(context.Context, ServerCall) error {
		return nil
	}))

	tests := []struct {
		method string
		code   codes.Code
		msg    string
	}{
		{"Test/Panic", codes.Internal, "boom"},
		{"Test/Plain", codes.Internal, "disk on fire"},
		{"Test/Ctx", codes.DeadlineExceeded, ""},
		{"Test/Twice", codes.Internal, "cardinality"},
		{"Test/Silent", codes.Internal, "without sending a response"},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			var reply int
			err := ch.Call(testContext(t), tt.method, 0, &reply)
			require.Equal(t, tt.code, status.Code(err), "err: %v", err)
			require.Contains(t, status.Convert(err).Message(), tt.msg)
		})
	}
}

func TestTruncatedFrame(t *testing.T) {
	d, ch := newPair(t, nil, nil)
	registerEcho(t, d)

	conn, err := ch.connect(testContext(t))
	require.NoError(t, err)
	s, err := conn.OpenStream(testContext(t), &transport.StreamHeader{
		Method:         "Test/Echo",
		ContentSubtype: "json",
	})
	require.NoError(t, err)
	// Declares ten payload bytes, carries one.
	require.NoError(t, s.Write([]byte{0, 0, 0, 0, 10, '{'}, true))

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("truncated message did not resolve the call")
	}
	require.Equal(t, codes.Internal, s.Status().Code())
}

func TestCompression(t *testing.T) {
	big := echoMsg{Text: strings.Repeat("compressible ", 4096)}
	for _, name := range []string{"gzip", Snappy} {
		t.Run(name, func(t *testing.T) {
			d, ch := newPair(t, nil, []DialOption{WithCompressor(name)})
			registerEcho(t, d)
			reply, err := Invoke[echoMsg, echoMsg](testContext(t), ch, "Test/Echo", big)
			require.NoError(t, err)
			require.Equal(t, big, reply)
		})
	}

	t.Run("server chooses", func(t *testing.T) {
		d, ch := newPair(t, []ServerOption{WithServerCompressor(Snappy)}, nil)
		registerEcho(t, d)
		reply, err := Invoke[echoMsg, echoMsg](testContext(t), ch, "Test/Echo", big)
		require.NoError(t, err)
		require.Equal(t, big, reply)
	})

	t.Run("unknown", func(t *testing.T) {
		d, ch := newPair(t, nil, nil)
		registerEcho(t, d)
		_, err := Invoke[echoMsg, echoMsg](testContext(t), ch, "Test/Echo", big, CallCompressor("zstd"))
		require.Equal(t, codes.Internal, status.Code(err))
	})
}

func TestMessageSizeLimits(t *testing.T) {
	d, ch := newPair(t, []ServerOption{WithServerMaxRecvMsgSize(64)}, nil)
	registerEcho(t, d)

	_, err := Invoke[echoMsg, echoMsg](testContext(t), ch, "Test/Echo", echoMsg{Text: strings.Repeat("x", 1024)})
	require.Equal(t, codes.ResourceExhausted, status.Code(err))

	d2, ch2 := newPair(t, nil, []DialOption{WithMaxSendMsgSize(8)})
	registerEcho(t, d2)
	_, err = Invoke[echoMsg, echoMsg](testContext(t), ch2, "Test/Echo", echoMsg{Text: "too long"})
	require.Equal(t, codes.ResourceExhausted, status.Code(err))
}

func TestProtoCodecCall(t *testing.T) {
	d, ch := newPair(t, nil, []DialOption{WithCodec(ProtoCodec{})})
	require.NoError(t, RegisterUnary(d, "Test/Upper", func(_ context.Context, req *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
		return wrapperspb.String(strings.ToUpper(req.GetValue())), nil
	}))

	reply, err := Invoke[*wrapperspb.StringValue, *wrapperspb.StringValue](testContext(t), ch, "Test/Upper", wrapperspb.String("abc"))
	require.NoError(t, err)
	require.Equal(t, "ABC", reply.GetValue())
}

func TestStreamingHelpers(t *testing.T) {
	d, ch := newPair(t, nil, nil)
	require.NoError(t, RegisterServerStream(d, "Test/Range", func(ctx context.Context, n int, send func(int) error) error {
		for i := range n {
			if err := send(i); err != nil {
				return err
			}
		}
		return nil
	}))
	require.NoError(t, RegisterClientStream(d, "Test/Join", func(_ context.Context, reqs iter.Seq2[string, error]) (string, error) {
		var parts []string
		for s, err := range reqs {
			if err != nil {
				return "", err
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, "+"), nil
	}))
	require.NoError(t, RegisterBidi(d, "Test/Double", func(_ context.Context, recv func() (int, error), send func(int) error) error {
		for {
			n, err := recv()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
			if err := send(2 * n); err != nil {
				return err
			}
		}
	}))

	var got []int
	for n, err := range ServerStream[int, int](testContext(t), ch, "Test/Range", 4) {
		require.NoError(t, err)
		got = append(got, n)
	}
	require.Equal(t, []int{0, 1, 2, 3}, got)

	// Breaking early cancels the call and leaves the channel usable.
	for n, err := range ServerStream[int, int](testContext(t), ch, "Test/Range", 1000) {
		require.NoError(t, err)
		if n == 1 {
			break
		}
	}

	joined, err := ClientStream[string, string](testContext(t), ch, "Test/Join", slices.Values([]string{"a", "b", "c"}))
	require.NoError(t, err)
	require.Equal(t, "a+b+c", joined)

	bidi, err := Bidi[int, int](testContext(t), ch, "Test/Double")
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		require.NoError(t, bidi.Send(i))
		n, err := bidi.Recv()
		require.NoError(t, err)
		require.Equal(t, 2*i, n)
	}
	require.NoError(t, bidi.CloseSend())
	require.NoError(t, bidi.CloseSend())
	_, err = bidi.Recv()
	require.Equal(t, io.EOF, err)
}

func TestGracefulShutdown(t *testing.T) {
	d, ch := newPair(t, nil, nil)
	registerEcho(t, d)
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, d.Register("Test/Wait", ShapeUnary, func(_ context.Context, call ServerCall) error {
		var req int
		if err := call.RecvMsg(&req); err != nil {
			return err
		}
		close(started)
		<-release
		return call.SendMsg(req)
	}))

	result := make(chan error, 1)
	go func() {
		var reply int
		result <- ch.Call(testContext(t), "Test/Wait", 7, &reply)
	}()
	<-started

	shutdown := make(chan error, 1)
	go func() { shutdown <- d.Shutdown(testContext(t), true) }()

	// New calls are refused while the in-flight one finishes.
	require.Eventually(t, func() bool {
		err := ch.Call(testContext(t), "Test/Echo", echoMsg{}, nil)
		return status.Code(err) == codes.Unavailable
	}, 5*time.Second, 10*time.Millisecond)

	close(release)
	require.NoError(t, <-result)
	require.NoError(t, <-shutdown)
}

func BenchmarkRoundTrip(b *testing.B) {
	d, ch := newPair(b, nil, nil)
	require.NoError(b, d.RegisterRaw("echo", func(_ context.Context, payload []byte) ([]byte, error) {
		return payload, nil
	}))
	ctx := context.Background()
	payload := make([]byte, 1024)

	b.ReportAllocs()
	for b.Loop() {
		if _, err := ch.CallRaw(ctx, "echo", payload); err != nil {
			b.Fatal(err)
		}
	}
}
