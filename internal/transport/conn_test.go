// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/net/http2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"

	"github.com/luxfi/streamrpc/metadata"
	"github.com/luxfi/streamrpc/status"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newPair(t *testing.T, ccfg, scfg Config) (*Conn, *Conn) {
	t.Helper()
	c1, c2 := net.Pipe()
	client := NewClientConn(c1, ccfg)
	server := NewServerConn(c2, scfg)
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
		for _, c := range []*Conn{client, server} {
			<-c.readerDone
			<-c.writerDone
		}
	})
	return client, server
}

func accept(t *testing.T, c *Conn) *Stream {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := c.Accept(ctx)
	require.NoError(t, err)
	return s
}

func waitDone(t *testing.T, s *Stream) *status.Status {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("stream %d did not close", s.ID())
	}
	return s.Status()
}

func TestUnaryExchange(t *testing.T) {
	client, server := newPair(t, Config{}, Config{})

	cs, err := client.OpenStream(context.Background(), &StreamHeader{
		Method:         "echo.Echo/Say",
		ContentSubtype: "json",
		Metadata:       metadata.New("x-request", "42"),
	})
	require.NoError(t, err)
	require.NoError(t, cs.Write([]byte("ping"), true))
	assert.Equal(t, HalfClosedLocal, cs.State())

	ss := accept(t, server)
	assert.Equal(t, "echo.Echo/Say", ss.Method())
	assert.Equal(t, "json", ss.RequestHeader().ContentSubtype)
	v, _ := ss.RequestHeader().Metadata.First("x-request")
	assert.Equal(t, "42", v)

	req, err := io.ReadAll(ss)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(req))
	assert.Equal(t, HalfClosedRemote, ss.State())

	require.NoError(t, ss.WriteHeader(metadata.New("x-header", "h")))
	require.NoError(t, ss.Write([]byte("pong"), false))
	require.NoError(t, ss.WriteStatus(status.OK(), metadata.New("x-trailer", "t")))
	assert.Equal(t, Closed, ss.State())

	hdr, err := cs.Header()
	require.NoError(t, err)
	v, _ = hdr.First("x-header")
	assert.Equal(t, "h", v)

	resp, err := io.ReadAll(cs)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(resp))

	st := waitDone(t, cs)
	assert.Equal(t, codes.OK, st.Code())
	v, _ = cs.Trailer().First("x-trailer")
	assert.Equal(t, "t", v)
}

func TestTrailersOnlyError(t *testing.T) {
	client, server := newPair(t, Config{}, Config{})

	cs, err := client.OpenStream(context.Background(), &StreamHeader{Method: "svc/Missing"})
	require.NoError(t, err)
	require.NoError(t, cs.CloseSend())

	ss := accept(t, server)
	require.NoError(t, ss.WriteStatus(status.New(codes.NotFound, "nope"), metadata.MD{}))

	hdr, err := cs.Header()
	assert.Equal(t, 0, hdr.Len())
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = io.ReadAll(cs)
	require.NoError(t, err)
	st := waitDone(t, cs)
	assert.Equal(t, codes.NotFound, st.Code())
	assert.Equal(t, "nope", st.Message())
}

func TestClientCancelReachesServer(t *testing.T) {
	client, server := newPair(t, Config{}, Config{})

	cs, err := client.OpenStream(context.Background(), &StreamHeader{Method: "svc/Long"})
	require.NoError(t, err)
	require.NoError(t, cs.Write([]byte("a"), false))
	ss := accept(t, server)

	cs.Cancel(nil)
	assert.Equal(t, codes.Canceled, cs.Status().Code())

	_, err = cs.Read(make([]byte, 1))
	assert.Equal(t, codes.Canceled, status.Code(err))
	assert.Equal(t, codes.Canceled, status.Code(cs.Write([]byte("b"), false)))

	assert.Equal(t, codes.Canceled, waitDone(t, ss).Code())
	assert.Equal(t, codes.Canceled, status.Code(ss.WriteStatus(status.OK(), metadata.MD{})))
}

func TestClientDeadline(t *testing.T) {
	cclk := testclock.NewClock(time.Now())
	sclk := testclock.NewClock(time.Now())
	client, server := newPair(t, Config{Clock: cclk}, Config{Clock: sclk})

	cs, err := client.OpenStream(context.Background(), &StreamHeader{
		Method:   "svc/Slow",
		Deadline: cclk.Now().Add(time.Second),
	})
	require.NoError(t, err)
	ss := accept(t, server)
	assert.False(t, ss.RequestHeader().Deadline.IsZero())

	require.NoError(t, cclk.WaitAdvance(time.Second, time.Second, 1))
	assert.Equal(t, codes.DeadlineExceeded, waitDone(t, cs).Code())
	assert.Equal(t, codes.Canceled, waitDone(t, ss).Code())
}

func TestServerDeadline(t *testing.T) {
	sclk := testclock.NewClock(time.Now())
	client, server := newPair(t, Config{}, Config{Clock: sclk})

	cs, err := client.OpenStream(context.Background(), &StreamHeader{
		Method:   "svc/Slow",
		Deadline: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	ss := accept(t, server)

	require.NoError(t, sclk.WaitAdvance(time.Hour, time.Second, 1))
	assert.Equal(t, codes.DeadlineExceeded, waitDone(t, ss).Code())
	assert.Equal(t, codes.DeadlineExceeded, waitDone(t, cs).Code())
}

func TestFlowControlBackpressure(t *testing.T) {
	client, server := newPair(t, Config{}, Config{})

	payload := bytes.Repeat([]byte("0123456789abcdef"), 200<<10/16)
	cs, err := client.OpenStream(context.Background(), &StreamHeader{Method: "svc/Upload"})
	require.NoError(t, err)

	written := make(chan error, 1)
	go func() {
		written <- cs.Write(payload, true)
	}()

	ss := accept(t, server)
	select {
	case <-written:
		t.Fatal("write completed beyond the flow-control window")
	case <-time.After(50 * time.Millisecond):
	}

	got, err := io.ReadAll(ss)
	require.NoError(t, err)
	require.NoError(t, <-written)
	assert.Equal(t, payload, got)

	require.NoError(t, ss.WriteStatus(status.OK(), metadata.MD{}))
	assert.Equal(t, codes.OK, waitDone(t, cs).Code())
}

func TestClientAdmission(t *testing.T) {
	client, server := newPair(t, Config{MaxConcurrentStreams: 1}, Config{})

	first, err := client.OpenStream(context.Background(), &StreamHeader{Method: "svc/A"})
	require.NoError(t, err)
	accept(t, server)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = client.OpenStream(ctx, &StreamHeader{Method: "svc/B"})
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))

	ctx, cancel = context.WithCancel(context.Background())
	cancel()
	_, err = client.OpenStream(ctx, &StreamHeader{Method: "svc/B"})
	assert.Equal(t, codes.Canceled, status.Code(err))

	opened := make(chan *Stream, 1)
	go func() {
		s, err := client.OpenStream(context.Background(), &StreamHeader{Method: "svc/C"})
		assert.NoError(t, err)
		opened <- s
	}()
	first.Cancel(nil)
	select {
	case s := <-opened:
		assert.Equal(t, "svc/C", s.Method())
	case <-time.After(5 * time.Second):
		t.Fatal("waiting call was not admitted")
	}
}

// handshake waits until the client has applied the server settings: they
// precede the response headers on the wire.
func handshake(t *testing.T, client, server *Conn) (*Stream, *Stream) {
	t.Helper()
	cs, err := client.OpenStream(context.Background(), &StreamHeader{Method: "svc/A"})
	require.NoError(t, err)
	ss := accept(t, server)
	require.NoError(t, ss.WriteHeader(metadata.MD{}))
	_, err = cs.Header()
	require.NoError(t, err)
	return cs, ss
}

func TestPeerStreamLimitQueues(t *testing.T) {
	client, server := newPair(t, Config{}, Config{MaxConcurrentStreams: 1})
	first, firstSrv := handshake(t, client, server)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := client.OpenStream(ctx, &StreamHeader{Method: "svc/B"})
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))

	opened := make(chan *Stream, 1)
	go func() {
		s, err := client.OpenStream(context.Background(), &StreamHeader{Method: "svc/C"})
		assert.NoError(t, err)
		opened <- s
	}()
	select {
	case <-opened:
		t.Fatal("stream opened above the server limit")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, firstSrv.WriteStatus(status.New(codes.OK, ""), metadata.MD{}))
	assert.Equal(t, codes.OK, waitDone(t, first).Code())
	select {
	case s := <-opened:
		assert.Equal(t, "svc/C", accept(t, server).Method())
		assert.Equal(t, HeaderSent, s.State())
	case <-time.After(5 * time.Second):
		t.Fatal("waiting stream was not admitted")
	}
}

func TestPeerInitialWindowAppliesToNewStreams(t *testing.T) {
	client, server := newPair(t, Config{}, Config{})
	first, _ := handshake(t, client, server)

	client.setInitialWindow(1000)
	_, quota := client.send.quota(first)
	assert.Equal(t, int64(1000), quota)

	second, err := client.OpenStream(context.Background(), &StreamHeader{Method: "svc/B"})
	require.NoError(t, err)
	_, quota = client.send.quota(second)
	assert.Equal(t, int64(1000), quota)
}

func TestGracefulShutdown(t *testing.T) {
	client, server := newPair(t, Config{}, Config{})

	cs, err := client.OpenStream(context.Background(), &StreamHeader{Method: "svc/A"})
	require.NoError(t, err)
	require.NoError(t, cs.Write([]byte("req"), true))
	ss := accept(t, server)

	shutdown := make(chan error, 1)
	go func() {
		shutdown <- server.Shutdown(context.Background(), true)
	}()

	require.Eventually(t, func() bool {
		return client.State() == Draining
	}, 5*time.Second, time.Millisecond)

	_, err = client.OpenStream(context.Background(), &StreamHeader{Method: "svc/B"})
	assert.Equal(t, codes.Unavailable, status.Code(err))

	_, err = server.Accept(context.Background())
	assert.Equal(t, io.EOF, err)

	// The in-flight call still completes.
	_, err = io.ReadAll(ss)
	require.NoError(t, err)
	require.NoError(t, ss.Write([]byte("resp"), false))
	require.NoError(t, ss.WriteStatus(status.OK(), metadata.MD{}))

	resp, err := io.ReadAll(cs)
	require.NoError(t, err)
	assert.Equal(t, "resp", string(resp))
	assert.Equal(t, codes.OK, waitDone(t, cs).Code())

	require.NoError(t, <-shutdown)
	<-client.Done()
}

func TestGracefulShutdownTimeout(t *testing.T) {
	client, server := newPair(t, Config{}, Config{})

	cs, err := client.OpenStream(context.Background(), &StreamHeader{Method: "svc/A"})
	require.NoError(t, err)
	ss := accept(t, server)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, server.Shutdown(ctx, true), context.DeadlineExceeded)

	assert.Equal(t, codes.Canceled, waitDone(t, ss).Code())
	assert.Equal(t, codes.Unavailable, waitDone(t, cs).Code())
}

func TestAbruptClose(t *testing.T) {
	client, server := newPair(t, Config{}, Config{})

	cs, err := client.OpenStream(context.Background(), &StreamHeader{Method: "svc/A"})
	require.NoError(t, err)
	ss := accept(t, server)

	require.NoError(t, server.Close())
	assert.Equal(t, codes.Unavailable, waitDone(t, ss).Code())
	assert.Equal(t, codes.Unavailable, waitDone(t, cs).Code())
	assert.Equal(t, ConnClosed, server.State())

	require.Eventually(t, func() bool { return client.State() == ConnClosed }, 5*time.Second, time.Millisecond)
	_, err = client.OpenStream(context.Background(), &StreamHeader{Method: "svc/B"})
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

// fakeServer speaks just enough HTTP/2 to complete the handshake. ready is
// closed once the client acknowledged our settings. Pings are answered only
// when acked is non-nil.
func fakeServer(nc net.Conn, ready chan<- struct{}, acked chan<- struct{}) {
	br := bufio.NewReader(nc)
	preface := make([]byte, len(http2.ClientPreface))
	if _, err := io.ReadFull(br, preface); err != nil {
		return
	}
	fr := http2.NewFramer(nc, br)
	if err := fr.WriteSettings(); err != nil {
		return
	}
	for {
		f, err := fr.ReadFrame()
		if err != nil {
			return
		}
		if sf, ok := f.(*http2.SettingsFrame); ok && sf.IsAck() {
			close(ready)
		}
		if p, ok := f.(*http2.PingFrame); ok && !p.IsAck() && acked != nil {
			if err := fr.WritePing(true, p.Data); err != nil {
				return
			}
			acked <- struct{}{}
		}
	}
}

func TestKeepaliveTimeout(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	c1, c2 := net.Pipe()
	defer c2.Close()
	ready := make(chan struct{})
	go fakeServer(c2, ready, nil)

	client := NewClientConn(c1, Config{
		Clock: clk,
		Keepalive: keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             time.Second,
			PermitWithoutStream: true,
		},
	})
	defer client.Close()
	<-ready

	require.NoError(t, clk.WaitAdvance(10*time.Second, time.Second, 1))
	require.NoError(t, clk.WaitAdvance(time.Second, time.Second, 1))

	select {
	case <-client.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection survived an unanswered ping")
	}
	assert.ErrorIs(t, client.Err(), errKeepaliveTimeout)
	<-client.readerDone
	<-client.writerDone
}

func TestKeepaliveAcked(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	c1, c2 := net.Pipe()
	ready := make(chan struct{})
	acked := make(chan struct{}, 1)
	go fakeServer(c2, ready, acked)

	client := NewClientConn(c1, Config{
		Clock: clk,
		Keepalive: keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             time.Second,
			PermitWithoutStream: true,
		},
	})
	defer func() {
		_ = client.Close()
		_ = c2.Close()
		<-client.readerDone
		<-client.writerDone
	}()
	<-ready

	require.NoError(t, clk.WaitAdvance(10*time.Second, time.Second, 1))
	<-acked
	require.Eventually(t, func() bool {
		return client.lastRead.Load() >= clk.Now().UnixNano()
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, clk.WaitAdvance(time.Second, time.Second, 1))
	// The loop is waiting for the next interval instead of closing.
	require.NoError(t, clk.WaitAdvance(0, time.Second, 1))
	assert.Equal(t, Established, client.State())
}

// terminalCode is the code a caller observes through Read: the error itself,
// or the stream status once the peer ended the stream cleanly.
func terminalCode(s *Stream, err error) codes.Code {
	if err == io.EOF {
		return s.Status().Code()
	}
	return status.Code(err)
}

func TestSingleTerminalStatusUnderRaces(t *testing.T) {
	allowed := []codes.Code{codes.OK, codes.Canceled, codes.DeadlineExceeded, codes.Unavailable}
	for i := range 200 {
		client, server := newPair(t, Config{}, Config{})
		cs, err := client.OpenStream(context.Background(), &StreamHeader{
			Method:   "svc/Race",
			Deadline: time.Now().Add(time.Millisecond),
		})
		require.NoError(t, err)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		ss, _ := server.Accept(ctx)
		cancel()

		start := make(chan struct{})
		var wg sync.WaitGroup
		race := func(f func()) {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				f()
			}()
		}
		race(func() { cs.Cancel(nil) })
		race(func() { _ = cs.Write([]byte("x"), false) })
		if ss != nil {
			race(func() { _ = ss.WriteStatus(status.New(codes.OK, ""), metadata.MD{}) })
		}
		if i%2 == 0 {
			race(func() { _ = client.Close() })
		}
		close(start)
		wg.Wait()

		for _, s := range []*Stream{cs, ss} {
			if s == nil {
				continue
			}
			st := waitDone(t, s)
			require.Contains(t, allowed, st.Code(), "iteration %d: %v", i, st)

			buf := make([]byte, 8)
			_, rerr := s.Read(buf)
			werr := s.Write([]byte("late"), false)
			assert.Equal(t, st.Code(), terminalCode(s, rerr), "iteration %d read", i)
			assert.Equal(t, st.Code(), terminalCode(s, werr), "iteration %d write", i)
			assert.Same(t, st, s.Status(), "iteration %d status changed", i)
		}
	}
}

func TestDropsFramesForUnknownStreams(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	c1, c2 := net.Pipe()
	defer c1.Close()
	server := NewServerConn(c2, Config{Logger: zap.New(core)})
	defer func() {
		_ = server.Close()
		<-server.readerDone
		<-server.writerDone
	}()
	go func() { _, _ = io.Copy(io.Discard, c1) }()

	_, err := io.WriteString(c1, http2.ClientPreface)
	require.NoError(t, err)
	fr := http2.NewFramer(c1, nil)
	require.NoError(t, fr.WriteSettings())
	require.NoError(t, fr.WriteData(7, false, []byte("stray")))

	require.Eventually(t, func() bool {
		dropped := logs.FilterMessage("dropping frame for unknown stream").AllUntimed()
		return len(dropped) == 1 && dropped[0].ContextMap()["stream"] == uint32(7)
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, Established, server.State())
}
