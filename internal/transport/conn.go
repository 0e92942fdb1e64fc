// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
	"golang.org/x/sync/semaphore"
	"google.golang.org/grpc/codes"

	"github.com/luxfi/streamrpc/metadata"
	"github.com/luxfi/streamrpc/status"
)

const ioBufferSize = 32 << 10

// Conn is one HTTP/2 connection carrying many streams.
type Conn struct {
	id     string
	client bool
	cfg    Config
	log    *zap.Logger
	clk    clock.Clock

	nc net.Conn
	br *bufio.Reader
	fr *http2.Framer
	w  *loopWriter
	wq *writeQueue

	send         *sendFlow
	connIn       recvFlow // reader goroutine only
	peerMaxFrame atomic.Uint32
	lastRead     atomic.Int64

	sem         *semaphore.Weighted // local limit
	peerStreams streamQuota         // peer's SETTINGS_MAX_CONCURRENT_STREAMS
	drainCtx    context.Context
	drainCancel context.CancelFunc

	done           chan struct{}
	readerDone     chan struct{}
	writerDone     chan struct{}
	closeOnce      sync.Once
	closeScheduled atomic.Bool

	mu             sync.Mutex
	state          ConnState
	graceful       bool
	err            error
	streams        map[uint32]*Stream
	nextID         uint32
	lastPeerStream uint32
	acceptQ        []*Stream
	acceptCh       chan struct{}
}

// NewClientConn starts the client side of a connection over nc. The
// connection preface and settings are written asynchronously; failures
// surface as a closed connection.
func NewClientConn(nc net.Conn, cfg Config) *Conn {
	t := newConn(nc, cfg, true)
	t.nextID = 1
	if t.cfg.MaxConcurrentStreams > 0 {
		t.sem = semaphore.NewWeighted(int64(t.cfg.MaxConcurrentStreams))
	}
	t.wq.put(func(w *loopWriter) error {
		if _, err := io.WriteString(w.bw, http2.ClientPreface); err != nil {
			return err
		}
		return t.writeSettings(w)
	})
	t.start()
	return t
}

// NewServerConn starts the server side of a connection over nc. The client
// preface is validated by the reader goroutine.
func NewServerConn(nc net.Conn, cfg Config) *Conn {
	t := newConn(nc, cfg, false)
	t.wq.put(t.writeSettings)
	t.start()
	return t
}

func newConn(nc net.Conn, cfg Config, client bool) *Conn {
	cfg = cfg.withDefaults()
	t := &Conn{
		id:         uuid.NewString(),
		client:     client,
		cfg:        cfg,
		clk:        cfg.Clock,
		nc:         nc,
		br:         bufio.NewReaderSize(nc, ioBufferSize),
		wq:         newWriteQueue(),
		send:       newSendFlow(),
		connIn:     recvFlow{limit: cfg.InitialConnWindowSize},
		done:       make(chan struct{}),
		readerDone: make(chan struct{}),
		writerDone: make(chan struct{}),
		streams:    make(map[uint32]*Stream),
		acceptCh:   make(chan struct{}),
	}
	side := "server"
	if client {
		side = "client"
	}
	t.log = cfg.Logger.With(zap.String("conn", t.id), zap.String("side", side))
	t.drainCtx, t.drainCancel = context.WithCancel(context.Background())

	bw := bufio.NewWriterSize(nc, ioBufferSize)
	t.fr = http2.NewFramer(bw, t.br)
	t.fr.ReadMetaHeaders = hpack.NewDecoder(defaultHeaderTableSize, nil)
	t.fr.MaxHeaderListSize = cfg.MaxHeaderListSize
	t.fr.SetMaxReadFrameSize(cfg.MaxFrameSize)
	t.w = newLoopWriter(bw, t.fr)
	t.peerMaxFrame.Store(defaultMaxFrameSize)
	t.lastRead.Store(t.clk.Now().UnixNano())
	return t
}

func (t *Conn) start() {
	go t.readLoop()
	go t.writeLoop()
	if t.client && t.cfg.Keepalive.Time > 0 {
		go t.keepaliveLoop()
	}
}

func (t *Conn) writeSettings(w *loopWriter) error {
	settings := []http2.Setting{
		{ID: http2.SettingInitialWindowSize, Val: t.cfg.InitialWindowSize},
		{ID: http2.SettingMaxFrameSize, Val: t.cfg.MaxFrameSize},
		{ID: http2.SettingMaxHeaderListSize, Val: t.cfg.MaxHeaderListSize},
	}
	if t.client {
		settings = append(settings, http2.Setting{ID: http2.SettingEnablePush, Val: 0})
	} else if t.cfg.MaxConcurrentStreams > 0 {
		settings = append(settings, http2.Setting{ID: http2.SettingMaxConcurrentStreams, Val: t.cfg.MaxConcurrentStreams})
	}
	if err := w.fr.WriteSettings(settings...); err != nil {
		return err
	}
	if d := t.cfg.InitialConnWindowSize - defaultWindowSize; d > 0 {
		return w.fr.WriteWindowUpdate(0, d)
	}
	return nil
}

// ID is a unique identifier for logs.
func (t *Conn) ID() string { return t.id }

// LocalAddr returns the local network address.
func (t *Conn) LocalAddr() net.Addr { return t.nc.LocalAddr() }

// RemoteAddr returns the peer's network address.
func (t *Conn) RemoteAddr() net.Addr { return t.nc.RemoteAddr() }

// Done is closed once the connection is closed.
func (t *Conn) Done() <-chan struct{} { return t.done }

// State reports the connection state.
func (t *Conn) State() ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err is the reason the connection closed, nil for a clean close or while
// it is still open.
func (t *Conn) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// ActiveStreams counts streams that are not yet closed.
func (t *Conn) ActiveStreams() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.streams)
}

// OpenStream starts a client stream. When the local limit or the limit the
// server advertised is reached the call waits for a free slot in FIFO order;
// a context that expires first yields ResourceExhausted (deadline) or
// Cancelled.
func (t *Conn) OpenStream(ctx context.Context, hdr *StreamHeader) (*Stream, error) {
	if !t.client {
		return nil, status.Error(codes.Internal, "transport: OpenStream on a server connection")
	}
	if err := t.admit(ctx); err != nil {
		return nil, err
	}

	t.mu.Lock()
	var err error
	switch {
	case t.state == Draining:
		err = ErrConnDraining
	case t.state == ConnClosed:
		err = ErrConnClosed
	case t.nextID > maxStreamID:
		err = status.Error(codes.Unavailable, "transport: stream ids exhausted")
	}
	if err != nil {
		t.mu.Unlock()
		t.releaseSlot()
		return nil, err
	}
	id := t.nextID
	t.nextID += 2
	s := newStream(t, id, true, hdr)
	s.state = HeaderSent
	s.headerQueued = true
	s.release = t.releaseSlot
	t.send.register(s)
	t.streams[id] = s
	// Queued under t.mu so ids reach the wire in increasing order.
	t.wq.put(s.headerItem(t.requestFields(hdr, t.clk.Now()), false))
	t.mu.Unlock()

	if !hdr.Deadline.IsZero() {
		s.startDeadline(hdr.Deadline)
	}
	return s, nil
}

// admit takes a local slot and then a peer slot.
func (t *Conn) admit(ctx context.Context) error {
	actx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := context.AfterFunc(t.drainCtx, func() { cancel(ErrConnDraining) })
	defer stop()

	if t.sem != nil {
		if err := t.sem.Acquire(actx, 1); err != nil {
			return t.admitError(ctx, actx)
		}
	}
	if err := t.peerStreams.acquire(actx); err != nil {
		if t.sem != nil {
			t.sem.Release(1)
		}
		return t.admitError(ctx, actx)
	}
	return nil
}

func (t *Conn) admitError(ctx, actx context.Context) error {
	if context.Cause(actx) == ErrConnDraining {
		if t.State() == ConnClosed {
			return ErrConnClosed
		}
		return ErrConnDraining
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return status.Error(codes.ResourceExhausted, "deadline expired while waiting for a stream slot")
	}
	return status.Error(codes.Canceled, "cancelled while waiting for a stream slot")
}

func (t *Conn) releaseSlot() {
	t.peerStreams.release()
	if t.sem != nil {
		t.sem.Release(1)
	}
}

// Accept returns the next stream opened by the peer. It returns io.EOF once
// the connection stops accepting streams.
func (t *Conn) Accept(ctx context.Context) (*Stream, error) {
	for {
		t.mu.Lock()
		if t.state != ConnClosed && len(t.acceptQ) > 0 {
			s := t.acceptQ[0]
			t.acceptQ[0] = nil
			t.acceptQ = t.acceptQ[1:]
			t.mu.Unlock()
			return s, nil
		}
		if t.state != Established {
			t.mu.Unlock()
			return nil, io.EOF
		}
		wait := t.acceptCh
		t.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (t *Conn) broadcastAcceptLocked() {
	close(t.acceptCh)
	t.acceptCh = make(chan struct{})
}

// Shutdown stops the connection. A graceful shutdown sends GOAWAY, refuses
// new streams and waits for open ones to finish; if ctx ends first the
// remaining streams are cancelled. A non-graceful shutdown fails every open
// stream with Unavailable and closes at once.
func (t *Conn) Shutdown(ctx context.Context, graceful bool) error {
	if !graceful {
		t.close(errors.New("shutdown"))
		return nil
	}

	t.mu.Lock()
	if t.state == ConnClosed {
		t.mu.Unlock()
		return nil
	}
	if t.state == Established {
		t.state = Draining
	}
	t.graceful = true
	last := t.lastPeerStream
	idle := len(t.streams) == 0
	t.broadcastAcceptLocked()
	t.mu.Unlock()

	t.drainCancel()
	t.log.Debug("draining connection", zap.Uint32("lastStream", last))
	t.wq.put(goAwayItem(last, http2.ErrCodeNo, ""))
	if idle {
		t.closeWhenFlushed()
	}

	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		t.close(ctx.Err())
		return ctx.Err()
	}
}

// Close shuts the connection down without waiting.
func (t *Conn) Close() error {
	return t.Shutdown(context.Background(), false)
}

// closeWhenFlushed closes the connection after queued frames are written.
func (t *Conn) closeWhenFlushed() {
	if !t.closeScheduled.CompareAndSwap(false, true) {
		return
	}
	if !t.wq.put(func(*loopWriter) error { return errCloseAfterFlush }) {
		t.close(nil)
	}
}

// close tears the connection down and fails every open stream. A nil err is
// a clean close.
func (t *Conn) close(err error) {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		graceful := t.graceful
		t.state = ConnClosed
		t.err = err
		streams := make([]*Stream, 0, len(t.streams))
		for _, s := range t.streams {
			streams = append(streams, s)
		}
		t.acceptQ = nil
		t.broadcastAcceptLocked()
		t.mu.Unlock()

		t.drainCancel()
		t.wq.close()
		close(t.done)
		_ = t.nc.Close()

		code := codes.Unavailable
		msg := "connection closed"
		if graceful {
			code = codes.Canceled
			msg = "connection closed during graceful shutdown"
		}
		if err != nil {
			msg += ": " + err.Error()
		}
		st := status.New(code, msg)
		for _, s := range streams {
			s.terminate(st, true, nil)
		}

		if err != nil && !errors.Is(err, io.EOF) {
			t.log.Debug("connection closed", zap.Error(err), zap.Int("streams", len(streams)))
		} else {
			t.log.Debug("connection closed", zap.Int("streams", len(streams)))
		}
	})
}

func (t *Conn) lookup(id uint32) *Stream {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.streams[id]
}

func (t *Conn) removeStream(s *Stream) {
	t.mu.Lock()
	if cur, ok := t.streams[s.id]; ok && cur == s {
		delete(t.streams, s.id)
	}
	idle := t.state == Draining && len(t.streams) == 0
	t.mu.Unlock()

	if s.release != nil {
		s.release()
	}
	if idle {
		t.closeWhenFlushed()
	}
}

func (t *Conn) updateStreamWindow(s *Stream, n uint32) {
	t.wq.put(func(w *loopWriter) error {
		if s.wroteRST {
			return nil
		}
		return w.fr.WriteWindowUpdate(s.id, n)
	})
}

// resetStream fails a stream after a stream-level protocol error.
func (t *Conn) resetStream(id uint32, code http2.ErrCode) {
	if s := t.lookup(id); s != nil {
		st := status.Newf(codes.Internal, "stream error: %v", code)
		s.terminate(st, true, func() { t.wq.put(s.rstItem(code)) })
		return
	}
	t.wq.put(func(w *loopWriter) error { return w.fr.WriteRSTStream(id, code) })
}

// protocolError ends the connection after a connection-level violation.
func (t *Conn) protocolError(code http2.ErrCode, err error) {
	t.mu.Lock()
	last := t.lastPeerStream
	t.mu.Unlock()
	t.log.Warn("protocol error", zap.Stringer("code", code), zap.Error(err))
	t.wq.put(goAwayItem(last, code, err.Error()))
	if !t.wq.put(func(w *loopWriter) error {
		_ = w.bw.Flush()
		return err
	}) {
		t.close(err)
	}
}

func (t *Conn) readPreface() error {
	buf := make([]byte, len(http2.ClientPreface))
	if _, err := io.ReadFull(t.br, buf); err != nil {
		return fmt.Errorf("reading client preface: %w", err)
	}
	if string(buf) != http2.ClientPreface {
		return fmt.Errorf("bogus client preface %q", buf)
	}
	return nil
}

func (t *Conn) readLoop() {
	defer close(t.readerDone)
	if !t.client {
		if err := t.readPreface(); err != nil {
			t.close(err)
			return
		}
	}
	first := true
	for {
		f, err := t.fr.ReadFrame()
		if err != nil {
			var se http2.StreamError
			if errors.As(err, &se) {
				t.resetStream(se.StreamID, se.Code)
				continue
			}
			var ce http2.ConnectionError
			if errors.As(err, &ce) {
				t.protocolError(http2.ErrCode(ce), err)
				return
			}
			t.close(err)
			return
		}
		t.lastRead.Store(t.clk.Now().UnixNano())

		if first {
			if sf, ok := f.(*http2.SettingsFrame); !ok || sf.IsAck() {
				t.protocolError(http2.ErrCodeProtocol, fmt.Errorf("first frame is %v, want SETTINGS", f.Header().Type))
				return
			}
			first = false
		}
		if code, err := t.handleFrame(f); err != nil {
			t.protocolError(code, err)
			return
		}
	}
}

func (t *Conn) handleFrame(f http2.Frame) (http2.ErrCode, error) {
	switch f := f.(type) {
	case *http2.MetaHeadersFrame:
		return t.onHeaders(f)
	case *http2.DataFrame:
		return t.onData(f)
	case *http2.RSTStreamFrame:
		if s := t.lookup(f.StreamID); s != nil {
			s.onReset(f.ErrCode)
		}
	case *http2.SettingsFrame:
		return t.onSettings(f)
	case *http2.PingFrame:
		if !f.IsAck() {
			t.wq.put(pingItem(true, f.Data))
		}
	case *http2.GoAwayFrame:
		t.onGoAway(f)
	case *http2.WindowUpdateFrame:
		return t.onWindowUpdate(f)
	case *http2.PushPromiseFrame:
		return http2.ErrCodeProtocol, errors.New("unexpected PUSH_PROMISE")
	default:
		t.log.Debug("ignoring frame", zap.Stringer("type", f.Header().Type))
	}
	return http2.ErrCodeNo, nil
}

func (t *Conn) onData(f *http2.DataFrame) (http2.ErrCode, error) {
	size := f.Header().Length
	if err := t.connIn.onData(size); err != nil {
		return http2.ErrCodeFlowControl, err
	}
	// The connection window is returned on receipt.
	if inc := t.connIn.onRead(size); inc > 0 {
		t.wq.put(windowUpdateItem(0, inc))
	}
	s := t.lookup(f.StreamID)
	if s == nil {
		t.log.Debug("dropping frame for unknown stream", zap.Stringer("type", f.Header().Type), zap.Uint32("stream", f.StreamID))
		return http2.ErrCodeNo, nil
	}
	data := append([]byte(nil), f.Data()...)
	if err := s.onData(data, size, f.StreamEnded()); err != nil {
		t.log.Debug("stream flow control violation", zap.Uint32("stream", s.id), zap.Error(err))
		t.resetStream(s.id, http2.ErrCodeFlowControl)
	}
	return http2.ErrCodeNo, nil
}

func (t *Conn) onWindowUpdate(f *http2.WindowUpdateFrame) (http2.ErrCode, error) {
	if f.StreamID == 0 {
		if err := t.send.addConn(f.Increment); err != nil {
			return http2.ErrCodeFlowControl, err
		}
		return http2.ErrCodeNo, nil
	}
	if s := t.lookup(f.StreamID); s != nil {
		if err := t.send.addStream(s, f.Increment); err != nil {
			t.resetStream(s.id, http2.ErrCodeFlowControl)
		}
	}
	return http2.ErrCodeNo, nil
}

func (t *Conn) onSettings(f *http2.SettingsFrame) (http2.ErrCode, error) {
	if f.IsAck() {
		return http2.ErrCodeNo, nil
	}
	var (
		maxFrame  uint32
		tableSize uint32
		setTable  bool
	)
	err := f.ForeachSetting(func(s http2.Setting) error {
		switch s.ID {
		case http2.SettingInitialWindowSize:
			t.setInitialWindow(s.Val)
		case http2.SettingMaxConcurrentStreams:
			if t.client {
				t.peerStreams.setLimit(s.Val)
			}
		case http2.SettingMaxFrameSize:
			maxFrame = s.Val
			t.peerMaxFrame.Store(s.Val)
		case http2.SettingHeaderTableSize:
			tableSize = s.Val
			setTable = true
		}
		return nil
	})
	if err != nil {
		return http2.ErrCodeProtocol, err
	}
	t.wq.put(func(w *loopWriter) error {
		if maxFrame > 0 {
			w.maxFrame = maxFrame
		}
		if setTable {
			w.henc.SetMaxDynamicTableSizeLimit(tableSize)
		}
		return w.fr.WriteSettingsAck()
	})
	return http2.ErrCodeNo, nil
}

// setInitialWindow applies the peer's initial stream window to the live call
// table. Streams register their quota under t.mu too, so none is missed.
func (t *Conn) setInitialWindow(v uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.send.setInitial(v, t.streams)
}

func (t *Conn) onGoAway(f *http2.GoAwayFrame) {
	t.mu.Lock()
	if t.state == Established {
		t.state = Draining
	}
	var refused []*Stream
	if t.client {
		for id, s := range t.streams {
			if id > f.LastStreamID {
				refused = append(refused, s)
			}
		}
	}
	idle := len(t.streams) == 0
	t.broadcastAcceptLocked()
	t.mu.Unlock()

	t.drainCancel()
	if f.ErrCode != http2.ErrCodeNo {
		t.log.Warn("peer sent GOAWAY", zap.Stringer("code", f.ErrCode), zap.ByteString("debug", f.DebugData()))
	} else {
		t.log.Debug("peer sent GOAWAY", zap.Uint32("lastStream", f.LastStreamID))
	}
	st := status.New(codes.Unavailable, "stream not processed before GOAWAY")
	for _, s := range refused {
		s.terminate(st, true, nil)
	}
	if idle {
		t.closeWhenFlushed()
	}
}

func (t *Conn) onHeaders(f *http2.MetaHeadersFrame) (http2.ErrCode, error) {
	if s := t.lookup(f.StreamID); s != nil {
		if f.Truncated {
			s.Cancel(status.New(codes.Internal, "header list too large"))
			return http2.ErrCodeNo, nil
		}
		d, err := decodeFields(f.Fields)
		if err != nil {
			s.Cancel(status.New(codes.Internal, err.Error()))
			return http2.ErrCodeNo, nil
		}
		s.onHeaders(d, f.StreamEnded())
		return http2.ErrCodeNo, nil
	}
	if t.client {
		t.log.Debug("dropping frame for unknown stream", zap.Stringer("type", f.Header().Type), zap.Uint32("stream", f.StreamID))
		return http2.ErrCodeNo, nil
	}
	return t.acceptStream(f)
}

// acceptStream turns a request header block into a server stream.
func (t *Conn) acceptStream(f *http2.MetaHeadersFrame) (http2.ErrCode, error) {
	id := f.StreamID
	if id%2 == 0 {
		return http2.ErrCodeProtocol, fmt.Errorf("client opened even stream id %d", id)
	}
	t.mu.Lock()
	if id <= t.lastPeerStream {
		t.mu.Unlock()
		t.log.Debug("dropping frame for unknown stream", zap.Stringer("type", f.Header().Type), zap.Uint32("stream", id))
		return http2.ErrCodeNo, nil
	}
	t.lastPeerStream = id
	t.mu.Unlock()

	open := !f.StreamEnded()
	if f.Truncated {
		t.wq.put(rejectItem(id, "", status.New(codes.ResourceExhausted, "header list too large"), open))
		return http2.ErrCodeNo, nil
	}
	d, err := decodeFields(f.Fields)
	if err != nil {
		t.wq.put(rejectItem(id, "", status.New(codes.Internal, err.Error()), open))
		return http2.ErrCodeNo, nil
	}
	if m := d.pseudo["method"]; m != http.MethodPost {
		t.wq.put(rejectItem(id, "", status.Newf(codes.Internal, "unexpected HTTP method %q", m), open))
		return http2.ErrCodeNo, nil
	}
	subtype, ok := contentSubtype(d.reserved[headerContentType])
	if !ok {
		t.wq.put(rejectItem(id, "", status.Newf(codes.Internal, "invalid content-type %q", d.reserved[headerContentType]), open))
		return http2.ErrCodeNo, nil
	}
	hdr := &StreamHeader{
		Method:         strings.TrimPrefix(d.pseudo["path"], "/"),
		Authority:      d.pseudo["authority"],
		ContentSubtype: subtype,
		Encoding:       d.reserved[headerEncoding],
		Metadata:       d.md,
	}
	if v := d.reserved[headerAcceptEncoding]; v != "" {
		for _, e := range strings.Split(v, ",") {
			if e = strings.TrimSpace(e); e != "" {
				hdr.AcceptEncoding = append(hdr.AcceptEncoding, e)
			}
		}
	}
	timeout, err := decodeTimeout(d.reserved[headerTimeout])
	switch {
	case err == nil:
		hdr.Deadline = t.clk.Now().Add(timeout)
	case !errors.Is(err, errNoTimeout):
		t.wq.put(rejectItem(id, subtype, status.New(codes.Internal, err.Error()), open))
		return http2.ErrCodeNo, nil
	}

	s := newStream(t, id, false, hdr)
	t.mu.Lock()
	if t.state != Established || t.cfg.MaxConcurrentStreams > 0 && len(t.streams) >= int(t.cfg.MaxConcurrentStreams) {
		t.mu.Unlock()
		t.log.Debug("refusing stream", zap.Uint32("stream", id), zap.String("method", hdr.Method))
		t.wq.put(func(w *loopWriter) error { return w.fr.WriteRSTStream(id, http2.ErrCodeRefusedStream) })
		return http2.ErrCodeNo, nil
	}
	t.send.register(s)
	t.streams[id] = s
	t.acceptQ = append(t.acceptQ, s)
	t.broadcastAcceptLocked()
	t.mu.Unlock()

	if !hdr.Deadline.IsZero() {
		s.startDeadline(hdr.Deadline)
	}
	if !open {
		s.onRemoteEnd()
	}
	return http2.ErrCodeNo, nil
}

// rejectItem answers a request with a trailers-only response without
// creating a stream.
func rejectItem(id uint32, subtype string, st *status.Status, reset bool) writeFunc {
	return func(w *loopWriter) error {
		fields := responseFields(subtype, "", metadata.MD{})
		fields = append(fields, trailerFields(st, metadata.MD{})...)
		if err := w.writeHeaders(id, fields, true); err != nil {
			return err
		}
		if reset {
			return w.fr.WriteRSTStream(id, http2.ErrCodeNo)
		}
		return nil
	}
}

// statusFromReset maps a RST_STREAM code onto a call status.
func statusFromReset(code http2.ErrCode) *status.Status {
	c := codes.Internal
	switch code {
	case http2.ErrCodeCancel:
		c = codes.Canceled
	case http2.ErrCodeRefusedStream:
		c = codes.Unavailable
	case http2.ErrCodeEnhanceYourCalm:
		c = codes.ResourceExhausted
	case http2.ErrCodeInadequateSecurity:
		c = codes.PermissionDenied
	}
	return status.Newf(c, "stream reset by peer with %v", code)
}

func httpStatusFromString(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
