// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"bytes"
	"io"
	"net"
	"sync"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
	"google.golang.org/grpc/codes"

	"github.com/luxfi/streamrpc/metadata"
	"github.com/luxfi/streamrpc/status"
)

// State is the position of a stream in its lifecycle. States only move
// forward; Closed is terminal.
type State int32

const (
	Idle State = iota
	HeaderSent
	Open
	HalfClosedLocal
	HalfClosedRemote
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case HeaderSent:
		return "header-sent"
	case Open:
		return "open"
	case HalfClosedLocal:
		return "half-closed-local"
	case HalfClosedRemote:
		return "half-closed-remote"
	case Closed:
		return "closed"
	}
	return "unknown"
}

func (s State) rank() int {
	switch s {
	case HalfClosedLocal, HalfClosedRemote:
		return 3
	case Closed:
		return 4
	}
	return int(s)
}

// Stream is one call on a connection. Client streams come from
// Conn.OpenStream, server streams from Conn.Accept. A Stream supports one
// concurrent writer and one concurrent reader.
type Stream struct {
	conn   *Conn
	id     uint32
	client bool
	hdr    *StreamHeader

	done       chan struct{}
	headerCh   chan struct{}
	headerOnce sync.Once
	readable   chan struct{}

	mu           sync.Mutex
	state        State
	st           *status.Status
	header       metadata.MD
	gotHeader    bool
	trailer      metadata.MD
	recvEncoding string
	sendEncoding string
	headerQueued bool
	localClosed  bool
	remoteClosed bool
	buf          bytes.Buffer
	bufErr       error
	aborted      bool
	in           recvFlow
	timer        clock.Timer
	release      func()

	// sendQuota is guarded by conn.send.mu.
	sendQuota int64

	// Owned by the writer goroutine.
	wroteHeaders bool
	wroteEnd     bool
	wroteRST     bool
}

func newStream(t *Conn, id uint32, client bool, hdr *StreamHeader) *Stream {
	s := &Stream{
		conn:     t,
		id:       id,
		client:   client,
		hdr:      hdr,
		done:     make(chan struct{}),
		headerCh: make(chan struct{}),
		readable: make(chan struct{}, 1),
		in:       recvFlow{limit: t.cfg.InitialWindowSize},
	}
	if !client {
		s.recvEncoding = hdr.Encoding
	}
	return s
}

// ID returns the HTTP/2 stream id.
func (s *Stream) ID() uint32 {
	return s.id
}

// Method returns the full method name of the call.
func (s *Stream) Method() string {
	return s.hdr.Method
}

// RequestHeader returns the request description. On a server stream it is
// what the client sent.
func (s *Stream) RequestHeader() *StreamHeader {
	return s.hdr
}

// RemoteAddr is the address of the peer.
func (s *Stream) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// Done is closed once the stream reaches Closed.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// State returns the current lifecycle state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns the terminal status, or nil while the stream is open.
func (s *Stream) Status() *status.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st
}

// RecvCompression is the grpc-encoding the peer announced.
func (s *Stream) RecvCompression() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recvEncoding
}

// SetSendCompression sets the grpc-encoding announced in server response
// headers. It has no effect once headers are queued.
func (s *Stream) SetSendCompression(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.headerQueued {
		s.sendEncoding = name
	}
}

// Header waits for the response headers of a client stream. If the stream
// ends without headers the result is empty and the error is the terminal
// status, nil if that status is OK.
func (s *Stream) Header() (metadata.MD, error) {
	<-s.headerCh
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gotHeader {
		return s.header.Copy(), nil
	}
	return metadata.MD{}, s.st.Err()
}

// Trailer returns the trailing metadata. It is complete once the stream is
// closed.
func (s *Stream) Trailer() metadata.MD {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trailer.Copy()
}

func (s *Stream) advanceLocked(to State) {
	if to.rank() > s.state.rank() {
		s.state = to
	}
}

func (s *Stream) signal() {
	select {
	case s.readable <- struct{}{}:
	default:
	}
}

func (s *Stream) closeHeaderCh() {
	s.headerOnce.Do(func() { close(s.headerCh) })
}

// startDeadline arms the deadline timer. The stream must already be in the
// connection table so an immediate expiry can remove it.
func (s *Stream) startDeadline(deadline time.Time) {
	d := deadline.Sub(s.conn.clk.Now())
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Closed {
		return
	}
	s.timer = s.conn.clk.AfterFunc(d, s.onDeadline)
}

func (s *Stream) onDeadline() {
	st := status.New(codes.DeadlineExceeded, "deadline exceeded")
	if s.client {
		s.Cancel(st)
		return
	}
	s.terminate(st, true, func() {
		s.conn.wq.put(s.trailerItem(st, metadata.MD{}))
		if !s.remoteClosed {
			s.conn.wq.put(s.rstItem(http2.ErrCodeCancel))
		}
	})
}

// terminate resolves the stream with st. Only the first call has an effect;
// it reports whether this call won. onClose runs under the stream lock,
// which keeps frames it queues ordered against concurrent writers.
func (s *Stream) terminate(st *status.Status, abort bool, onClose func()) bool {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return false
	}
	s.state = Closed
	s.st = st
	if abort {
		s.aborted = true
		s.buf.Reset()
		if err := st.Err(); err != nil {
			s.bufErr = err
		} else {
			s.bufErr = io.EOF
		}
	} else if s.bufErr == nil {
		s.bufErr = io.EOF
	}
	if onClose != nil {
		onClose()
	}
	timer := s.timer
	s.mu.Unlock()

	close(s.done)
	s.closeHeaderCh()
	s.signal()
	if timer != nil {
		timer.Stop()
	}
	s.conn.removeStream(s)
	if st.Code() != codes.OK {
		s.conn.log.Debug("stream closed",
			zap.Uint32("stream", s.id),
			zap.String("method", s.hdr.Method),
			zap.Stringer("code", st.Code()),
			zap.String("message", st.Message()))
	}
	return true
}

// Cancel closes the stream with st (Cancelled if nil) and resets it on the
// wire. Pending and future operations fail with st.
func (s *Stream) Cancel(st *status.Status) {
	if st == nil {
		st = status.New(codes.Canceled, "stream cancelled")
	}
	s.terminate(st, true, func() {
		s.conn.wq.put(s.rstItem(http2.ErrCodeCancel))
	})
}

// beginWrite validates a send and performs the implicit state transitions.
func (s *Stream) beginWrite(endStream bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Closed {
		if err := s.st.Err(); err != nil {
			return err
		}
		return io.EOF
	}
	if s.localClosed {
		return status.Error(codes.FailedPrecondition, "send direction already closed")
	}
	if !s.client && !s.headerQueued {
		s.queueHeaderLocked(metadata.MD{})
	}
	s.advanceLocked(Open)
	if endStream {
		s.localClosed = true
		s.advanceLocked(HalfClosedLocal)
	}
	return nil
}

// Write sends data, optionally ending the local direction. It blocks while
// flow-control credit is exhausted and fails as soon as the stream closes.
func (s *Stream) Write(data []byte, endStream bool) error {
	if err := s.beginWrite(endStream); err != nil {
		return err
	}
	t := s.conn
	if len(data) == 0 {
		if endStream {
			t.wq.put(s.dataItem(nil, true))
		}
		return nil
	}
	for len(data) > 0 {
		want := min(len(data), int(t.peerMaxFrame.Load()))
		n, err := t.send.acquire(s, want, t.done)
		if err != nil {
			return err
		}
		chunk := data[:n]
		data = data[n:]
		t.wq.put(s.dataItem(chunk, endStream && len(data) == 0))
	}
	return nil
}

// CloseSend ends the local send direction. Calling it again, or on a
// closed stream, does nothing.
func (s *Stream) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Closed || s.localClosed {
		return nil
	}
	s.localClosed = true
	s.advanceLocked(HalfClosedLocal)
	s.conn.wq.put(s.dataItem(nil, true))
	return nil
}

// Read reads received message bytes. It returns io.EOF once the peer ended
// its direction and everything was consumed, or the terminal status error
// if the stream was aborted locally, by a reset or by a connection failure.
func (s *Stream) Read(p []byte) (int, error) {
	for {
		s.mu.Lock()
		if s.aborted {
			err := s.bufErr
			s.mu.Unlock()
			return 0, err
		}
		if s.buf.Len() > 0 {
			n, _ := s.buf.Read(p)
			var inc uint32
			if s.state != Closed {
				inc = s.in.onRead(uint32(n))
			}
			s.mu.Unlock()
			if inc > 0 {
				s.conn.updateStreamWindow(s, inc)
			}
			return n, nil
		}
		if s.bufErr != nil {
			err := s.bufErr
			s.mu.Unlock()
			return 0, err
		}
		s.mu.Unlock()
		<-s.readable
	}
}

// WriteHeader queues the response headers of a server stream.
func (s *Stream) WriteHeader(md metadata.MD) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Closed {
		if err := s.st.Err(); err != nil {
			return err
		}
		return io.EOF
	}
	if s.headerQueued {
		return status.Error(codes.FailedPrecondition, "headers already sent")
	}
	s.queueHeaderLocked(md)
	return nil
}

func (s *Stream) queueHeaderLocked(md metadata.MD) {
	s.headerQueued = true
	s.advanceLocked(HeaderSent)
	fields := responseFields(s.hdr.ContentSubtype, s.sendEncoding, md)
	s.conn.wq.put(s.headerItem(fields, false))
}

// WriteStatus ends a server stream with st and the trailing metadata. If no
// header was sent the response is trailers-only. It returns the already
// established status error if the stream had closed before.
func (s *Stream) WriteStatus(st *status.Status, trailer metadata.MD) error {
	won := s.terminate(st, true, func() {
		s.headerQueued = true
		s.conn.wq.put(s.trailerItem(st, trailer))
		if !s.remoteClosed {
			s.conn.wq.put(s.rstItem(http2.ErrCodeNo))
		}
	})
	if !won {
		if err := s.Status().Err(); err != nil {
			return err
		}
		return io.EOF
	}
	return nil
}

// onData is called by the reader with the payload of one DATA frame and its
// flow-controlled length.
func (s *Stream) onData(data []byte, flowLen uint32, end bool) error {
	s.mu.Lock()
	if s.state == Closed || s.remoteClosed {
		s.mu.Unlock()
		return nil
	}
	if err := s.in.onData(flowLen); err != nil {
		s.mu.Unlock()
		return err
	}
	s.buf.Write(data)
	var inc uint32
	if pad := flowLen - uint32(len(data)); pad > 0 {
		inc = s.in.onRead(pad)
	}
	clientEnd := false
	if end {
		s.remoteClosed = true
		if s.client {
			clientEnd = true
		} else {
			s.bufErr = io.EOF
			s.advanceLocked(HalfClosedRemote)
		}
	}
	s.mu.Unlock()
	s.signal()
	if inc > 0 {
		s.conn.updateStreamWindow(s, inc)
	}
	if clientEnd {
		s.finishRemote(status.New(codes.Unknown, "server closed the stream without sending trailers"), metadata.MD{})
	}
	return nil
}

// onHeaders handles a header block for an existing stream.
func (s *Stream) onHeaders(d *decodedHeaders, end bool) {
	if !s.client {
		// Clients never send trailers; an END_STREAM header block only ends
		// the request direction.
		if end {
			s.onRemoteEnd()
		}
		return
	}

	s.mu.Lock()
	first := !s.gotHeader && !s.remoteClosed
	s.mu.Unlock()

	if first {
		if code := d.pseudo["status"]; code != "200" {
			n := httpStatusFromString(code)
			s.Cancel(status.Newf(httpStatusCode(n), "unexpected HTTP status %q", code))
			return
		}
		if ct, ok := d.reserved[headerContentType]; ok {
			if _, grpc := contentSubtype(ct); !grpc {
				s.Cancel(status.Newf(codes.Internal, "unexpected content-type %q", ct))
				return
			}
		}
		if end {
			s.finishRemote(d.trailerStatus(), d.md)
			return
		}
		s.mu.Lock()
		s.gotHeader = true
		s.header = d.md
		s.recvEncoding = d.reserved[headerEncoding]
		s.advanceLocked(Open)
		s.mu.Unlock()
		s.closeHeaderCh()
		return
	}
	if !end {
		s.Cancel(status.New(codes.Internal, "trailers without END_STREAM"))
		return
	}
	s.finishRemote(d.trailerStatus(), d.md)
}

// finishRemote closes a client stream on the server's final status. Data
// already buffered stays readable.
func (s *Stream) finishRemote(st *status.Status, trailer metadata.MD) {
	s.terminate(st, false, func() {
		s.remoteClosed = true
		s.trailer = trailer
		if !s.localClosed {
			s.conn.wq.put(s.rstItem(http2.ErrCodeNo))
		}
	})
}

func (s *Stream) onRemoteEnd() {
	s.mu.Lock()
	if s.state != Closed && !s.remoteClosed {
		s.remoteClosed = true
		s.bufErr = io.EOF
		s.advanceLocked(HalfClosedRemote)
	}
	s.mu.Unlock()
	s.signal()
}

// onReset handles RST_STREAM from the peer.
func (s *Stream) onReset(code http2.ErrCode) {
	st := statusFromReset(code)
	if s.client && st.Code() == codes.Canceled && !s.hdr.Deadline.IsZero() &&
		!s.conn.clk.Now().Before(s.hdr.Deadline) {
		st = status.New(codes.DeadlineExceeded, "deadline exceeded")
	}
	s.terminate(st, true, nil)
}

func (s *Stream) headerItem(fields []hpack.HeaderField, end bool) writeFunc {
	return func(w *loopWriter) error {
		if s.wroteRST || s.wroteEnd {
			return nil
		}
		if s.client && !s.wroteHeaders && s.isClosed() {
			// Cancelled before reaching the wire; the id is simply skipped.
			return nil
		}
		s.wroteHeaders = true
		if end {
			s.wroteEnd = true
		}
		return w.writeHeaders(s.id, fields, end)
	}
}

func (s *Stream) trailerItem(st *status.Status, md metadata.MD) writeFunc {
	return func(w *loopWriter) error {
		if s.wroteRST || s.wroteEnd {
			return nil
		}
		var fields []hpack.HeaderField
		if !s.wroteHeaders {
			fields = responseFields(s.hdr.ContentSubtype, "", metadata.MD{})
		}
		fields = append(fields, trailerFields(st, md)...)
		s.wroteHeaders = true
		s.wroteEnd = true
		return w.writeHeaders(s.id, fields, true)
	}
}

func (s *Stream) dataItem(data []byte, end bool) writeFunc {
	return func(w *loopWriter) error {
		if s.wroteRST || s.wroteEnd || !s.wroteHeaders {
			if len(data) > 0 {
				// Credit taken for bytes that never hit the wire goes back.
				_ = s.conn.send.addConn(uint32(len(data)))
			}
			return nil
		}
		if end {
			s.wroteEnd = true
		}
		return w.writeData(s.id, data, end)
	}
}

func (s *Stream) rstItem(code http2.ErrCode) writeFunc {
	return func(w *loopWriter) error {
		if s.wroteRST || !s.wroteHeaders && s.client {
			return nil
		}
		s.wroteRST = true
		return w.fr.WriteRSTStream(s.id, code)
	}
}

func (s *Stream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == Closed
}
