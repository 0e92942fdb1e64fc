// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"bufio"
	"bytes"
	"errors"
	"sync"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// errCloseAfterFlush asks the writer to flush what it has and then close
// the connection cleanly.
var errCloseAfterFlush = errors.New("close after flush")

// writeFunc is one unit of work for the writer goroutine. Items run in
// the order they were queued.
type writeFunc func(w *loopWriter) error

// writeQueue is an unbounded FIFO. Its size is bounded in practice by flow
// control and the number of open streams.
type writeQueue struct {
	mu     sync.Mutex
	items  []writeFunc
	ready  chan struct{}
	closed bool
}

func newWriteQueue() *writeQueue {
	return &writeQueue{ready: make(chan struct{}, 1)}
}

// put appends fn. It reports false if the queue was closed.
func (q *writeQueue) put(fn writeFunc) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, fn)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

func (q *writeQueue) take() []writeFunc {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *writeQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()
}

// loopWriter is the state only the writer goroutine touches.
type loopWriter struct {
	bw       *bufio.Writer
	fr       *http2.Framer
	henc     *hpack.Encoder
	hbuf     bytes.Buffer
	maxFrame uint32
}

func newLoopWriter(bw *bufio.Writer, fr *http2.Framer) *loopWriter {
	w := &loopWriter{bw: bw, fr: fr, maxFrame: defaultMaxFrameSize}
	w.henc = hpack.NewEncoder(&w.hbuf)
	return w
}

// writeHeaders encodes fields and writes them as HEADERS plus as many
// CONTINUATION frames as the peer's frame size requires.
func (w *loopWriter) writeHeaders(id uint32, fields []hpack.HeaderField, end bool) error {
	w.hbuf.Reset()
	for _, f := range fields {
		if err := w.henc.WriteField(f); err != nil {
			return err
		}
	}
	block := w.hbuf.Bytes()
	first := true
	for first || len(block) > 0 {
		n := min(len(block), int(w.maxFrame))
		frag := block[:n]
		block = block[n:]
		endHeaders := len(block) == 0
		var err error
		if first {
			err = w.fr.WriteHeaders(http2.HeadersFrameParam{
				StreamID:      id,
				BlockFragment: frag,
				EndStream:     end,
				EndHeaders:    endHeaders,
			})
			first = false
		} else {
			err = w.fr.WriteContinuation(id, endHeaders, frag)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// writeData splits data into frames no larger than the peer allows.
func (w *loopWriter) writeData(id uint32, data []byte, end bool) error {
	for {
		n := min(len(data), int(w.maxFrame))
		if err := w.fr.WriteData(id, end && n == len(data), data[:n]); err != nil {
			return err
		}
		data = data[n:]
		if len(data) == 0 {
			return nil
		}
	}
}

// writeLoop runs the queue until the connection closes. Output is flushed
// whenever the queue runs dry, so bursts coalesce into few writes.
func (t *Conn) writeLoop() {
	defer close(t.writerDone)
	w := t.w
	for {
		select {
		case <-t.wq.ready:
		case <-t.done:
			return
		}
		for {
			items := t.wq.take()
			if len(items) == 0 {
				break
			}
			for _, fn := range items {
				if err := fn(w); err != nil {
					if errors.Is(err, errCloseAfterFlush) {
						_ = w.bw.Flush()
						t.close(nil)
						return
					}
					t.close(err)
					return
				}
			}
		}
		if err := w.bw.Flush(); err != nil {
			t.close(err)
			return
		}
	}
}

func windowUpdateItem(id, n uint32) writeFunc {
	return func(w *loopWriter) error {
		return w.fr.WriteWindowUpdate(id, n)
	}
}

func pingItem(ack bool, data [8]byte) writeFunc {
	return func(w *loopWriter) error {
		return w.fr.WritePing(ack, data)
	}
}

func goAwayItem(last uint32, code http2.ErrCode, debug string) writeFunc {
	return func(w *loopWriter) error {
		return w.fr.WriteGoAway(last, code, []byte(debug))
	}
}
