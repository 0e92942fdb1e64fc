// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"fmt"
	"sync"
)

// sendFlow holds the credit the peer granted us: one connection quota plus
// the quota of every stream. All of it is guarded by a single mutex so a
// debit against both windows is atomic. Waiters are woken by closing the
// current notify channel whenever credit grows.
type sendFlow struct {
	mu            sync.Mutex
	conn          int64
	streamInitial int64
	notify        chan struct{}
}

func newSendFlow() *sendFlow {
	return &sendFlow{
		conn:          defaultWindowSize,
		streamInitial: defaultWindowSize,
		notify:        make(chan struct{}),
	}
}

// register gives a new stream the current initial quota. The caller holds
// the connection mutex, as setInitial's caller does.
func (f *sendFlow) register(s *Stream) {
	f.mu.Lock()
	s.sendQuota = f.streamInitial
	f.mu.Unlock()
}

// acquire debits up to want bytes from both windows and returns how many were
// granted. It blocks while either window is exhausted, until credit arrives,
// the stream closes or the connection dies.
func (f *sendFlow) acquire(s *Stream, want int, connDone <-chan struct{}) (int, error) {
	for {
		f.mu.Lock()
		n := int64(want)
		n = min(n, f.conn, s.sendQuota)
		if n > 0 {
			f.conn -= n
			s.sendQuota -= n
			f.mu.Unlock()
			return int(n), nil
		}
		wait := f.notify
		f.mu.Unlock()

		select {
		case <-wait:
		case <-s.done:
			return 0, s.Status().Err()
		case <-connDone:
			return 0, ErrConnClosed
		}
	}
}

// broadcastLocked wakes every waiter. f.mu must be held.
func (f *sendFlow) broadcastLocked() {
	close(f.notify)
	f.notify = make(chan struct{})
}

// addConn credits the connection window.
func (f *sendFlow) addConn(n uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn+int64(n) > maxStreamID {
		return fmt.Errorf("connection window overflow")
	}
	f.conn += int64(n)
	f.broadcastLocked()
	return nil
}

// addStream credits a single stream window.
func (f *sendFlow) addStream(s *Stream, n uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s.sendQuota+int64(n) > maxStreamID {
		return fmt.Errorf("stream window overflow")
	}
	s.sendQuota += int64(n)
	f.broadcastLocked()
	return nil
}

// setInitial applies a new SETTINGS_INITIAL_WINDOW_SIZE. The difference is
// applied to every open stream, which may leave a quota negative.
func (f *sendFlow) setInitial(v uint32, streams map[uint32]*Stream) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delta := int64(v) - f.streamInitial
	f.streamInitial = int64(v)
	for _, s := range streams {
		s.sendQuota += delta
	}
	f.broadcastLocked()
}

// quota reports the current windows, for tests and diagnostics.
func (f *sendFlow) quota(s *Stream) (conn, stream int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s != nil {
		stream = s.sendQuota
	}
	return f.conn, stream
}

// recvFlow accounts for a window we advertised to the peer. Received bytes
// are pending until consumed; consumed bytes are announced back in batches
// of a quarter window.
type recvFlow struct {
	limit   uint32
	pending uint32
	unacked uint32
}

// onData records n received bytes. It fails if the peer overran the window.
func (f *recvFlow) onData(n uint32) error {
	if uint64(f.pending)+uint64(f.unacked)+uint64(n) > uint64(f.limit) {
		return fmt.Errorf("received %d bytes exceeding window (limit %d, pending %d, unacked %d)",
			n, f.limit, f.pending, f.unacked)
	}
	f.pending += n
	return nil
}

// onRead marks n bytes consumed and returns the window increment to send,
// or zero if the update should be batched.
func (f *recvFlow) onRead(n uint32) uint32 {
	if n > f.pending {
		n = f.pending
	}
	f.pending -= n
	f.unacked += n
	if f.unacked >= f.limit/4 {
		w := f.unacked
		f.unacked = 0
		return w
	}
	return 0
}
