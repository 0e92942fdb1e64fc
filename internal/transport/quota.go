// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"context"
	"slices"
	"sync"
)

// streamQuota admits client streams against the peer's
// SETTINGS_MAX_CONCURRENT_STREAMS. Waiters are served in arrival order.
type streamQuota struct {
	mu      sync.Mutex
	limited bool
	limit   uint32
	active  uint32
	waiters []chan struct{}
}

// acquire takes a slot, waiting until one frees up or ctx ends.
func (q *streamQuota) acquire(ctx context.Context) error {
	q.mu.Lock()
	if len(q.waiters) == 0 && q.freeLocked() {
		q.active++
		q.mu.Unlock()
		return nil
	}
	ready := make(chan struct{})
	q.waiters = append(q.waiters, ready)
	q.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if i := slices.Index(q.waiters, ready); i >= 0 {
		q.waiters = slices.Delete(q.waiters, i, i+1)
		return ctx.Err()
	}
	// Granted while ctx ended; hand the slot on.
	q.active--
	q.grantLocked()
	return ctx.Err()
}

func (q *streamQuota) release() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.active--
	q.grantLocked()
}

// setLimit applies a new peer limit. Streams already open above a lowered
// limit are kept; new ones wait until the count drops below it.
func (q *streamQuota) setLimit(n uint32) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.limited = true
	q.limit = n
	q.grantLocked()
}

func (q *streamQuota) freeLocked() bool {
	return !q.limited || q.active < q.limit
}

func (q *streamQuota) grantLocked() {
	for len(q.waiters) > 0 && q.freeLocked() {
		q.active++
		close(q.waiters[0])
		q.waiters[0] = nil
		q.waiters = q.waiters[1:]
	}
}
