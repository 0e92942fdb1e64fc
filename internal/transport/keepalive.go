// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"encoding/binary"
	"time"

	"go.uber.org/zap"
)

// keepaliveLoop pings the server after Keepalive.Time without inbound
// frames and closes the connection if nothing arrives within
// Keepalive.Timeout of the ping.
func (t *Conn) keepaliveLoop() {
	p := t.cfg.Keepalive
	wait := p.Time
	var seq uint64
	for {
		select {
		case <-t.done:
			return
		case <-t.clk.After(wait):
		}

		idle := t.clk.Now().Sub(time.Unix(0, t.lastRead.Load()))
		if idle < p.Time {
			wait = p.Time - idle
			continue
		}
		if !p.PermitWithoutStream && t.ActiveStreams() == 0 {
			wait = p.Time
			continue
		}

		sent := t.clk.Now().UnixNano()
		seq++
		var data [8]byte
		binary.BigEndian.PutUint64(data[:], seq)
		t.wq.put(pingItem(false, data))

		select {
		case <-t.done:
			return
		case <-t.clk.After(p.Timeout):
		}
		if t.lastRead.Load() < sent {
			t.log.Info("keepalive timeout, closing connection", zap.Duration("timeout", p.Timeout))
			t.close(errKeepaliveTimeout)
			return
		}
		wait = p.Time
	}
}
