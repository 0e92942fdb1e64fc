// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package transport multiplexes calls over one HTTP/2 connection.
//
// A Conn owns the net.Conn. One reader goroutine demultiplexes inbound
// frames to Streams by id; one writer goroutine is the only code that writes
// to the connection and drains a FIFO queue fed by every Stream. Streams are
// the per-call state machines; the flow controller gates DATA on both the
// stream and the connection windows.
package transport

import (
	"errors"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"

	"github.com/luxfi/streamrpc/metadata"
	"github.com/luxfi/streamrpc/status"
)

const (
	defaultWindowSize      = 65535
	defaultMaxFrameSize    = 16384
	maxAllowedFrameSize    = 1<<24 - 1
	defaultMaxHeaderList   = 16 << 20
	defaultHeaderTableSize = 4096
	maxStreamID            = 1<<31 - 1
)

var (
	// ErrConnClosed is returned by operations on a closed connection.
	ErrConnClosed = status.Error(codes.Unavailable, "transport: connection closed")

	// ErrConnDraining is returned when a new stream is requested on a
	// connection that is shutting down.
	ErrConnDraining = status.Error(codes.Unavailable, "transport: connection is draining")

	errKeepaliveTimeout = errors.New("keepalive ping not acknowledged")
)

// ConnState is the liveness state of a connection.
type ConnState int32

const (
	Established ConnState = iota
	Draining
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case Established:
		return "established"
	case Draining:
		return "draining"
	case ConnClosed:
		return "closed"
	}
	return "unknown"
}

// Config holds the settings shared by client and server connections.
type Config struct {
	// Logger receives connection diagnostics. Nil means no logging.
	Logger *zap.Logger

	// Clock drives deadlines and keepalive. Nil means the wall clock.
	Clock clock.Clock

	// InitialWindowSize is the per-stream receive window advertised to the
	// peer. Values below 65535 are raised to 65535.
	InitialWindowSize uint32

	// InitialConnWindowSize is the connection receive window. Values below
	// 65535 are raised to 65535.
	InitialConnWindowSize uint32

	// MaxFrameSize is the largest frame payload we accept.
	MaxFrameSize uint32

	// MaxHeaderListSize bounds decoded header blocks.
	MaxHeaderListSize uint32

	// MaxConcurrentStreams limits concurrent calls. On a client, calls
	// beyond the limit wait for admission. On a server it is advertised to
	// the peer and excess streams are refused. Zero means unlimited.
	MaxConcurrentStreams uint32

	// Keepalive configures client pings. A zero Time disables them.
	Keepalive keepalive.ClientParameters

	// Authority is the :authority of client requests.
	Authority string

	// Secure selects the https scheme for client requests.
	Secure bool

	// UserAgent is sent by clients.
	UserAgent string
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Clock == nil {
		c.Clock = clock.WallClock
	}
	if c.InitialWindowSize < defaultWindowSize {
		c.InitialWindowSize = defaultWindowSize
	}
	if c.InitialConnWindowSize < defaultWindowSize {
		c.InitialConnWindowSize = defaultWindowSize
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = defaultMaxFrameSize
	}
	if c.MaxFrameSize < defaultMaxFrameSize {
		c.MaxFrameSize = defaultMaxFrameSize
	}
	if c.MaxFrameSize > maxAllowedFrameSize {
		c.MaxFrameSize = maxAllowedFrameSize
	}
	if c.MaxHeaderListSize == 0 {
		c.MaxHeaderListSize = defaultMaxHeaderList
	}
	if c.Keepalive.Time > 0 && c.Keepalive.Timeout <= 0 {
		c.Keepalive.Timeout = 20 * time.Second
	}
	return c
}

// StreamHeader describes a call as carried in the request headers.
type StreamHeader struct {
	// Method is the full method name, e.g. "pkg.Service/Method".
	Method string

	// Authority overrides the connection authority when set.
	Authority string

	// ContentSubtype names the codec ("proto", "json", ...).
	ContentSubtype string

	// Encoding names the compressor applied to outbound messages.
	Encoding string

	// AcceptEncoding lists compressors the sender can decode.
	AcceptEncoding []string

	// Metadata is the application metadata.
	Metadata metadata.MD

	// Deadline is the absolute deadline of the call, zero for none.
	Deadline time.Time
}
