// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpc

import (
	"math"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/keepalive"

	"github.com/luxfi/streamrpc/frame"
	"github.com/luxfi/streamrpc/metadata"
)

const defaultUserAgent = "streamrpc-go"

// DialOption configures client connections
type DialOption func(*dialOptions)

type dialOptions struct {
	codec             Codec
	transport         string // "h2", "grpc", "json"
	network           string // "tcp", "unix", "mem"
	logger            *zap.Logger
	clock             clock.Clock
	interceptors      []Interceptor
	timeout           time.Duration
	connectTimeout    time.Duration
	concurrencyLimit  uint32
	initialWindow     uint32
	initialConnWindow uint32
	maxFrameSize      uint32
	keepalive         keepalive.ClientParameters
	creds             credentials.TransportCredentials
	authority         string
	userAgent         string
	compressor        string
	maxRecvMsgSize    int
	maxSendMsgSize    int
	backoff           backoff.Config
}

func newDialOptions(opts []DialOption) *dialOptions {
	o := &dialOptions{
		codec:          defaultCodec,
		transport:      DefaultTransport,
		network:        NetworkTCP,
		logger:         zap.NewNop(),
		clock:          clock.WallClock,
		connectTimeout: 20 * time.Second,
		userAgent:      defaultUserAgent,
		maxRecvMsgSize: frame.DefaultMaxSize,
		maxSendMsgSize: math.MaxInt32,
		backoff:        backoff.DefaultConfig,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithCodec sets a custom codec
func WithCodec(c Codec) DialOption {
	return func(o *dialOptions) { o.codec = c }
}

// WithTransport explicitly sets the transport type
func WithTransport(t string) DialOption {
	return func(o *dialOptions) { o.transport = t }
}

// WithNetwork selects the network the address belongs to.
func WithNetwork(n string) DialOption {
	return func(o *dialOptions) { o.network = n }
}

// WithLogger sets the logger for connection and call diagnostics.
func WithLogger(l *zap.Logger) DialOption {
	return func(o *dialOptions) { o.logger = l }
}

// WithClock replaces the clock driving deadlines, keepalive and backoff.
func WithClock(c clock.Clock) DialOption {
	return func(o *dialOptions) { o.clock = c }
}

// WithInterceptors appends interceptors. The first one is outermost.
func WithInterceptors(ics ...Interceptor) DialOption {
	return func(o *dialOptions) { o.interceptors = append(o.interceptors, ics...) }
}

// WithTimeout applies a default deadline to every call.
func WithTimeout(d time.Duration) DialOption {
	return func(o *dialOptions) { o.timeout = d }
}

// WithConnectTimeout bounds establishing the connection.
func WithConnectTimeout(d time.Duration) DialOption {
	return func(o *dialOptions) { o.connectTimeout = d }
}

// WithConcurrencyLimit caps concurrent calls on the connection. Calls beyond
// the limit wait for a free slot.
func WithConcurrencyLimit(n uint32) DialOption {
	return func(o *dialOptions) { o.concurrencyLimit = n }
}

// WithRateLimit admits at most n calls per period, waiting for a token.
func WithRateLimit(n int, per time.Duration) DialOption {
	return func(o *dialOptions) {
		o.interceptors = append(o.interceptors, RateLimit(rate.Every(per/time.Duration(max(n, 1))), n))
	}
}

// WithHeaders adds md to the request headers of every call.
func WithHeaders(md metadata.MD) DialOption {
	return func(o *dialOptions) { o.interceptors = append(o.interceptors, HeaderInterceptor(md)) }
}

// WithInitialWindowSize sets the per-call receive window.
func WithInitialWindowSize(n uint32) DialOption {
	return func(o *dialOptions) { o.initialWindow = n }
}

// WithInitialConnWindowSize sets the connection receive window.
func WithInitialConnWindowSize(n uint32) DialOption {
	return func(o *dialOptions) { o.initialConnWindow = n }
}

// WithMaxFrameSize sets the largest HTTP/2 frame we accept.
func WithMaxFrameSize(n uint32) DialOption {
	return func(o *dialOptions) { o.maxFrameSize = n }
}

// WithKeepalive enables client pings.
func WithKeepalive(p keepalive.ClientParameters) DialOption {
	return func(o *dialOptions) { o.keepalive = p }
}

// WithTransportCredentials secures the connection, typically with TLS.
func WithTransportCredentials(c credentials.TransportCredentials) DialOption {
	return func(o *dialOptions) { o.creds = c }
}

// WithAuthority overrides the :authority header.
func WithAuthority(a string) DialOption {
	return func(o *dialOptions) { o.authority = a }
}

// WithUserAgent sets the user-agent header.
func WithUserAgent(ua string) DialOption {
	return func(o *dialOptions) { o.userAgent = ua }
}

// WithCompressor compresses outbound messages with the named compressor.
func WithCompressor(name string) DialOption {
	return func(o *dialOptions) { o.compressor = name }
}

// WithMaxRecvMsgSize bounds received messages. Negative means unlimited.
func WithMaxRecvMsgSize(n int) DialOption {
	return func(o *dialOptions) { o.maxRecvMsgSize = n }
}

// WithMaxSendMsgSize bounds sent messages. Negative means unlimited.
func WithMaxSendMsgSize(n int) DialOption {
	return func(o *dialOptions) { o.maxSendMsgSize = n }
}

// WithBackoff sets the spacing between reconnection attempts.
func WithBackoff(c backoff.Config) DialOption {
	return func(o *dialOptions) { o.backoff = c }
}

// ServerOption configures servers
type ServerOption func(*serverOptions)

type serverOptions struct {
	codecs               []Codec
	transport            string
	network              string
	logger               *zap.Logger
	clock                clock.Clock
	interceptors         []Interceptor
	maxConcurrentStreams uint32
	initialWindow        uint32
	initialConnWindow    uint32
	maxFrameSize         uint32
	creds                credentials.TransportCredentials
	compressor           string
	maxRecvMsgSize       int
	maxSendMsgSize       int
}

func newServerOptions(opts []ServerOption) *serverOptions {
	o := &serverOptions{
		transport:      DefaultTransport,
		network:        NetworkTCP,
		logger:         zap.NewNop(),
		clock:          clock.WallClock,
		maxRecvMsgSize: frame.DefaultMaxSize,
		maxSendMsgSize: math.MaxInt32,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithServerCodec makes an additional codec available to this server
func WithServerCodec(c Codec) ServerOption {
	return func(o *serverOptions) { o.codecs = append(o.codecs, c) }
}

// WithServerTransport explicitly sets the transport type for the server
func WithServerTransport(t string) ServerOption {
	return func(o *serverOptions) { o.transport = t }
}

// WithServerNetwork selects the network to listen on.
func WithServerNetwork(n string) ServerOption {
	return func(o *serverOptions) { o.network = n }
}

// WithServerLogger sets the server logger.
func WithServerLogger(l *zap.Logger) ServerOption {
	return func(o *serverOptions) { o.logger = l }
}

// WithServerClock replaces the clock driving call deadlines.
func WithServerClock(c clock.Clock) ServerOption {
	return func(o *serverOptions) { o.clock = c }
}

// WithServerInterceptors appends interceptors. The first one is outermost.
func WithServerInterceptors(ics ...Interceptor) ServerOption {
	return func(o *serverOptions) { o.interceptors = append(o.interceptors, ics...) }
}

// WithMaxConcurrentStreams limits concurrent calls per connection. Calls
// beyond the limit are refused with Unavailable.
func WithMaxConcurrentStreams(n uint32) ServerOption {
	return func(o *serverOptions) { o.maxConcurrentStreams = n }
}

// WithServerWindowSizes sets the per-call and connection receive windows.
func WithServerWindowSizes(stream, conn uint32) ServerOption {
	return func(o *serverOptions) {
		o.initialWindow = stream
		o.initialConnWindow = conn
	}
}

// WithServerMaxFrameSize sets the largest HTTP/2 frame the server accepts.
func WithServerMaxFrameSize(n uint32) ServerOption {
	return func(o *serverOptions) { o.maxFrameSize = n }
}

// WithServerCredentials secures accepted connections.
func WithServerCredentials(c credentials.TransportCredentials) ServerOption {
	return func(o *serverOptions) { o.creds = c }
}

// WithServerCompressor compresses responses with name when the client
// accepts it and did not compress its own request.
func WithServerCompressor(name string) ServerOption {
	return func(o *serverOptions) { o.compressor = name }
}

// WithServerMaxRecvMsgSize bounds received messages. Negative means
// unlimited.
func WithServerMaxRecvMsgSize(n int) ServerOption {
	return func(o *serverOptions) { o.maxRecvMsgSize = n }
}

// WithServerMaxSendMsgSize bounds sent messages. Negative means unlimited.
func WithServerMaxSendMsgSize(n int) ServerOption {
	return func(o *serverOptions) { o.maxSendMsgSize = n }
}

// CallOption configures a single call.
type CallOption func(*callOptions)

type callOptions struct {
	codec      Codec
	compressor string
	timeout    time.Duration
	header     *metadata.MD
	trailer    *metadata.MD
}

// CallCodec overrides the channel codec for one call.
func CallCodec(c Codec) CallOption {
	return func(o *callOptions) { o.codec = c }
}

// CallCompressor overrides the channel compressor for one call.
func CallCompressor(name string) CallOption {
	return func(o *callOptions) { o.compressor = name }
}

// CallTimeout bounds one call.
func CallTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// Header stores the response headers of a unary call in md.
func Header(md *metadata.MD) CallOption {
	return func(o *callOptions) { o.header = md }
}

// Trailer stores the trailing metadata of a unary call in md.
func Trailer(md *metadata.MD) CallOption {
	return func(o *callOptions) { o.trailer = md }
}
