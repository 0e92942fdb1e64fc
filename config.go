// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpc

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/keepalive"
	"gopkg.in/yaml.v3"

	"github.com/luxfi/streamrpc/metadata"
)

// Config is the file form of the dial and server options.
type Config struct {
	Transport  string `yaml:"transport"`
	Network    string `yaml:"network"`
	Codec      string `yaml:"codec"`
	Compressor string `yaml:"compressor"`

	Client ClientConfig `yaml:"client"`
	Server ServerConfig `yaml:"server"`
	TLS    TLSConfig    `yaml:"tls"`
}

// ClientConfig configures a Channel.
type ClientConfig struct {
	Timeout           time.Duration       `yaml:"timeout"`
	ConnectTimeout    time.Duration       `yaml:"connect_timeout"`
	ConcurrencyLimit  uint32              `yaml:"concurrency_limit"`
	RateLimit         RateLimitConfig     `yaml:"rate_limit"`
	Headers           map[string][]string `yaml:"headers"`
	InitialWindowSize uint32              `yaml:"initial_window_size"`
	InitialConnWindow uint32              `yaml:"initial_conn_window_size"`
	MaxFrameSize      uint32              `yaml:"max_frame_size"`
	MaxRecvMsgSize    int                 `yaml:"max_recv_msg_size"`
	MaxSendMsgSize    int                 `yaml:"max_send_msg_size"`
	Authority         string              `yaml:"authority"`
	UserAgent         string              `yaml:"user_agent"`
	Keepalive         KeepaliveConfig     `yaml:"keepalive"`
}

// RateLimitConfig allows Requests calls per Per.
type RateLimitConfig struct {
	Requests int           `yaml:"requests"`
	Per      time.Duration `yaml:"per"`
}

// KeepaliveConfig maps to keepalive.ClientParameters.
type KeepaliveConfig struct {
	Time                time.Duration `yaml:"time"`
	Timeout             time.Duration `yaml:"timeout"`
	PermitWithoutStream bool          `yaml:"permit_without_stream"`
}

// ServerConfig configures a Dispatcher.
type ServerConfig struct {
	MaxConcurrentStreams uint32 `yaml:"max_concurrent_streams"`
	InitialWindowSize    uint32 `yaml:"initial_window_size"`
	InitialConnWindow    uint32 `yaml:"initial_conn_window_size"`
	MaxFrameSize         uint32 `yaml:"max_frame_size"`
	MaxRecvMsgSize       int    `yaml:"max_recv_msg_size"`
	MaxSendMsgSize       int    `yaml:"max_send_msg_size"`
}

// TLSConfig names PEM files. Clients use CAFile and ServerName, servers
// use CertFile and KeyFile.
type TLSConfig struct {
	CAFile     string `yaml:"ca_file"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	ServerName string `yaml:"server_name"`
}

var errIncompleteTLS = errors.New("tls: cert_file and key_file must be set together")

// LoadConfig reads a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML. Unknown keys are rejected.
func ParseConfig(data []byte) (*Config, error) {
	var c Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks names against the registries.
func (c *Config) Validate() error {
	if c.Transport != "" && !HasTransport(c.Transport) {
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	switch c.Network {
	case "", NetworkTCP, NetworkUnix, NetworkMem:
	default:
		return fmt.Errorf("unknown network %q", c.Network)
	}
	if c.Codec != "" {
		if _, ok := CodecByName(c.Codec); !ok {
			return fmt.Errorf("unknown codec %q", c.Codec)
		}
	}
	if _, err := compressorFor(c.Compressor); err != nil {
		return err
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return errIncompleteTLS
	}
	for k := range c.Client.Headers {
		if err := metadata.ValidateKey(k); err != nil {
			return fmt.Errorf("client header %q: %w", k, err)
		}
	}
	return nil
}

// DialOptions converts the config to dial options. Zero values keep the
// defaults.
func (c *Config) DialOptions() ([]DialOption, error) {
	var opts []DialOption
	if c.Transport != "" {
		opts = append(opts, WithTransport(c.Transport))
	}
	if c.Network != "" {
		opts = append(opts, WithNetwork(c.Network))
	}
	if c.Codec != "" {
		codec, _ := CodecByName(c.Codec)
		opts = append(opts, WithCodec(codec))
	}
	if c.Compressor != "" {
		opts = append(opts, WithCompressor(c.Compressor))
	}

	cc := c.Client
	if cc.Timeout > 0 {
		opts = append(opts, WithTimeout(cc.Timeout))
	}
	if cc.ConnectTimeout > 0 {
		opts = append(opts, WithConnectTimeout(cc.ConnectTimeout))
	}
	if cc.ConcurrencyLimit > 0 {
		opts = append(opts, WithConcurrencyLimit(cc.ConcurrencyLimit))
	}
	if cc.RateLimit.Requests > 0 && cc.RateLimit.Per > 0 {
		opts = append(opts, WithRateLimit(cc.RateLimit.Requests, cc.RateLimit.Per))
	}
	if len(cc.Headers) > 0 {
		opts = append(opts, WithHeaders(metadata.FromMap(cc.Headers)))
	}
	if cc.InitialWindowSize > 0 {
		opts = append(opts, WithInitialWindowSize(cc.InitialWindowSize))
	}
	if cc.InitialConnWindow > 0 {
		opts = append(opts, WithInitialConnWindowSize(cc.InitialConnWindow))
	}
	if cc.MaxFrameSize > 0 {
		opts = append(opts, WithMaxFrameSize(cc.MaxFrameSize))
	}
	if cc.MaxRecvMsgSize != 0 {
		opts = append(opts, WithMaxRecvMsgSize(cc.MaxRecvMsgSize))
	}
	if cc.MaxSendMsgSize != 0 {
		opts = append(opts, WithMaxSendMsgSize(cc.MaxSendMsgSize))
	}
	if cc.Authority != "" {
		opts = append(opts, WithAuthority(cc.Authority))
	}
	if cc.UserAgent != "" {
		opts = append(opts, WithUserAgent(cc.UserAgent))
	}
	if cc.Keepalive.Time > 0 {
		opts = append(opts, WithKeepalive(keepalive.ClientParameters{
			Time:                cc.Keepalive.Time,
			Timeout:             cc.Keepalive.Timeout,
			PermitWithoutStream: cc.Keepalive.PermitWithoutStream,
		}))
	}
	if c.TLS.CAFile != "" {
		creds, err := credentials.NewClientTLSFromFile(c.TLS.CAFile, c.TLS.ServerName)
		if err != nil {
			return nil, fmt.Errorf("client tls: %w", err)
		}
		opts = append(opts, WithTransportCredentials(creds))
	}
	return opts, nil
}

// ServerOptions converts the config to server options.
func (c *Config) ServerOptions() ([]ServerOption, error) {
	var opts []ServerOption
	if c.Transport != "" {
		opts = append(opts, WithServerTransport(c.Transport))
	}
	if c.Network != "" {
		opts = append(opts, WithServerNetwork(c.Network))
	}
	if c.Codec != "" {
		codec, _ := CodecByName(c.Codec)
		opts = append(opts, WithServerCodec(codec))
	}
	if c.Compressor != "" {
		opts = append(opts, WithServerCompressor(c.Compressor))
	}

	sc := c.Server
	if sc.MaxConcurrentStreams > 0 {
		opts = append(opts, WithMaxConcurrentStreams(sc.MaxConcurrentStreams))
	}
	if sc.InitialWindowSize > 0 || sc.InitialConnWindow > 0 {
		opts = append(opts, WithServerWindowSizes(sc.InitialWindowSize, sc.InitialConnWindow))
	}
	if sc.MaxFrameSize > 0 {
		opts = append(opts, WithServerMaxFrameSize(sc.MaxFrameSize))
	}
	if sc.MaxRecvMsgSize != 0 {
		opts = append(opts, WithServerMaxRecvMsgSize(sc.MaxRecvMsgSize))
	}
	if sc.MaxSendMsgSize != 0 {
		opts = append(opts, WithServerMaxSendMsgSize(sc.MaxSendMsgSize))
	}
	if c.TLS.CertFile != "" {
		creds, err := credentials.NewServerTLSFromFile(c.TLS.CertFile, c.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("server tls: %w", err)
		}
		opts = append(opts, WithServerCredentials(creds))
	}
	return opts, nil
}
