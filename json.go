// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	rpc "github.com/gorilla/rpc/v2/json2"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"github.com/luxfi/streamrpc/metadata"
	"github.com/luxfi/streamrpc/status"
)

const (
	maxRetries    = 3
	retryBaseWait = 500 * time.Millisecond
)

func init() {
	registerTransport(TransportJSON, dialJSON, listenJSON)
}

// Option configures a JSON-RPC request.
type Option func(*Options)

// Options holds the HTTP request settings of SendJSONRequest.
type Options struct {
	headers     http.Header
	queryParams url.Values
	logger      *zap.Logger
}

// NewOptions applies opts to empty Options.
func NewOptions(opts []Option) *Options {
	o := &Options{
		headers:     http.Header{},
		queryParams: url.Values{},
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithHeader adds an HTTP header to the request.
func WithHeader(key, value string) Option {
	return func(o *Options) { o.headers.Add(key, value) }
}

// WithQueryParam adds a URL query parameter to the request.
func WithQueryParam(key, value string) Option {
	return func(o *Options) { o.queryParams.Add(key, value) }
}

// WithRequestLogger logs retries to l.
func WithRequestLogger(l *zap.Logger) Option {
	return func(o *Options) { o.logger = l }
}

// newHTTPClient creates a fresh HTTP client with disabled connection reuse.
// This avoids EOF errors that can occur with connection pooling in complex
// process hierarchies.
func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DisableKeepAlives: true,
		},
	}
}

// CleanlyCloseBody drains and closes an HTTP response body to prevent
// HTTP/2 GOAWAY errors caused by closing bodies with unread data.
// See: https://github.com/golang/go/issues/46071
func CleanlyCloseBody(body io.ReadCloser) error {
	if body == nil {
		return nil
	}
	_, _ = io.Copy(io.Discard, body)
	return body.Close()
}

// isRetryableError checks if an error is transient and worth retrying
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	if errors.Is(err, io.EOF) || strings.Contains(errStr, "EOF") {
		return true
	}
	return strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "broken pipe")
}

// SendJSONRequest issues a JSON-RPC 2.0 request to uri, retrying transient
// connection failures with exponential backoff. A JSON-RPC error in the
// response is returned as *json2.Error.
func SendJSONRequest(
	ctx context.Context,
	uri *url.URL,
	method string,
	params any,
	reply any,
	options ...Option,
) error {
	requestBodyBytes, err := rpc.EncodeClientRequest(method, params)
	if err != nil {
		return fmt.Errorf("failed to encode client params: %w", err)
	}

	ops := NewOptions(options)
	target := *uri
	target.RawQuery = ops.queryParams.Encode()
	log := ops.logger.With(zap.String("method", method), zap.Stringer("uri", &target))

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			waitTime := retryBaseWait * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(waitTime):
			}
		}

		// Create fresh request for each attempt (body buffer is consumed)
		request, err := http.NewRequestWithContext(
			ctx,
			http.MethodPost,
			target.String(),
			bytes.NewBuffer(requestBodyBytes),
		)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}

		request.Header = ops.headers.Clone()
		request.Header.Set("Content-Type", "application/json")

		resp, err := newHTTPClient().Do(request)
		if err != nil {
			lastErr = err
			retryable := isRetryableError(err)
			log.Debug("request attempt failed",
				zap.Int("attempt", attempt+1),
				zap.Bool("retryable", retryable),
				zap.Error(err))
			if retryable {
				continue
			}
			return fmt.Errorf("failed to issue request: %w", err)
		}
		if attempt > 0 {
			log.Debug("request succeeded after retry", zap.Int("attempt", attempt+1))
		}

		// JSON-RPC errors come back with 400 and a decodable body.
		if (resp.StatusCode < 200 || resp.StatusCode > 299) && resp.StatusCode != http.StatusBadRequest {
			_ = CleanlyCloseBody(resp.Body)
			return fmt.Errorf("received status code: %d", resp.StatusCode)
		}

		err = rpc.DecodeClientResponse(resp.Body, reply)
		_ = CleanlyCloseBody(resp.Body)
		var rpcErr *rpc.Error
		if err != nil && !errors.As(err, &rpcErr) {
			return fmt.Errorf("failed to decode client response: %w", err)
		}
		return err
	}

	return fmt.Errorf("failed to issue request after %d retries: %w", maxRetries, lastErr)
}

func dialJSON(_ context.Context, addr string, o *dialOptions) (Client, error) {
	base := addr
	if !strings.Contains(base, "://") {
		scheme := "http"
		if o.creds != nil {
			scheme = "https"
		}
		base = scheme + "://" + base
	}
	uri, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("json dial: %w", err)
	}
	if uri.Path == "" {
		uri.Path = GatewayPath
	}
	return &jsonClient{uri: uri, opts: o}, nil
}

// jsonClient implements Client over the JSON-RPC gateway. Only unary
// methods are reachable.
type jsonClient struct {
	uri  *url.URL
	opts *dialOptions
}

func (c *jsonClient) invoke(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	if c.opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.timeout)
		defer cancel()
	}
	args := &InvokeArgs{Method: methodKey(method), Params: params}
	if md, ok := metadata.FromOutgoingContext(ctx); ok {
		args.Metadata = md.Map()
	}
	var reply InvokeReply
	err := SendJSONRequest(ctx, c.uri, gatewayInvokeMethod, args, &reply,
		WithHeader("User-Agent", c.opts.userAgent),
		WithRequestLogger(c.opts.logger))
	if err != nil {
		return nil, statusFromJSONError(err)
	}
	return reply.Result, nil
}

func (c *jsonClient) Call(ctx context.Context, method string, args, reply any) error {
	params, err := json.Marshal(args)
	if err != nil {
		return status.Errorf(codes.Internal, "failed to encode message: %v", err)
	}
	result, err := c.invoke(ctx, method, params)
	if err != nil {
		return err
	}
	if reply == nil {
		return nil
	}
	if err := json.Unmarshal(result, reply); err != nil {
		return status.Errorf(codes.Internal, "failed to decode message: %v", err)
	}
	return nil
}

func (c *jsonClient) CallRaw(ctx context.Context, method string, payload []byte) ([]byte, error) {
	result, err := c.invoke(ctx, method, payload)
	return result, err
}

func (c *jsonClient) Notify(ctx context.Context, method string, args any) error {
	return c.Call(ctx, method, args, nil)
}

func (c *jsonClient) Close() error {
	return nil
}

// statusFromJSONError recovers the call status from a gateway error.
func statusFromJSONError(err error) error {
	var rpcErr *rpc.Error
	if !errors.As(err, &rpcErr) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return status.FromContextError(err).Err()
		}
		return status.Error(codes.Unavailable, err.Error())
	}
	code := codes.Unknown
	if data, ok := rpcErr.Data.(map[string]any); ok {
		if v, ok := data["code"].(float64); ok {
			code = codes.Code(uint32(v))
		}
	}
	if code == codes.OK {
		code = codes.Unknown
	}
	return status.Error(code, rpcErr.Message)
}
