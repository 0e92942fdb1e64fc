// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpc

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/grpc/codes"

	"github.com/luxfi/streamrpc/metadata"
	"github.com/luxfi/streamrpc/status"
)

const authorizationKey = "authorization"

// finishObserver reports the final result of a client call once. The result
// is taken from RecvMsg, or Cancelled when the caller cancels.
type finishObserver struct {
	ClientCall
	once     sync.Once
	onFinish func(err error)
}

func observeFinish(call ClientCall, onFinish func(err error)) *finishObserver {
	return &finishObserver{ClientCall: call, onFinish: onFinish}
}

func (c *finishObserver) finish(err error) {
	c.once.Do(func() { c.onFinish(err) })
}

func (c *finishObserver) RecvMsg(m any) error {
	err := c.ClientCall.RecvMsg(m)
	switch {
	case err == io.EOF:
		c.finish(nil)
	case err != nil:
		c.finish(err)
	case !c.Shape().ServerStreams():
		c.finish(nil)
	}
	return err
}

func (c *finishObserver) Cancel() {
	c.ClientCall.Cancel()
	c.finish(status.Error(codes.Canceled, "call cancelled by client"))
}

// LoggingInterceptor logs every finished call with its status code and
// duration. Failed calls are logged at info level, the rest at debug.
func LoggingInterceptor(log *zap.Logger) Interceptor {
	return InterceptorFuncs{
		Invoker: func(next Invoker) Invoker {
			return func(ctx context.Context, info *CallInfo) (ClientCall, error) {
				start := time.Now()
				call, err := next(ctx, info)
				if err != nil {
					logCall(log, "client", info.Method, info.Shape, start, err)
					return nil, err
				}
				return observeFinish(call, func(err error) {
					logCall(log, "client", info.Method, info.Shape, start, err)
				}), nil
			}
		},
		Handler: func(next Handler) Handler {
			return func(ctx context.Context, call ServerCall) error {
				start := time.Now()
				err := next(ctx, call)
				logCall(log, "server", call.Method(), call.Shape(), start, err)
				return err
			}
		},
	}
}

func logCall(log *zap.Logger, side, method string, shape Shape, start time.Time, err error) {
	st := handlerStatus(err)
	fields := []zap.Field{
		zap.String("side", side),
		zap.String("method", method),
		zap.Stringer("shape", shape),
		zap.Stringer("code", st.Code()),
		zap.Duration("duration", time.Since(start)),
	}
	if st.Code() == codes.OK {
		log.Debug("call finished", fields...)
		return
	}
	log.Info("call failed", append(fields, zap.String("message", st.Message()))...)
}

// TokenAuth carries a bearer token in the authorization header. On the
// client it attaches Token to every call. On the server it rejects calls
// without a valid token with Unauthenticated; Validate, when set, replaces
// the comparison with Token.
type TokenAuth struct {
	Token    string
	Validate func(ctx context.Context, token string) error
}

func (a TokenAuth) WrapInvoker(next Invoker) Invoker {
	return func(ctx context.Context, info *CallInfo) (ClientCall, error) {
		if a.Token != "" {
			ctx = metadata.AppendToOutgoingContext(ctx, authorizationKey, "Bearer "+a.Token)
		}
		return next(ctx, info)
	}
}

func (a TokenAuth) WrapHandler(next Handler) Handler {
	return func(ctx context.Context, call ServerCall) error {
		v, _ := call.RequestHeader().First(authorizationKey)
		token, ok := strings.CutPrefix(v, "Bearer ")
		if !ok || token == "" {
			return status.Error(codes.Unauthenticated, "missing bearer token")
		}
		if a.Validate != nil {
			if err := a.Validate(ctx, token); err != nil {
				if st, ok := status.FromError(err); ok {
					return st.Err()
				}
				return status.Error(codes.Unauthenticated, err.Error())
			}
		} else if subtle.ConstantTimeCompare([]byte(token), []byte(a.Token)) != 1 {
			return status.Error(codes.Unauthenticated, "invalid bearer token")
		}
		return next(ctx, call)
	}
}

// RateLimit admits calls at limit per second with the given burst. Clients
// wait for a token and fail with ResourceExhausted when the wait cannot
// finish before the deadline. Servers reject calls over the limit with
// ResourceExhausted.
func RateLimit(limit rate.Limit, burst int) Interceptor {
	l := rate.NewLimiter(limit, burst)
	return InterceptorFuncs{
		Invoker: func(next Invoker) Invoker {
			return func(ctx context.Context, info *CallInfo) (ClientCall, error) {
				if err := l.Wait(ctx); err != nil {
					if errors.Is(ctx.Err(), context.Canceled) {
						return nil, status.Error(codes.Canceled, "cancelled while waiting for the rate limiter")
					}
					return nil, status.Errorf(codes.ResourceExhausted, "rate limited: %v", err)
				}
				return next(ctx, info)
			}
		},
		Handler: func(next Handler) Handler {
			return func(ctx context.Context, call ServerCall) error {
				if !l.Allow() {
					return status.Errorf(codes.ResourceExhausted, "rate limit exceeded for %s", call.Method())
				}
				return next(ctx, call)
			}
		},
	}
}

// HeaderInterceptor adds md to the request headers of every client call.
// It leaves server calls untouched.
func HeaderInterceptor(md metadata.MD) Interceptor {
	md = md.Copy()
	return InterceptorFuncs{
		Invoker: func(next Invoker) Invoker {
			return func(ctx context.Context, info *CallInfo) (ClientCall, error) {
				out, _ := metadata.FromOutgoingContext(ctx)
				return next(metadata.NewOutgoingContext(ctx, metadata.Join(out, md)), info)
			}
		},
	}
}
