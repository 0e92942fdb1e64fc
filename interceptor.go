// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpc

import (
	"context"
)

// Invoker starts a client call. The innermost Invoker opens the stream on
// the connection.
type Invoker func(ctx context.Context, info *CallInfo) (ClientCall, error)

// Handler serves one server call. It returns nil for OK or an error that is
// mapped to the call status.
type Handler func(ctx context.Context, call ServerCall) error

// Interceptor wraps calls on either side. An interceptor may edit metadata
// through the context, wrap the call to observe or transform messages, or
// return a status error to short-circuit the call.
type Interceptor interface {
	WrapInvoker(next Invoker) Invoker
	WrapHandler(next Handler) Handler
}

// InterceptorFuncs adapts a pair of functions to Interceptor. Either field
// may be nil to leave that side untouched.
type InterceptorFuncs struct {
	Invoker func(next Invoker) Invoker
	Handler func(next Handler) Handler
}

func (f InterceptorFuncs) WrapInvoker(next Invoker) Invoker {
	if f.Invoker == nil {
		return next
	}
	return f.Invoker(next)
}

func (f InterceptorFuncs) WrapHandler(next Handler) Handler {
	if f.Handler == nil {
		return next
	}
	return f.Handler(next)
}

// CallInfo describes a call to interceptors on the client side.
type CallInfo struct {
	Method string
	Shape  Shape

	opts   *callOptions
	cancel context.CancelFunc
}

// chainInvoker wraps last so that ics[0] runs first on the way out.
func chainInvoker(ics []Interceptor, last Invoker) Invoker {
	for i := len(ics) - 1; i >= 0; i-- {
		last = ics[i].WrapInvoker(last)
	}
	return last
}

// chainHandler wraps last so that ics[0] sees the call first.
func chainHandler(ics []Interceptor, last Handler) Handler {
	for i := len(ics) - 1; i >= 0; i-- {
		last = ics[i].WrapHandler(last)
	}
	return last
}
