// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpc

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is an Interceptor exporting per-method call counters, message
// counters and latency histograms.
type Metrics struct {
	started  *prometheus.CounterVec
	handled  *prometheus.CounterVec
	msgsSent *prometheus.CounterVec
	msgsRecv *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

var _ Interceptor = (*Metrics)(nil)

// NewMetrics registers the call metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		started: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamrpc",
			Name:      "calls_started_total",
			Help:      "Total number of calls started.",
		}, []string{"side", "method", "shape"}),
		handled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamrpc",
			Name:      "calls_handled_total",
			Help:      "Total number of calls finished, by status code.",
		}, []string{"side", "method", "shape", "code"}),
		msgsSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamrpc",
			Name:      "messages_sent_total",
			Help:      "Total number of messages sent.",
		}, []string{"side", "method"}),
		msgsRecv: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamrpc",
			Name:      "messages_received_total",
			Help:      "Total number of messages received.",
		}, []string{"side", "method"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "streamrpc",
			Name:      "call_duration_seconds",
			Help:      "Call duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"side", "method", "shape"}),
	}
}

// MetricsInterceptor is NewMetrics for callers that only need the
// Interceptor.
func MetricsInterceptor(reg prometheus.Registerer) Interceptor {
	return NewMetrics(reg)
}

func (m *Metrics) done(side, method string, shape Shape, start time.Time, err error) {
	code := handlerStatus(err).Code().String()
	m.handled.WithLabelValues(side, method, shape.String(), code).Inc()
	m.duration.WithLabelValues(side, method, shape.String()).Observe(time.Since(start).Seconds())
}

func (m *Metrics) WrapInvoker(next Invoker) Invoker {
	return func(ctx context.Context, info *CallInfo) (ClientCall, error) {
		start := time.Now()
		m.started.WithLabelValues("client", info.Method, info.Shape.String()).Inc()
		call, err := next(ctx, info)
		if err != nil {
			m.done("client", info.Method, info.Shape, start, err)
			return nil, err
		}
		obs := observeFinish(call, func(err error) {
			m.done("client", info.Method, info.Shape, start, err)
		})
		return &countingClientCall{finishObserver: obs, m: m}, nil
	}
}

func (m *Metrics) WrapHandler(next Handler) Handler {
	return func(ctx context.Context, call ServerCall) error {
		start := time.Now()
		m.started.WithLabelValues("server", call.Method(), call.Shape().String()).Inc()
		err := next(ctx, &countingServerCall{ServerCall: call, m: m})
		m.done("server", call.Method(), call.Shape(), start, err)
		return err
	}
}

type countingClientCall struct {
	*finishObserver
	m *Metrics
}

func (c *countingClientCall) SendMsg(msg any) error {
	err := c.finishObserver.SendMsg(msg)
	if err == nil {
		c.m.msgsSent.WithLabelValues("client", c.Method()).Inc()
	}
	return err
}

func (c *countingClientCall) RecvMsg(msg any) error {
	err := c.finishObserver.RecvMsg(msg)
	if err == nil {
		c.m.msgsRecv.WithLabelValues("client", c.Method()).Inc()
	}
	return err
}

type countingServerCall struct {
	ServerCall
	m *Metrics
}

func (c *countingServerCall) SendMsg(msg any) error {
	err := c.ServerCall.SendMsg(msg)
	if err == nil {
		c.m.msgsSent.WithLabelValues("server", c.Method()).Inc()
	}
	return err
}

func (c *countingServerCall) RecvMsg(msg any) error {
	err := c.ServerCall.RecvMsg(msg)
	if err == nil {
		c.m.msgsRecv.WithLabelValues("server", c.Method()).Inc()
	}
	return err
}
