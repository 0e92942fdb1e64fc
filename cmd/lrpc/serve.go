// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	rpc "github.com/luxfi/streamrpc"
)

type serveFlags struct {
	addr            string
	metricsAddr     string
	gatewayAddr     string
	token           string
	shutdownTimeout time.Duration
}

func newServeCmd(g *globalFlags) *cobra.Command {
	f := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the Echo demo service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, g, f)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.addr, "addr", "127.0.0.1:9000", "listen address")
	fl.StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	fl.StringVar(&f.gatewayAddr, "gateway-addr", "", "serve the JSON-RPC gateway on this address")
	fl.StringVar(&f.token, "token", "", "require this bearer token")
	fl.DurationVar(&f.shutdownTimeout, "shutdown-timeout", 10*time.Second, "how long in-flight calls may take to finish on shutdown")
	return cmd
}

func runServe(ctx context.Context, g *globalFlags, f *serveFlags) error {
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	log, flush, err := g.logger()
	if err != nil {
		return err
	}
	defer flush()

	opts, err := cfg.ServerOptions()
	if err != nil {
		return err
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	interceptors := []rpc.Interceptor{rpc.LoggingInterceptor(log), rpc.MetricsInterceptor(reg)}
	if f.token != "" {
		interceptors = append(interceptors, rpc.TokenAuth{Token: f.token})
	}
	opts = append(opts, rpc.WithServerLogger(log), rpc.WithServerInterceptors(interceptors...))

	srv, err := rpc.ListenServer(f.addr, opts...)
	if err != nil {
		return err
	}
	if err := registerEcho(srv); err != nil {
		_ = srv.Close()
		return err
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return srv.Serve(context.WithoutCancel(egCtx)) })

	var httpServers []*http.Server
	if f.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		httpServers = append(httpServers, startHTTP(eg, log, "metrics", f.metricsAddr, mux))
	}
	if f.gatewayAddr != "" {
		d, ok := srv.(*rpc.Dispatcher)
		if !ok {
			_ = srv.Close()
			return errors.New("--gateway-addr needs the h2 or grpc transport")
		}
		gw, err := rpc.NewJSONGateway(d)
		if err != nil {
			_ = srv.Close()
			return err
		}
		mux := http.NewServeMux()
		mux.Handle(rpc.GatewayPath, gw)
		httpServers = append(httpServers, startHTTP(eg, log, "gateway", f.gatewayAddr, mux))
	}
	log.Info("lrpc serving", zap.String("addr", srv.Addr()))

	eg.Go(func() error {
		<-egCtx.Done()
		log.Info("shutting down", zap.Duration("timeout", f.shutdownTimeout))
		sctx, cancel := context.WithTimeout(context.Background(), f.shutdownTimeout)
		defer cancel()
		for _, hs := range httpServers {
			_ = hs.Shutdown(sctx)
		}
		return shutdownServer(sctx, srv)
	})
	err = eg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// shutdownServer drains a Dispatcher and falls back to Close when calls
// outlive ctx.
func shutdownServer(ctx context.Context, srv rpc.Server) error {
	d, ok := srv.(*rpc.Dispatcher)
	if !ok {
		return srv.Close()
	}
	if err := d.Shutdown(ctx, true); err != nil {
		_ = d.Close()
		if !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
	}
	return nil
}

func startHTTP(eg *errgroup.Group, log *zap.Logger, name, addr string, h http.Handler) *http.Server {
	hs := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(log.Named(name)),
	}
	eg.Go(func() error {
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return err
		}
		log.Info("http serving", zap.String("name", name), zap.Stringer("addr", l.Addr()))
		if err := hs.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	return hs
}
