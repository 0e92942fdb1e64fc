// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Command lrpc serves a demo streaming service and makes calls against
// any server speaking the same protocol.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	rpc "github.com/luxfi/streamrpc"
	"github.com/luxfi/streamrpc/internal/logging"
)

type globalFlags struct {
	config    string
	transport string
	network   string
	log       logging.Config
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{log: logging.DefaultConfig()}
	root := &cobra.Command{
		Use:           "lrpc",
		Short:         "Streaming RPC over HTTP/2",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&g.config, "config", "", "YAML config file")
	pf.StringVar(&g.transport, "transport", "", "transport: h2, grpc or json (overrides config)")
	pf.StringVar(&g.network, "network", "", "network: tcp or unix (overrides config)")
	pf.StringVar(&g.log.Level, "log-level", g.log.Level, "log level: debug, info, warn, error")
	pf.StringVar(&g.log.Format, "log-format", g.log.Format, "log format: console or json")
	pf.StringVar(&g.log.File, "log-file", "", "also log to this file, rotated")

	root.AddCommand(newServeCmd(g), newCallCmd(g))
	return root
}

// loadConfig reads --config and applies the flag overrides.
func (g *globalFlags) loadConfig() (*rpc.Config, error) {
	cfg := &rpc.Config{}
	if g.config != "" {
		var err error
		if cfg, err = rpc.LoadConfig(g.config); err != nil {
			return nil, err
		}
	}
	if g.transport != "" {
		cfg.Transport = g.transport
	}
	if g.network != "" {
		cfg.Network = g.network
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (g *globalFlags) logger() (*zap.Logger, func(), error) {
	log, closer, err := logging.New(g.log)
	if err != nil {
		return nil, nil, err
	}
	return log, func() {
		_ = log.Sync()
		_ = closer.Close()
	}, nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "lrpc: %v\n", err)
		os.Exit(1)
	}
}
