// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	rpc "github.com/luxfi/streamrpc"
	"github.com/luxfi/streamrpc/metadata"
	"github.com/luxfi/streamrpc/status"
)

type callFlags struct {
	shape   string
	timeout time.Duration
	headers []string
	token   string
}

func newCallCmd(g *globalFlags) *cobra.Command {
	f := &callFlags{}
	cmd := &cobra.Command{
		Use:   "call ADDR METHOD [JSON]",
		Short: "Call a method and print the responses as JSON lines",
		Long: `Call a method. Unary and server-streaming calls send the JSON argument
(or {} when omitted). Client-streaming and bidi calls read one JSON value
per request from stdin.`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var req json.RawMessage
			if len(args) == 3 {
				req = json.RawMessage(args[2])
			}
			return runCall(cmd.Context(), g, f, args[0], args[1], req, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.shape, "shape", "unary", "call shape: unary, server-stream, client-stream or bidi")
	fl.DurationVar(&f.timeout, "timeout", 30*time.Second, "call deadline")
	fl.StringArrayVarP(&f.headers, "header", "H", nil, "request metadata as key=value, repeatable")
	fl.StringVar(&f.token, "token", "", "bearer token")
	return cmd
}

func parseShape(s string) (rpc.Shape, error) {
	for _, sh := range []rpc.Shape{rpc.ShapeUnary, rpc.ShapeServerStream, rpc.ShapeClientStream, rpc.ShapeBidi} {
		if sh.String() == s {
			return sh, nil
		}
	}
	return 0, fmt.Errorf("unknown shape %q", s)
}

func parseHeaders(kvs []string) (metadata.MD, error) {
	md := metadata.MD{}
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return metadata.MD{}, fmt.Errorf("header %q is not key=value", kv)
		}
		md.Append(k, v)
	}
	return md, md.Validate()
}

func runCall(ctx context.Context, g *globalFlags, f *callFlags, addr, method string, req json.RawMessage, in io.Reader, out io.Writer) error {
	shape, err := parseShape(f.shape)
	if err != nil {
		return err
	}
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	opts, err := cfg.DialOptions()
	if err != nil {
		return err
	}
	md, err := parseHeaders(f.headers)
	if err != nil {
		return err
	}
	if md.Len() > 0 {
		opts = append(opts, rpc.WithHeaders(md))
	}
	if f.token != "" {
		opts = append(opts, rpc.WithInterceptors(rpc.TokenAuth{Token: f.token}))
	}
	if len(req) == 0 {
		req = json.RawMessage("{}")
	}
	if !json.Valid(req) {
		return errors.New("request is not valid JSON")
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	if shape == rpc.ShapeUnary {
		client, err := rpc.DialClient(ctx, addr, opts...)
		if err != nil {
			return err
		}
		defer client.Close()
		var reply json.RawMessage
		if err := client.Call(ctx, method, req, &reply); err != nil {
			return describe(err)
		}
		return writeLine(out, reply)
	}

	// Streaming shapes need the native channel.
	ch, err := rpc.Dial(ctx, addr, opts...)
	if err != nil {
		return err
	}
	defer ch.Close()
	call, err := ch.NewCall(ctx, method, shape)
	if err != nil {
		return describe(err)
	}

	var eg errgroup.Group
	eg.Go(func() error {
		if !shape.ClientStreams() {
			if err := call.SendMsg(req); err != nil && err != io.EOF {
				return err
			}
			return nil
		}
		return sendAll(call, in)
	})
	for {
		var reply json.RawMessage
		err := call.RecvMsg(&reply)
		if err == io.EOF {
			break
		}
		if err != nil {
			_ = eg.Wait()
			return describe(err)
		}
		if err := writeLine(out, reply); err != nil {
			call.Cancel()
			_ = eg.Wait()
			return err
		}
	}
	return eg.Wait()
}

// sendAll sends each JSON value read from in, then closes the send side.
func sendAll(call rpc.ClientCall, in io.Reader) error {
	dec := json.NewDecoder(in)
	for {
		var msg json.RawMessage
		err := dec.Decode(&msg)
		if err == io.EOF {
			return call.CloseSend()
		}
		if err != nil {
			call.Cancel()
			return fmt.Errorf("read request: %w", err)
		}
		if err := call.SendMsg(msg); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

func writeLine(w io.Writer, msg json.RawMessage) error {
	_, err := fmt.Fprintf(w, "%s\n", msg)
	return err
}

func describe(err error) error {
	st := status.Convert(err)
	return fmt.Errorf("%s: %s", st.Code(), st.Message())
}

