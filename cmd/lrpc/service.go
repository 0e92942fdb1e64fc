// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"time"

	"google.golang.org/grpc/codes"

	rpc "github.com/luxfi/streamrpc"
	"github.com/luxfi/streamrpc/status"
)

// Echo service methods, one per call shape.
const (
	methodSay   = "Echo/Say"
	methodCount = "Echo/Count"
	methodSum   = "Echo/Sum"
	methodChat  = "Echo/Chat"
)

type SayRequest struct {
	Message string `json:"message"`
}

type SayReply struct {
	Message string `json:"message"`
}

type CountRequest struct {
	N        int           `json:"n"`
	Interval time.Duration `json:"interval,omitempty"`
}

type CountReply struct {
	I int `json:"i"`
}

type SumRequest struct {
	Value int64 `json:"value"`
}

type SumReply struct {
	Total int64 `json:"total"`
	Count int   `json:"count"`
}

type ChatMessage struct {
	Text string `json:"text"`
}

const maxCount = 10000

func registerEcho(s rpc.Server) error {
	return errors.Join(
		rpc.RegisterUnary(s, methodSay, say),
		rpc.RegisterServerStream(s, methodCount, count),
		rpc.RegisterClientStream(s, methodSum, sum),
		rpc.RegisterBidi(s, methodChat, chat),
	)
}

func say(_ context.Context, req SayRequest) (SayReply, error) {
	if req.Message == "" {
		return SayReply{}, status.Error(codes.InvalidArgument, "message is empty")
	}
	return SayReply{Message: req.Message}, nil
}

func count(ctx context.Context, req CountRequest, send func(CountReply) error) error {
	if req.N < 0 || req.N > maxCount {
		return status.Errorf(codes.OutOfRange, "n must be in [0, %d]", maxCount)
	}
	for i := 1; i <= req.N; i++ {
		if req.Interval > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(req.Interval):
			}
		}
		if err := send(CountReply{I: i}); err != nil {
			return err
		}
	}
	return nil
}

func sum(_ context.Context, reqs iter.Seq2[SumRequest, error]) (SumReply, error) {
	var reply SumReply
	for req, err := range reqs {
		if err != nil {
			return SumReply{}, err
		}
		reply.Total += req.Value
		reply.Count++
	}
	return reply, nil
}

func chat(_ context.Context, recv func() (ChatMessage, error), send func(ChatMessage) error) error {
	for {
		msg, err := recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := send(ChatMessage{Text: fmt.Sprintf("echo: %s", msg.Text)}); err != nil {
			return err
		}
	}
}
