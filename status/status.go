// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package status holds the terminal outcome of a call: a code from the fixed
// gRPC taxonomy, a human readable message and optional opaque details.
//
// A *Status is also an error. Two statuses are equal under errors.Is when
// their codes match; messages and details are informational only.
package status

import (
	"context"
	"errors"
	"fmt"

	spb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

// Status is the terminal outcome of a call. The zero value is not valid;
// use New.
type Status struct {
	code    codes.Code
	message string
	details []byte
}

var okStatus = &Status{code: codes.OK}

// New returns a status with the given code and message.
func New(c codes.Code, msg string) *Status {
	return &Status{code: c, message: msg}
}

// Newf is New with a formatted message.
func Newf(c codes.Code, format string, a ...any) *Status {
	return New(c, fmt.Sprintf(format, a...))
}

// Error returns an error for the code and message, or nil for codes.OK.
func Error(c codes.Code, msg string) error {
	return New(c, msg).Err()
}

// Errorf is Error with a formatted message.
func Errorf(c codes.Code, format string, a ...any) error {
	return Error(c, fmt.Sprintf(format, a...))
}

// OK returns the successful status.
func OK() *Status {
	return okStatus
}

// Code returns the status code. A nil status is OK.
func (s *Status) Code() codes.Code {
	if s == nil {
		return codes.OK
	}
	return s.code
}

// Message returns the status message.
func (s *Status) Message() string {
	if s == nil {
		return ""
	}
	return s.message
}

// Details returns the opaque detail bytes, if any.
func (s *Status) Details() []byte {
	if s == nil {
		return nil
	}
	return s.details
}

// WithRawDetails returns a copy of s carrying the given detail bytes.
func (s *Status) WithRawDetails(b []byte) *Status {
	cp := *s
	cp.details = append([]byte(nil), b...)
	return &cp
}

// WithDetails returns a copy of s whose details are a marshalled
// google.rpc.Status holding msgs.
func (s *Status) WithDetails(msgs ...proto.Message) (*Status, error) {
	if s.Code() == codes.OK {
		return nil, errors.New("status: no details allowed on an OK status")
	}
	p := &spb.Status{Code: int32(s.code), Message: s.message}
	for _, m := range msgs {
		a, err := anypb.New(m)
		if err != nil {
			return nil, fmt.Errorf("status: packing detail: %w", err)
		}
		p.Details = append(p.Details, a)
	}
	b, err := proto.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("status: marshalling details: %w", err)
	}
	return s.WithRawDetails(b), nil
}

// Proto returns s as a google.rpc.Status. If the details bytes hold a
// marshalled google.rpc.Status its detail messages are included.
func (s *Status) Proto() *spb.Status {
	p := &spb.Status{Code: int32(s.Code()), Message: s.Message()}
	if len(s.Details()) > 0 {
		var inner spb.Status
		if err := proto.Unmarshal(s.details, &inner); err == nil {
			p.Details = inner.Details
		}
	}
	return p
}

// FromProto builds a status from its protobuf form.
func FromProto(p *spb.Status) *Status {
	s := New(knownCode(uint32(p.GetCode())), p.GetMessage())
	if len(p.GetDetails()) > 0 {
		if b, err := proto.Marshal(p); err == nil {
			s.details = b
		}
	}
	return s
}

// Err returns s as an error, or nil if s is OK.
func (s *Status) Err() error {
	if s.Code() == codes.OK {
		return nil
	}
	return s
}

func (s *Status) Error() string {
	return fmt.Sprintf("rpc error: code = %s desc = %s", s.Code(), s.Message())
}

// Is matches any *Status with the same code.
func (s *Status) Is(target error) bool {
	t, ok := target.(*Status)
	if !ok {
		return false
	}
	return s.Code() == t.Code()
}

func (s *Status) String() string {
	if s.Message() == "" {
		return s.Code().String()
	}
	return s.Code().String() + ": " + s.Message()
}

// FromError returns the status carried by err. A nil error is OK. For an
// error that is not a status the result is Unknown and ok is false.
func FromError(err error) (s *Status, ok bool) {
	if err == nil {
		return okStatus, true
	}
	var st *Status
	if errors.As(err, &st) {
		return st, true
	}
	return New(codes.Unknown, err.Error()), false
}

// Convert is FromError without the flag.
func Convert(err error) *Status {
	s, _ := FromError(err)
	return s
}

// Code returns the code of err, OK for nil and Unknown for non-status errors.
func Code(err error) codes.Code {
	return Convert(err).Code()
}

// FromContextError maps context errors onto Cancelled and DeadlineExceeded.
// Other errors become Unknown.
func FromContextError(err error) *Status {
	switch {
	case err == nil:
		return okStatus
	case errors.Is(err, context.DeadlineExceeded):
		return New(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return New(codes.Canceled, err.Error())
	}
	if st, ok := FromError(err); ok {
		return st
	}
	return New(codes.Unknown, err.Error())
}
