// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2/hpack"
	"google.golang.org/grpc/codes"

	"github.com/luxfi/streamrpc/metadata"
	"github.com/luxfi/streamrpc/status"
)

func TestTimeoutEncoding(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "0n"},
		{-time.Second, "0n"},
		{time.Nanosecond, "1n"},
		{99999999 * time.Nanosecond, "99999999n"},
		{100000000 * time.Nanosecond, "100000u"},
		{time.Second, "1000000u"},
		{2 * time.Hour, "7200000m"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, encodeTimeout(tt.in), "encode %v", tt.in)
	}
}

func TestTimeoutDecoding(t *testing.T) {
	d, err := decodeTimeout("150m")
	require.NoError(t, err)
	assert.Equal(t, 150*time.Millisecond, d)

	d, err = decodeTimeout("3S")
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, d)

	_, err = decodeTimeout("")
	assert.ErrorIs(t, err, errNoTimeout)

	for _, bad := range []string{"10x", "m", "-1S", "123456789n"} {
		_, err := decodeTimeout(bad)
		assert.Error(t, err, bad)
	}
}

func TestContentSubtype(t *testing.T) {
	tests := []struct {
		ct      string
		subtype string
		ok      bool
	}{
		{"application/grpc", "proto", true},
		{"application/grpc+json", "json", true},
		{"Application/GRPC+Raw; charset=utf-8", "raw", true},
		{"application/json", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		subtype, ok := contentSubtype(tt.ct)
		assert.Equal(t, tt.ok, ok, tt.ct)
		assert.Equal(t, tt.subtype, subtype, tt.ct)
	}
	assert.Equal(t, "application/grpc", contentType(""))
	assert.Equal(t, "application/grpc", contentType("proto"))
	assert.Equal(t, "application/grpc+json", contentType("json"))
}

func TestMetadataHeaders(t *testing.T) {
	md := metadata.New(
		"x-user", "alice",
		"trace-bin", "\x00\x01\x02",
		"content-type", "text/plain",
		"grpc-status", "5",
	)
	fields := appendMetadata(nil, md)
	require.Len(t, fields, 2)
	assert.Equal(t, hpack.HeaderField{Name: "x-user", Value: "alice"}, fields[0])
	assert.Equal(t, "trace-bin", fields[1].Name)
	assert.NotEqual(t, "\x00\x01\x02", fields[1].Value)

	d, err := decodeFields(fields)
	require.NoError(t, err)
	v, _ := d.md.First("trace-bin")
	assert.Equal(t, "\x00\x01\x02", v)
}

func TestDecodeMalformedBinary(t *testing.T) {
	_, err := decodeFields([]hpack.HeaderField{{Name: "x-bin", Value: "!!!"}})
	assert.Error(t, err)
}

func TestTrailerRoundTrip(t *testing.T) {
	st := status.New(codes.NotFound, "no such key: 100%")
	fields := trailerFields(st, metadata.New("x-extra", "1"))

	d, err := decodeFields(fields)
	require.NoError(t, err)
	got := d.trailerStatus()
	assert.Equal(t, codes.NotFound, got.Code())
	assert.Equal(t, "no such key: 100%", got.Message())
	v, _ := d.md.First("x-extra")
	assert.Equal(t, "1", v)
}

func TestMissingStatusIsUnknown(t *testing.T) {
	d, err := decodeFields([]hpack.HeaderField{{Name: "x-extra", Value: "1"}})
	require.NoError(t, err)
	assert.Equal(t, codes.Unknown, d.trailerStatus().Code())
}

func TestHTTPStatusMapping(t *testing.T) {
	assert.Equal(t, codes.Unimplemented, httpStatusCode(404))
	assert.Equal(t, codes.Unavailable, httpStatusCode(503))
	assert.Equal(t, codes.Unknown, httpStatusCode(418))
}
