// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/http2/hpack"
	"google.golang.org/grpc/codes"

	"github.com/luxfi/streamrpc/metadata"
	"github.com/luxfi/streamrpc/status"
)

const (
	headerContentType    = "content-type"
	headerTE             = "te"
	headerUserAgent      = "user-agent"
	headerTimeout        = "grpc-timeout"
	headerEncoding       = "grpc-encoding"
	headerAcceptEncoding = "grpc-accept-encoding"

	contentTypeBase   = "application/grpc"
	contentTypePrefix = contentTypeBase + "+"

	timeoutMaxHours = math.MaxInt64 / int64(time.Hour)
	timeoutMaxChars = 8
)

var (
	timeoutUnits = []struct {
		size time.Duration
		char byte
	}{
		{time.Nanosecond, 'n'},
		{time.Microsecond, 'u'},
		{time.Millisecond, 'm'},
		{time.Second, 'S'},
		{time.Minute, 'M'},
		{time.Hour, 'H'},
	}
	timeoutUnitLookup = make(map[byte]time.Duration)

	errNoTimeout = errors.New("no timeout")
)

func init() {
	for _, pair := range timeoutUnits {
		timeoutUnitLookup[pair.char] = pair.size
	}
}

// encodeTimeout renders d in the grpc-timeout format: at most 8 digits and
// a unit character.
func encodeTimeout(d time.Duration) string {
	if d <= 0 {
		return "0n"
	}
	for _, pair := range timeoutUnits {
		digits := strconv.FormatInt(int64(d/pair.size), 10)
		if len(digits) <= timeoutMaxChars {
			return digits + string(pair.char)
		}
	}
	// Unreachable: math.MaxInt64 nanoseconds fits in 8 digits of hours.
	return "99999999H"
}

func decodeTimeout(v string) (time.Duration, error) {
	if v == "" {
		return 0, errNoTimeout
	}
	unit, ok := timeoutUnitLookup[v[len(v)-1]]
	if !ok {
		return 0, fmt.Errorf("timeout %q has invalid unit", v)
	}
	num, err := strconv.ParseInt(v[:len(v)-1], 10, 64)
	if err != nil || num < 0 {
		return 0, fmt.Errorf("invalid timeout %q", v)
	}
	if num > 99999999 {
		return 0, fmt.Errorf("timeout %q is too long", v)
	}
	if unit == time.Hour && num > timeoutMaxHours {
		return 0, errNoTimeout
	}
	return time.Duration(num) * unit, nil
}

func contentType(subtype string) string {
	if subtype == "" || subtype == "proto" {
		return contentTypeBase
	}
	return contentTypePrefix + subtype
}

// contentSubtype extracts the codec name from a content-type. ok is false
// for content types that are not gRPC at all.
func contentSubtype(ct string) (string, bool) {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	ct = strings.TrimSpace(strings.ToLower(ct))
	switch {
	case ct == contentTypeBase:
		return "proto", true
	case strings.HasPrefix(ct, contentTypePrefix):
		return ct[len(contentTypePrefix):], true
	}
	return "", false
}

// reservedHeader reports keys that the transport owns and strips from the
// application metadata.
func reservedHeader(key string) bool {
	switch key {
	case headerContentType, headerTE, headerTimeout, headerEncoding, headerAcceptEncoding,
		"connection", "keep-alive", "proxy-connection", "transfer-encoding", "upgrade":
		return true
	}
	return status.IsReservedKey(key)
}

func appendMetadata(fields []hpack.HeaderField, md metadata.MD) []hpack.HeaderField {
	md.Range(func(k, v string) bool {
		if reservedHeader(k) || strings.HasPrefix(k, ":") {
			return true
		}
		if metadata.IsBinaryKey(k) {
			v = metadata.EncodeBinary(v)
		}
		fields = append(fields, hpack.HeaderField{Name: k, Value: v})
		return true
	})
	return fields
}

func (t *Conn) requestFields(h *StreamHeader, now time.Time) []hpack.HeaderField {
	scheme := "http"
	if t.cfg.Secure {
		scheme = "https"
	}
	authority := h.Authority
	if authority == "" {
		authority = t.cfg.Authority
	}
	path := h.Method
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	fields := []hpack.HeaderField{
		{Name: ":method", Value: http.MethodPost},
		{Name: ":scheme", Value: scheme},
		{Name: ":path", Value: path},
		{Name: ":authority", Value: authority},
		{Name: headerContentType, Value: contentType(h.ContentSubtype)},
		{Name: headerTE, Value: "trailers"},
	}
	if t.cfg.UserAgent != "" {
		fields = append(fields, hpack.HeaderField{Name: headerUserAgent, Value: t.cfg.UserAgent})
	}
	if !h.Deadline.IsZero() {
		fields = append(fields, hpack.HeaderField{Name: headerTimeout, Value: encodeTimeout(h.Deadline.Sub(now))})
	}
	if h.Encoding != "" && h.Encoding != "identity" {
		fields = append(fields, hpack.HeaderField{Name: headerEncoding, Value: h.Encoding})
	}
	if len(h.AcceptEncoding) > 0 {
		fields = append(fields, hpack.HeaderField{Name: headerAcceptEncoding, Value: strings.Join(h.AcceptEncoding, ",")})
	}
	md := h.Metadata
	md.Delete(headerUserAgent)
	return appendMetadata(fields, md)
}

func responseFields(subtype, encoding string, md metadata.MD) []hpack.HeaderField {
	fields := []hpack.HeaderField{
		{Name: ":status", Value: "200"},
		{Name: headerContentType, Value: contentType(subtype)},
	}
	if encoding != "" && encoding != "identity" {
		fields = append(fields, hpack.HeaderField{Name: headerEncoding, Value: encoding})
	}
	return appendMetadata(fields, md)
}

func trailerFields(st *status.Status, md metadata.MD) []hpack.HeaderField {
	var trailer metadata.MD
	status.AppendTrailer(&trailer, st)
	var fields []hpack.HeaderField
	trailer.Range(func(k, v string) bool {
		if metadata.IsBinaryKey(k) {
			v = metadata.EncodeBinary(v)
		}
		fields = append(fields, hpack.HeaderField{Name: k, Value: v})
		return true
	})
	return appendMetadata(fields, md)
}

// decodedHeaders is a parsed header block.
type decodedHeaders struct {
	pseudo   map[string]string
	md       metadata.MD
	reserved map[string]string
}

// decodeFields splits fields into pseudo headers, transport headers and
// application metadata, decoding binary values.
func decodeFields(fields []hpack.HeaderField) (*decodedHeaders, error) {
	d := &decodedHeaders{
		pseudo:   make(map[string]string),
		reserved: make(map[string]string),
	}
	for _, f := range fields {
		name := strings.ToLower(f.Name)
		switch {
		case strings.HasPrefix(name, ":"):
			d.pseudo[name[1:]] = f.Value
		case reservedHeader(name):
			v := f.Value
			if metadata.IsBinaryKey(name) {
				dec, err := metadata.DecodeBinary(v)
				if err != nil {
					return nil, fmt.Errorf("malformed binary header %q: %w", name, err)
				}
				v = dec
			}
			d.reserved[name] = v
		default:
			v := f.Value
			if metadata.IsBinaryKey(name) {
				dec, err := metadata.DecodeBinary(v)
				if err != nil {
					return nil, fmt.Errorf("malformed binary header %q: %w", name, err)
				}
				v = dec
			}
			d.md.Append(name, v)
		}
	}
	return d, nil
}

// trailerStatus returns the status carried by a trailer block.
func (d *decodedHeaders) trailerStatus() *status.Status {
	var md metadata.MD
	for _, k := range []string{status.KeyCode, status.KeyMessage, status.KeyDetails} {
		if v, ok := d.reserved[k]; ok {
			md.Set(k, v)
		}
	}
	return status.FromTrailer(md)
}

// httpStatusCode maps a non-200 HTTP status onto a call status.
func httpStatusCode(httpCode int) codes.Code {
	switch httpCode {
	case http.StatusBadRequest:
		return codes.Internal
	case http.StatusUnauthorized:
		return codes.Unauthenticated
	case http.StatusForbidden:
		return codes.PermissionDenied
	case http.StatusNotFound:
		return codes.Unimplemented
	case http.StatusTooManyRequests, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return codes.Unavailable
	}
	return codes.Unknown
}
