// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package status

import (
	"fmt"
	"strconv"
	"strings"

	"google.golang.org/grpc/codes"

	"github.com/luxfi/streamrpc/metadata"
)

// Reserved trailer keys.
const (
	KeyCode    = "grpc-status"
	KeyMessage = "grpc-message"
	KeyDetails = "grpc-status-details-bin"
)

// IsReservedKey reports whether key belongs to status transmission.
func IsReservedKey(key string) bool {
	switch strings.ToLower(key) {
	case KeyCode, KeyMessage, KeyDetails:
		return true
	}
	return false
}

// AppendTrailer writes s into md under the reserved keys. Binary details are
// stored raw; the transport base64-encodes "-bin" values.
func AppendTrailer(md *metadata.MD, s *Status) {
	md.Set(KeyCode, strconv.Itoa(int(s.Code())))
	if msg := s.Message(); msg != "" {
		md.Set(KeyMessage, EncodeMessage(msg))
	}
	if d := s.Details(); len(d) > 0 {
		md.Set(KeyDetails, string(d))
	}
}

// FromTrailer extracts the status carried in trailing metadata. A missing
// or out-of-range code is Unknown; an unparsable one is Internal.
func FromTrailer(md metadata.MD) *Status {
	raw, ok := md.First(KeyCode)
	if !ok {
		return New(codes.Unknown, "server closed the stream without sending a status")
	}
	n, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return Newf(codes.Internal, "malformed %s %q", KeyCode, raw)
	}
	msg, _ := md.First(KeyMessage)
	s := New(knownCode(uint32(n)), DecodeMessage(msg))
	if d, ok := md.First(KeyDetails); ok && d != "" {
		s.details = []byte(d)
	}
	return s
}

// knownCode maps wire codes outside the defined set to Unknown.
func knownCode(n uint32) codes.Code {
	if n > uint32(codes.Unauthenticated) {
		return codes.Unknown
	}
	return codes.Code(n)
}

// EncodeMessage percent-encodes bytes outside printable ASCII and '%'.
func EncodeMessage(msg string) string {
	for i := 0; i < len(msg); i++ {
		if c := msg[i]; c < ' ' || c > '~' || c == '%' {
			return encodeMessageSlow(msg, i)
		}
	}
	return msg
}

func encodeMessageSlow(msg string, offset int) string {
	var b strings.Builder
	b.Grow(len(msg) + 8)
	b.WriteString(msg[:offset])
	for i := offset; i < len(msg); i++ {
		c := msg[i]
		if c < ' ' || c > '~' || c == '%' {
			fmt.Fprintf(&b, "%%%02X", c)
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// DecodeMessage reverses EncodeMessage. Malformed escapes are kept verbatim.
func DecodeMessage(enc string) string {
	if !strings.Contains(enc, "%") {
		return enc
	}
	var b strings.Builder
	b.Grow(len(enc))
	for i := 0; i < len(enc); i++ {
		if enc[i] == '%' && i+2 < len(enc) {
			if v, err := strconv.ParseUint(enc[i+1:i+3], 16, 8); err == nil {
				b.WriteByte(byte(v))
				i += 2
				continue
			}
		}
		b.WriteByte(enc[i])
	}
	return b.String()
}
