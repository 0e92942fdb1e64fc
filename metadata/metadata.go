// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package metadata defines the header and trailer key/value collection that
// accompanies every call.
//
// An MD is an insertion-ordered multimap. Keys are ASCII and compared case
// insensitively; they are stored lower-cased. Keys ending in BinarySuffix
// carry opaque byte values (base64 encoded on the wire), all other values
// are text.
package metadata

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"unicode/utf8"
)

// BinarySuffix marks a key whose values are opaque bytes.
const BinarySuffix = "-bin"

type entry struct {
	key   string
	value string
}

// MD is an ordered collection of metadata entries. The zero value is an
// empty, usable MD. MD values are not safe for concurrent mutation.
type MD struct {
	entries []entry
}

// New returns an MD built from alternating key/value pairs. It panics if
// given an odd number of arguments.
func New(kv ...string) MD {
	if len(kv)%2 == 1 {
		panic(fmt.Sprintf("metadata: New got an odd number of arguments: %d", len(kv)))
	}
	var md MD
	for i := 0; i < len(kv); i += 2 {
		md.Append(kv[i], kv[i+1])
	}
	return md
}

// FromMap returns an MD holding the contents of m. Map iteration order is
// not defined, so the resulting order is only stable per key.
func FromMap(m map[string][]string) MD {
	var md MD
	for k, vs := range m {
		md.Append(k, vs...)
	}
	return md
}

// Len returns the number of entries (not keys).
func (md MD) Len() int {
	return len(md.entries)
}

// Get returns all values for key in insertion order.
func (md MD) Get(key string) []string {
	key = strings.ToLower(key)
	var vals []string
	for _, e := range md.entries {
		if e.key == key {
			vals = append(vals, e.value)
		}
	}
	return vals
}

// First returns the first value for key and whether one existed.
func (md MD) First(key string) (string, bool) {
	key = strings.ToLower(key)
	for _, e := range md.entries {
		if e.key == key {
			return e.value, true
		}
	}
	return "", false
}

// Append adds values for key after any existing ones.
func (md *MD) Append(key string, vals ...string) {
	key = strings.ToLower(key)
	for _, v := range vals {
		md.entries = append(md.entries, entry{key: key, value: v})
	}
}

// Set replaces all values of key. The first existing position of key is
// kept; if the key is new it goes to the end.
func (md *MD) Set(key string, vals ...string) {
	key = strings.ToLower(key)
	pos := -1
	kept := md.entries[:0:0]
	for _, e := range md.entries {
		if e.key == key {
			if pos < 0 {
				pos = len(kept)
			}
			continue
		}
		kept = append(kept, e)
	}
	if pos < 0 {
		pos = len(kept)
	}
	fresh := make([]entry, 0, len(kept)+len(vals))
	fresh = append(fresh, kept[:pos]...)
	for _, v := range vals {
		fresh = append(fresh, entry{key: key, value: v})
	}
	fresh = append(fresh, kept[pos:]...)
	md.entries = fresh
}

// Delete removes every value of key.
func (md *MD) Delete(key string) {
	key = strings.ToLower(key)
	var kept []entry
	for _, e := range md.entries {
		if e.key != key {
			kept = append(kept, e)
		}
	}
	md.entries = kept
}

// Keys returns the distinct keys in first-insertion order.
func (md MD) Keys() []string {
	seen := make(map[string]struct{}, len(md.entries))
	var keys []string
	for _, e := range md.entries {
		if _, ok := seen[e.key]; ok {
			continue
		}
		seen[e.key] = struct{}{}
		keys = append(keys, e.key)
	}
	return keys
}

// Range calls f for every entry in order until f returns false.
func (md MD) Range(f func(key, value string) bool) {
	for _, e := range md.entries {
		if !f(e.key, e.value) {
			return
		}
	}
}

// Copy returns a deep copy of md.
func (md MD) Copy() MD {
	if len(md.entries) == 0 {
		return MD{}
	}
	return MD{entries: append([]entry(nil), md.entries...)}
}

// Join returns a new MD with the entries of all mds, in argument order.
func Join(mds ...MD) MD {
	var out MD
	for _, md := range mds {
		out.entries = append(out.entries, md.entries...)
	}
	return out
}

// Map returns the contents of md as a map, losing cross-key ordering.
func (md MD) Map() map[string][]string {
	m := make(map[string][]string, len(md.entries))
	for _, e := range md.entries {
		m[e.key] = append(m[e.key], e.value)
	}
	return m
}

func (md MD) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, e := range md.entries {
		if i > 0 {
			b.WriteString(", ")
		}
		v := e.value
		if IsBinaryKey(e.key) {
			v = EncodeBinary(v)
		}
		fmt.Fprintf(&b, "%s=%q", e.key, v)
	}
	b.WriteByte('}')
	return b.String()
}

// Validate reports the first entry that cannot be transmitted.
func (md MD) Validate() error {
	for _, e := range md.entries {
		if err := ValidateKey(e.key); err != nil {
			return err
		}
		if IsBinaryKey(e.key) {
			continue
		}
		if err := validateText(e.value); err != nil {
			return fmt.Errorf("metadata: value of %q: %w", e.key, err)
		}
	}
	return nil
}

// ValidateKey checks that key is a legal metadata key: non-empty, not a
// pseudo header and made of lower-case ASCII letters, digits, '-', '_' or '.'.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("metadata: empty key")
	}
	if key[0] == ':' {
		return fmt.Errorf("metadata: pseudo header %q is reserved", key)
	}
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
		case c >= 'A' && c <= 'Z':
		default:
			return fmt.Errorf("metadata: key %q contains illegal character %q", key, c)
		}
	}
	return nil
}

func validateText(v string) error {
	if !utf8.ValidString(v) {
		return fmt.Errorf("not valid UTF-8")
	}
	for i := 0; i < len(v); i++ {
		if c := v[i]; c < ' ' && c != '\t' || c == 0x7f {
			return fmt.Errorf("control character %#x", c)
		}
	}
	return nil
}

// IsBinaryKey reports whether values under key are opaque bytes.
func IsBinaryKey(key string) bool {
	return strings.HasSuffix(strings.ToLower(key), BinarySuffix)
}

// EncodeBinary encodes a binary value for the wire (unpadded base64).
func EncodeBinary(v string) string {
	return base64.RawStdEncoding.EncodeToString([]byte(v))
}

// DecodeBinary decodes a binary wire value. Padded and unpadded input are
// both accepted.
func DecodeBinary(v string) (string, error) {
	if len(v)%4 == 0 {
		b, err := base64.StdEncoding.DecodeString(v)
		if err == nil {
			return string(b), nil
		}
	}
	b, err := base64.RawStdEncoding.DecodeString(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

type outgoingKey struct{}
type incomingKey struct{}

// NewOutgoingContext attaches md to ctx for calls made with ctx.
func NewOutgoingContext(ctx context.Context, md MD) context.Context {
	return context.WithValue(ctx, outgoingKey{}, md)
}

// AppendToOutgoingContext adds key/value pairs to the outgoing metadata of
// ctx, keeping what is already there.
func AppendToOutgoingContext(ctx context.Context, kv ...string) context.Context {
	md, _ := FromOutgoingContext(ctx)
	return NewOutgoingContext(ctx, Join(md, New(kv...)))
}

// FromOutgoingContext returns a copy of the outgoing metadata of ctx.
func FromOutgoingContext(ctx context.Context) (MD, bool) {
	md, ok := ctx.Value(outgoingKey{}).(MD)
	if !ok {
		return MD{}, false
	}
	return md.Copy(), true
}

// NewIncomingContext attaches the metadata received from the peer to ctx.
func NewIncomingContext(ctx context.Context, md MD) context.Context {
	return context.WithValue(ctx, incomingKey{}, md)
}

// FromIncomingContext returns a copy of the metadata received with the call.
func FromIncomingContext(ctx context.Context) (MD, bool) {
	md, ok := ctx.Value(incomingKey{}).(MD)
	if !ok {
		return MD{}, false
	}
	return md.Copy(), true
}
