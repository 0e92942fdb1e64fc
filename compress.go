// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpc

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/golang/snappy"
	"google.golang.org/grpc/encoding"
	_ "google.golang.org/grpc/encoding/gzip" // registers "gzip"
)

// Snappy is the name of the snappy compressor.
const Snappy = "snappy"

var errMessageTooLarge = errors.New("decompressed message larger than limit")

func init() {
	encoding.RegisterCompressor(snappyCompressor{})
}

// snappyCompressor uses the snappy framing format so it can stream.
type snappyCompressor struct{}

func (snappyCompressor) Name() string { return Snappy }

func (snappyCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	return snappy.NewBufferedWriter(w), nil
}

func (snappyCompressor) Decompress(r io.Reader) (io.Reader, error) {
	return snappy.NewReader(r), nil
}

// compressorFor looks up a compressor; the empty name and "identity" mean
// no compression.
func compressorFor(name string) (encoding.Compressor, error) {
	if name == "" || name == "identity" {
		return nil, nil
	}
	c := encoding.GetCompressor(name)
	if c == nil {
		return nil, fmt.Errorf("compressor %q is not registered", name)
	}
	return c, nil
}

// knownCompressors lists the compressors this process can decode, for
// grpc-accept-encoding.
func knownCompressors() []string {
	var names []string
	for _, n := range []string{"gzip", Snappy} {
		if encoding.GetCompressor(n) != nil {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}

func compress(c encoding.Compressor, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := c.Compress(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decompress inflates data. A negative limit disables the size check.
func decompress(c encoding.Compressor, data []byte, limit int) ([]byte, error) {
	r, err := c.Decompress(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if limit < 0 {
		return io.ReadAll(r)
	}
	out, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return nil, err
	}
	if len(out) > limit {
		return nil, errMessageTooLarge
	}
	return out, nil
}
