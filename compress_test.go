// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpc

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompressors(t *testing.T) {
	payload := bytes.Repeat([]byte("streamrpc "), 1000)
	for _, name := range []string{"gzip", Snappy} {
		t.Run(name, func(t *testing.T) {
			c, err := compressorFor(name)
			require.NoError(t, err)
			require.Equal(t, name, c.Name())

			packed, err := compress(c, payload)
			require.NoError(t, err)
			require.Less(t, len(packed), len(payload))

			out, err := decompress(c, packed, len(payload))
			require.NoError(t, err)
			require.Equal(t, payload, out)

			out, err = decompress(c, packed, -1)
			require.NoError(t, err)
			require.Equal(t, payload, out)

			_, err = decompress(c, packed, len(payload)-1)
			require.ErrorIs(t, err, errMessageTooLarge)
		})
	}
}

func TestCompressorFor(t *testing.T) {
	for _, name := range []string{"", "identity"} {
		c, err := compressorFor(name)
		require.NoError(t, err)
		require.Nil(t, c)
	}
	_, err := compressorFor("brotli")
	require.ErrorContains(t, err, `"brotli" is not registered`)

	require.Equal(t, []string{"gzip", Snappy}, knownCompressors())
}
