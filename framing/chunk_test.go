// Author: momentics <momentics@gmail.com>

package framing

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-proxy/pool"
)

// decodeAll feeds framed to a ChunkedSource in pieces of the given sizes.
func decodeAll(t *testing.T, framed []byte, pieces []int) []byte {
	t.Helper()
	src := &ChunkedSource{}
	var out, pending []byte
	for len(framed) > 0 || len(pending) > 0 {
		if len(framed) > 0 {
			k := pieces[0]
			pieces = append(pieces[1:], pieces[0])
			if k > len(framed) {
				k = len(framed)
			}
			pending = append(pending, framed[:k]...)
			framed = framed[k:]
		}
		for len(pending) > 0 && !src.Done() {
			n, data, err := src.Decode(pending)
			require.NoError(t, err)
			out = append(out, data...)
			if n == 0 {
				break
			}
			pending = pending[n:]
		}
		if src.Done() {
			break
		}
	}
	require.True(t, src.Done())
	require.NoError(t, src.EOF())
	assert.EqualValues(t, len(out), src.Transferred())
	return out
}

func TestChunkRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	payload := make([]byte, 70000)
	rng.Read(payload)

	// Block sizes include empty blocks between data blocks.
	sizes := []int{0, 1, 0, 0, 17, 4096, 0, 65536, 3, 0}
	bp := pool.NewBufferPool(8)
	out := pool.NewHandle(bp)
	sink := &ChunkedSink{}
	rest := payload
	for i := 0; len(rest) > 0; i++ {
		k := sizes[i%len(sizes)]
		if k > len(rest) {
			k = len(rest)
		}
		sink.Write(out, rest[:k])
		rest = rest[k:]
	}
	sink.Finish(out)
	framed := append([]byte(nil), out.Bytes()...)
	require.True(t, bytes.HasSuffix(framed, []byte("\r\n0\r\n\r\n")))

	for _, pieces := range [][]int{{1}, {2, 3, 5}, {4096}, {len(framed)}} {
		assert.Equal(t, payload, decodeAll(t, framed, pieces))
	}
}

func TestChunkDecoderExtensionsAndTrailers(t *testing.T) {
	framed := []byte("5;name=value\r\nhello\r\n6\r\n world\r\n0\r\nX-Sum: 1\r\n\r\nNEXT")
	src := &ChunkedSource{}
	var out []byte
	in := framed
	for !src.Done() {
		n, data, err := src.Decode(in)
		require.NoError(t, err)
		out = append(out, data...)
		in = in[n:]
	}
	assert.Equal(t, "hello world", string(out))
	assert.Equal(t, "NEXT", string(in))
}

func TestChunkDecoderRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"zz\r\n", "\r\n", "5\r\nhelloXX", "5\rX"} {
		var d ChunkDecoder
		in := []byte(raw)
		var err error
		for len(in) > 0 && err == nil {
			var n int
			n, _, err = d.Decode(in)
			if n == 0 {
				break
			}
			in = in[n:]
		}
		assert.ErrorIs(t, err, ErrMalformedChunk, raw)
	}
}

func TestChunkedSourceCutShort(t *testing.T) {
	src := &ChunkedSource{}
	_, _, err := src.Decode([]byte("a\r\nhel"))
	require.NoError(t, err)
	assert.ErrorIs(t, src.EOF(), ErrPartialContent)
}

func TestAppendChunkSkipsEmpty(t *testing.T) {
	assert.Empty(t, AppendChunk(nil, nil))
	assert.Equal(t, "a\r\n0123456789\r\n", string(AppendChunk(nil, []byte("0123456789"))))

	out := pool.NewHandle(pool.NewBufferPool(2))
	sink := &ChunkedSink{}
	sink.Write(out, nil)
	assert.True(t, out.IsEmpty(), "an empty write must not end the body")
	sink.Write(out, []byte("abc"))
	sink.Finish(out)
	assert.Equal(t, "3\r\nabc\r\n0\r\n\r\n", string(out.Bytes()))
}
