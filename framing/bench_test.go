// Author: momentics <momentics@gmail.com>

package framing

import (
	"bytes"
	"testing"
)

var benchHead = []byte("GET http://example.com/index.html?q=1 HTTP/1.1\r\n" +
	"Host: example.com\r\n" +
	"User-Agent: bench/1.0\r\n" +
	"Accept: */*\r\n" +
	"Accept-Encoding: gzip, deflate\r\n" +
	"Connection: keep-alive\r\n" +
	"Cookie: a=1; b=2; c=3\r\n\r\n")

// BenchmarkParseRequestHead measures head parsing of a typical proxy request.
func BenchmarkParseRequestHead(b *testing.B) {
	b.SetBytes(int64(len(benchHead)))
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, _, err := ParseRequestHead(benchHead); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkChunkDecode measures chunk stripping of a 64 KiB body framed in
// 4 KiB chunks.
func BenchmarkChunkDecode(b *testing.B) {
	payload := bytes.Repeat([]byte("x"), 4096)
	var framed []byte
	for i := 0; i < 16; i++ {
		framed = AppendChunk(framed, payload)
	}
	framed = append(framed, "0\r\n\r\n"...)

	b.SetBytes(int64(len(framed)))
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		var d ChunkDecoder
		in := framed
		for !d.Done() {
			n, _, err := d.Decode(in)
			if err != nil {
				b.Fatal(err)
			}
			in = in[n:]
		}
	}
}

// BenchmarkAppendChunk measures chunk framing into a reused buffer.
func BenchmarkAppendChunk(b *testing.B) {
	payload := bytes.Repeat([]byte("y"), 16*1024)
	dst := make([]byte, 0, len(payload)+32)
	b.SetBytes(int64(len(payload)))
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		dst = AppendChunk(dst[:0], payload)
	}
}
