// Author: momentics <momentics@gmail.com>

package framing

import "github.com/momentics/hioload-proxy/pool"

// BodySink frames outgoing body bytes.
type BodySink interface {
	// Write appends body to out with framing.
	Write(out *pool.Handle, body []byte)
	// Finish appends whatever ends the body.
	Finish(out *pool.Handle)
}

// IdentitySink passes bytes through unchanged.
type IdentitySink struct{}

func (IdentitySink) Write(out *pool.Handle, body []byte) { out.Append(body) }
func (IdentitySink) Finish(*pool.Handle)                 {}

// ChunkedSink frames each block as one chunk and ends with the zero chunk.
type ChunkedSink struct {
	scratch []byte
}

func (s *ChunkedSink) Write(out *pool.Handle, body []byte) {
	s.scratch = AppendChunk(s.scratch[:0], body)
	out.Append(s.scratch)
}

func (s *ChunkedSink) Finish(out *pool.Handle) {
	out.Append([]byte(ChunkTerminator))
}
