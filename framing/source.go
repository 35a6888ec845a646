// Author: momentics <momentics@gmail.com>

package framing

import (
	"bytes"
	"fmt"
)

// BodySource strips the transfer framing of an incoming body.
type BodySource interface {
	// Decode consumes framed bytes from in and returns the body bytes they
	// carried as a subslice of in, at most one segment per call.
	Decode(in []byte) (n int, body []byte, err error)
	// EOF tells the source the stream ended. It returns nil when EOF is a
	// legitimate end of the body.
	EOF() error
	// Done reports whether the whole body was consumed.
	Done() bool
	// Transferred returns the number of body bytes decoded so far.
	Transferred() int64
	// ChangesContentSize reports that the forwarded body may differ in
	// length from what the head declares.
	ChangesContentSize() bool
}

// NewSource picks the source matching f.
func NewSource(f Framing) BodySource {
	switch {
	case f.NoBody:
		return NewContentLengthSource(0)
	case f.Chunked:
		return &ChunkedSource{}
	case f.Length >= 0:
		return NewContentLengthSource(f.Length)
	case f.Boundary != "":
		return NewMultipartSource(f.Boundary)
	}
	return NewContentLengthSource(-1)
}

// ContentLengthSource passes through exactly the declared number of bytes,
// or everything up to EOF when the length is unknown.
type ContentLengthSource struct {
	declared    int64
	remaining   int64
	transferred int64
	eof         bool
}

// NewContentLengthSource creates a source for n bytes; n < 0 reads to EOF.
func NewContentLengthSource(n int64) *ContentLengthSource {
	return &ContentLengthSource{declared: n, remaining: n}
}

func (s *ContentLengthSource) Decode(in []byte) (int, []byte, error) {
	if s.Done() || len(in) == 0 {
		return 0, nil, nil
	}
	k := int64(len(in))
	if s.declared >= 0 && k > s.remaining {
		k = s.remaining
	}
	if s.declared >= 0 {
		s.remaining -= k
	}
	s.transferred += k
	return int(k), in[:k], nil
}

func (s *ContentLengthSource) EOF() error {
	s.eof = true
	if s.declared >= 0 && s.remaining > 0 {
		return fmt.Errorf("%w: got %d of %d bytes", ErrPartialContent, s.transferred, s.declared)
	}
	return nil
}

func (s *ContentLengthSource) Done() bool {
	if s.declared < 0 {
		return s.eof
	}
	return s.remaining == 0
}

func (s *ContentLengthSource) Transferred() int64 { return s.transferred }

func (s *ContentLengthSource) ChangesContentSize() bool { return false }


// ChunkedSource decodes a chunked body.
type ChunkedSource struct {
	dec         ChunkDecoder
	transferred int64
}

func (s *ChunkedSource) Decode(in []byte) (int, []byte, error) {
	n, data, err := s.dec.Decode(in)
	s.transferred += int64(len(data))
	return n, data, err
}

func (s *ChunkedSource) EOF() error {
	if s.dec.Done() {
		return nil
	}
	return fmt.Errorf("%w: chunked body cut after %d bytes", ErrPartialContent, s.transferred)
}

func (s *ChunkedSource) Done() bool { return s.dec.Done() }

func (s *ChunkedSource) Transferred() int64 { return s.transferred }

func (s *ChunkedSource) ChangesContentSize() bool { return false }

// MultipartSource passes a multipart/byteranges body through and detects its
// end by the closing delimiter. Anything after the delimiter line is not
// part of the body.
type MultipartSource struct {
	delim       []byte
	seen        []byte // tail of already passed bytes that may start the delimiter
	matched     bool
	crlf        int
	done        bool
	transferred int64
}

// NewMultipartSource creates a source for boundary.
func NewMultipartSource(boundary string) *MultipartSource {
	return &MultipartSource{delim: []byte("--" + boundary + "--")}
}

func (s *MultipartSource) Decode(in []byte) (int, []byte, error) {
	if s.done || len(in) == 0 {
		return 0, nil, nil
	}
	if s.matched {
		// Swallow the CRLF after the closing delimiter when present.
		n := 0
		for n < len(in) && s.crlf < 2 && (in[n] == '\r' || in[n] == '\n') {
			n++
			s.crlf++
			if in[n-1] == '\n' {
				s.crlf = 2
			}
		}
		s.done = true
		s.transferred += int64(n)
		return n, in[:n], nil
	}
	// Search the delimiter across the boundary of the previous read.
	window := append(append([]byte(nil), s.seen...), in...)
	if i := bytes.Index(window, s.delim); i >= 0 {
		end := i + len(s.delim) - len(s.seen)
		s.matched = true
		s.seen = nil
		// Do not wait for a CRLF that has not arrived yet.
		s.done = end == len(in)
		s.transferred += int64(end)
		return end, in[:end], nil
	}
	keep := len(s.delim) - 1
	if len(window) < keep {
		keep = len(window)
	}
	s.seen = append(s.seen[:0], window[len(window)-keep:]...)
	s.transferred += int64(len(in))
	return len(in), in, nil
}

func (s *MultipartSource) EOF() error {
	if s.matched {
		s.done = true
		return nil
	}
	return fmt.Errorf("%w: multipart body cut before closing boundary", ErrPartialContent)
}

func (s *MultipartSource) Done() bool { return s.done }

func (s *MultipartSource) Transferred() int64 { return s.transferred }

// ChangesContentSize is true: the epilogue after the closing delimiter is
// dropped, so a declared length cannot be trusted downstream.
func (s *MultipartSource) ChangesContentSize() bool { return true }
