// Author: momentics <momentics@gmail.com>

package framing

import (
	"strconv"
)

// ChunkTerminator ends a chunked body. Trailers are never sent.
const ChunkTerminator = "0\r\n\r\n"

const maxChunkLine = 4096

type chunkState uint8

const (
	chunkSize chunkState = iota
	chunkExt
	chunkSizeLF
	chunkData
	chunkDataCR
	chunkDataLF
	chunkTrailerStart
	chunkTrailerLine
	chunkTrailerLF
	chunkDone
)

// ChunkDecoder strips chunk framing from a byte stream. Input may be split
// at any position.
type ChunkDecoder struct {
	state     chunkState
	size      int64
	digits    int
	lineLen   int
	remaining int64
}

// Done reports whether the terminating chunk and trailers were consumed.
func (d *ChunkDecoder) Done() bool { return d.state == chunkDone }

// Decode consumes framing from in. It returns the number of bytes consumed
// and, when the consumed range covers chunk data, that data as a subslice of
// in. At most one data segment is returned per call; callers loop.
func (d *ChunkDecoder) Decode(in []byte) (n int, data []byte, err error) {
	for n < len(in) && d.state != chunkDone {
		c := in[n]
		switch d.state {
		case chunkSize:
			switch {
			case isHex(c):
				if d.digits >= 15 {
					return n, nil, ErrMalformedChunk
				}
				d.size = d.size<<4 | int64(unhex(c))
				d.digits++
			case c == ';' || c == ' ' || c == '\t':
				if d.digits == 0 {
					return n, nil, ErrMalformedChunk
				}
				d.state = chunkExt
			case c == '\r':
				d.state = chunkSizeLF
			case c == '\n':
				if err := d.endSizeLine(); err != nil {
					return n, nil, err
				}
			default:
				return n, nil, ErrMalformedChunk
			}
			n++
		case chunkExt:
			d.lineLen++
			if d.lineLen > maxChunkLine {
				return n, nil, ErrMalformedChunk
			}
			if c == '\n' {
				if err := d.endSizeLine(); err != nil {
					return n, nil, err
				}
			}
			n++
		case chunkSizeLF:
			if c != '\n' {
				return n, nil, ErrMalformedChunk
			}
			if err := d.endSizeLine(); err != nil {
				return n, nil, err
			}
			n++
		case chunkData:
			if n > 0 {
				// Hand framing consumed so far back first; data is
				// returned from the start of the next call.
				return n, nil, nil
			}
			k := int64(len(in))
			if k > d.remaining {
				k = d.remaining
			}
			d.remaining -= k
			if d.remaining == 0 {
				d.state = chunkDataCR
			}
			return int(k), in[:k], nil
		case chunkDataCR:
			switch c {
			case '\r':
				d.state = chunkDataLF
			case '\n':
				d.state = chunkSize
			default:
				return n, nil, ErrMalformedChunk
			}
			n++
		case chunkDataLF:
			if c != '\n' {
				return n, nil, ErrMalformedChunk
			}
			d.state = chunkSize
			n++
		case chunkTrailerStart:
			switch c {
			case '\r':
				d.state = chunkTrailerLF
			case '\n':
				d.state = chunkDone
			default:
				d.lineLen = 1
				d.state = chunkTrailerLine
			}
			n++
		case chunkTrailerLine:
			d.lineLen++
			if d.lineLen > maxChunkLine {
				return n, nil, ErrMalformedChunk
			}
			if c == '\n' {
				d.state = chunkTrailerStart
			}
			n++
		case chunkTrailerLF:
			if c != '\n' {
				return n, nil, ErrMalformedChunk
			}
			d.state = chunkDone
			n++
		}
	}
	return n, nil, nil
}

func (d *ChunkDecoder) endSizeLine() error {
	if d.digits == 0 {
		return ErrMalformedChunk
	}
	size := d.size
	d.size, d.digits, d.lineLen = 0, 0, 0
	if size == 0 {
		d.state = chunkTrailerStart
		return nil
	}
	d.remaining = size
	d.state = chunkData
	return nil
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	}
	return c - 'A' + 10
}

// AppendChunk frames data as one chunk. Empty data appends nothing, since a
// zero-size chunk would end the body.
func AppendChunk(dst, data []byte) []byte {
	if len(data) == 0 {
		return dst
	}
	dst = strconv.AppendInt(dst, int64(len(data)), 16)
	dst = append(dst, "\r\n"...)
	dst = append(dst, data...)
	return append(dst, "\r\n"...)
}
