// Author: momentics <momentics@gmail.com>

package framing

import (
	"io"
	"time"

	"github.com/momentics/hioload-proxy/pool"
	"github.com/momentics/hioload-proxy/reactor"
)

// Message is a parsed head with its framing. Exactly one of Request and
// Response is set.
type Message struct {
	Request  *RequestHead
	Response *ResponseHead
	Framing  Framing
}

// HeadListener receives the outcome of a HeaderReader. Body bytes read past
// the head stay in the reader's buffer.
type HeadListener interface {
	HeadRead(m *Message)
	HeadFailed(err error)
}

// HeadFuncs adapts two functions to HeadListener.
type HeadFuncs struct {
	OnRead   func(*Message)
	OnFailed func(error)
}

func (f HeadFuncs) HeadRead(m *Message)  { f.OnRead(m) }
func (f HeadFuncs) HeadFailed(err error) { f.OnFailed(err) }

// HeaderReader reads one head from a channel into a caller-owned buffer.
// A clean EOF before the first byte is reported as io.EOF.
type HeaderReader struct {
	r        Reactor
	ch       *reactor.Channel
	buf      *pool.Handle
	l        HeadListener
	response bool
	method   string
	deadline time.Time
	received int64
	done     bool
}

// NewRequestReader reads a request head.
func NewRequestReader(r Reactor, ch *reactor.Channel, buf *pool.Handle, l HeadListener) *HeaderReader {
	return &HeaderReader{r: r, ch: ch, buf: buf, l: l}
}

// NewResponseReader reads the response to a request made with method.
func NewResponseReader(r Reactor, ch *reactor.Channel, buf *pool.Handle, method string, l HeadListener) *HeaderReader {
	return &HeaderReader{r: r, ch: ch, buf: buf, l: l, response: true, method: method}
}

// Received returns the number of bytes read from the channel so far. It
// stays valid after the reader failed and released its buffer.
func (h *HeaderReader) Received() int64 { return h.received }

// Start parses what is already buffered and reads more when needed.
func (h *HeaderReader) Start() {
	for {
		if h.buf.Len() > 0 {
			m, n, err := h.parse(h.buf.Bytes())
			if err != nil {
				h.fail(err)
				return
			}
			if n > 0 {
				h.buf.Consume(n)
				h.buf.PossiblyFlush()
				h.done = true
				h.l.HeadRead(m)
				return
			}
		}
		space := h.buf.WriteSpace()
		if len(space) == 0 {
			if !h.buf.Grow() {
				h.fail(ErrHeadTooLarge)
				return
			}
			continue
		}
		n, err := h.ch.Read(space)
		if n > 0 {
			h.buf.Commit(n)
			h.received += int64(n)
			continue
		}
		if err == io.EOF {
			if h.buf.Len() == 0 {
				h.fail(io.EOF)
			} else {
				h.fail(io.ErrUnexpectedEOF)
			}
			return
		}
		if err != nil {
			h.fail(err)
			return
		}
		h.buf.PossiblyFlush()
		h.deadline = h.r.DefaultTimeout()
		h.r.WaitForRead(h.ch, h)
		return
	}
}

func (h *HeaderReader) parse(b []byte) (*Message, int, error) {
	if h.response {
		head, n, err := ParseResponseHead(b)
		if err != nil || n == 0 {
			return nil, 0, err
		}
		f, err := ClassifyResponse(head, h.method)
		if err != nil {
			return nil, 0, err
		}
		return &Message{Response: head, Framing: f}, n, nil
	}
	head, n, err := ParseRequestHead(b)
	if err != nil || n == 0 {
		return nil, 0, err
	}
	f, err := ClassifyRequest(head)
	if err != nil {
		return nil, 0, err
	}
	return &Message{Request: head, Framing: f}, n, nil
}

func (h *HeaderReader) fail(err error) {
	if h.done {
		return
	}
	h.done = true
	h.buf.Release()
	h.l.HeadFailed(err)
}

func (h *HeaderReader) Deadline() time.Time { return h.deadline }
func (h *HeaderReader) Read()               { h.Start() }
func (h *HeaderReader) Timeout()            { h.fail(timeoutError("read timeout", h.ch)) }
func (h *HeaderReader) Closed()             { h.fail(closedError(h.ch)) }
