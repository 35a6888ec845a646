// Author: momentics <momentics@gmail.com>

package framing

import (
	"time"

	"github.com/momentics/hioload-proxy/pool"
	"github.com/momentics/hioload-proxy/reactor"
)

// SendListener receives the outcome of a Sender.
type SendListener interface {
	Sent()
	SendFailed(err error)
}

// SendFuncs adapts two functions to SendListener.
type SendFuncs struct {
	OnSent   func()
	OnFailed func(error)
}

func (f SendFuncs) Sent()                { f.OnSent() }
func (f SendFuncs) SendFailed(err error) { f.OnFailed(err) }

// Sender writes the content of a buffer to a channel, waiting for
// writability while the socket is full. It owns buf until it reports.
type Sender struct {
	r        Reactor
	ch       *reactor.Channel
	buf      *pool.Handle
	l        SendListener
	deadline time.Time
	done     bool
}

// NewSender prepares a send of buf's unread bytes to ch.
func NewSender(r Reactor, ch *reactor.Channel, buf *pool.Handle, l SendListener) *Sender {
	return &Sender{r: r, ch: ch, buf: buf, l: l}
}

// SendHead serializes a head into a fresh buffer from bp and sends it.
func SendHead(r Reactor, ch *reactor.Channel, bp *pool.BufferPool, head []byte, l SendListener) *Sender {
	buf := pool.NewHandle(bp)
	buf.Append(head)
	s := NewSender(r, ch, buf, l)
	s.Send()
	return s
}

// Send starts or resumes writing.
func (s *Sender) Send() {
	for s.buf.Len() > 0 {
		n, err := s.ch.Write(s.buf.Bytes())
		s.buf.Consume(n)
		if err != nil {
			s.fail(err)
			return
		}
		if n == 0 || s.buf.Len() > 0 {
			s.buf.SetMayBeFlushed(false)
			s.deadline = s.r.DefaultTimeout()
			s.r.WaitForWrite(s.ch, s)
			return
		}
	}
	s.buf.SetMayBeFlushed(true)
	s.buf.PossiblyFlush()
	if s.done {
		return
	}
	s.done = true
	s.l.Sent()
}

func (s *Sender) fail(err error) {
	s.buf.SetMayBeFlushed(true)
	s.buf.Release()
	if s.done {
		return
	}
	s.done = true
	s.l.SendFailed(err)
}

func (s *Sender) Deadline() time.Time { return s.deadline }
func (s *Sender) Write()              { s.Send() }
func (s *Sender) Timeout()            { s.fail(timeoutError("write timeout", s.ch)) }
func (s *Sender) Closed()             { s.fail(closedError(s.ch)) }
