// Author: momentics <momentics@gmail.com>

package framing

import (
	"errors"
	"io"
	"time"

	"github.com/momentics/hioload-proxy/pool"
	"github.com/momentics/hioload-proxy/reactor"
)

// flushThreshold is how much framed output is collected before writing.
const flushThreshold = 32 * 1024

var errStalled = errors.New("framing: body source stalled on a full buffer")

// TransferListener receives the outcome of a Transfer.
type TransferListener interface {
	TransferFinished(t *Transfer)
	TransferFailed(t *Transfer, err error)
}

// TransferFuncs adapts two functions to TransferListener.
type TransferFuncs struct {
	OnFinished func(*Transfer)
	OnFailed   func(*Transfer, error)
}

func (f TransferFuncs) TransferFinished(t *Transfer)          { f.OnFinished(t) }
func (f TransferFuncs) TransferFailed(t *Transfer, err error) { f.OnFailed(t, err) }

// Transfer streams one body from src to dst. It decodes with a BodySource,
// re-frames with a BodySink and alternates between read and write waits.
//
// in is borrowed: it may already hold body bytes read with the head, and
// bytes past the end of the body stay in it for the next message. The
// output buffer belongs to the Transfer.
type Transfer struct {
	r        Reactor
	src, dst *reactor.Channel
	in       *pool.Handle
	out      *pool.Handle
	source   BodySource
	sink     BodySink
	l        TransferListener
	deadline time.Time

	written  int64
	sinkDone bool
	done     bool
	readWait bool
}

// NewTransfer prepares a transfer. bp supplies the output buffer.
func NewTransfer(r Reactor, src, dst *reactor.Channel, in *pool.Handle, bp *pool.BufferPool,
	source BodySource, sink BodySink, l TransferListener) *Transfer {
	return &Transfer{
		r:      r,
		src:    src,
		dst:    dst,
		in:     in,
		out:    pool.NewHandle(bp),
		source: source,
		sink:   sink,
		l:      l,
	}
}

// Source returns the body source.
func (t *Transfer) Source() BodySource { return t.source }

// Written returns the framed bytes written to dst.
func (t *Transfer) Written() int64 { return t.written }

// Start runs the transfer until it has to wait or ends.
func (t *Transfer) Start() { t.step() }

func (t *Transfer) step() {
	for {
		if t.out.Len() > 0 {
			n, err := t.dst.Write(t.out.Bytes())
			t.out.Consume(n)
			t.written += int64(n)
			if err != nil {
				t.fail(err)
				return
			}
			if t.out.Len() > 0 {
				t.out.SetMayBeFlushed(false)
				t.wait(false)
				return
			}
			t.out.SetMayBeFlushed(true)
			t.out.PossiblyFlush()
		}
		if t.sinkDone {
			t.finish()
			return
		}
		if t.source.Done() {
			t.sink.Finish(t.out)
			t.sinkDone = true
			continue
		}
		if t.in.Len() > 0 {
			progressed, err := t.decode()
			if err != nil {
				t.fail(err)
				return
			}
			if progressed {
				continue
			}
		}
		space := t.in.WriteSpace()
		if len(space) == 0 {
			// Sources consume whatever they are given.
			if !t.in.Grow() {
				t.fail(errStalled)
				return
			}
			continue
		}
		n, err := t.src.Read(space)
		if n > 0 {
			t.in.Commit(n)
			continue
		}
		if err == io.EOF {
			if err := t.source.EOF(); err != nil {
				t.fail(err)
				return
			}
			continue
		}
		if err != nil {
			t.fail(err)
			return
		}
		t.in.PossiblyFlush()
		t.wait(true)
		return
	}
}

// decode moves buffered input through source and sink until the input is
// used up, the body ends or enough output has gathered.
func (t *Transfer) decode() (bool, error) {
	progressed := false
	for t.in.Len() > 0 && !t.source.Done() && t.out.Len() < flushThreshold {
		n, body, err := t.source.Decode(t.in.Bytes())
		if err != nil {
			return progressed, err
		}
		if len(body) > 0 {
			t.sink.Write(t.out, body)
		}
		if n == 0 && len(body) == 0 {
			break
		}
		t.in.Consume(n)
		progressed = true
	}
	return progressed || t.source.Done(), nil
}

func (t *Transfer) wait(read bool) {
	t.readWait = read
	t.deadline = t.r.DefaultTimeout()
	if read {
		t.r.WaitForRead(t.src, t)
	} else {
		t.r.WaitForWrite(t.dst, t)
	}
}

func (t *Transfer) finish() {
	if t.done {
		return
	}
	t.done = true
	t.out.Release()
	t.in.PossiblyFlush()
	t.l.TransferFinished(t)
}

func (t *Transfer) fail(err error) {
	if t.done {
		return
	}
	t.done = true
	t.out.SetMayBeFlushed(true)
	t.out.Release()
	t.in.PossiblyFlush()
	t.l.TransferFailed(t, err)
}

func (t *Transfer) Deadline() time.Time { return t.deadline }
func (t *Transfer) Read()               { t.step() }
func (t *Transfer) Write()              { t.step() }

func (t *Transfer) Timeout() {
	if t.readWait {
		t.fail(timeoutError("body read timeout", t.src))
	} else {
		t.fail(timeoutError("body write timeout", t.dst))
	}
}

func (t *Transfer) Closed() {
	if t.readWait {
		t.fail(closedError(t.src))
	} else {
		t.fail(closedError(t.dst))
	}
}
