// Author: momentics <momentics@gmail.com>

package proxy

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/momentics/hioload-proxy/api"
	"github.com/momentics/hioload-proxy/framing"
	"github.com/momentics/hioload-proxy/pool"
	"github.com/momentics/hioload-proxy/reactor"
)

// DefaultTunnelIdle closes a tunnel that relayed nothing for this long.
const DefaultTunnelIdle = 5 * time.Minute

// TunnelReactor is the part of reactor.Scheduler a Tunnel uses.
type TunnelReactor interface {
	framing.Reactor
	Close(ch *reactor.Channel)
	Clock() clock.Clock
}

var _ TunnelReactor = (*reactor.Scheduler)(nil)

// TunnelListener is told once when both directions have stopped.
type TunnelListener interface {
	TunnelClosed(t *Tunnel)
}

// TunnelFunc adapts a function to TunnelListener.
type TunnelFunc func(*Tunnel)

func (f TunnelFunc) TunnelClosed(t *Tunnel) { f(t) }

// Tunnel relays bytes between a client and a backend without looking at
// them. When either side ends, both channels are closed.
type Tunnel struct {
	r               TunnelReactor
	client, backend *reactor.Channel
	idle            time.Duration
	l               TunnelListener

	up, down *pump
	activity atomic.Int64
	closing  atomic.Bool
	running  atomic.Int32
	err      error
}

// NewTunnel prepares a tunnel. toBackend and toClient may already hold bytes
// for the respective side; the Tunnel takes ownership of both.
func NewTunnel(r TunnelReactor, client, backend *reactor.Channel, toBackend, toClient *pool.Handle,
	idle time.Duration, l TunnelListener) *Tunnel {
	if idle <= 0 {
		idle = DefaultTunnelIdle
	}
	t := &Tunnel{r: r, client: client, backend: backend, idle: idle, l: l}
	t.up = &pump{t: t, src: client, dst: backend, buf: toBackend}
	t.down = &pump{t: t, src: backend, dst: client, buf: toClient}
	return t
}

// Start begins relaying in both directions.
func (t *Tunnel) Start() {
	t.touch()
	t.running.Store(2)
	t.up.step()
	t.down.step()
}

// Upstream returns the bytes relayed from client to backend.
func (t *Tunnel) Upstream() int64 { return t.up.n.Load() }

// Downstream returns the bytes relayed from backend to client.
func (t *Tunnel) Downstream() int64 { return t.down.n.Load() }

// Err returns the failure that ended the tunnel, nil after a clean EOF.
func (t *Tunnel) Err() error { return t.err }

func (t *Tunnel) touch() { t.activity.Store(t.r.Clock().Now().UnixNano()) }

func (t *Tunnel) idleDeadline() time.Time {
	return time.Unix(0, t.activity.Load()).Add(t.idle)
}

func (t *Tunnel) shutdown(err error) {
	if !t.closing.CompareAndSwap(false, true) {
		return
	}
	t.err = err
	t.r.Close(t.client)
	t.r.Close(t.backend)
}

func (t *Tunnel) stopped() {
	if t.running.Add(-1) == 0 {
		t.l.TunnelClosed(t)
	}
}

// pump moves one direction. Its callbacks run one at a time.
type pump struct {
	t        *Tunnel
	src, dst *reactor.Channel
	buf      *pool.Handle
	n        atomic.Int64
	deadline time.Time
	eof      bool
	done     bool
}

func (p *pump) step() {
	for {
		if p.buf.Len() > 0 {
			n, err := p.dst.Write(p.buf.Bytes())
			p.buf.Consume(n)
			if n > 0 {
				p.n.Add(int64(n))
				p.t.touch()
			}
			if err != nil {
				p.stop(err)
				return
			}
			if p.buf.Len() > 0 {
				p.buf.SetMayBeFlushed(false)
				p.deadline = p.t.r.DefaultTimeout()
				p.t.r.WaitForWrite(p.dst, p)
				return
			}
			p.buf.SetMayBeFlushed(true)
		}
		if p.eof {
			p.stop(nil)
			return
		}
		n, err := p.src.Read(p.buf.WriteSpace())
		if n > 0 {
			p.buf.Commit(n)
			continue
		}
		if err == io.EOF {
			p.eof = true
			continue
		}
		if err != nil {
			p.stop(err)
			return
		}
		p.buf.PossiblyFlush()
		p.deadline = p.t.idleDeadline()
		p.t.r.WaitForRead(p.src, p)
		return
	}
}

func (p *pump) stop(err error) {
	if p.done {
		return
	}
	p.done = true
	p.buf.SetMayBeFlushed(true)
	p.buf.Release()
	if errors.Is(err, reactor.ErrClosed) && p.t.closing.Load() {
		err = nil
	}
	p.t.shutdown(err)
	p.t.stopped()
}

func (p *pump) Deadline() time.Time { return p.deadline }
func (p *pump) Read()               { p.step() }
func (p *pump) Write()              { p.step() }
func (p *pump) Closed()             { p.stop(fmt.Errorf("tunnel: %w", reactor.ErrClosed)) }

func (p *pump) Timeout() {
	if p.buf.Len() == 0 {
		// The other direction may have kept the tunnel busy.
		if next := p.t.idleDeadline(); next.After(p.t.r.Clock().Now()) {
			p.deadline = next
			p.t.r.WaitForRead(p.src, p)
			return
		}
	}
	p.stop(api.WrapError(api.ErrCodeTransient, "tunnel idle on "+p.src.String(), api.ErrOperationTimeout))
}
