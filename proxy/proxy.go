// Author: momentics <momentics@gmail.com>

package proxy

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/momentics/hioload-proxy/api"
	"github.com/momentics/hioload-proxy/backend"
	"github.com/momentics/hioload-proxy/filter"
	"github.com/momentics/hioload-proxy/framing"
	"github.com/momentics/hioload-proxy/pool"
	"github.com/momentics/hioload-proxy/reactor"
)

// ErrClosed is returned by Listen after Close.
var ErrClosed = errors.New("proxy: closed")

// RequestFilter is consulted by every session before anything is forwarded.
// A non-nil Verdict is answered by the proxy itself.
type RequestFilter interface {
	Chained() bool
	ForceTunnel(req *framing.RequestHead) bool
	CheckConnect(req *framing.RequestHead, host string, port uint16) *filter.Verdict
	FilterRequest(req *framing.RequestHead, host string, port uint16) *filter.Verdict
	PrepareConnect(req *framing.RequestHead)
	FilterResponse(resp *framing.ResponseHead) *filter.Verdict
}

var _ RequestFilter = (*filter.Filter)(nil)

// Options configures a Proxy.
type Options struct {
	Scheduler *reactor.Scheduler
	Backends  *backend.Pool
	Filter    RequestFilter
	// Buffers defaults to a fresh pool.
	Buffers    *pool.BufferPool
	Metrics    *Metrics
	TunnelIdle time.Duration
	Logger     *zap.Logger
}

// Proxy holds the resources shared by every client session. It is built
// once and handed to each Connection.
type Proxy struct {
	sched    *reactor.Scheduler
	backends *backend.Pool
	filter   RequestFilter
	buffers  *pool.BufferPool
	metrics  *Metrics
	clock    clock.Clock
	logger   *zap.Logger
	sessions *sessions

	tunnelIdle atomic.Int64

	mu        sync.Mutex
	acceptors []*Acceptor
	closed    bool
}

// New creates a Proxy.
func New(opts Options) (*Proxy, error) {
	if opts.Scheduler == nil || opts.Backends == nil || opts.Filter == nil {
		return nil, fmt.Errorf("proxy: scheduler, backend pool and filter are required: %w", api.ErrInvalidArgument)
	}
	if opts.Buffers == nil {
		opts.Buffers = pool.NewBufferPool(0)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	p := &Proxy{
		sched:    opts.Scheduler,
		backends: opts.Backends,
		filter:   opts.Filter,
		buffers:  opts.Buffers,
		metrics:  opts.Metrics,
		clock:    opts.Scheduler.Clock(),
		logger:   opts.Logger,
		sessions: newSessions(16),
	}
	p.SetTunnelIdle(opts.TunnelIdle)
	return p, nil
}

// SetTunnelIdle changes the idle limit of tunnels opened later.
func (p *Proxy) SetTunnelIdle(d time.Duration) {
	if d <= 0 {
		d = DefaultTunnelIdle
	}
	p.tunnelIdle.Store(int64(d))
}

// TunnelIdle returns the idle limit of new tunnels.
func (p *Proxy) TunnelIdle() time.Duration { return time.Duration(p.tunnelIdle.Load()) }

// Listen opens a listening socket on addr and starts accepting.
func (p *Proxy) Listen(addr netip.AddrPort) (*Acceptor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	ch, err := reactor.Listen(addr)
	if err != nil {
		return nil, fmt.Errorf("proxy: listen %s: %w", addr, err)
	}
	a := newAcceptor(p, ch)
	p.acceptors = append(p.acceptors, a)
	a.arm()
	p.logger.Info("listening", zap.Stringer("addr", a.Addr()))
	return a, nil
}

// Serve starts a client session on an accepted channel.
func (p *Proxy) Serve(ch *reactor.Channel) {
	newConnection(p, ch).start()
}

// Addrs returns the bound listen addresses.
func (p *Proxy) Addrs() []netip.AddrPort {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]netip.AddrPort, 0, len(p.acceptors))
	for _, a := range p.acceptors {
		out = append(out, a.Addr())
	}
	return out
}

// Sessions returns the open client sessions, oldest first.
func (p *Proxy) Sessions() []SessionInfo { return p.sessions.snapshot() }

// ActiveSessions returns the number of open client sessions.
func (p *Proxy) ActiveSessions() int { return p.sessions.len() }

// Session looks a session up by id.
func (p *Proxy) Session(id string) (SessionInfo, bool) {
	c, ok := p.sessions.get(id)
	if !ok {
		return SessionInfo{}, false
	}
	return c.Info(), true
}

// Close stops every listener. Open sessions end with the scheduler.
func (p *Proxy) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	acceptors := p.acceptors
	p.mu.Unlock()
	for _, a := range acceptors {
		a.Close()
	}
}
