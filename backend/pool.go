// Author: momentics <momentics@gmail.com>

package backend

import (
	"context"
	"fmt"
	"net/http"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/momentics/hioload-proxy/api"
	"github.com/momentics/hioload-proxy/reactor"
)

// DefaultKeepAlive is how long an idle connection stays pooled.
const DefaultKeepAlive = 15 * time.Second

// Request names what a caller wants a connection for.
type Request struct {
	Method string
	Host   string
	Port   uint16
	// Client, when set, is the channel whose reactor core runs the listener
	// callbacks.
	Client *reactor.Channel
	// Fresh forbids handing out a pooled connection.
	Fresh bool
}

// Listener receives the outcome of Get. Exactly one method is called once.
type Listener interface {
	Connected(c *Conn)
	Failed(err error)
}

// Options configures a Pool.
type Options struct {
	Scheduler *reactor.Scheduler
	Resolver  Resolver
	KeepAlive time.Duration
	// Bind is the local source address; the zero value means wildcard.
	Bind   netip.Addr
	Logger *zap.Logger
}

// PoolStats are cumulative pool counters.
type PoolStats struct {
	Created int64
	Reused  int64
	Evicted int64
	Idle    int
}

// Pool hands out backend connections keyed by Address.
type Pool struct {
	sched    *reactor.Scheduler
	resolver Resolver
	clock    clock.Clock
	logger   *zap.Logger

	keepAlive atomic.Int64
	bind      atomic.Value // netip.Addr

	mu     sync.Mutex
	idle   map[Address][]*Conn
	closed bool

	// watchers maps an idle *Conn to its *idleWatcher. Whoever removes the
	// entry owns the connection.
	watchers sync.Map

	created atomic.Int64
	reused  atomic.Int64
	evicted atomic.Int64
}

// NewPool creates a Pool.
func NewPool(opts Options) *Pool {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = DefaultKeepAlive
	}
	p := &Pool{
		sched:    opts.Scheduler,
		resolver: opts.Resolver,
		clock:    opts.Scheduler.Clock(),
		logger:   opts.Logger,
		idle:     make(map[Address][]*Conn),
	}
	p.keepAlive.Store(int64(opts.KeepAlive))
	p.bind.Store(opts.Bind)
	return p
}

// SetKeepAlive changes the idle lifetime of connections released later.
func (p *Pool) SetKeepAlive(d time.Duration) {
	if d > 0 {
		p.keepAlive.Store(int64(d))
	}
}

// KeepAlive returns the idle lifetime.
func (p *Pool) KeepAlive() time.Duration { return time.Duration(p.keepAlive.Load()) }

// SetBind changes the local source address of later connects.
func (p *Pool) SetBind(a netip.Addr) { p.bind.Store(a) }

// Stats returns the pool counters.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	n := 0
	for _, l := range p.idle {
		n += len(l)
	}
	p.mu.Unlock()
	return PoolStats{
		Created: p.created.Load(),
		Reused:  p.reused.Load(),
		Evicted: p.evicted.Load(),
		Idle:    n,
	}
}

// Idempotent reports whether method may travel over a pooled connection.
func Idempotent(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

// Get resolves req and delivers a connection to l. GET and HEAD may receive
// the most recently released idle connection; other methods always get a
// fresh one.
func (p *Pool) Get(req Request, l Listener) {
	if lk, ok := p.resolver.(Lookuper); ok {
		if addr, ok := lk.Lookup(req.Host, req.Port); ok {
			p.acquire(req, addr, l)
			return
		}
	}
	id := reactor.TaskID{Group: "backend.resolve", Name: req.Host}
	err := p.sched.RunThreadTask(id, func() error {
		ctx, cancel := context.WithDeadline(context.Background(), p.sched.DefaultTimeout())
		defer cancel()
		addr, err := p.resolver.Resolve(ctx, req.Host, req.Port)
		if err != nil {
			p.deliverFailure(req, l, err)
			return err
		}
		p.acquire(req, addr, l)
		return nil
	})
	if err != nil {
		p.deliverFailure(req, l, fmt.Errorf("resolve %s: %w", req.Host, err))
	}
}

func (p *Pool) acquire(req Request, addr Address, l Listener) {
	if Idempotent(req.Method) && !req.Fresh {
		if c := p.pop(addr); c != nil {
			c.uses.Add(1)
			p.reused.Add(1)
			p.deliver(req, func() { l.Connected(c) })
			return
		}
	}
	p.dial(req, addr, l)
}

// pop takes the most recently released live connection for addr.
func (p *Pool) pop(addr Address) *Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		list := p.idle[addr]
		if len(list) == 0 {
			return nil
		}
		c := list[len(list)-1]
		list[len(list)-1] = nil
		if len(list) == 1 {
			delete(p.idle, addr)
		} else {
			p.idle[addr] = list[:len(list)-1]
		}
		w, ok := p.watchers.LoadAndDelete(c)
		if !ok {
			// Its watcher fired and is evicting it.
			continue
		}
		p.sched.Cancel(c.ch, w.(*idleWatcher))
		if !c.ch.Alive() {
			p.evicted.Add(1)
			p.sched.Close(c.ch)
			continue
		}
		return c
	}
}

func (p *Pool) dial(req Request, addr Address, l Listener) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		p.deliverFailure(req, l, ErrPoolClosed)
		return
	}
	bind, _ := p.bind.Load().(netip.Addr)
	ch, connected, err := reactor.Connect(addr.AddrPort(), bind)
	if err != nil {
		p.deliverFailure(req, l, err)
		return
	}
	c := newConn(addr, ch)
	c.uses.Add(1)
	p.created.Add(1)
	if connected {
		p.deliver(req, func() { l.Connected(c) })
		return
	}
	p.sched.WaitForConnect(ch, &connectWaiter{
		pool:     p,
		conn:     c,
		req:      req,
		l:        l,
		deadline: p.sched.DefaultTimeout(),
	})
}

// deliver runs fn on the loop owning the client channel, or inline.
func (p *Pool) deliver(req Request, fn func()) {
	if req.Client != nil && !req.Client.IsClosed() {
		if err := p.sched.RunSelectorTask(req.Client, fn); err == nil {
			return
		}
	}
	fn()
}

func (p *Pool) deliverFailure(req Request, l Listener, err error) {
	if IsUnknownHost(err) {
		p.logger.Warn("backend lookup failed", zap.String("host", req.Host),
			zap.String("reason", "unknown_host"), zap.Error(err))
	} else {
		p.logger.Warn("backend connect failed", zap.String("host", req.Host),
			zap.Uint16("port", req.Port), zap.Error(err))
	}
	p.deliver(req, func() { l.Failed(err) })
}

// Release returns c after an exchange. A closed socket is ignored, one that
// lost keep-alive is closed, anything else is pooled under an idle watcher.
// The caller must not hold any reactor registration on c.
func (p *Pool) Release(c *Conn) {
	if c.ch.IsClosed() {
		return
	}
	if !c.KeepAlive() {
		p.sched.Close(c.ch)
		return
	}
	now := p.clock.Now()
	c.releasedAt.Store(now.UnixNano())
	w := &idleWatcher{pool: p, conn: c, deadline: now.Add(p.KeepAlive())}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sched.Close(c.ch)
		return
	}
	list := p.idle[c.addr]
	for _, x := range list {
		if x == c {
			p.mu.Unlock()
			panic(api.Misuse(fmt.Sprintf("backend: %s released twice", c)))
		}
	}
	p.watchers.Store(c, w)
	p.idle[c.addr] = append(list, c)
	p.mu.Unlock()

	p.sched.WaitForRead(c.ch, w)
}

// evict removes c from the idle list after its watcher won ownership.
func (p *Pool) evict(c *Conn, reason string) {
	p.mu.Lock()
	list := p.idle[c.addr]
	for i, x := range list {
		if x == c {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(p.idle, c.addr)
	} else {
		p.idle[c.addr] = list
	}
	p.mu.Unlock()
	p.evicted.Add(1)
	p.logger.Debug("idle backend evicted", zap.Stringer("conn", c), zap.String("reason", reason))
	p.sched.Close(c.ch)
}

// Close closes every idle connection. Later releases close their socket.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = make(map[Address][]*Conn)
	p.mu.Unlock()

	for _, list := range idle {
		for _, c := range list {
			if _, ok := p.watchers.LoadAndDelete(c); ok {
				p.sched.Close(c.ch)
			}
		}
	}
	return nil
}

// idleWatcher guards a pooled connection. Any readiness, its deadline or a
// close evicts the connection unless Get took it first.
type idleWatcher struct {
	pool     *Pool
	conn     *Conn
	deadline time.Time
}

func (w *idleWatcher) Deadline() time.Time { return w.deadline }
func (w *idleWatcher) Read()               { w.fire("activity") }
func (w *idleWatcher) Timeout()            { w.fire("keepalive expired") }
func (w *idleWatcher) Closed()             { w.fire("closed") }

func (w *idleWatcher) fire(reason string) {
	if !w.pool.watchers.CompareAndDelete(w.conn, w) {
		return
	}
	w.pool.evict(w.conn, reason)
}

type connectWaiter struct {
	pool     *Pool
	conn     *Conn
	req      Request
	l        Listener
	deadline time.Time
}

func (w *connectWaiter) Deadline() time.Time { return w.deadline }

func (w *connectWaiter) Connect() {
	if err := w.conn.ch.FinishConnect(); err != nil {
		w.pool.sched.Close(w.conn.ch)
		w.pool.deliverFailure(w.req, w.l, err)
		return
	}
	w.pool.deliver(w.req, func() { w.l.Connected(w.conn) })
}

func (w *connectWaiter) Timeout() {
	w.pool.sched.Close(w.conn.ch)
	w.pool.deliverFailure(w.req, w.l, fmt.Errorf("%s: %w", w.conn.addr, ErrConnectTimeout))
}

func (w *connectWaiter) Closed() {
	w.pool.deliverFailure(w.req, w.l, fmt.Errorf("%s: %w", w.conn.addr, reactor.ErrClosed))
}
