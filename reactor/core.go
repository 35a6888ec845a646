// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Core is one single-goroutine reactor: it owns a readiness multiplexer and
// the registrations of the channels placed on it.

package reactor

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/eapache/queue"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-proxy/api"
	"github.com/momentics/hioload-proxy/internal/concurrency"
)

const (
	// DefaultIdleSleep bounds the multiplexer wait when no deadline is pending.
	DefaultIdleSleep = 100 * time.Second
	// DefaultSpinThreshold is the number of consecutive empty early wakeups
	// after which zero-interest channels are checked.
	DefaultSpinThreshold = 65536
)

// ErrCoreStopped is returned when work is handed to a stopped Core.
var ErrCoreStopped = errors.New("reactor core is stopped")

// registration is the per-channel interest table of a Core.
type registration struct {
	ch        *Channel
	handlers  [numInterests]Handler
	deadlines [numInterests]time.Time
	installed uint32 // mask currently known to the poller
	inPoller  bool
	dirty     bool
}

func (r *registration) wanted() uint32 {
	var m uint32
	if r.handlers[InterestRead] != nil || r.handlers[InterestAccept] != nil {
		m |= pollRead
	}
	if r.handlers[InterestWrite] != nil || r.handlers[InterestConnect] != nil {
		m |= pollWrite
	}
	return m
}

func (r *registration) empty() bool {
	for _, h := range r.handlers {
		if h != nil {
			return false
		}
	}
	return true
}

// CoreStats is a snapshot of loop counters.
type CoreStats struct {
	ID            int
	Channels      int
	Iterations    uint64
	Events        uint64
	Tasks         uint64
	Timeouts      uint64
	SpinChecks    uint64
	CheckCanceled uint64
}

// CoreOptions configures a Core.
type CoreOptions struct {
	ID            int
	Clock         clock.Clock
	Logger        *zap.Logger
	IdleSleep     time.Duration
	SpinThreshold int
	// Pin binds the loop thread to CPU.
	Pin bool
	CPU int
	// OnClose is told about every channel the Core closed.
	OnClose func(*Channel)
}

// Core runs one event loop. Registration state is confined to the loop
// goroutine; other goroutines reach it through RunSelectorTask.
type Core struct {
	id            int
	poller        poller
	clock         clock.Clock
	logger        *zap.Logger
	idleSleep     time.Duration
	spinThreshold int
	cpu           int
	onClose       func(*Channel)

	regs  map[int]*registration
	dirty []*registration
	ready []readyEvent
	spins int

	mu       sync.Mutex
	incoming *queue.Queue // guarded by mu
	running  *queue.Queue // loop goroutine only

	started  atomic.Bool
	stopping atomic.Bool
	stopped  atomic.Bool
	done     chan struct{}

	iterations    atomic.Uint64
	events        atomic.Uint64
	tasks         atomic.Uint64
	timeouts      atomic.Uint64
	spinChecks    atomic.Uint64
	checkCanceled atomic.Uint64
	channels      atomic.Int64
}

// NewCore creates a Core with its own multiplexer. Call Start to run it.
func NewCore(opts CoreOptions) (*Core, error) {
	p, err := newPoller()
	if err != nil {
		return nil, err
	}
	return newCoreWithPoller(opts, p), nil
}

func newCoreWithPoller(opts CoreOptions, p poller) *Core {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.IdleSleep <= 0 {
		opts.IdleSleep = DefaultIdleSleep
	}
	if opts.SpinThreshold <= 0 {
		opts.SpinThreshold = DefaultSpinThreshold
	}
	cpu := -1
	if opts.Pin {
		cpu = opts.CPU
	}
	return &Core{
		id:            opts.ID,
		poller:        p,
		clock:         opts.Clock,
		logger:        opts.Logger.With(zap.Int("core", opts.ID)),
		idleSleep:     opts.IdleSleep,
		spinThreshold: opts.SpinThreshold,
		cpu:           cpu,
		onClose:       opts.OnClose,
		regs:          make(map[int]*registration),
		incoming:      queue.New(),
		running:       queue.New(),
		done:          make(chan struct{}),
	}
}

// ID returns the index of the Core within its Scheduler.
func (c *Core) ID() int { return c.id }

// Start launches the loop goroutine.
func (c *Core) Start() {
	if c.started.CompareAndSwap(false, true) {
		go c.run()
	}
}

// Done is closed once the loop has exited and the multiplexer is closed.
func (c *Core) Done() <-chan struct{} { return c.done }

// RunSelectorTask queues fn to run on the loop goroutine and wakes the loop.
// Tasks run in FIFO order.
func (c *Core) RunSelectorTask(fn func()) error {
	c.mu.Lock()
	if c.stopped.Load() {
		c.mu.Unlock()
		return ErrCoreStopped
	}
	wasEmpty := c.incoming.Length() == 0
	c.incoming.Add(fn)
	c.mu.Unlock()
	if wasEmpty {
		if err := c.poller.wake(); err != nil {
			c.logger.Error("wake failed", zap.Error(err))
		}
	}
	return nil
}

// WaitForRead arms h for the next readability of ch.
func (c *Core) WaitForRead(ch *Channel, h ReadHandler) {
	c.submit(h, func() { c.register(ch, InterestRead, h) })
}

// WaitForWrite arms h for the next writability of ch.
func (c *Core) WaitForWrite(ch *Channel, h WriteHandler) {
	c.submit(h, func() { c.register(ch, InterestWrite, h) })
}

// WaitForAccept arms h for the next pending connection on ch.
func (c *Core) WaitForAccept(ch *Channel, h AcceptHandler) {
	c.submit(h, func() { c.register(ch, InterestAccept, h) })
}

// WaitForConnect arms h for completion of a non-blocking connect on ch.
func (c *Core) WaitForConnect(ch *Channel, h ConnectHandler) {
	c.submit(h, func() { c.register(ch, InterestConnect, h) })
}

// Cancel removes h from every interest of ch it is still registered for.
func (c *Core) Cancel(ch *Channel, h Handler) {
	_ = c.RunSelectorTask(func() { c.cancel(ch, h) })
}

// Close cancels all interests of ch, fires their Closed callbacks and closes
// the socket.
func (c *Core) Close(ch *Channel) {
	if err := c.RunSelectorTask(func() { c.closeChannel(ch) }); err != nil {
		_ = ch.Close()
	}
}

// Shutdown asks the loop to stop. The loop drains queued tasks, closes every
// registered channel and then the multiplexer. It does not wait.
func (c *Core) Shutdown() {
	if c.stopping.CompareAndSwap(false, true) {
		if !c.started.Load() {
			c.teardown()
			return
		}
		_ = c.poller.wake()
	}
}

// Stats returns loop counters.
func (c *Core) Stats() CoreStats {
	return CoreStats{
		ID:            c.id,
		Channels:      int(c.channels.Load()),
		Iterations:    c.iterations.Load(),
		Events:        c.events.Load(),
		Tasks:         c.tasks.Load(),
		Timeouts:      c.timeouts.Load(),
		SpinChecks:    c.spinChecks.Load(),
		CheckCanceled: c.checkCanceled.Load(),
	}
}

func (c *Core) submit(h Handler, fn func()) {
	if err := c.RunSelectorTask(fn); err != nil {
		// The loop is gone, nobody will ever fire h otherwise.
		go h.Closed()
	}
}

// register runs on the loop goroutine.
func (c *Core) register(ch *Channel, in Interest, h Handler) {
	if ch.IsClosed() {
		if c.onClose != nil {
			c.onClose(ch)
		}
		h.Closed()
		return
	}
	reg := c.regs[ch.fd]
	if reg != nil && reg.ch != ch {
		// Descriptor was reused after a close we did not see.
		c.dropRegistration(reg)
		reg = nil
	}
	if reg == nil {
		reg = &registration{ch: ch}
		c.regs[ch.fd] = reg
		c.channels.Add(1)
	}
	if reg.handlers[in] != nil {
		panic(api.Misuse(fmt.Sprintf("reactor: %s already has a %s handler (%T)", ch, in, reg.handlers[in])).
			WithContext("new_handler", fmt.Sprintf("%T", h)))
	}
	reg.handlers[in] = h
	reg.deadlines[in] = h.Deadline()
	c.markDirty(reg)
}

func (c *Core) cancel(ch *Channel, h Handler) {
	reg := c.regs[ch.fd]
	if reg == nil || reg.ch != ch {
		return
	}
	for i := range reg.handlers {
		if reg.handlers[i] == h {
			reg.handlers[i] = nil
			reg.deadlines[i] = time.Time{}
			c.markDirty(reg)
		}
	}
}

func (c *Core) closeChannel(ch *Channel) {
	reg := c.regs[ch.fd]
	if reg == nil || reg.ch != ch {
		_ = ch.Close()
		if c.onClose != nil {
			c.onClose(ch)
		}
		return
	}
	handlers := reg.handlers
	c.dropRegistration(reg)
	_ = ch.Close()
	if c.onClose != nil {
		c.onClose(ch)
	}
	for _, h := range handlers {
		if h != nil {
			c.invoke(h.Closed)
		}
	}
}

// dropRegistration forgets reg and removes its descriptor from the poller.
func (c *Core) dropRegistration(reg *registration) {
	delete(c.regs, reg.ch.fd)
	c.channels.Add(-1)
	if reg.inPoller && !reg.ch.IsClosed() {
		if err := c.poller.remove(reg.ch.fd); err != nil {
			c.logger.Debug("poller remove failed", zap.Stringer("channel", reg.ch), zap.Error(err))
		}
	}
	reg.inPoller = false
	reg.handlers = [numInterests]Handler{}
	reg.deadlines = [numInterests]time.Time{}
}

func (c *Core) markDirty(reg *registration) {
	if !reg.dirty {
		reg.dirty = true
		c.dirty = append(c.dirty, reg)
	}
}

// flush pushes changed interest masks to the poller. Channels without any
// interest leave the poller so a hung-up peer cannot wake the loop forever.
func (c *Core) flush() {
	for i, reg := range c.dirty {
		c.dirty[i] = nil
		reg.dirty = false
		if c.regs[reg.ch.fd] != reg {
			continue
		}
		want := reg.wanted()
		var err error
		switch {
		case want == 0 && reg.inPoller:
			err = c.poller.remove(reg.ch.fd)
			reg.inPoller = false
		case want == 0:
		case !reg.inPoller:
			err = c.poller.add(reg.ch.fd, want)
			reg.inPoller = err == nil
		case want != reg.installed:
			err = c.poller.modify(reg.ch.fd, want)
		}
		if err != nil {
			c.logger.Warn("poller update failed, closing channel", zap.Stringer("channel", reg.ch), zap.Error(err))
			c.closeChannel(reg.ch)
			continue
		}
		reg.installed = want
	}
	c.dirty = c.dirty[:0]
}

func (c *Core) run() {
	defer c.teardown()
	if c.cpu >= 0 {
		if err := concurrency.PinCurrentThread(c.cpu); err != nil {
			c.logger.Warn("core not pinned", zap.Int("cpu", c.cpu), zap.Error(err))
		} else {
			c.logger.Debug("core pinned", zap.Int("cpu", c.cpu))
		}
	}
	for !c.stopping.Load() {
		c.flush()
		sleep := c.nextSleep()
		start := c.clock.Now()
		var err error
		c.ready, err = c.poller.wait(sleep, c.ready[:0])
		if err != nil {
			c.logger.Error("multiplexer failure, stopping core", zap.Error(err))
			return
		}
		c.iterations.Add(1)
		now := c.clock.Now()
		c.applyTimeouts(now)
		dispatched := c.dispatch()
		drained := c.drainTasks()
		c.checkSpin(dispatched, drained, now.Sub(start), sleep)
	}
}

// nextSleep returns the time until the nearest deadline, or the idle sleep.
func (c *Core) nextSleep() time.Duration {
	c.mu.Lock()
	pending := c.incoming.Length()
	c.mu.Unlock()
	if pending > 0 {
		return 0
	}
	var nearest time.Time
	for _, reg := range c.regs {
		for i, h := range reg.handlers {
			if h == nil || reg.deadlines[i].IsZero() {
				continue
			}
			if nearest.IsZero() || reg.deadlines[i].Before(nearest) {
				nearest = reg.deadlines[i]
			}
		}
	}
	if nearest.IsZero() {
		return c.idleSleep
	}
	d := nearest.Sub(c.clock.Now())
	if d < 0 {
		return 0
	}
	if d > c.idleSleep {
		return c.idleSleep
	}
	return d
}

type expired struct {
	reg *registration
	h   Handler
}

// applyTimeouts cancels every registration whose deadline is not after now
// and fires its Timeout callback.
func (c *Core) applyTimeouts(now time.Time) int {
	var fired []expired
	for _, reg := range c.regs {
		for i, h := range reg.handlers {
			if h == nil || reg.deadlines[i].IsZero() || reg.deadlines[i].After(now) {
				continue
			}
			reg.handlers[i] = nil
			reg.deadlines[i] = time.Time{}
			c.markDirty(reg)
			fired = append(fired, expired{reg: reg, h: h})
		}
	}
	for _, e := range fired {
		c.timeouts.Add(1)
		c.invoke(e.h.Timeout)
	}
	return len(fired)
}

// dispatch fires the handlers of ready interests. Each registration is
// cleared before its callback runs so the callback may re-register.
func (c *Core) dispatch() int {
	count := 0
	for _, ev := range c.ready {
		if ev.readable {
			count += c.fire(ev.fd, InterestAccept)
			count += c.fire(ev.fd, InterestRead)
		}
		if ev.writable {
			count += c.fire(ev.fd, InterestConnect)
			count += c.fire(ev.fd, InterestWrite)
		}
	}
	c.events.Add(uint64(count))
	return count
}

func (c *Core) fire(fd int, in Interest) int {
	reg := c.regs[fd]
	if reg == nil {
		return 0
	}
	h := reg.handlers[in]
	if h == nil {
		return 0
	}
	reg.handlers[in] = nil
	reg.deadlines[in] = time.Time{}
	c.markDirty(reg)
	switch in {
	case InterestRead:
		c.invoke(h.(ReadHandler).Read)
	case InterestWrite:
		c.invoke(h.(WriteHandler).Write)
	case InterestAccept:
		c.invoke(h.(AcceptHandler).Accept)
	case InterestConnect:
		c.invoke(h.(ConnectHandler).Connect)
	}
	return 1
}

// drainTasks runs queued tasks, swapping queues so no lock is held while a
// task executes, until no task is left.
func (c *Core) drainTasks() int {
	total := 0
	for {
		c.mu.Lock()
		c.incoming, c.running = c.running, c.incoming
		c.mu.Unlock()
		if c.running.Length() == 0 {
			return total
		}
		n := 0
		for c.running.Length() > 0 {
			task := c.running.Remove().(func())
			c.invoke(task)
			n++
		}
		c.tasks.Add(uint64(n))
		total += n
	}
}

// invoke runs fn, keeping the loop alive on ordinary panics. Contract
// violations are re-raised.
func (c *Core) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			if api.IsMisuse(r) {
				panic(r)
			}
			c.logger.Error("handler panic", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
		}
	}()
	fn()
}

// checkSpin guards against multiplexers that keep returning early with
// nothing to report. After spinThreshold such wakeups every channel without
// interest is checked and dropped unless it is still writable.
func (c *Core) checkSpin(dispatched, drained int, slept, requested time.Duration) {
	if dispatched > 0 || drained > 0 || len(c.ready) > 0 || slept >= requested {
		c.spins = 0
		return
	}
	c.spins++
	if c.spins < c.spinThreshold {
		return
	}
	c.spins = 0
	c.checkIdleChannels()
}

func (c *Core) checkIdleChannels() {
	c.spinChecks.Add(1)
	var idle []*registration
	for _, reg := range c.regs {
		if reg.empty() && !reg.ch.listen {
			idle = append(idle, reg)
		}
	}
	c.logger.Warn("multiplexer spinning, probing idle channels", zap.Int("idle", len(idle)))
	for _, reg := range idle {
		fds := []unix.PollFd{{Fd: int32(reg.ch.fd), Events: unix.POLLOUT}}
		n, err := unix.Poll(fds, 0)
		ok := err == nil && n == 1 && fds[0].Revents&unix.POLLOUT != 0 &&
			fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) == 0
		if !ok {
			c.checkCanceled.Add(1)
			c.closeChannel(reg.ch)
		}
	}
}

func (c *Core) teardown() {
	c.mu.Lock()
	if c.stopped.Load() {
		c.mu.Unlock()
		return
	}
	c.stopped.Store(true)
	c.mu.Unlock()
	c.drainTasks()
	for _, reg := range c.regs {
		c.closeChannel(reg.ch)
	}
	if err := c.poller.close(); err != nil {
		c.logger.Warn("multiplexer close failed", zap.Error(err))
	}
	close(c.done)
}
