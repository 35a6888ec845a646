// Author: momentics <momentics@gmail.com>

package proxy

import (
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	temperrcatcher "github.com/jbenet/go-temp-err-catcher"
	"go.uber.org/zap"

	"github.com/momentics/hioload-proxy/reactor"
)

// Acceptor accepts client connections on one listening channel and starts a
// Connection for each.
type Acceptor struct {
	p      *Proxy
	ch     *reactor.Channel
	addr   netip.AddrPort
	logger *zap.Logger

	tec     temperrcatcher.TempErrCatcher
	backoff time.Duration
	closed  atomic.Bool
	once    sync.Once
	done    chan struct{}
}

func newAcceptor(p *Proxy, ch *reactor.Channel) *Acceptor {
	a := &Acceptor{
		p:    p,
		ch:   ch,
		addr: ch.LocalAddr(),
		done: make(chan struct{}),
	}
	a.logger = p.logger.With(zap.Stringer("listen", a.addr))
	a.tec = temperrcatcher.TempErrCatcher{
		IsTemp: temporaryAcceptError,
		Wait:   func(d time.Duration) { a.backoff = d },
	}
	return a
}

// temporaryAcceptError matches accept failures that go away on their own.
func temporaryAcceptError(err error) bool {
	return errors.Is(err, syscall.EMFILE) ||
		errors.Is(err, syscall.ENFILE) ||
		errors.Is(err, syscall.ENOBUFS) ||
		errors.Is(err, syscall.ENOMEM) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		temperrcatcher.ErrIsTemporary(err)
}

// Addr returns the bound address.
func (a *Acceptor) Addr() netip.AddrPort { return a.addr }

// Done is closed once the listener is closed.
func (a *Acceptor) Done() <-chan struct{} { return a.done }

func (a *Acceptor) arm() { a.p.sched.WaitForAccept(a.ch, a) }

// Close stops accepting.
func (a *Acceptor) Close() {
	if a.closed.CompareAndSwap(false, true) {
		a.p.sched.Close(a.ch)
	}
}

func (a *Acceptor) Accept() {
	for {
		ch, err := a.ch.Accept()
		if err != nil {
			if a.closed.Load() || errors.Is(err, reactor.ErrClosed) {
				return
			}
			if a.tec.IsTemporary(err) {
				a.logger.Warn("temporary accept error", zap.Error(err), zap.Duration("backoff", a.backoff))
				time.AfterFunc(a.backoff, a.arm)
				return
			}
			a.logger.Error("accept failed, closing listener", zap.Error(err))
			a.Close()
			return
		}
		if ch == nil {
			break
		}
		a.p.Serve(ch)
	}
	a.arm()
}

func (a *Acceptor) Deadline() time.Time { return time.Time{} }
func (a *Acceptor) Timeout()            { a.arm() }

func (a *Acceptor) Closed() {
	a.closed.Store(true)
	a.once.Do(func() {
		a.logger.Info("listener closed")
		close(a.done)
	})
}
