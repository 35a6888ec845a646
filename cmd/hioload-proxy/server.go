// Author: momentics <momentics@gmail.com>

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/momentics/hioload-proxy/backend"
	"github.com/momentics/hioload-proxy/control"
	"github.com/momentics/hioload-proxy/filter"
	"github.com/momentics/hioload-proxy/internal/concurrency"
	"github.com/momentics/hioload-proxy/internal/logging"
	"github.com/momentics/hioload-proxy/pool"
	"github.com/momentics/hioload-proxy/proxy"
	"github.com/momentics/hioload-proxy/reactor"
)

const shutdownTimeout = 10 * time.Second

// server is the assembled process: reactor, pools, filter, proxy and the
// control surface.
type server struct {
	store *control.ConfigStore
	log   *logging.Logger

	exec      *concurrency.Executor
	sched     *reactor.Scheduler
	backends  *backend.Pool
	buffers   *pool.BufferPool
	filter    *filter.Filter
	proxy     *proxy.Proxy
	metrics   *control.MetricsRegistry
	hooks     *control.DebugHooks
	acceptors []*proxy.Acceptor
	monitor   *control.Monitor
}

func newServer(cfg *control.Config, log *logging.Logger) (s *server, err error) {
	s = &server{store: control.NewConfigStore(cfg), log: log}
	defer func() {
		if err != nil {
			err = multierr.Append(err, s.close())
			s = nil
		}
	}()

	s.exec = concurrency.NewExecutor(cfg.Reactor.ThreadPoolSize, cfg.Reactor.ThreadQueueSize, func(v any) {
		log.Error("background task panicked", zap.Any("panic", v), zap.Stack("stack"))
	})
	s.sched, err = reactor.NewScheduler(reactor.Options{
		Cores:          cfg.Reactor.Cores,
		DefaultTimeout: cfg.Reactor.DefaultTimeout,
		IdleSleep:      cfg.Reactor.IdleSelectTimeout,
		SpinThreshold:  cfg.Reactor.SpinThreshold,
		PinCores:       cfg.Reactor.PinCores,
		Executor:       s.exec,
		Logger:         log.Named("reactor"),
	})
	if err != nil {
		return nil, err
	}
	s.sched.Start()

	var resolver backend.Resolver = backend.NewDNSResolver(cfg.ResolverConfig(), log.Named("dns"))
	if u := cfg.Backend.Upstream; u != nil {
		resolver = &backend.UpstreamResolver{Host: u.Host, Port: uint16(u.Port), Inner: resolver}
	}
	s.backends = backend.NewPool(backend.Options{
		Scheduler: s.sched,
		Resolver:  resolver,
		KeepAlive: cfg.Backend.KeepAlive,
		Bind:      cfg.BindAddr(),
		Logger:    log.Named("backend"),
	})
	s.buffers = pool.NewBufferPool(0)
	s.filter = filter.New(cfg.FilterPolicy(), log.Named("filter"))

	s.metrics = control.NewMetricsRegistry(control.DefaultNamespace)
	if err := multierr.Combine(
		s.metrics.RegisterScheduler(s.sched),
		s.metrics.RegisterBackendPool(s.backends),
		s.metrics.RegisterBufferPool(s.buffers),
	); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	s.proxy, err = proxy.New(proxy.Options{
		Scheduler:  s.sched,
		Backends:   s.backends,
		Filter:     s.filter,
		Buffers:    s.buffers,
		Metrics:    proxy.NewMetrics(s.metrics.Namespace(), s.metrics.Registry()),
		TunnelIdle: cfg.Reactor.TunnelIdleTimeout,
		Logger:     log.Named("proxy"),
	})
	if err != nil {
		return nil, err
	}
	for _, l := range cfg.Listen {
		a, err := s.proxy.Listen(l.AddrPort())
		if err != nil {
			return nil, err
		}
		s.acceptors = append(s.acceptors, a)
		log.Info("listening", zap.Stringer("addr", a.Addr()))
	}
	s.filter.Update(s.policy(cfg))

	s.hooks = control.NewDebugHooks()
	control.RegisterPlatformHooks(s.hooks)
	control.RegisterProxyHooks(s.hooks, s.proxy, s.sched, s.backends, s.buffers)
	if cfg.Monitor.Enabled {
		if s.monitor, err = control.NewMonitor(cfg.Monitor.Address, s.metrics, s.hooks, log.Named("monitor")); err != nil {
			return nil, err
		}
	}

	s.store.OnReload(s.reload)
	return s, nil
}

// policy builds the filter policy of cfg. Self lists the bound addresses,
// which differ from the configured ones for port 0. The upstream stays the
// one the resolver was built with.
func (s *server) policy(cfg *control.Config) filter.Policy {
	p := cfg.FilterPolicy()
	p.Upstream = s.filter.Policy().Upstream
	p.Self = p.Self[:0]
	for _, a := range s.proxy.Addrs() {
		p.Self = append(p.Self, a.String())
	}
	return p
}

func (s *server) reload(_, cur *control.Config) {
	s.filter.Update(s.policy(cur))
	s.backends.SetKeepAlive(cur.Backend.KeepAlive)
	s.backends.SetBind(cur.BindAddr())
	s.sched.SetDefaultTimeout(cur.Reactor.DefaultTimeout)
	s.proxy.SetTunnelIdle(cur.Reactor.TunnelIdleTimeout)
	if err := s.log.SetLevel(cur.Logging.Level); err != nil {
		s.log.Warn("log level not changed", zap.Error(err))
	}
}

// run serves until ctx is done or a component fails, then shuts down.
func (s *server) run(ctx context.Context, cfgPath string) error {
	g, gctx := errgroup.WithContext(ctx)
	if s.monitor != nil {
		g.Go(func() error { return s.monitor.Run(gctx) })
	}
	if cfgPath != "" {
		w := control.NewWatcher(cfgPath, s.store, control.DefaultDebounce, s.log.Named("config"))
		g.Go(func() error { return w.Run(gctx) })
	}
	for _, a := range s.acceptors {
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return nil
			case <-a.Done():
				return fmt.Errorf("listener %s closed", a.Addr())
			}
		})
	}
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-s.sched.Done():
			return errors.New("reactor stopped")
		}
	})

	s.log.Info("proxy started", zap.Int("cores", s.store.Get().Reactor.Cores))
	err := g.Wait()
	if err != nil {
		s.log.Error("proxy failed", zap.Error(err))
	}
	s.log.Info("shutting down")
	return multierr.Append(err, s.close())
}

// close releases everything newServer built, in reverse order. Safe on a
// partially built server.
func (s *server) close() error {
	var err error
	if s.proxy != nil {
		s.proxy.Close()
	}
	if s.backends != nil {
		err = multierr.Append(err, s.backends.Close())
	}
	if s.sched != nil {
		err = multierr.Append(err, s.sched.Shutdown())
		err = multierr.Append(err, s.sched.Wait(shutdownTimeout))
	}
	if s.exec != nil {
		s.exec.Close()
	}
	return err
}
