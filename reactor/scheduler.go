// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Scheduler spreads channels over several Cores and runs blocking work on a
// background executor.

package reactor

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/momentics/hioload-proxy/api"
	"github.com/momentics/hioload-proxy/internal/concurrency"
)

// DefaultOperationTimeout is the per-operation deadline used when none is
// configured.
const DefaultOperationTimeout = 30 * time.Second

// Options configures a Scheduler.
type Options struct {
	Cores          int
	DefaultTimeout time.Duration
	IdleSleep      time.Duration
	SpinThreshold  int
	// PinCores binds every Core loop to its own CPU where possible.
	PinCores bool
	// Executor runs RunThreadTask work. Required.
	Executor api.Executor
	Clock    clock.Clock
	Logger   *zap.Logger
}

// Scheduler owns a fixed set of Cores. A channel stays on the Core that
// first registered it until that Core closes it.
type Scheduler struct {
	cores    []*Core
	exec     api.Executor
	clock    clock.Clock
	logger   *zap.Logger
	stats    *TaskStats
	timeout  atomic.Int64
	next     atomic.Uint64
	stopping atomic.Bool

	mu     sync.Mutex
	owners map[*Channel]*Core
	done   chan struct{}
}

// NewScheduler creates the Cores. Call Start to run them.
func NewScheduler(opts Options) (*Scheduler, error) {
	if opts.Cores <= 0 {
		return nil, fmt.Errorf("reactor: cores must be positive, got %d: %w", opts.Cores, api.ErrInvalidArgument)
	}
	if opts.Executor == nil {
		return nil, fmt.Errorf("reactor: executor is required: %w", api.ErrInvalidArgument)
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultOperationTimeout
	}
	s := &Scheduler{
		exec:   opts.Executor,
		clock:  opts.Clock,
		logger: opts.Logger,
		stats:  NewTaskStats(opts.Clock),
		owners: make(map[*Channel]*Core),
		done:   make(chan struct{}),
	}
	s.timeout.Store(int64(opts.DefaultTimeout))
	for i := 0; i < opts.Cores; i++ {
		p, err := newPoller()
		if err != nil {
			for _, c := range s.cores {
				c.Shutdown()
			}
			return nil, fmt.Errorf("reactor: core %d: %w", i, err)
		}
		s.cores = append(s.cores, newCoreWithPoller(CoreOptions{
			ID:            i,
			Clock:         opts.Clock,
			Logger:        opts.Logger,
			IdleSleep:     opts.IdleSleep,
			SpinThreshold: opts.SpinThreshold,
			Pin:           opts.PinCores,
			CPU:           concurrency.CPUForSlot(i),
			OnClose:       s.forget,
		}, p))
	}
	return s, nil
}

// Start launches every Core.
func (s *Scheduler) Start() {
	for _, c := range s.cores {
		c.Start()
	}
}

// Clock returns the time source shared by every Core.
func (s *Scheduler) Clock() clock.Clock { return s.clock }

// Stats returns the background task statistics store.
func (s *Scheduler) Stats() *TaskStats { return s.stats }

// CoreStats returns a snapshot of every Core.
func (s *Scheduler) CoreStats() []CoreStats {
	out := make([]CoreStats, len(s.cores))
	for i, c := range s.cores {
		out[i] = c.Stats()
	}
	return out
}

// DefaultTimeout returns now plus the configured per-operation timeout.
func (s *Scheduler) DefaultTimeout() time.Time {
	return s.clock.Now().Add(time.Duration(s.timeout.Load()))
}

// SetDefaultTimeout changes the per-operation timeout for later callers.
func (s *Scheduler) SetDefaultTimeout(d time.Duration) {
	if d > 0 {
		s.timeout.Store(int64(d))
	}
}

// coreFor returns the Core owning ch, picking one round-robin for a channel
// seen for the first time.
func (s *Scheduler) coreFor(ch *Channel) *Core {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.owners[ch]; ok {
		return c
	}
	c := s.cores[int(s.next.Add(1)-1)%len(s.cores)]
	s.owners[ch] = c
	return c
}

func (s *Scheduler) owner(ch *Channel) *Core {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owners[ch]
}

func (s *Scheduler) forget(ch *Channel) {
	s.mu.Lock()
	delete(s.owners, ch)
	s.mu.Unlock()
}

// WaitForRead arms h for the next readability of ch.
func (s *Scheduler) WaitForRead(ch *Channel, h ReadHandler) { s.coreFor(ch).WaitForRead(ch, h) }

// WaitForWrite arms h for the next writability of ch.
func (s *Scheduler) WaitForWrite(ch *Channel, h WriteHandler) { s.coreFor(ch).WaitForWrite(ch, h) }

// WaitForAccept arms h for the next pending connection on ch.
func (s *Scheduler) WaitForAccept(ch *Channel, h AcceptHandler) {
	s.coreFor(ch).WaitForAccept(ch, h)
}

// WaitForConnect arms h for completion of a non-blocking connect on ch.
func (s *Scheduler) WaitForConnect(ch *Channel, h ConnectHandler) {
	s.coreFor(ch).WaitForConnect(ch, h)
}

// Cancel clears h from ch if it is still the registered handler.
func (s *Scheduler) Cancel(ch *Channel, h Handler) {
	if c := s.owner(ch); c != nil {
		c.Cancel(ch, h)
	}
}

// Close closes ch, firing Closed on its pending handlers.
func (s *Scheduler) Close(ch *Channel) {
	if c := s.owner(ch); c != nil {
		c.Close(ch)
		return
	}
	_ = ch.Close()
}

// RunSelectorTask runs fn on the loop of the Core owning ch.
func (s *Scheduler) RunSelectorTask(ch *Channel, fn func()) error {
	return s.coreFor(ch).RunSelectorTask(fn)
}

// RunThreadTask runs work on the background executor and records its
// lifecycle under id. A rejected task is logged and dropped; the error is
// returned so the caller can report the failure on its own path.
func (s *Scheduler) RunThreadTask(id TaskID, work func() error) error {
	if s.stopping.Load() {
		s.logger.Debug("thread task dropped, scheduler stopping",
			zap.String("group", id.Group), zap.String("task", id.Name))
		return ErrCoreStopped
	}
	s.stats.Pending(id)
	tracked := s.stats.Track(id, work)
	err := s.exec.Submit(func() {
		if err := tracked(); err != nil {
			s.logger.Debug("thread task failed",
				zap.String("group", id.Group), zap.String("task", id.Name), zap.Error(err))
		}
	})
	if err != nil {
		s.stats.Rejected(id)
		s.logger.Warn("thread task rejected",
			zap.String("group", id.Group), zap.String("task", id.Name), zap.Error(err))
		return err
	}
	return nil
}

// Shutdown stops every Core on a separate goroutine. Done is closed once all
// Cores have exited.
func (s *Scheduler) Shutdown() error {
	if !s.stopping.CompareAndSwap(false, true) {
		return nil
	}
	go func() {
		for _, c := range s.cores {
			c.Shutdown()
		}
		for _, c := range s.cores {
			<-c.Done()
		}
		close(s.done)
	}()
	return nil
}

// Done is closed after Shutdown completed.
func (s *Scheduler) Done() <-chan struct{} { return s.done }

// Wait blocks until the Scheduler has shut down or timeout elapsed.
func (s *Scheduler) Wait(timeout time.Duration) error {
	select {
	case <-s.done:
		return nil
	case <-time.After(timeout):
		return errors.New("reactor: shutdown timed out")
	}
}
