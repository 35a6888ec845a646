// File: internal/concurrency/executor.go
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Executor dispatches tasks across a fixed set of worker goroutines fed by a
// bounded queue. Submission never blocks: a full queue or a closed executor
// rejects the task so reactor goroutines can hand work off safely.

package concurrency

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/momentics/hioload-proxy/api"
)

var _ api.Executor = (*Executor)(nil)

// TaskFunc is a unit of work to execute.
type TaskFunc func()

// PanicHandler receives values recovered from panicking tasks.
type PanicHandler func(v any)

// Executor manages a pool of worker goroutines.
type Executor struct {
	queue   chan TaskFunc
	closeCh chan struct{}
	closed  atomic.Bool
	mu      sync.RWMutex // guards queue sends against close
	wg      sync.WaitGroup
	workers int
	onPanic PanicHandler

	submitted atomic.Int64
	completed atomic.Int64
	rejected  atomic.Int64
}

// NewExecutor creates a new Executor with numWorkers goroutines and a queue
// holding up to queueSize tasks. If numWorkers <= 0, defaults to runtime.NumCPU().
func NewExecutor(numWorkers, queueSize int, onPanic PanicHandler) *Executor {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	if queueSize <= 0 {
		queueSize = numWorkers * 64
	}
	e := &Executor{
		queue:   make(chan TaskFunc, queueSize),
		closeCh: make(chan struct{}),
		workers: numWorkers,
		onPanic: onPanic,
	}
	for i := 0; i < numWorkers; i++ {
		e.wg.Add(1)
		go e.run()
	}
	return e
}

// Submit enqueues a task. Returns ErrExecutorClosed or ErrExecutorFull on rejection.
func (e *Executor) Submit(task func()) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed.Load() {
		e.rejected.Add(1)
		return ErrExecutorClosed
	}
	select {
	case e.queue <- task:
		e.submitted.Add(1)
		return nil
	default:
		e.rejected.Add(1)
		return ErrExecutorFull
	}
}

// NumWorkers returns active worker count.
func (e *Executor) NumWorkers() int {
	return e.workers
}

// Pending returns the number of queued tasks.
func (e *Executor) Pending() int {
	return len(e.queue)
}

// Stats returns basic executor counters.
func (e *Executor) Stats() map[string]int64 {
	return map[string]int64{
		"submitted_tasks": e.submitted.Load(),
		"completed_tasks": e.completed.Load(),
		"rejected_tasks":  e.rejected.Load(),
		"pending_tasks":   int64(len(e.queue)),
		"num_workers":     int64(e.workers),
	}
}

// Close stops accepting tasks, lets workers drain the queue and waits for them.
func (e *Executor) Close() {
	e.mu.Lock()
	if !e.closed.CompareAndSwap(false, true) {
		e.mu.Unlock()
		return
	}
	close(e.queue)
	close(e.closeCh)
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *Executor) run() {
	defer e.wg.Done()
	for task := range e.queue {
		e.safeExecute(task)
	}
}

func (e *Executor) safeExecute(task TaskFunc) {
	defer func() {
		e.completed.Add(1)
		if r := recover(); r != nil && e.onPanic != nil {
			e.onPanic(r)
		}
	}()
	task()
}
