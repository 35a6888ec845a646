// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

package reactor

import (
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/momentics/hioload-proxy/internal/concurrency"
)

type rejectingExecutor struct{}

func (rejectingExecutor) Submit(func()) error { return concurrency.ErrExecutorFull }
func (rejectingExecutor) NumWorkers() int     { return 0 }
func (rejectingExecutor) Pending() int        { return 0 }

func newTestScheduler(t *testing.T, cores int) *Scheduler {
	t.Helper()
	exec := concurrency.NewExecutor(2, 16, nil)
	s, err := NewScheduler(Options{
		Cores:    cores,
		Executor: exec,
		Logger:   zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	s.Start()
	t.Cleanup(func() {
		_ = s.Shutdown()
		require.NoError(t, s.Wait(5*time.Second))
		exec.Close()
	})
	return s
}

func TestSchedulerRejectsBadOptions(t *testing.T) {
	_, err := NewScheduler(Options{Cores: 0, Executor: rejectingExecutor{}})
	assert.Error(t, err)
	_, err = NewScheduler(Options{Cores: 1})
	assert.Error(t, err)
}

func TestSchedulerAffinity(t *testing.T) {
	s := newTestScheduler(t, 3)
	a, b := pair(t)
	h := newRecorder()

	s.WaitForRead(a, h)
	owner := s.owner(a)
	require.NotNil(t, owner)

	s.WaitForWrite(a, h)
	assert.Same(t, owner, s.owner(a))
	expect(t, h.writes, "write callback")

	_, _ = b.Write([]byte("x"))
	expect(t, h.reads, "read callback")
	assert.Same(t, owner, s.owner(a))
}

func TestSchedulerRoundRobin(t *testing.T) {
	s := newTestScheduler(t, 2)
	seen := map[*Core]bool{}
	for i := 0; i < 4; i++ {
		a, _ := pair(t)
		s.WaitForRead(a, newRecorder())
		seen[s.owner(a)] = true
	}
	assert.Len(t, seen, 2)
}

func TestSchedulerCloseForgetsOwner(t *testing.T) {
	s := newTestScheduler(t, 2)
	a, _ := pair(t)
	h := newRecorder()
	s.WaitForRead(a, h)
	s.Close(a)
	expect(t, h.closed, "closed callback")
	assert.Nil(t, s.owner(a))

	// A channel never registered is closed directly.
	b, _ := pair(t)
	s.Close(b)
	assert.True(t, b.IsClosed())
}

func TestSchedulerRunThreadTask(t *testing.T) {
	s := newTestScheduler(t, 1)
	done := make(chan struct{})
	id := TaskID{Group: "dns", Name: "example.com"}
	s.RunThreadTask(id, func() error {
		close(done)
		return nil
	})
	expect(t, done, "thread task")

	require.Eventually(t, func() bool {
		snap := s.Stats().Snapshot()
		return len(snap) == 1 && snap[0].Completed == 1
	}, 2*time.Second, 10*time.Millisecond)

	failed := make(chan struct{})
	s.RunThreadTask(id, func() error {
		defer close(failed)
		return errors.New("nxdomain")
	})
	expect(t, failed, "failing thread task")
	require.Eventually(t, func() bool {
		return s.Stats().Snapshot()[0].Failed == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSchedulerRejectedThreadTaskIsDropped(t *testing.T) {
	s, err := NewScheduler(Options{Cores: 1, Executor: rejectingExecutor{}, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	defer func() { _ = s.Shutdown(); <-s.Done() }()

	assert.NotPanics(t, func() {
		s.RunThreadTask(TaskID{Group: "g", Name: "n"}, func() error { return nil })
	})
	snap := s.Stats().Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 0, snap[0].Pending)
	assert.Zero(t, snap[0].Completed)
}

func TestSchedulerDefaultTimeout(t *testing.T) {
	mock := clock.NewMock()
	s, err := NewScheduler(Options{Cores: 1, Executor: rejectingExecutor{}, Clock: mock, DefaultTimeout: 10 * time.Second})
	require.NoError(t, err)
	defer func() { _ = s.Shutdown(); <-s.Done() }()

	assert.Equal(t, mock.Now().Add(10*time.Second), s.DefaultTimeout())
	s.SetDefaultTimeout(3 * time.Second)
	assert.Equal(t, mock.Now().Add(3*time.Second), s.DefaultTimeout())
	s.SetDefaultTimeout(0)
	assert.Equal(t, mock.Now().Add(3*time.Second), s.DefaultTimeout())
}
