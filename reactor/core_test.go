// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

package reactor

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/momentics/hioload-proxy/api"
)

// recordingHandler records every callback it receives.
type recordingHandler struct {
	deadline time.Time
	reads    chan struct{}
	writes   chan struct{}
	closed   chan struct{}
	timeouts chan struct{}
	onRead   func()
}

func newRecorder() *recordingHandler {
	return &recordingHandler{
		reads:    make(chan struct{}, 16),
		writes:   make(chan struct{}, 16),
		closed:   make(chan struct{}, 16),
		timeouts: make(chan struct{}, 16),
	}
}

func (h *recordingHandler) Deadline() time.Time { return h.deadline }
func (h *recordingHandler) Closed()             { h.closed <- struct{}{} }
func (h *recordingHandler) Timeout()            { h.timeouts <- struct{}{} }
func (h *recordingHandler) Write()              { h.writes <- struct{}{} }
func (h *recordingHandler) Read() {
	if h.onRead != nil {
		h.onRead()
	}
	h.reads <- struct{}{}
}

type nopPoller struct{ closed atomic.Bool }

func (p *nopPoller) add(int, uint32) error    { return nil }
func (p *nopPoller) modify(int, uint32) error { return nil }
func (p *nopPoller) remove(int) error         { return nil }
func (p *nopPoller) wait(time.Duration, []readyEvent) ([]readyEvent, error) {
	return nil, nil
}
func (p *nopPoller) wake() error  { return nil }
func (p *nopPoller) close() error { p.closed.Store(true); return nil }

func expect(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func expectNone(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
		t.Fatalf("unexpected %s", what)
	case <-time.After(100 * time.Millisecond):
	}
}

// barrier waits until every task queued on c before it has run.
func barrier(t *testing.T, c *Core) {
	t.Helper()
	done := make(chan struct{})
	require.NoError(t, c.RunSelectorTask(func() { close(done) }))
	expect(t, done, "selector barrier")
}

func startCore(t *testing.T) *Core {
	t.Helper()
	c, err := NewCore(CoreOptions{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	c.Start()
	t.Cleanup(func() {
		c.Shutdown()
		<-c.Done()
	})
	return c
}

func pair(t *testing.T) (*Channel, *Channel) {
	t.Helper()
	a, b, err := Pair()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a, b
}

func TestCoreReadFiresExactlyOnce(t *testing.T) {
	c := startCore(t)
	a, b := pair(t)
	h := newRecorder()

	c.WaitForRead(a, h)
	_, err := b.Write([]byte("ping"))
	require.NoError(t, err)
	expect(t, h.reads, "read callback")

	// Data is still unread but the registration is gone.
	expectNone(t, h.reads, "second read callback")

	c.WaitForRead(a, h)
	expect(t, h.reads, "read callback after re-arm")
}

func TestCoreCallbackMayReArm(t *testing.T) {
	c := startCore(t)
	a, b := pair(t)
	h := newRecorder()
	var fired atomic.Int32
	h.onRead = func() {
		buf := make([]byte, 16)
		_, _ = a.Read(buf)
		if fired.Add(1) == 1 {
			c.register(a, InterestRead, h)
		}
	}
	c.WaitForRead(a, h)
	_, _ = b.Write([]byte("one"))
	expect(t, h.reads, "first read")
	_, _ = b.Write([]byte("two"))
	expect(t, h.reads, "second read")
	assert.EqualValues(t, 2, fired.Load())
}

func TestCoreTimeout(t *testing.T) {
	c := startCore(t)
	a, _ := pair(t)
	h := newRecorder()
	h.deadline = time.Now().Add(50 * time.Millisecond)

	c.WaitForRead(a, h)
	expect(t, h.timeouts, "timeout callback")
	expectNone(t, h.reads, "read callback")
	assert.EqualValues(t, 1, c.Stats().Timeouts)
}

func TestCoreCancelMatchesHandlerIdentity(t *testing.T) {
	c := startCore(t)
	a, b := pair(t)
	h1, h2 := newRecorder(), newRecorder()

	c.WaitForRead(a, h1)
	c.Cancel(a, h2)
	barrier(t, c)
	_, _ = b.Write([]byte("x"))
	expect(t, h1.reads, "read on still registered handler")

	c.WaitForRead(a, h1)
	c.Cancel(a, h1)
	barrier(t, c)
	_, _ = b.Write([]byte("y"))
	expectNone(t, h1.reads, "read after cancel")
}

func TestCoreCloseFiresClosed(t *testing.T) {
	c := startCore(t)
	a, _ := pair(t)
	h := newRecorder()

	c.WaitForRead(a, h)
	c.Close(a)
	expect(t, h.closed, "closed callback")
	assert.True(t, a.IsClosed())
}

func TestCoreWaitOnClosedChannel(t *testing.T) {
	c := startCore(t)
	a, _ := pair(t)
	require.NoError(t, a.Close())
	h := newRecorder()

	c.WaitForRead(a, h)
	expect(t, h.closed, "closed callback")
}

func TestCoreShutdownClosesRegistered(t *testing.T) {
	c, err := NewCore(CoreOptions{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	c.Start()
	a, _ := pair(t)
	h := newRecorder()
	c.WaitForRead(a, h)
	barrier(t, c)

	c.Shutdown()
	expect(t, h.closed, "closed callback on shutdown")
	<-c.Done()
	assert.True(t, a.IsClosed())
	assert.ErrorIs(t, c.RunSelectorTask(func() {}), ErrCoreStopped)

	// Late registrations are still told.
	h2 := newRecorder()
	b, _ := pair(t)
	c.WaitForRead(b, h2)
	expect(t, h2.closed, "closed callback after stop")
}

func TestCoreDoubleRegistrationPanics(t *testing.T) {
	c := newCoreWithPoller(CoreOptions{}, &nopPoller{})
	a, _ := pair(t)
	c.register(a, InterestRead, newRecorder())

	defer func() {
		r := recover()
		require.NotNil(t, r)
		assert.True(t, api.IsMisuse(r))
	}()
	c.register(a, InterestRead, newRecorder())
}

func TestCoreInvokeRecoversOrdinaryPanics(t *testing.T) {
	c := newCoreWithPoller(CoreOptions{Logger: zaptest.NewLogger(t)}, &nopPoller{})
	assert.NotPanics(t, func() { c.invoke(func() { panic("boom") }) })
	assert.Panics(t, func() { c.invoke(func() { panic(api.Misuse("again")) }) })
}

func TestCoreSleepFollowsNearestDeadline(t *testing.T) {
	mock := clock.NewMock()
	c := newCoreWithPoller(CoreOptions{Clock: mock, IdleSleep: time.Minute}, &nopPoller{})
	assert.Equal(t, time.Minute, c.nextSleep())

	a, _ := pair(t)
	b, _ := pair(t)
	far, near := newRecorder(), newRecorder()
	far.deadline = mock.Now().Add(20 * time.Second)
	near.deadline = mock.Now().Add(5 * time.Second)
	c.register(a, InterestRead, far)
	c.register(b, InterestWrite, near)
	assert.Equal(t, 5*time.Second, c.nextSleep())

	mock.Add(5 * time.Second)
	assert.Equal(t, time.Duration(0), c.nextSleep())
	assert.Equal(t, 1, c.applyTimeouts(mock.Now()))
	expect(t, near.timeouts, "near timeout")
	assert.Equal(t, 15*time.Second, c.nextSleep())
}

func TestCoreTimeoutBeatsReadinessInSameIteration(t *testing.T) {
	mock := clock.NewMock()
	c := newCoreWithPoller(CoreOptions{Clock: mock}, &nopPoller{})
	a, _ := pair(t)
	h := newRecorder()
	h.deadline = mock.Now().Add(time.Second)
	c.register(a, InterestRead, h)

	mock.Add(time.Second)
	c.ready = []readyEvent{{fd: a.FD(), readable: true}}
	c.applyTimeouts(mock.Now())
	assert.Equal(t, 0, c.dispatch())
	expect(t, h.timeouts, "timeout")
	expectNone(t, h.reads, "read after timeout")
}

func TestCoreSpinCheckDropsDeadChannels(t *testing.T) {
	c := newCoreWithPoller(CoreOptions{SpinThreshold: 3, Logger: zaptest.NewLogger(t)}, &nopPoller{})
	dead, peer := pair(t)
	alive, _ := pair(t)
	for _, ch := range []*Channel{dead, alive} {
		h := newRecorder()
		c.register(ch, InterestRead, h)
		c.cancel(ch, h)
	}
	require.NoError(t, peer.Close())

	for i := 0; i < 3; i++ {
		c.checkSpin(0, 0, 0, time.Second)
	}
	assert.True(t, dead.IsClosed())
	assert.False(t, alive.IsClosed())
	assert.EqualValues(t, 1, c.Stats().SpinChecks)
	assert.EqualValues(t, 1, c.Stats().CheckCanceled)
}

func TestCoreSpinCounterResetsOnWork(t *testing.T) {
	c := newCoreWithPoller(CoreOptions{SpinThreshold: 2}, &nopPoller{})
	c.checkSpin(0, 0, 0, time.Second)
	c.checkSpin(1, 0, 0, time.Second)
	c.checkSpin(0, 0, 0, time.Second)
	assert.EqualValues(t, 0, c.Stats().SpinChecks)
}
