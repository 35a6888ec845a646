// Author: momentics <momentics@gmail.com>

package backend_test

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/momentics/hioload-proxy/api"
	"github.com/momentics/hioload-proxy/backend"
	"github.com/momentics/hioload-proxy/internal/concurrency"
	"github.com/momentics/hioload-proxy/reactor"
)

type outcome struct {
	conns chan *backend.Conn
	errs  chan error
}

func newOutcome() *outcome {
	return &outcome{conns: make(chan *backend.Conn, 1), errs: make(chan error, 1)}
}

func (o *outcome) Connected(c *backend.Conn) { o.conns <- c }
func (o *outcome) Failed(err error)          { o.errs <- err }

func (o *outcome) conn(t *testing.T) *backend.Conn {
	t.Helper()
	select {
	case c := <-o.conns:
		return c
	case err := <-o.errs:
		t.Fatalf("unexpected failure: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("no connection delivered")
	}
	return nil
}

func (o *outcome) failure(t *testing.T) error {
	t.Helper()
	select {
	case c := <-o.conns:
		t.Fatalf("unexpected connection %s", c)
	case err := <-o.errs:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("no failure delivered")
	}
	return nil
}

type fixture struct {
	pool     *backend.Pool
	sched    *reactor.Scheduler
	port     uint16
	accepted chan net.Conn
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	exec := concurrency.NewExecutor(2, 32, nil)
	sched, err := reactor.NewScheduler(reactor.Options{Cores: 2, Executor: exec, Logger: logger})
	require.NoError(t, err)
	sched.Start()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	accepted := make(chan net.Conn, 16)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			accepted <- c
		}
	}()

	pool := backend.NewPool(backend.Options{
		Scheduler: sched,
		Resolver:  backend.NewDNSResolver(backend.DNSConfig{Servers: []string{"127.0.0.1:1"}}, logger),
		Logger:    logger,
	})
	t.Cleanup(func() {
		_ = pool.Close()
		_ = ln.Close()
		_ = sched.Shutdown()
		<-sched.Done()
		exec.Close()
	})
	return &fixture{
		pool:     pool,
		sched:    sched,
		port:     uint16(ln.Addr().(*net.TCPAddr).Port),
		accepted: accepted,
	}
}

func (f *fixture) get(t *testing.T, method string) *backend.Conn {
	t.Helper()
	o := newOutcome()
	f.pool.Get(backend.Request{Method: method, Host: "127.0.0.1", Port: f.port}, o)
	return o.conn(t)
}

func (f *fixture) peer(t *testing.T) net.Conn {
	t.Helper()
	select {
	case c := <-f.accepted:
		t.Cleanup(func() { _ = c.Close() })
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("backend accepted nothing")
	}
	return nil
}

func TestPoolReusesForGet(t *testing.T) {
	f := newFixture(t)
	c1 := f.get(t, "GET")
	assert.False(t, c1.Reused())
	f.pool.Release(c1)
	assert.Equal(t, 1, f.pool.Stats().Idle)

	c2 := f.get(t, "HEAD")
	assert.Same(t, c1, c2)
	assert.True(t, c2.Reused())
	assert.Equal(t, 0, f.pool.Stats().Idle)
	assert.EqualValues(t, 1, f.pool.Stats().Reused)
}

func TestPoolNeverReusesForPost(t *testing.T) {
	f := newFixture(t)
	c1 := f.get(t, "GET")
	f.pool.Release(c1)

	c2 := f.get(t, "POST")
	assert.NotSame(t, c1, c2)
	assert.Equal(t, 1, f.pool.Stats().Idle)
	assert.EqualValues(t, 2, f.pool.Stats().Created)
}

func TestPoolMostRecentlyReleasedFirst(t *testing.T) {
	f := newFixture(t)
	c1 := f.get(t, "GET")
	c2 := f.get(t, "GET")
	f.pool.Release(c1)
	f.pool.Release(c2)

	assert.Same(t, c2, f.get(t, "GET"))
	assert.Same(t, c1, f.get(t, "GET"))
}

func TestPoolEvictsOnIdleActivity(t *testing.T) {
	f := newFixture(t)
	c1 := f.get(t, "GET")
	srv := f.peer(t)
	f.pool.Release(c1)

	_, err := srv.Write([]byte("x"))
	require.NoError(t, err)
	require.Eventually(t, c1.IsClosed, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, f.pool.Stats().Idle)
	assert.EqualValues(t, 1, f.pool.Stats().Evicted)

	c2 := f.get(t, "GET")
	assert.NotSame(t, c1, c2)
}

func TestPoolEvictsOnIdleEOF(t *testing.T) {
	f := newFixture(t)
	c1 := f.get(t, "GET")
	srv := f.peer(t)
	f.pool.Release(c1)

	require.NoError(t, srv.Close())
	require.Eventually(t, c1.IsClosed, 3*time.Second, 10*time.Millisecond)
	assert.NotSame(t, c1, f.get(t, "GET"))
}

func TestPoolEvictsAfterKeepAlive(t *testing.T) {
	f := newFixture(t)
	f.pool.SetKeepAlive(50 * time.Millisecond)
	c1 := f.get(t, "GET")
	f.pool.Release(c1)
	assert.False(t, c1.ReleasedAt().IsZero())
	require.Eventually(t, c1.IsClosed, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, f.pool.Stats().Idle)
}

func TestPoolClosesWithoutKeepAlive(t *testing.T) {
	f := newFixture(t)
	c := f.get(t, "GET")
	c.DisableKeepAlive()
	assert.False(t, c.KeepAlive())
	f.pool.Release(c)
	require.Eventually(t, c.IsClosed, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, f.pool.Stats().Idle)

	// Releasing a closed connection is a no-op.
	assert.NotPanics(t, func() { f.pool.Release(c) })
}

func TestPoolDoubleReleasePanics(t *testing.T) {
	f := newFixture(t)
	c := f.get(t, "GET")
	f.pool.Release(c)
	defer func() {
		r := recover()
		require.NotNil(t, r)
		assert.True(t, api.IsMisuse(r))
	}()
	f.pool.Release(c)
}

func TestPoolConnectRefused(t *testing.T) {
	f := newFixture(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	require.NoError(t, ln.Close())

	o := newOutcome()
	f.pool.Get(backend.Request{Method: "GET", Host: "127.0.0.1", Port: port}, o)
	err = o.failure(t)
	assert.True(t, errors.Is(err, syscall.ECONNREFUSED), "got %v", err)
	assert.Equal(t, api.ErrCodeBackendUnreachable, api.Classify(err))
	assert.False(t, backend.IsUnknownHost(err))
}

func TestPoolClosedRejectsDial(t *testing.T) {
	f := newFixture(t)
	c := f.get(t, "GET")
	require.NoError(t, f.pool.Close())
	f.pool.Release(c)
	require.Eventually(t, c.IsClosed, 3*time.Second, 10*time.Millisecond)

	o := newOutcome()
	f.pool.Get(backend.Request{Method: "GET", Host: "127.0.0.1", Port: f.port}, o)
	assert.ErrorIs(t, o.failure(t), backend.ErrPoolClosed)
}

func TestConnectTimeoutClassified(t *testing.T) {
	err := fmt.Errorf("10.0.0.1:80: %w", backend.ErrConnectTimeout)
	assert.ErrorIs(t, err, backend.ErrConnectTimeout)
	assert.Equal(t, api.ErrCodeTimeout, api.Classify(err))
	assert.Equal(t, "10.0.0.1:80: backend connect timed out", err.Error())
}
