package concurrency

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-proxy/api"
)

func TestExecutor_RunsSubmittedTasks(t *testing.T) {
	e := NewExecutor(4, 128, nil)
	defer e.Close()

	var wg sync.WaitGroup
	var count int64
	for i := 0; i < 100; i++ {
		wg.Add(1)
		require.NoError(t, e.Submit(func() {
			defer wg.Done()
			atomic.AddInt64(&count, 1)
		}))
	}
	wg.Wait()
	require.Equal(t, int64(100), atomic.LoadInt64(&count))
}

func TestExecutor_RejectsWhenFull(t *testing.T) {
	block := make(chan struct{})
	e := NewExecutor(1, 1, nil)
	defer func() {
		close(block)
		e.Close()
	}()

	started := make(chan struct{})
	require.NoError(t, e.Submit(func() {
		close(started)
		<-block
	}))
	<-started
	require.NoError(t, e.Submit(func() {}))
	err := e.Submit(func() {})
	require.ErrorIs(t, err, ErrExecutorFull)
	require.Equal(t, api.ErrCodeResourceExhausted, api.Classify(err))
	require.Equal(t, int64(1), e.Stats()["rejected_tasks"])
}

func TestExecutor_RejectsAfterClose(t *testing.T) {
	e := NewExecutor(2, 8, nil)
	e.Close()
	require.ErrorIs(t, e.Submit(func() {}), ErrExecutorClosed)
	e.Close() // idempotent
}

func TestExecutor_RecoversPanics(t *testing.T) {
	recovered := make(chan any, 1)
	e := NewExecutor(1, 4, func(v any) { recovered <- v })
	defer e.Close()

	require.NoError(t, e.Submit(func() { panic("boom") }))
	select {
	case v := <-recovered:
		require.Equal(t, "boom", v)
	case <-time.After(2 * time.Second):
		t.Fatal("panic was not reported")
	}

	done := make(chan struct{})
	require.NoError(t, e.Submit(func() { close(done) }))
	<-done
}
