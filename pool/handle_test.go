package pool_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-proxy/pool"
)

func TestBufferPoolReuse(t *testing.T) {
	bp := pool.NewBufferPool(4)
	b1 := bp.Get(128)
	require.Equal(t, pool.SmallBufferSize, len(b1))
	bp.Put(b1)
	b2 := bp.Get(64)
	require.Equal(t, pool.SmallBufferSize, cap(b2))
	st := bp.Stats()
	require.Equal(t, int64(1), st.Allocated)
	require.Equal(t, int64(1), st.Reused)
}

func TestBufferPoolOversized(t *testing.T) {
	bp := pool.NewBufferPool(4)
	b := bp.Get(pool.LargeBufferSize + 1)
	require.Len(t, b, pool.LargeBufferSize+1)
	bp.Put(b)
	require.Equal(t, int64(1), bp.Stats().Dropped)
}

func TestHandle_WriteConsume(t *testing.T) {
	h := pool.NewHandle(pool.NewBufferPool(4))
	require.True(t, h.IsEmpty())
	require.False(t, h.HasBuffer())

	h.Append([]byte("hello world"))
	require.Equal(t, "hello world", string(h.Bytes()))
	h.Consume(6)
	require.Equal(t, "world", string(h.Bytes()))
	h.Consume(5)
	require.True(t, h.IsEmpty())
	require.True(t, h.HasBuffer())

	h.PossiblyFlush()
	require.False(t, h.HasBuffer())
}

func TestHandle_NoFlushWhileSending(t *testing.T) {
	bp := pool.NewBufferPool(4)
	h := pool.NewHandle(bp)
	h.Append([]byte("x"))
	h.SetMayBeFlushed(false)
	h.Consume(1)
	h.PossiblyFlush()
	require.True(t, h.HasBuffer(), "buffer must stay while a send is in flight")

	h.Release()
	require.False(t, h.HasBuffer())
	require.Equal(t, int64(0), bp.Stats().Returned)

	h.SetMayBeFlushed(true)
	h.Append([]byte("y"))
	h.Consume(1)
	h.PossiblyFlush()
	require.Equal(t, int64(1), bp.Stats().Returned)
}

func TestHandle_GrowKeepsData(t *testing.T) {
	h := pool.NewHandle(pool.NewBufferPool(4))
	data := make([]byte, pool.SmallBufferSize+10)
	for i := range data {
		data[i] = byte(i)
	}
	h.Append(data)
	require.Equal(t, data, h.Bytes())
	require.False(t, h.Grow())
}

func TestHandle_Detach(t *testing.T) {
	h := pool.NewHandle(pool.NewBufferPool(4))
	h.Append([]byte("body"))
	moved := h.Detach()
	require.True(t, h.IsEmpty())
	require.False(t, h.HasBuffer())
	require.Equal(t, "body", string(moved.Bytes()))
}

func TestHandle_CompactsOnExhaustedTail(t *testing.T) {
	h := pool.NewHandle(pool.NewBufferPool(4))
	space := h.WriteSpace()
	h.Commit(len(space))
	require.Empty(t, h.WriteSpace())
	h.Consume(100)
	space = h.WriteSpace()
	require.Len(t, space, 100)
	require.Equal(t, pool.SmallBufferSize-100, h.Len())
}
