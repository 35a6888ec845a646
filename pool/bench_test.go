// Author: momentics <momentics@gmail.com>

package pool_test

import (
	"testing"

	"github.com/momentics/hioload-proxy/pool"
)

// BenchmarkBufferPoolAllocation tests buffer pool allocation performance.
func BenchmarkBufferPoolAllocation(b *testing.B) {
	bp := pool.NewBufferPool(0)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			bp.Put(bp.Get(pool.SmallBufferSize))
		}
	})
}

// BenchmarkHandleAppendDetach measures moving data between two owners.
func BenchmarkHandleAppendDetach(b *testing.B) {
	bp := pool.NewBufferPool(0)
	data := make([]byte, 1500)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		h := pool.NewHandle(bp)
		h.Append(data)
		d := h.Detach()
		d.Release()
		h.Release()
	}
}
