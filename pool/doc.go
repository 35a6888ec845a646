// Package pool
// Author: momentics <momentics@gmail.com>
//
// Buffer recycling for hioload-proxy.
// BufferPool keeps size-classed free lists of byte buffers so the reactor
// goroutines do not churn the allocator for every read. Handle is the
// single-owner view over one pooled buffer with explicit flush discipline.
// See bufferpool.go and handle.go for implementation details.
package pool
