// File: pool/bufferpool.go
// Package pool implements buffer pooling with size class subpooling.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package pool

import (
	"sync/atomic"
)

const (
	// SmallBufferSize is the class handed out for ordinary reads.
	SmallBufferSize = 4 * 1024
	// LargeBufferSize is the class a Handle grows into for big heads and bodies.
	LargeBufferSize = 128 * 1024

	defaultClassCapacity = 1024
)

// Predefined buffer size classes (bytes).
var sizeClasses = [...]int{
	SmallBufferSize,
	16 * 1024,
	64 * 1024,
	LargeBufferSize,
}

// sizeClassUpperBound returns the smallest class >= requested size, or -1.
func sizeClassUpperBound(size int) int {
	for i, c := range sizeClasses {
		if size <= c {
			return i
		}
	}
	return -1
}

// Stats aggregates buffer allocation/reuse counters.
type Stats struct {
	Allocated int64
	Reused    int64
	Returned  int64
	Dropped   int64
}

// classPool is a bounded free list for one size class.
type classPool struct {
	size int
	free chan []byte
}

func (c *classPool) get() ([]byte, bool) {
	select {
	case b := <-c.free:
		return b[:c.size], true
	default:
		return make([]byte, c.size), false
	}
}

func (c *classPool) put(b []byte) bool {
	select {
	case c.free <- b:
		return true
	default:
		return false
	}
}

// BufferPool hands out and recycles byte buffers by size class.
// It is safe for concurrent use by all reactor goroutines.
type BufferPool struct {
	classes []*classPool

	allocated atomic.Int64
	reused    atomic.Int64
	returned  atomic.Int64
	dropped   atomic.Int64
}

// NewBufferPool creates a pool that keeps up to capacity free buffers per class.
func NewBufferPool(capacity int) *BufferPool {
	if capacity <= 0 {
		capacity = defaultClassCapacity
	}
	p := &BufferPool{classes: make([]*classPool, len(sizeClasses))}
	for i, size := range sizeClasses {
		p.classes[i] = &classPool{size: size, free: make(chan []byte, capacity)}
	}
	return p
}

// Get returns a buffer with len at least size. Sizes above the largest class
// are allocated exactly and never recycled.
func (p *BufferPool) Get(size int) []byte {
	idx := sizeClassUpperBound(size)
	if idx < 0 {
		p.allocated.Add(1)
		return make([]byte, size)
	}
	b, reused := p.classes[idx].get()
	if reused {
		p.reused.Add(1)
	} else {
		p.allocated.Add(1)
	}
	return b
}

// Put returns b to the class matching its capacity. Buffers that match no
// class exactly are left to the garbage collector.
func (p *BufferPool) Put(b []byte) {
	for i, size := range sizeClasses {
		if cap(b) == size {
			if p.classes[i].put(b[:size]) {
				p.returned.Add(1)
			} else {
				p.dropped.Add(1)
			}
			return
		}
	}
	p.dropped.Add(1)
}

// Stats exposes allocation counters for observability.
func (p *BufferPool) Stats() Stats {
	return Stats{
		Allocated: p.allocated.Load(),
		Reused:    p.reused.Load(),
		Returned:  p.returned.Load(),
		Dropped:   p.dropped.Load(),
	}
}
