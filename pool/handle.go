// File: pool/handle.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Handle is an owned view over one pooled buffer. Exactly one component
// holds a Handle at a time; moving data between components goes through
// Detach, never through sharing the same Handle.

package pool

// Handle tracks one lazily acquired buffer with read and write cursors.
//
// States:
//   - empty: no backing buffer acquired
//   - holding data: Len() > 0
//   - may-be-flushed: cleared while a send from Bytes() is in flight so the
//     buffer cannot go back to the pool under the writer's feet
type Handle struct {
	pool    *BufferPool
	buf     []byte
	r, w    int
	noFlush bool
	isLarge bool
}

// NewHandle returns an empty handle drawing buffers from p.
func NewHandle(p *BufferPool) *Handle {
	return &Handle{pool: p}
}

// HasBuffer reports whether a backing buffer is currently held.
func (h *Handle) HasBuffer() bool {
	return h.buf != nil
}

// IsEmpty reports whether there is no unread data.
func (h *Handle) IsEmpty() bool {
	return h.buf == nil || h.r == h.w
}

// Len returns the number of unread bytes.
func (h *Handle) Len() int {
	return h.w - h.r
}

// Bytes returns the unread bytes. The slice is valid until the next call
// that writes into the handle.
func (h *Handle) Bytes() []byte {
	if h.buf == nil {
		return nil
	}
	return h.buf[h.r:h.w]
}

// Consume marks n unread bytes as read.
func (h *Handle) Consume(n int) {
	if n < 0 || n > h.w-h.r {
		panic("pool: consume out of range")
	}
	h.r += n
	if h.r == h.w {
		h.r, h.w = 0, 0
	}
}

// WriteSpace returns the writable tail, acquiring a buffer when empty and
// compacting unread bytes to the front when the tail is exhausted.
func (h *Handle) WriteSpace() []byte {
	if h.buf == nil {
		h.buf = h.pool.Get(SmallBufferSize)
		h.r, h.w = 0, 0
	}
	if h.w == len(h.buf) && h.r > 0 {
		n := copy(h.buf, h.buf[h.r:h.w])
		h.r, h.w = 0, n
	}
	return h.buf[h.w:]
}

// Commit marks n bytes of the last WriteSpace as written.
func (h *Handle) Commit(n int) {
	if n < 0 || h.w+n > len(h.buf) {
		panic("pool: commit out of range")
	}
	h.w += n
}

// Grow moves unread data into a large buffer. It returns false when the
// handle is already large.
func (h *Handle) Grow() bool {
	if h.isLarge {
		return false
	}
	nb := h.pool.Get(LargeBufferSize)
	n := 0
	if h.buf != nil {
		n = copy(nb, h.buf[h.r:h.w])
		h.pool.Put(h.buf)
	}
	h.buf = nb
	h.r, h.w = 0, n
	h.isLarge = true
	return true
}

// Append copies p into the handle, growing when the small buffer is not enough.
func (h *Handle) Append(p []byte) {
	for len(p) > 0 {
		space := h.WriteSpace()
		if len(space) == 0 {
			if !h.Grow() {
				nb := make([]byte, (h.w-h.r+len(p))*2)
				n := copy(nb, h.buf[h.r:h.w])
				h.pool.Put(h.buf)
				h.buf, h.r, h.w = nb, 0, n
			}
			continue
		}
		n := copy(space, p)
		h.Commit(n)
		p = p[n:]
	}
}

// SetMayBeFlushed toggles whether the buffer may return to the pool.
func (h *Handle) SetMayBeFlushed(v bool) {
	h.noFlush = !v
}

// MayBeFlushed reports whether the buffer may return to the pool.
func (h *Handle) MayBeFlushed() bool {
	return !h.noFlush
}

// PossiblyFlush returns the backing buffer to the pool when it holds no
// unread data and no send is in flight.
func (h *Handle) PossiblyFlush() {
	if h.buf == nil || h.noFlush || h.r != h.w {
		return
	}
	h.release()
}

// Release drops the backing buffer even if it still holds data. A buffer
// whose send is in flight is abandoned to the garbage collector rather than
// recycled.
func (h *Handle) Release() {
	if h.buf == nil {
		return
	}
	if h.noFlush {
		h.buf = nil
		h.r, h.w = 0, 0
		h.isLarge = false
		return
	}
	h.release()
}

func (h *Handle) release() {
	h.pool.Put(h.buf)
	h.buf = nil
	h.r, h.w = 0, 0
	h.isLarge = false
}

// Detach transfers the backing buffer and its unread data into a new
// handle and leaves h empty.
func (h *Handle) Detach() *Handle {
	nh := &Handle{
		pool:    h.pool,
		buf:     h.buf,
		r:       h.r,
		w:       h.w,
		noFlush: h.noFlush,
		isLarge: h.isLarge,
	}
	h.buf = nil
	h.r, h.w = 0, 0
	h.noFlush = false
	h.isLarge = false
	return nh
}
