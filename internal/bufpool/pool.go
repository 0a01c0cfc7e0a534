package bufpool

import (
	"sync"
)

// Pool recycles scratch buffers for encoding. Get hands out an empty
// slice with at least the requested capacity; Put keeps buffers up to
// maxRetain bytes of capacity and lets larger ones go to the GC, so a
// rare full-size frame does not pin memory.
type Pool struct {
	pool      sync.Pool
	minSize   int
	maxRetain int
}

// New returns a pool whose fresh buffers have capacity minSize and which
// retains buffers of capacity at most maxRetain.
func New(minSize, maxRetain int) *Pool {
	if minSize <= 0 {
		panic("minSize must be positive")
	}
	if maxRetain < minSize {
		maxRetain = minSize
	}
	return &Pool{minSize: minSize, maxRetain: maxRetain}
}

// Get returns a zero-length buffer with capacity of at least n.
func (p *Pool) Get(n int) []byte {
	if v := p.pool.Get(); v != nil {
		buf := *(v.(*[]byte))
		if cap(buf) >= n {
			return buf[:0]
		}
		p.Put(buf)
	}
	return make([]byte, 0, max(n, p.minSize))
}

// Put returns buf for reuse. buf must not be used afterwards.
func (p *Pool) Put(buf []byte) {
	if cap(buf) < p.minSize || cap(buf) > p.maxRetain {
		return
	}
	buf = buf[:0]
	p.pool.Put(&buf)
}
