package core

import (
	"sync"
	"sync/atomic"
)

// BufferPool recycles cache-aligned slabs between jobs. Slabs travel as
// *[]byte so that returning one to the pool does not allocate.
type BufferPool struct {
	slabs sync.Pool
	gets  atomic.Int64
	puts  atomic.Int64
}

// NewBufferPool creates an empty slab pool.
func NewBufferPool() *BufferPool {
	return &BufferPool{}
}

// Get returns a zeroed, cache-aligned slab of exactly size bytes, or nil
// when size is zero.
func (p *BufferPool) Get(size int) *[]byte {
	p.gets.Add(1)
	if size == 0 {
		return nil
	}
	if v := p.slabs.Get(); v != nil {
		slab := v.(*[]byte)
		if cap(*slab) >= size {
			*slab = (*slab)[:size]
			clear(*slab)
			return slab
		}
		// Too small for this job; let the GC have it.
	}
	buf := AlignedBytes(size)
	return &buf
}

// Put hands a slab back to the pool. Put(nil) only counts the release.
func (p *BufferPool) Put(slab *[]byte) {
	p.puts.Add(1)
	if slab == nil || cap(*slab) == 0 {
		return
	}
	*slab = (*slab)[:0]
	p.slabs.Put(slab)
}

// Outstanding reports slabs handed out and not yet returned.
func (p *BufferPool) Outstanding() int64 {
	return p.gets.Load() - p.puts.Load()
}
