// Package bufpool provides a sync.Pool-backed []byte pool shared by the
// receive/decode and send paths, grounded on the teacher repo's
// internal/gameserver/bufpool.go BytePool.
package bufpool

import "sync"

// BytePool is a pool of reusable []byte buffers, reducing GC pressure on
// the per-connection hot path.
type BytePool struct {
	pool sync.Pool
}

// New creates a buffer pool whose freshly allocated slices default to
// defaultCap capacity.
func New(defaultCap int) *BytePool {
	p := &BytePool{}
	p.pool.New = func() any {
		return make([]byte, 0, defaultCap)
	}
	return p
}

// Get returns a zeroed slice of length size, preferably recycled from the
// pool.
func (p *BytePool) Get(size int) []byte {
	b := p.pool.Get().([]byte)
	if cap(b) < size {
		p.pool.Put(b)
		return make([]byte, size)
	}
	b = b[:size]
	clear(b)
	return b
}

// Put returns b to the pool for reuse.
func (p *BytePool) Put(b []byte) {
	if b == nil {
		return
	}
	p.pool.Put(b[:0])
}
