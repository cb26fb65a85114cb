package trie

import "sync"

// BufferPool is a scratch byte-buffer allocator for the node-read path
// (readTag/readInternal/readLeaf in trie.go), reused on every traversal
// step instead of calling make on each lookup. No third-party dependency
// in the retrieval pack replaces sync.Pool for this job (see
// DESIGN.md), so this one piece is stdlib by necessity rather than
// preference.
type BufferPool struct {
	pool sync.Pool
}

func newBufferPool() *BufferPool {
	return &BufferPool{
		pool: sync.Pool{
			New: func() any { return make([]byte, 0, 256) },
		},
	}
}

// Get returns a buffer with at least size capacity, truncated/extended
// to size.
func (p *BufferPool) Get(size int) []byte {
	buf := p.pool.Get().([]byte)
	if cap(buf) < size {
		return make([]byte, size)
	}
	return buf[:size]
}

// Put returns a buffer to the pool for reuse.
func (p *BufferPool) Put(buf []byte) {
	p.pool.Put(buf[:0]) //nolint:staticcheck // reset length, keep capacity
}
