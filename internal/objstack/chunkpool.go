package objstack

import "sync"

// ChunkSize is the number of object pointers batched per mark-stack
// chunk, chosen to minimize cache misses while marking (spec §4.5,
// "Batch in object-stack chunks to minimize cache misses").
const ChunkSize = 256

// Chunk is a fixed-size batch of object pointers handed between GC
// worker goroutines. Chunks, not individual pointers, are the unit of
// work-stealing (spec §4.5, "parallelize by sharding stack chunks
// across GC worker threads, with work-stealing").
type Chunk struct {
	addrs [ChunkSize]uintptr
	len   int
}

// Push appends addr to the chunk, returning false if it is full.
func (c *Chunk) Push(addr uintptr) bool {
	if c.len >= ChunkSize {
		return false
	}
	c.addrs[c.len] = addr
	c.len++
	return true
}

// Pop removes and returns the last pushed address.
func (c *Chunk) Pop() (uintptr, bool) {
	if c.len == 0 {
		return 0, false
	}
	c.len--
	return c.addrs[c.len], true
}

// Len reports the number of live entries.
func (c *Chunk) Len() int { return c.len }

// reset clears the chunk for reuse.
func (c *Chunk) reset() { c.len = 0 }

// ChunkPool is a free-list of mark-stack chunks shared by the GC
// worker pool (spec §4.5, §5). Get/Put let workers hand full chunks to
// one another; MarkSweep does not use them: it takes chunks with
// NewChunk, fills them from its single gray stack, and returns them
// with Recycle.
type ChunkPool struct {
	mu    sync.Mutex
	free  []*Chunk
	ready []*Chunk // chunks with work, available for stealing
}

// NewChunkPool returns an empty pool.
func NewChunkPool() *ChunkPool {
	return &ChunkPool{}
}

// Get returns a chunk with work for a worker to drain, or nil if none
// is currently available (the caller should then check for global
// completion rather than block).
func (p *ChunkPool) Get() *Chunk {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.ready)
	if n == 0 {
		return nil
	}
	c := p.ready[n-1]
	p.ready = p.ready[:n-1]
	return c
}

// Put publishes a partially or fully filled chunk as available work.
func (p *ChunkPool) Put(c *Chunk) {
	if c.Len() == 0 {
		p.Recycle(c)
		return
	}
	p.mu.Lock()
	p.ready = append(p.ready, c)
	p.mu.Unlock()
}

// NewChunk returns a chunk from the free list, allocating one if the
// free list is empty.
func (p *ChunkPool) NewChunk() *Chunk {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.free)
	if n == 0 {
		return &Chunk{}
	}
	c := p.free[n-1]
	p.free = p.free[:n-1]
	return c
}

// Recycle returns a drained chunk to the free list.
func (p *ChunkPool) Recycle(c *Chunk) {
	c.reset()
	p.mu.Lock()
	p.free = append(p.free, c)
	p.mu.Unlock()
}

// ReadyLen reports how many chunks currently have unstolen work; only
// tests call it.
func (p *ChunkPool) ReadyLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ready)
}
