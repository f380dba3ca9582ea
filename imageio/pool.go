package imageio

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// MemoryLimitError is returned when an allocation would exceed the
// configured memory limit. The buffer or image operation that failed
// is left in a consistent, empty state.
type MemoryLimitError struct {
	Requested int64
	Current   int64
	Limit     int64
}

func (e *MemoryLimitError) Error() string {
	return fmt.Sprintf("imageio: memory limit exceeded (requested %d, in use %d, limit %d)",
		e.Requested, e.Current, e.Limit)
}

// BufferPool manages reusable byte buffers for staging pixel data
// during format conversion. It supports a configurable memory limit to
// keep transfer staging bounded.
type BufferPool struct {
	pools       []*sync.Pool
	memoryUsed  atomic.Int64
	memoryLimit atomic.Int64 // 0 = unlimited
	allocCount  atomic.Int64
	hitCount    atomic.Int64
	missCount   atomic.Int64
}

// bufferSizes are the discrete sizes for pooled buffers, chosen to
// match common tile, strip and transfer-chunk sizes.
var bufferSizes = []int{
	4 << 10,   // 4 KB
	16 << 10,  // 16 KB
	64 << 10,  // 64 KB: one 64x64 RGBA float tile
	256 << 10, // 256 KB
	1 << 20,   // 1 MB
	4 << 20,   // 4 MB
	16 << 20,  // 16 MB: default transfer chunk
}

// globalBufferPool stages scanline and tile transfers for the whole
// process.
var globalBufferPool = NewBufferPool()

// NewBufferPool creates a buffer pool with no memory limit.
func NewBufferPool() *BufferPool {
	return NewBufferPoolWithLimit(0)
}

// NewBufferPoolWithLimit creates a buffer pool that refuses
// allocations once limit bytes are outstanding. A limit of 0 means
// unlimited.
func NewBufferPoolWithLimit(limit int64) *BufferPool {
	p := &BufferPool{
		pools: make([]*sync.Pool, len(bufferSizes)),
	}
	p.memoryLimit.Store(limit)
	// No New func: a nil Get means the tier had nothing to reuse.
	for i := range bufferSizes {
		p.pools[i] = &sync.Pool{}
	}
	return p
}

// SetMemoryLimit sets the maximum outstanding memory and returns the
// previous limit. A limit of 0 means unlimited.
func (p *BufferPool) SetMemoryLimit(limit int64) int64 {
	return p.memoryLimit.Swap(limit)
}

// MemoryLimit returns the current memory limit (0 = unlimited).
func (p *BufferPool) MemoryLimit() int64 {
	return p.memoryLimit.Load()
}

// MemoryUsed returns the bytes currently checked out of the pool.
func (p *BufferPool) MemoryUsed() int64 {
	return p.memoryUsed.Load()
}

// Stats returns pool statistics.
func (p *BufferPool) Stats() (allocs, hits, misses int64) {
	return p.allocCount.Load(), p.hitCount.Load(), p.missCount.Load()
}

// ResetStats clears the pool statistics.
func (p *BufferPool) ResetStats() {
	p.allocCount.Store(0)
	p.hitCount.Store(0)
	p.missCount.Store(0)
}

// poolIndex returns the tier for a given size, or -1 if the size
// exceeds the largest tier.
func poolIndex(size int) int {
	for i, s := range bufferSizes {
		if size <= s {
			return i
		}
	}
	return -1
}

// Get returns a buffer of at least the requested size, or an error if
// the allocation would exceed the memory limit. Call Put when done.
// The buffer contents are unspecified.
func (p *BufferPool) Get(size int) ([]byte, error) {
	p.allocCount.Add(1)

	idx := poolIndex(size)
	charge := int64(size)
	if idx >= 0 {
		charge = int64(bufferSizes[idx])
	}

	if limit := p.memoryLimit.Load(); limit > 0 {
		if used := p.memoryUsed.Load(); used+charge > limit {
			return nil, &MemoryLimitError{
				Requested: charge,
				Current:   used,
				Limit:     limit,
			}
		}
	}
	p.memoryUsed.Add(charge)

	if idx < 0 {
		// Oversize request, allocate directly.
		p.missCount.Add(1)
		return make([]byte, size), nil
	}

	if v := p.pools[idx].Get(); v != nil {
		p.hitCount.Add(1)
		return v.([]byte)[:size], nil
	}
	p.missCount.Add(1)
	return make([]byte, bufferSizes[idx])[:size], nil
}

// Put returns a buffer obtained from Get. Oversize buffers are
// released to the garbage collector.
func (p *BufferPool) Put(buf []byte) {
	if buf == nil {
		return
	}
	bufCap := cap(buf)
	p.memoryUsed.Add(-int64(bufCap))

	idx := poolIndex(bufCap)
	if idx < 0 || bufCap != bufferSizes[idx] {
		return
	}
	p.pools[idx].Put(buf[:bufCap])
}

// GetBuffer returns a staging buffer from the global pool.
func GetBuffer(size int) ([]byte, error) {
	return globalBufferPool.Get(size)
}

// PutBuffer returns a staging buffer to the global pool.
func PutBuffer(buf []byte) {
	globalBufferPool.Put(buf)
}

// SetStagingMemoryLimit bounds the memory the global staging pool may
// hand out at once. A limit of 0 means unlimited. Returns the previous
// limit.
func SetStagingMemoryLimit(limit int64) int64 {
	return globalBufferPool.SetMemoryLimit(limit)
}

// StagingMemoryLimit returns the global staging pool limit.
func StagingMemoryLimit() int64 {
	return globalBufferPool.MemoryLimit()
}

// StagingMemoryUsed returns the bytes currently checked out of the
// global staging pool.
func StagingMemoryUsed() int64 {
	return globalBufferPool.MemoryUsed()
}
