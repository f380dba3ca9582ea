package imagecache

// Stats is a snapshot of cache activity counters.
type Stats struct {
	// TileAcquires counts AcquireTile calls.
	TileAcquires int64
	// TileHits counts acquires served from resident tiles.
	TileHits int64
	// TileReads counts tiles read through a format plugin.
	TileReads int64
	// FilesOpened counts file handle opens, including reopens after
	// handle eviction.
	FilesOpened int64
	// BytesRead is the uncompressed pixel bytes read into tiles.
	BytesRead int64
	// Evictions counts tiles dropped to fit the memory bound.
	Evictions int64

	// TilesHeld and MemoryUsed describe the current residency.
	TilesHeld  int
	MemoryUsed int64
	// OpenFiles is the current number of open handles.
	OpenFiles int
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	held := len(c.tiles)
	mem := c.mem
	open := c.nopen
	c.mu.Unlock()
	return Stats{
		TileAcquires: c.acquires.Load(),
		TileHits:     c.hits.Load(),
		TileReads:    c.reads.Load(),
		FilesOpened:  c.opens.Load(),
		BytesRead:    c.bytes.Load(),
		Evictions:    c.evicts.Load(),
		TilesHeld:    held,
		MemoryUsed:   mem,
		OpenFiles:    open,
	}
}

// ResetStats zeroes the activity counters. Residency numbers are
// unaffected.
func (c *Cache) ResetStats() {
	c.acquires.Store(0)
	c.hits.Store(0)
	c.reads.Store(0)
	c.opens.Store(0)
	c.bytes.Store(0)
	c.evicts.Store(0)
}
