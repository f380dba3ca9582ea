// Package imagecache provides a shared, memory-bounded cache of image
// tiles read through imageio format plugins. Many ImageBuf instances
// can share one cache and touch far more pixel data than fits in
// memory; tiles are fetched on demand, kept under an LRU policy, and
// evicted when the memory bound is exceeded. Scanline files are cached
// as full-width strips so they tile like everything else.
package imagecache

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mrjoshuak/go-imageio/imageio"
)

// Defaults used for zero Options fields.
const (
	DefaultMaxMemoryBytes = 256 << 20
	DefaultMaxOpenFiles   = 64
	DefaultAutostripRows  = 64
)

// ErrCacheClosed is returned by operations on a closed cache.
var ErrCacheClosed = errors.New("imagecache: cache is closed")

// Options configures a Cache. Zero fields take the package defaults.
type Options struct {
	// MaxMemoryBytes bounds the pixel bytes held across all cached
	// tiles. Pinned tiles can push usage past the bound; it recovers
	// as they are released.
	MaxMemoryBytes int64

	// MaxOpenFiles bounds how many file handles stay open at once.
	// Handles are reopened transparently when evicted.
	MaxOpenFiles int

	// AutostripRows is the strip height used to cache scanline files
	// as full-width tiles.
	AutostripRows int
}

func (o Options) withDefaults() Options {
	if o.MaxMemoryBytes <= 0 {
		o.MaxMemoryBytes = DefaultMaxMemoryBytes
	}
	if o.MaxOpenFiles <= 0 {
		o.MaxOpenFiles = DefaultMaxOpenFiles
	}
	if o.AutostripRows <= 0 {
		o.AutostripRows = DefaultAutostripRows
	}
	return o
}

// Cache holds tiles of named image files. It implements
// imageio.TileCache and is safe for concurrent use.
type Cache struct {
	opts Options

	mu     sync.Mutex
	files  map[string]*cachedFile
	tiles  map[tileKey]*cachedTile
	lru    tileList // unpinned eviction order, front = most recent
	mem    int64
	nopen  int
	clock  int64
	refs   int
	closed bool

	acquires atomic.Int64
	hits     atomic.Int64
	reads    atomic.Int64
	opens    atomic.Int64
	bytes    atomic.Int64
	evicts   atomic.Int64
}

var _ imageio.TileCache = (*Cache)(nil)

// New returns an empty cache.
func New(opts Options) *Cache {
	return &Cache{
		opts:  opts.withDefaults(),
		files: make(map[string]*cachedFile),
		tiles: make(map[tileKey]*cachedTile),
	}
}

// AcquireTile pins and returns the tile containing pixel (x, y, z) of
// the named subimage/miplevel, reading it through the file's format
// plugin on a miss. The coordinates must lie inside the data window.
// Every successful acquire must be balanced by ReleaseTile.
func (c *Cache) AcquireTile(name string, subimage, miplevel, x, y, z int) (imageio.TileRef, error) {
	c.acquires.Add(1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrCacheClosed
	}
	f, err := c.fileLocked(name)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	spec, stored, err := f.level(subimage, miplevel)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	r := spec.ROI()
	if !r.Contains(x, y, z) {
		c.mu.Unlock()
		return nil, fmt.Errorf("imagecache: %s: pixel (%d,%d,%d) outside data window: %w",
			name, x, y, z, imageio.ErrOutOfRange)
	}
	tw, th, td := c.tileShape(spec)
	key := tileKey{
		name: name, sub: subimage, mip: miplevel,
		x: r.XBegin + (x-r.XBegin)/tw*tw,
		y: r.YBegin + (y-r.YBegin)/th*th,
		z: r.ZBegin + (z-r.ZBegin)/td*td,
	}
	if t := c.tiles[key]; t != nil {
		c.pinLocked(t)
		c.mu.Unlock()
		return t, nil
	}
	c.mu.Unlock()

	// Reads of one file are serialized; the tile may appear while we
	// wait for the turn.
	f.readMu.Lock()
	defer f.readMu.Unlock()
	c.mu.Lock()
	if t := c.tiles[key]; t != nil {
		c.pinLocked(t)
		c.mu.Unlock()
		return t, nil
	}
	in, err := c.openLocked(f)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	t, err := c.fillTile(in, spec, stored, key, tw, th, td)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	t.pins = 1
	c.mem += int64(len(t.pix))
	if c.closed || f.doomed {
		// The file was invalidated mid-read; hand the tile to the
		// caller without tracking it.
		t.orphan = true
		if f.input != nil {
			f.input.Close()
			f.input = nil
			c.nopen--
		}
		return t, nil
	}
	c.tiles[key] = t
	c.lru.pushFront(t)
	c.evictLocked()
	return t, nil
}

func (c *Cache) pinLocked(t *cachedTile) {
	t.pins++
	c.lru.moveToFront(t)
	c.hits.Add(1)
}

// ReleaseTile unpins a tile returned by AcquireTile. Unpinned tiles
// stay cached until evicted.
func (c *Cache) ReleaseTile(ref imageio.TileRef) {
	t, ok := ref.(*cachedTile)
	if !ok || t == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.pins > 0 {
		t.pins--
	}
	if t.pins > 0 {
		return
	}
	if t.orphan {
		c.mem -= int64(len(t.pix))
		t.orphan = false
		return
	}
	if c.mem > c.opts.MaxMemoryBytes {
		c.evictLocked()
	}
}

// ImageSpec returns a copy of the spec of a subimage/miplevel of the
// named file, reading its header on first use. Header failures are
// sticky until the file is invalidated.
func (c *Cache) ImageSpec(name string, subimage, miplevel int) (*imageio.ImageSpec, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrCacheClosed
	}
	f, err := c.fileLocked(name)
	if err != nil {
		return nil, err
	}
	spec, _, err := f.level(subimage, miplevel)
	if err != nil {
		return nil, err
	}
	return spec.Copy(), nil
}

// Invalidate drops the cached header, handle, and tiles of a named
// file. With force it drops unconditionally; otherwise only when the
// file has changed on disk since it was opened. Pinned tiles stay
// alive for their current holders but are never handed out again.
func (c *Cache) Invalidate(name string, force bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := c.files[name]
	if f == nil {
		return
	}
	if !force && !f.changedOnDisk() {
		return
	}
	delete(c.files, name)
	c.closeFileLocked(f)
	for key, t := range c.tiles {
		if key.name == name {
			c.removeTileLocked(t)
		}
	}
}

// closeFileLocked closes a file's handle, deferring to the active
// reader when one is mid-read.
func (c *Cache) closeFileLocked(f *cachedFile) {
	if !f.readMu.TryLock() {
		f.doomed = true
		return
	}
	if f.input != nil {
		f.input.Close()
		f.input = nil
		c.nopen--
	}
	f.readMu.Unlock()
}

// Close drops all cached state and closes open handles. Tiles still
// pinned stay valid for their holders.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	var first error
	for name, f := range c.files {
		if f.input != nil && f.readMu.TryLock() {
			if err := f.input.Close(); err != nil && first == nil {
				first = err
			}
			f.input = nil
			c.nopen--
			f.readMu.Unlock()
		} else if f.input != nil {
			f.doomed = true
		}
		delete(c.files, name)
	}
	for _, t := range c.tiles {
		c.removeTileLocked(t)
	}
	return first
}

var (
	sharedMu sync.Mutex
	shared   *Cache
)

// Shared returns the process-wide cache, creating it with default
// options on first use. Every call must be balanced by Release; the
// last release closes the cache.
func Shared() *Cache {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if shared == nil {
		shared = New(Options{})
	}
	shared.refs++
	return shared
}

// Release returns a reference obtained from Shared. Releasing a cache
// that did not come from Shared does nothing; use Close for owned
// caches.
func (c *Cache) Release() {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if c != shared {
		return
	}
	c.refs--
	if c.refs <= 0 {
		shared = nil
		c.Close()
	}
}
