package imagecache

import (
	"github.com/mrjoshuak/go-imageio/imageio"
)

// tileKey identifies one tile: the file, subimage, miplevel, and the
// tile's origin on the tile grid.
type tileKey struct {
	name     string
	sub, mip int
	x, y, z  int
}

// cachedTile is one resident tile. It implements imageio.TileRef. All
// mutable fields are guarded by the cache mutex.
type cachedTile struct {
	key    tileKey
	pix    []byte
	roi    imageio.ROI
	format imageio.BaseType
	nch    int

	pins       int
	orphan     bool // dropped from the maps while still pinned
	prev, next *cachedTile
}

func (t *cachedTile) Pixels() []byte           { return t.pix }
func (t *cachedTile) Format() imageio.BaseType { return t.format }
func (t *cachedTile) ROI() imageio.ROI         { return t.roi }
func (t *cachedTile) Channels() int            { return t.nch }

// tileList is an intrusive LRU list over cachedTile.
type tileList struct {
	head, tail *cachedTile
}

func (l *tileList) pushFront(t *cachedTile) {
	t.prev = nil
	t.next = l.head
	if l.head != nil {
		l.head.prev = t
	}
	l.head = t
	if l.tail == nil {
		l.tail = t
	}
}

func (l *tileList) remove(t *cachedTile) {
	if t.prev != nil {
		t.prev.next = t.next
	} else if l.head == t {
		l.head = t.next
	}
	if t.next != nil {
		t.next.prev = t.prev
	} else if l.tail == t {
		l.tail = t.prev
	}
	t.prev, t.next = nil, nil
}

func (l *tileList) moveToFront(t *cachedTile) {
	if l.head == t {
		return
	}
	l.remove(t)
	l.pushFront(t)
}

// tileShape returns the cache tile dimensions for a spec: the file's
// own tiles, or full-width strips for scanline files.
func (c *Cache) tileShape(spec *imageio.ImageSpec) (tw, th, td int) {
	if spec.Tiled() {
		return spec.TileWidth, spec.TileHeight, max(spec.TileDepth, 1)
	}
	return spec.Width, min(c.opts.AutostripRows, spec.Height), 1
}

// fillTile reads one tile's pixels in the stored format. The buffer is
// always full tile sized; regions past the data window stay zero.
func (c *Cache) fillTile(in *imageio.Input, spec *imageio.ImageSpec, stored imageio.BaseType,
	key tileKey, tw, th, td int) (*cachedTile, error) {
	r := spec.ROI()
	nch := spec.NChannels
	psize := nch * stored.Size()
	pix := make([]byte, tw*th*td*psize)
	xe := min(key.x+tw, r.XEnd)
	ye := min(key.y+th, r.YEnd)
	ze := min(key.z+td, r.ZEnd)
	opts := &imageio.TransferOptions{
		XStride: psize,
		YStride: tw * psize,
		ZStride: tw * th * psize,
	}
	var err error
	if spec.Tiled() {
		err = in.ReadTiles(key.sub, key.mip, key.x, xe, key.y, ye, key.z, ze,
			0, -1, pix, stored, opts)
	} else {
		err = in.ReadScanlines(key.sub, key.mip, key.y, ye, 0, -1, pix, stored, opts)
	}
	if err != nil {
		return nil, err
	}
	c.reads.Add(1)
	c.bytes.Add(int64(len(pix)))
	return &cachedTile{
		key: key,
		pix: pix,
		roi: imageio.ROI{
			XBegin: key.x, XEnd: key.x + tw,
			YBegin: key.y, YEnd: key.y + th,
			ZBegin: key.z, ZEnd: key.z + td,
			ChBegin: 0, ChEnd: nch,
		},
		format: stored,
		nch:    nch,
	}, nil
}

// evictLocked removes unpinned tiles, oldest first, until memory use
// fits the bound. When every tile is pinned the cache runs over budget
// until releases catch up.
func (c *Cache) evictLocked() {
	for c.mem > c.opts.MaxMemoryBytes {
		t := c.lru.tail
		for t != nil && t.pins > 0 {
			t = t.prev
		}
		if t == nil {
			return
		}
		c.removeTileLocked(t)
		c.evicts.Add(1)
	}
}

// removeTileLocked drops a tile from the maps. Pinned tiles become
// orphans: their holders keep the pixels and the memory is accounted
// until the last release.
func (c *Cache) removeTileLocked(t *cachedTile) {
	delete(c.tiles, t.key)
	c.lru.remove(t)
	if t.pins > 0 {
		t.orphan = true
		return
	}
	c.mem -= int64(len(t.pix))
}
