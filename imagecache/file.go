package imagecache

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/mrjoshuak/go-imageio/imageio"
)

// cachedFile is the per-file state: parsed headers, the open handle
// when there is one, and a sticky error when the header could not be
// read.
type cachedFile struct {
	name string

	// readMu serializes plugin reads of this file and protects input
	// against being closed mid-read.
	readMu sync.Mutex
	input  *imageio.Input

	specs   [][]*imageio.ImageSpec // per subimage, per miplevel
	stored  []imageio.BaseType     // tile pixel format per subimage
	modTime time.Time
	size    int64
	lastUse int64
	err     error
	doomed  bool // invalidated while a read was in flight
}

// level returns the spec and tile storage format of one
// subimage/miplevel.
func (f *cachedFile) level(subimage, miplevel int) (*imageio.ImageSpec, imageio.BaseType, error) {
	if subimage < 0 || subimage >= len(f.specs) {
		return nil, 0, fmt.Errorf("imagecache: %s: no subimage %d: %w",
			f.name, subimage, imageio.ErrOutOfRange)
	}
	if miplevel < 0 || miplevel >= len(f.specs[subimage]) {
		return nil, 0, fmt.Errorf("imagecache: %s: subimage %d has no miplevel %d: %w",
			f.name, subimage, miplevel, imageio.ErrOutOfRange)
	}
	return f.specs[subimage][miplevel], f.stored[subimage], nil
}

// changedOnDisk reports whether the file looks different from when it
// was opened. Stat failures count as changed.
func (f *cachedFile) changedOnDisk() bool {
	st, err := os.Stat(f.name)
	if err != nil {
		return true
	}
	return st.Size() != f.size || !st.ModTime().Equal(f.modTime)
}

func (c *Cache) tick() int64 {
	c.clock++
	return c.clock
}

// fileLocked returns the state of a named file, reading its headers on
// first touch.
func (c *Cache) fileLocked(name string) (*cachedFile, error) {
	if f := c.files[name]; f != nil {
		if f.err != nil {
			return nil, f.err
		}
		f.lastUse = c.tick()
		return f, nil
	}
	f := &cachedFile{name: name, lastUse: c.tick()}
	c.files[name] = f
	in, err := c.openLocked(f)
	if err != nil {
		f.err = err
		return nil, err
	}
	if err := f.loadHeaders(in); err != nil {
		f.err = err
		c.closeFileLocked(f)
		return nil, err
	}
	return f, nil
}

func (f *cachedFile) loadHeaders(in *imageio.Input) error {
	nsub := in.NumSubimages()
	if nsub < 1 {
		return fmt.Errorf("imagecache: %s: no subimages", f.name)
	}
	f.specs = make([][]*imageio.ImageSpec, nsub)
	f.stored = make([]imageio.BaseType, nsub)
	for s := 0; s < nsub; s++ {
		nmip := max(in.NumMiplevels(s), 1)
		f.specs[s] = make([]*imageio.ImageSpec, nmip)
		for m := 0; m < nmip; m++ {
			spec, err := in.Spec(s, m)
			if err != nil {
				return err
			}
			if spec.Deep {
				return fmt.Errorf("imagecache: %s: deep images are not cacheable: %w",
					f.name, imageio.ErrUnsupported)
			}
			if !spec.Tiled() && spec.Depth > 1 {
				return fmt.Errorf("imagecache: %s: scanline volumes are not cacheable: %w",
					f.name, imageio.ErrUnsupported)
			}
			f.specs[s][m] = spec
		}
		f.stored[s] = imageio.WidestFormat(f.specs[s][0])
	}
	return nil
}

// openLocked ensures the file has an open handle, closing the least
// recently used handle when the open-file bound is hit.
func (c *Cache) openLocked(f *cachedFile) (*imageio.Input, error) {
	if f.input != nil {
		f.lastUse = c.tick()
		return f.input, nil
	}
	for tries := len(c.files); tries > 0 && c.nopen >= c.opts.MaxOpenFiles; tries-- {
		if !c.closeOldestLocked(f) {
			break
		}
	}
	in, err := imageio.Open(f.name)
	if err != nil {
		return nil, err
	}
	if st, err := os.Stat(f.name); err == nil {
		f.modTime = st.ModTime()
		f.size = st.Size()
	}
	f.input = in
	f.lastUse = c.tick()
	c.nopen++
	c.opens.Add(1)
	return in, nil
}

// closeOldestLocked closes the least recently used idle handle other
// than keep. Busy handles are skipped; it returns false when there was
// nothing to try.
func (c *Cache) closeOldestLocked(keep *cachedFile) bool {
	var victim *cachedFile
	for _, f := range c.files {
		if f == keep || f.input == nil {
			continue
		}
		if victim == nil || f.lastUse < victim.lastUse {
			victim = f
		}
	}
	if victim == nil {
		return false
	}
	if !victim.readMu.TryLock() {
		victim.lastUse = c.tick()
		return true
	}
	victim.input.Close()
	victim.input = nil
	victim.readMu.Unlock()
	c.nopen--
	return true
}
