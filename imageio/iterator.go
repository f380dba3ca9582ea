package imageio

// ConstIterator walks a rectangular range of an ImageBuf in scanline
// order (x fastest, then y, then z) and reads pixel values without
// mutating them. The range may extend past the data window; what an
// outside coordinate yields is governed by the wrap mode.
//
// Local and app buffers are addressed directly. Cache-backed buffers
// are traversed tile by tile: the iterator pins one tile at a time and
// releases it when the position leaves it, so long-lived iterators
// should call Release when abandoned early. Each iterator is for a
// single goroutine; concurrent traversals need separate iterators.
type ConstIterator struct {
	buf  *ImageBuf
	rng  ROI
	wrap WrapMode

	spec    *ImageSpec
	dataROI ROI

	x, y, z int
	done    bool
	exists  bool // original coordinates are inside the data window
	black   bool // current position reads as zeros

	storage Storage
	pixels  []byte
	off     int
	xstride int
	ystride int
	zstride int
	format  BaseType
	fsize   int

	cache   TileCache
	tile    TileRef
	tileROI ROI
	tilePix []byte
	tileOff int
	tilePB  int // tile bytes per pixel
	tileFmt BaseType
	tileNch int

	deep      *DeepData
	deepIndex int

	readErr bool
}

// Iterator is a ConstIterator that can also write pixel values. The
// buffer is promoted with MakeWritable when the iterator is created.
type Iterator struct {
	ConstIterator
}

// NewConstIterator returns a read-only iterator over roi of buf,
// resolving the buffer's pixels first. An undefined roi means the
// whole data window and all channels.
func NewConstIterator(buf *ImageBuf, roi ROI, wrap WrapMode) (*ConstIterator, error) {
	if buf == nil {
		return nil, ErrNotInitialized
	}
	if err := buf.validatePixels(); err != nil {
		return nil, err
	}
	it := &ConstIterator{}
	it.init(buf, roi, wrap)
	return it, nil
}

// NewIterator returns a writing iterator over roi of buf. Cache-backed
// buffers are promoted to local storage; read-only app buffers fail
// with ErrReadOnly.
func NewIterator(buf *ImageBuf, roi ROI, wrap WrapMode) (*Iterator, error) {
	if buf == nil {
		return nil, ErrNotInitialized
	}
	if err := buf.MakeWritable(); err != nil {
		return nil, err
	}
	if err := buf.validatePixels(); err != nil {
		return nil, err
	}
	it := &Iterator{}
	it.init(buf, roi, wrap)
	return it, nil
}

func (it *ConstIterator) init(buf *ImageBuf, roi ROI, wrap WrapMode) {
	buf.mu.Lock()
	it.buf = buf
	it.spec = &buf.spec
	it.dataROI = buf.spec.ROI()
	it.storage = buf.storage
	it.pixels = buf.pixels
	it.xstride, it.ystride, it.zstride = buf.xstride, buf.ystride, buf.zstride
	it.format = buf.spec.Format
	it.fsize = it.format.Size()
	it.cache = buf.cache
	it.deep = buf.deep
	buf.mu.Unlock()

	if wrap == WrapDefault {
		wrap = WrapBlack
	}
	it.wrap = wrap
	if !roi.Defined() {
		roi = it.dataROI
		roi.ChBegin, roi.ChEnd = 0, it.spec.NChannels
	}
	if roi.ChEnd <= roi.ChBegin {
		roi.ChBegin, roi.ChEnd = 0, it.spec.NChannels
	}
	it.rng = roi
	it.Rewind()
}

// Range returns the region the iterator traverses.
func (it *ConstIterator) Range() ROI { return it.rng }

// Done reports whether the traversal has visited every position.
func (it *ConstIterator) Done() bool { return it.done }

// X returns the current x coordinate.
func (it *ConstIterator) X() int { return it.x }

// Y returns the current y coordinate.
func (it *ConstIterator) Y() int { return it.y }

// Z returns the current z coordinate.
func (it *ConstIterator) Z() int { return it.z }

// Exists reports whether the current position, before any wrapping,
// lies inside the buffer's data window.
func (it *ConstIterator) Exists() bool { return it.exists }

// ReadError reports whether any tile fetch failed during traversal.
// Failed positions read as zeros and the error is recorded in the
// owning buffer's mailbox.
func (it *ConstIterator) ReadError() bool { return it.readErr }

// Rewind repositions the iterator at the start of its range.
func (it *ConstIterator) Rewind() {
	it.x, it.y, it.z = it.rng.XBegin, it.rng.YBegin, it.rng.ZBegin
	if it.rng.XBegin >= it.rng.XEnd || it.rng.YBegin >= it.rng.YEnd ||
		it.rng.ZBegin >= it.rng.ZEnd {
		it.done = true
		it.exists = false
		return
	}
	it.done = false
	it.resolve()
}

// Pos jumps the iterator to (x, y, z). A position outside the range
// ends the traversal.
func (it *ConstIterator) Pos(x, y, z int) {
	it.x, it.y, it.z = x, y, z
	if !it.rng.Contains(x, y, z) {
		it.done = true
		it.exists = it.dataROI.Contains(x, y, z)
		return
	}
	it.done = false
	it.resolve()
}

// Next advances to the following position in scanline order. Advancing
// past the end of the range marks the iterator done and releases any
// held tile.
func (it *ConstIterator) Next() {
	if it.done {
		return
	}
	it.x++
	if it.x < it.rng.XEnd {
		if it.exists && it.x < it.dataROI.XEnd {
			// Still inside the data window on the same row.
			if it.deep != nil {
				it.deepIndex++
				return
			}
			switch it.storage {
			case StorageLocal, StorageApp:
				it.off += it.xstride
				return
			case StorageCache:
				if !it.black && it.x < it.tileROI.XEnd {
					it.tileOff += it.tilePB
					return
				}
			}
		}
		it.resolve()
		return
	}
	it.x = it.rng.XBegin
	it.y++
	if it.y >= it.rng.YEnd {
		it.y = it.rng.YBegin
		it.z++
		if it.z >= it.rng.ZEnd {
			it.done = true
			it.exists = false
			it.Release()
			return
		}
	}
	it.resolve()
}

// resolve computes the storage address of the current position,
// applying the wrap mode for coordinates outside the data window.
func (it *ConstIterator) resolve() {
	it.black = false
	it.exists = it.dataROI.Contains(it.x, it.y, it.z)
	rx, ry, rz := it.x, it.y, it.z
	if !it.exists {
		if it.wrap == WrapBlack {
			it.black = true
			return
		}
		rx, ry, rz = wrapPoint(rx, ry, rz, it.spec, it.wrap)
		if !it.dataROI.Contains(rx, ry, rz) {
			it.black = true
			return
		}
	}
	if it.deep != nil {
		it.deepIndex = ((rz-it.spec.Z)*it.spec.Height+(ry-it.spec.Y))*it.spec.Width +
			(rx - it.spec.X)
		return
	}
	switch it.storage {
	case StorageLocal, StorageApp:
		it.off = (rz-it.spec.Z)*it.zstride + (ry-it.spec.Y)*it.ystride +
			(rx-it.spec.X)*it.xstride
	case StorageCache:
		if it.tile == nil || !it.tileROI.Contains(rx, ry, rz) {
			if !it.retile(rx, ry, rz) {
				return
			}
		}
		it.tileOff = (((rz-it.tileROI.ZBegin)*it.tileROI.Height()+
			(ry-it.tileROI.YBegin))*it.tileROI.Width() +
			(rx - it.tileROI.XBegin)) * it.tilePB
	default:
		it.black = true
	}
}

// retile swaps the held tile for the one containing (x, y, z). A fetch
// failure is not fatal: the position reads as black, ReadError turns
// on, and the error lands in the buffer's mailbox.
func (it *ConstIterator) retile(x, y, z int) bool {
	if it.tile != nil {
		it.cache.ReleaseTile(it.tile)
		it.tile = nil
		it.tilePix = nil
	}
	t, err := it.cache.AcquireTile(it.buf.name, it.buf.subimage, it.buf.miplevel, x, y, z)
	if err != nil {
		it.readErr = true
		it.black = true
		it.buf.seterr(err)
		return false
	}
	it.tile = t
	it.tileROI = t.ROI()
	it.tilePix = t.Pixels()
	it.tileFmt = t.Format()
	it.tileNch = t.Channels()
	it.tilePB = it.tileNch * it.tileFmt.Size()
	return true
}

// Release unpins any tile the iterator holds. It is called
// automatically when the traversal completes and is safe to call more
// than once.
func (it *ConstIterator) Release() {
	if it.tile != nil {
		it.cache.ReleaseTile(it.tile)
		it.tile = nil
		it.tilePix = nil
	}
}

// Float returns channel ch of the current pixel as float32, converting
// from the stored type. Positions that read as black and out-of-range
// channels yield zero. Deep pixels have no flat value and also yield
// zero.
func (it *ConstIterator) Float(ch int) float32 {
	if it.done || it.black || ch < 0 || ch >= it.spec.NChannels || it.deep != nil {
		return 0
	}
	switch it.storage {
	case StorageLocal, StorageApp:
		return float32(loadF64(it.pixels[it.off+ch*it.fsize:], it.format))
	case StorageCache:
		if ch >= it.tileNch {
			return 0
		}
		return float32(loadF64(it.tilePix[it.tileOff+ch*it.tileFmt.Size():], it.tileFmt))
	}
	return 0
}

// Floats fills dst with the channels of the iterator's range at the
// current pixel, growing it if needed, and returns it.
func (it *ConstIterator) Floats(dst []float32) []float32 {
	n := it.rng.ChEnd - it.rng.ChBegin
	if cap(dst) < n {
		dst = make([]float32, n)
	}
	dst = dst[:n]
	for i := range dst {
		dst[i] = it.Float(it.rng.ChBegin + i)
	}
	return dst
}

// DeepSamples returns the sample count of the current deep pixel, zero
// for flat buffers and black positions.
func (it *ConstIterator) DeepSamples() int {
	if it.done || it.black || it.deep == nil {
		return 0
	}
	return it.deep.Samples(it.deepIndex)
}

// DeepFloat returns sample s of channel ch of the current deep pixel.
func (it *ConstIterator) DeepFloat(ch, s int) float32 {
	if it.done || it.black || it.deep == nil {
		return 0
	}
	return it.deep.Float(it.deepIndex, ch, s)
}

// DeepUInt returns sample s of channel ch of the current deep pixel as
// an unsigned integer.
func (it *ConstIterator) DeepUInt(ch, s int) uint32 {
	if it.done || it.black || it.deep == nil {
		return 0
	}
	return it.deep.UInt(it.deepIndex, ch, s)
}

// SetFloat writes channel ch of the current pixel, converting to the
// stored type. Writes at positions outside the data window are
// discarded; wrapping never redirects a write to another pixel.
func (it *Iterator) SetFloat(ch int, v float32) {
	if it.done || !it.exists || ch < 0 || ch >= it.spec.NChannels || it.deep != nil {
		return
	}
	storeF64(it.pixels[it.off+ch*it.fsize:], it.format, float64(v))
}

// SetFloats writes src across the channels of the iterator's range at
// the current pixel.
func (it *Iterator) SetFloats(src []float32) {
	for i, v := range src {
		ch := it.rng.ChBegin + i
		if ch >= it.rng.ChEnd {
			return
		}
		it.SetFloat(ch, v)
	}
}

// SetDeepSamples resizes the sample list of the current deep pixel.
func (it *Iterator) SetDeepSamples(n int) {
	if it.done || !it.exists || it.deep == nil {
		return
	}
	it.deep.SetSamples(it.deepIndex, n)
}

// SetDeepFloat writes sample s of channel ch of the current deep
// pixel.
func (it *Iterator) SetDeepFloat(ch, s int, v float32) {
	if it.done || !it.exists || it.deep == nil {
		return
	}
	it.deep.SetFloat(it.deepIndex, ch, s, v)
}

// SetDeepUInt writes sample s of channel ch of the current deep pixel
// as an unsigned integer.
func (it *Iterator) SetDeepUInt(ch, s int, v uint32) {
	if it.done || !it.exists || it.deep == nil {
		return
	}
	it.deep.SetUInt(it.deepIndex, ch, s, v)
}
