package zpix

import (
	"fmt"
	"io"

	"github.com/mrjoshuak/go-imageio/imageio"
	"github.com/mrjoshuak/go-imageio/internal/binio"
)

// chunkReader abstracts the byte source chunks are read from: a plain
// io.ReaderAt, or a memory map when the reader is an *os.File. The
// close method releases only what the chunkReader itself acquired;
// the underlying file is owned by the caller.
type chunkReader interface {
	readAt(p []byte, off int64) error
	// slice returns a zero-copy view of [off, off+n) when the source
	// is memory mapped.
	slice(off int64, n int) ([]byte, bool)
	size() int64
	close() error
}

type readerAtChunks struct {
	r io.ReaderAt
	n int64
}

func (c *readerAtChunks) readAt(p []byte, off int64) error {
	if off < 0 || off+int64(len(p)) > c.n {
		return io.ErrUnexpectedEOF
	}
	_, err := c.r.ReadAt(p, off)
	return err
}

func (c *readerAtChunks) slice(off int64, n int) ([]byte, bool) { return nil, false }
func (c *readerAtChunks) size() int64                           { return c.n }
func (c *readerAtChunks) close() error                          { return nil }

// source reads a zpix file. It keeps no mutable state after open, so
// concurrent reads are safe.
type source struct {
	r    chunkReader
	subs []*subSource
}

type subSource struct {
	comp    uint8
	deep    bool
	stride  int // native pixel bytes, the delta filter distance
	specs   []*imageio.ImageSpec
	offsets [][]uint64 // per mip level, per chunk
}

func openSource(r io.ReaderAt, size int64) (imageio.NativeSource, error) {
	cr := mapReader(r, size)
	if cr == nil {
		cr = &readerAtChunks{r: r, n: size}
	}
	src := &source{r: cr}
	if err := src.parse(); err != nil {
		cr.close()
		return nil, err
	}
	return src, nil
}

func (src *source) parse() error {
	var pre [10]byte
	if err := src.r.readAt(pre[:], 0); err != nil {
		return errf("read prelude: %w", err)
	}
	if string(pre[:4]) != magic {
		return errf("bad magic")
	}
	if v := binio.ByteOrder.Uint32(pre[4:]); v != version {
		return errf("unsupported version %d", v)
	}
	nsub := int(binio.ByteOrder.Uint16(pre[8:]))
	if nsub < 1 || nsub > maxSubimages {
		return errf("invalid subimage count %d", nsub)
	}

	pos := int64(len(pre))
	src.subs = make([]*subSource, nsub)
	for i := range src.subs {
		var lenb [4]byte
		if err := src.r.readAt(lenb[:], pos); err != nil {
			return errf("read header %d: %w", i, err)
		}
		hlen := int(binio.ByteOrder.Uint32(lenb[:]))
		if hlen < 1 || hlen > 1<<26 || pos+4+int64(hlen) > src.r.size() {
			return errf("invalid header length %d", hlen)
		}
		hbuf := make([]byte, hlen)
		if err := src.r.readAt(hbuf, pos+4); err != nil {
			return errf("read header %d: %w", i, err)
		}
		pos += 4 + int64(hlen)

		h, err := decodeHeader(hbuf)
		if err != nil {
			return err
		}
		src.subs[i] = newSubSource(h)
	}

	// Offset tables follow the headers, one uint64 per chunk, in
	// subimage then mip level order.
	for _, ss := range src.subs {
		for m, spec := range ss.specs {
			n := numChunks(spec)
			tbl := make([]byte, 8*n)
			if err := src.r.readAt(tbl, pos); err != nil {
				return errf("read offset table: %w", err)
			}
			pos += int64(len(tbl))
			offs := make([]uint64, n)
			for j := range offs {
				off := binio.ByteOrder.Uint64(tbl[8*j:])
				if off == 0 || int64(off) >= src.r.size() {
					return errf("chunk offset out of range (incomplete file?)")
				}
				offs[j] = off
			}
			ss.offsets[m] = offs
		}
	}
	return nil
}

func newSubSource(h *subHeader) *subSource {
	base := &h.spec
	base.Attribs.Set("compression", compName(h.comp))
	if h.miplevels > 1 {
		base.Attribs.Set("miplevels", h.miplevels)
	}
	ss := &subSource{
		comp:    h.comp,
		deep:    base.Deep,
		stride:  base.PixelBytes(true),
		specs:   make([]*imageio.ImageSpec, h.miplevels),
		offsets: make([][]uint64, h.miplevels),
	}
	for l := range ss.specs {
		ss.specs[l] = mipSpec(base, l)
	}
	return ss
}

func (src *source) sub(subimage, miplevel int) (*subSource, *imageio.ImageSpec, error) {
	if subimage < 0 || subimage >= len(src.subs) {
		return nil, nil, fmt.Errorf("zpix: no subimage %d: %w", subimage, imageio.ErrOutOfRange)
	}
	ss := src.subs[subimage]
	if miplevel < 0 || miplevel >= len(ss.specs) {
		return nil, nil, fmt.Errorf("zpix: no mip level %d: %w", miplevel, imageio.ErrOutOfRange)
	}
	return ss, ss.specs[miplevel], nil
}

func (src *source) NumSubimages() int { return len(src.subs) }

func (src *source) NumMiplevels(subimage int) int {
	if subimage < 0 || subimage >= len(src.subs) {
		return 0
	}
	return len(src.subs[subimage].specs)
}

func (src *source) Spec(subimage, miplevel int) (*imageio.ImageSpec, error) {
	_, spec, err := src.sub(subimage, miplevel)
	return spec, err
}

func (src *source) Supports(feature string) bool {
	switch feature {
	case imageio.FeatureTiles, imageio.FeatureMipmap, imageio.FeatureMultiImage,
		imageio.FeatureDeepData, imageio.FeatureRandomAccess, imageio.FeaturePerChannel:
		return true
	}
	return false
}

func (src *source) Close() error { return src.r.close() }

// payload returns the packed bytes of a chunk, either as a zero-copy
// view of the memory map or read into pooled scratch. The returned
// release func must be called when done.
func (src *source) payload(off int64, n int) ([]byte, func(), error) {
	if b, ok := src.r.slice(off, n); ok {
		return b, func() {}, nil
	}
	b := getScratch(n)
	if err := src.r.readAt(b, off); err != nil {
		putScratch(b)
		return nil, nil, err
	}
	return b, func() { putScratch(b) }, nil
}

func (src *source) ReadNativeScanlines(subimage, miplevel, ybegin, yend int, dst []byte) error {
	ss, spec, err := src.sub(subimage, miplevel)
	if err != nil {
		return err
	}
	if ss.deep {
		return imageio.ErrDeep
	}
	rowBytes := spec.ScanlineBytes(true)
	if ybegin < spec.Y || yend > spec.Y+spec.Height || ybegin >= yend {
		return fmt.Errorf("zpix: scanline range [%d,%d): %w", ybegin, yend, imageio.ErrOutOfRange)
	}
	if len(dst) != (yend-ybegin)*rowBytes {
		return errf("scanline buffer is %d bytes, want %d", len(dst), (yend-ybegin)*rowBytes)
	}

	first := (ybegin - spec.Y) / rowsPerStrip
	last := (yend - 1 - spec.Y) / rowsPerStrip
	for i := first; i <= last; i++ {
		b0, b1 := stripSpan(spec, i)
		rawLen := (b1 - b0) * rowBytes

		packed, release, err := src.stripPayload(ss, spec, miplevel, i, rawLen)
		if err != nil {
			return err
		}
		if ybegin <= b0 && yend >= b1 {
			o := (b0 - ybegin) * rowBytes
			err = unpackChunk(dst[o:o+rawLen], ss.comp, packed, ss.stride)
		} else {
			tmp := getScratch(rawLen)
			if err = unpackChunk(tmp, ss.comp, packed, ss.stride); err == nil {
				y0, y1 := max(ybegin, b0), min(yend, b1)
				copy(dst[(y0-ybegin)*rowBytes:], tmp[(y0-b0)*rowBytes:(y1-b0)*rowBytes])
			}
			putScratch(tmp)
		}
		release()
		if err != nil {
			return err
		}
	}
	return nil
}

// stripPayload reads and validates the framing of scanline strip i
// and returns its packed payload.
func (src *source) stripPayload(ss *subSource, spec *imageio.ImageSpec, miplevel, i, rawLen int) ([]byte, func(), error) {
	off := int64(ss.offsets[miplevel][i])
	var fh [8]byte
	if err := src.r.readAt(fh[:], off); err != nil {
		return nil, nil, errf("read chunk: %w", err)
	}
	b0, _ := stripSpan(spec, i)
	if int(int32(binio.ByteOrder.Uint32(fh[:]))) != b0 {
		return nil, nil, ErrCorrupt
	}
	packed := int(binio.ByteOrder.Uint32(fh[4:]))
	if packed < 1 || packed > maxPackedLen(rawLen) {
		return nil, nil, ErrCorrupt
	}
	return src.payload(off+8, packed)
}

func (src *source) ReadNativeTile(subimage, miplevel, x, y, z int, dst []byte) error {
	ss, spec, err := src.sub(subimage, miplevel)
	if err != nil {
		return err
	}
	if ss.deep {
		return imageio.ErrDeep
	}
	if !spec.Tiled() {
		return imageio.ErrUnsupported
	}
	tw, th := spec.TileWidth, spec.TileHeight
	td := spec.TileDepth
	if td < 1 {
		td = 1
	}
	dx, dy, dz := x-spec.X, y-spec.Y, z-spec.Z
	if dx < 0 || dx%tw != 0 || dx >= spec.Width ||
		dy < 0 || dy%th != 0 || dy >= spec.Height ||
		dz < 0 || dz%td != 0 || dz >= spec.Depth {
		return fmt.Errorf("zpix: tile origin (%d,%d,%d): %w", x, y, z, imageio.ErrOutOfRange)
	}
	rawLen := spec.TileBytes(true)
	if len(dst) != rawLen {
		return errf("tile buffer is %d bytes, want %d", len(dst), rawLen)
	}

	tx, ty, tz := dx/tw, dy/th, dz/td
	idx := (tz*spec.NTilesY()+ty)*spec.NTilesX() + tx
	off := int64(ss.offsets[miplevel][idx])

	var fh [16]byte
	if err := src.r.readAt(fh[:], off); err != nil {
		return errf("read chunk: %w", err)
	}
	if int(int32(binio.ByteOrder.Uint32(fh[0:]))) != tx ||
		int(int32(binio.ByteOrder.Uint32(fh[4:]))) != ty ||
		int(int32(binio.ByteOrder.Uint32(fh[8:]))) != tz {
		return ErrCorrupt
	}
	packed := int(binio.ByteOrder.Uint32(fh[12:]))
	if packed < 1 || packed > maxPackedLen(rawLen) {
		return ErrCorrupt
	}
	payload, release, err := src.payload(off+16, packed)
	if err != nil {
		return err
	}
	err = unpackChunk(dst, ss.comp, payload, ss.stride)
	release()
	return err
}

// deepFraming is the fixed header of a deep chunk.
type deepFraming struct {
	y0         int
	countBytes int
	dataBytes  int64
	dataRaw    int64
}

func (src *source) deepStripFraming(ss *subSource, spec *imageio.ImageSpec, i int) (deepFraming, int64, error) {
	off := int64(ss.offsets[0][i])
	var fh [24]byte
	if err := src.r.readAt(fh[:], off); err != nil {
		return deepFraming{}, 0, errf("read chunk: %w", err)
	}
	f := deepFraming{
		y0:         int(int32(binio.ByteOrder.Uint32(fh[0:]))),
		countBytes: int(binio.ByteOrder.Uint32(fh[4:])),
		dataBytes:  int64(binio.ByteOrder.Uint64(fh[8:])),
		dataRaw:    int64(binio.ByteOrder.Uint64(fh[16:])),
	}
	b0, b1 := stripSpan(spec, i)
	np := (b1 - b0) * spec.Width
	if f.y0 != b0 || f.countBytes < 1 || f.countBytes > maxPackedLen(4*np) ||
		f.dataBytes < 0 || f.dataRaw < 0 {
		return deepFraming{}, 0, ErrCorrupt
	}
	return f, off + 24, nil
}

// ReadNativeDeep reads a whole deep subimage in two passes: first the
// per-pixel sample counts of every strip, then, once dd is shaped, the
// sample data.
func (src *source) ReadNativeDeep(subimage, miplevel int, dd *imageio.DeepData) error {
	ss, spec, err := src.sub(subimage, miplevel)
	if err != nil {
		return err
	}
	if !ss.deep {
		return imageio.ErrNotDeep
	}

	types := make([]imageio.BaseType, spec.NChannels)
	sampleBytes := 0
	for c := range types {
		types[c] = spec.ChannelFormat(c)
		sampleBytes += types[c].Size()
	}
	npixels := spec.ImagePixels()
	counts := make([]uint32, npixels)

	var total int64
	for i := 0; i < numStrips(spec); i++ {
		f, payloadOff, err := src.deepStripFraming(ss, spec, i)
		if err != nil {
			return err
		}
		b0, b1 := stripSpan(spec, i)
		np := (b1 - b0) * spec.Width
		p0 := (b0 - spec.Y) * spec.Width

		packed, release, err := src.payload(payloadOff, f.countBytes)
		if err != nil {
			return err
		}
		raw := getScratch(4 * np)
		err = unpackChunk(raw, ss.comp, packed, 4)
		release()
		if err != nil {
			putScratch(raw)
			return err
		}
		for p := 0; p < np; p++ {
			n := binio.ByteOrder.Uint32(raw[4*p:])
			counts[p0+p] = n
			total += int64(n)
		}
		putScratch(raw)
	}
	if total*int64(sampleBytes) > imageio.MaxImageBytes() {
		return fmt.Errorf("zpix: deep image holds %d samples: %w", total, imageio.ErrSpecLimit)
	}

	if err := dd.Init(npixels, types); err != nil {
		return err
	}
	if err := dd.SetAllSamples(counts); err != nil {
		return err
	}

	for i := 0; i < numStrips(spec); i++ {
		f, payloadOff, err := src.deepStripFraming(ss, spec, i)
		if err != nil {
			return err
		}
		b0, b1 := stripSpan(spec, i)
		np := (b1 - b0) * spec.Width
		p0 := (b0 - spec.Y) * spec.Width

		var stripSamples int64
		for p := p0; p < p0+np; p++ {
			stripSamples += int64(dd.Samples(p))
		}
		want := stripSamples * int64(sampleBytes)
		if f.dataRaw != want || f.dataBytes > int64(maxPackedLen(int(want))) {
			return ErrCorrupt
		}
		if want == 0 {
			continue
		}

		packed, release, err := src.payload(payloadOff+int64(f.countBytes), int(f.dataBytes))
		if err != nil {
			return err
		}
		raw := getScratch(int(want))
		err = unpackChunk(raw, ss.comp, packed, 1)
		release()
		if err != nil {
			putScratch(raw)
			return err
		}

		// Strip data is channel-major: all of channel 0's samples for
		// the strip's pixels in row-major order, then channel 1, ...
		o := 0
		for c := range types {
			for p := p0; p < p0+np; p++ {
				sb := dd.SampleBytes(p, c)
				copy(sb, raw[o:o+len(sb)])
				o += len(sb)
			}
		}
		putScratch(raw)
	}
	return nil
}
