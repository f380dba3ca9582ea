package zpix

import (
	"fmt"
	"io"

	"github.com/mrjoshuak/go-imageio/imageio"
	"github.com/mrjoshuak/go-imageio/internal/binio"
)

// sink writes a zpix file. Chunks are appended as they arrive; the
// offset tables reserved behind the headers are patched with the real
// chunk positions when the sink is closed.
type sink struct {
	w      io.WriteSeeker
	pos    int64
	tables int64 // file offset of the first offset table
	subs   []*subSink
	cur    int // lowest unfinished subimage
	packA  []byte
	packB  []byte
	err    error
	closed bool
}

type subSink struct {
	comp    uint8
	deep    bool
	stride  int
	specs   []*imageio.ImageSpec
	offsets [][]uint64
	strips  []*stripWriter // per mip; nil entries for tiled or deep
	left    int            // chunks not yet written, all levels
}

// stripWriter accumulates scanlines until a strip is complete.
type stripWriter struct {
	buf  []byte
	next int // next expected absolute y
}

func createSink(w io.WriteSeeker, specs []imageio.ImageSpec) (imageio.NativeSink, error) {
	if len(specs) < 1 || len(specs) > maxSubimages {
		return nil, errf("invalid subimage count %d", len(specs))
	}
	sk := &sink{w: w}

	headers := make([][]byte, len(specs))
	for i := range specs {
		s := specs[i].Copy()
		if len(s.ChannelNames) == 0 {
			s.SetDefaultChannelNames()
		}
		comp, err := compFromName(s.AttribString("compression", "zlib"))
		if err != nil {
			return nil, err
		}
		h := &subHeader{spec: *s, comp: comp, miplevels: s.AttribInt("miplevels", 1)}
		if err := checkSpec(&h.spec, h.miplevels); err != nil {
			return nil, err
		}
		if headers[i], err = encodeHeader(h); err != nil {
			return nil, err
		}
		sk.subs = append(sk.subs, newSubSink(h))
	}

	pre := binio.NewWriter(10)
	pre.Raw([]byte(magic))
	pre.Uint32(version)
	pre.Uint16(uint16(len(specs)))
	if err := sk.writeAll(pre.Bytes()); err != nil {
		return nil, err
	}
	for _, hb := range headers {
		var lenb [4]byte
		binio.ByteOrder.PutUint32(lenb[:], uint32(len(hb)))
		if err := sk.writeAll(lenb[:], hb); err != nil {
			return nil, err
		}
	}

	// Reserve zeroed offset tables; Close patches them in place.
	sk.tables = sk.pos
	total := 0
	for _, ss := range sk.subs {
		total += ss.left
	}
	if err := sk.writeAll(make([]byte, 8*total)); err != nil {
		return nil, err
	}
	return sk, nil
}

func newSubSink(h *subHeader) *subSink {
	base := &h.spec
	ss := &subSink{
		comp:    h.comp,
		deep:    base.Deep,
		stride:  base.PixelBytes(true),
		specs:   make([]*imageio.ImageSpec, h.miplevels),
		offsets: make([][]uint64, h.miplevels),
		strips:  make([]*stripWriter, h.miplevels),
	}
	for l := range ss.specs {
		spec := mipSpec(base, l)
		ss.specs[l] = spec
		n := numChunks(spec)
		ss.offsets[l] = make([]uint64, n)
		ss.left += n
		if !spec.Tiled() && !spec.Deep {
			ss.strips[l] = &stripWriter{
				buf:  make([]byte, rowsPerStrip*spec.ScanlineBytes(true)),
				next: spec.Y,
			}
		}
	}
	return ss
}

func (sk *sink) writeAll(parts ...[]byte) error {
	for _, p := range parts {
		n, err := sk.w.Write(p)
		sk.pos += int64(n)
		if err != nil {
			sk.err = err
			return err
		}
	}
	return nil
}

// subimageFor checks write ordering: a subimage becomes writable only
// once every earlier subimage has all its chunks on disk.
func (sk *sink) subimageFor(subimage, miplevel int) (*subSink, *imageio.ImageSpec, error) {
	if sk.closed {
		return nil, nil, imageio.ErrClosed
	}
	if sk.err != nil {
		return nil, nil, sk.err
	}
	if subimage < 0 || subimage >= len(sk.subs) {
		return nil, nil, fmt.Errorf("zpix: no subimage %d: %w", subimage, imageio.ErrOutOfRange)
	}
	for sk.cur < subimage && sk.subs[sk.cur].left == 0 {
		sk.cur++
	}
	if subimage < sk.cur {
		return nil, nil, errf("subimage %d is already complete", subimage)
	}
	if subimage > sk.cur {
		return nil, nil, errf("cannot write subimage %d: subimage %d is incomplete", subimage, sk.cur)
	}
	ss := sk.subs[subimage]
	if miplevel < 0 || miplevel >= len(ss.specs) {
		return nil, nil, fmt.Errorf("zpix: no mip level %d: %w", miplevel, imageio.ErrOutOfRange)
	}
	return ss, ss.specs[miplevel], nil
}

func (sk *sink) Spec(subimage, miplevel int) (*imageio.ImageSpec, error) {
	if subimage < 0 || subimage >= len(sk.subs) {
		return nil, fmt.Errorf("zpix: no subimage %d: %w", subimage, imageio.ErrOutOfRange)
	}
	ss := sk.subs[subimage]
	if miplevel < 0 || miplevel >= len(ss.specs) {
		return nil, fmt.Errorf("zpix: no mip level %d: %w", miplevel, imageio.ErrOutOfRange)
	}
	return ss.specs[miplevel], nil
}

func (sk *sink) Supports(feature string) bool {
	switch feature {
	case imageio.FeatureTiles, imageio.FeatureMipmap, imageio.FeatureMultiImage,
		imageio.FeatureDeepData, imageio.FeaturePerChannel:
		return true
	}
	return false
}

// writeChunk appends framing plus payload and records the chunk
// offset for the table patch at Close.
func (sk *sink) writeChunk(ss *subSink, miplevel, index int, frame []byte, payload ...[]byte) error {
	at := uint64(sk.pos)
	if err := sk.writeAll(frame); err != nil {
		return err
	}
	for _, p := range payload {
		if err := sk.writeAll(p); err != nil {
			return err
		}
	}
	if ss.offsets[miplevel][index] == 0 {
		ss.left--
	}
	ss.offsets[miplevel][index] = at
	return nil
}

func (sk *sink) WriteNativeScanlines(subimage, miplevel, ybegin, yend int, src []byte) error {
	ss, spec, err := sk.subimageFor(subimage, miplevel)
	if err != nil {
		return err
	}
	if ss.deep {
		return imageio.ErrDeep
	}
	if spec.Tiled() {
		return imageio.ErrUnsupported
	}
	rowBytes := spec.ScanlineBytes(true)
	if ybegin < spec.Y || yend > spec.Y+spec.Height || ybegin >= yend {
		return fmt.Errorf("zpix: scanline range [%d,%d): %w", ybegin, yend, imageio.ErrOutOfRange)
	}
	if len(src) != (yend-ybegin)*rowBytes {
		return errf("scanline buffer is %d bytes, want %d", len(src), (yend-ybegin)*rowBytes)
	}
	sw := ss.strips[miplevel]
	if ybegin != sw.next {
		return errf("scanline %d out of order, next is %d", ybegin, sw.next)
	}

	for y := ybegin; y < yend; {
		i := (y - spec.Y) / rowsPerStrip
		b0, b1 := stripSpan(spec, i)
		n := min(yend, b1) - y
		copy(sw.buf[(y-b0)*rowBytes:], src[(y-ybegin)*rowBytes:(y-ybegin+n)*rowBytes])
		y += n
		sw.next = y
		if y == b1 {
			if err := sk.flushStrip(ss, spec, miplevel, i, sw.buf[:(b1-b0)*rowBytes]); err != nil {
				return err
			}
		}
	}
	return nil
}

func (sk *sink) flushStrip(ss *subSink, spec *imageio.ImageSpec, miplevel, i int, raw []byte) error {
	packed, err := packChunk(sk.packA[:0], ss.comp, raw, ss.stride)
	if err != nil {
		sk.err = err
		return err
	}
	sk.packA = packed
	b0, _ := stripSpan(spec, i)
	var frame [8]byte
	binio.ByteOrder.PutUint32(frame[0:], uint32(int32(b0)))
	binio.ByteOrder.PutUint32(frame[4:], uint32(len(packed)))
	return sk.writeChunk(ss, miplevel, i, frame[:], packed)
}

func (sk *sink) WriteNativeTile(subimage, miplevel, x, y, z int, src []byte) error {
	ss, spec, err := sk.subimageFor(subimage, miplevel)
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
	if len(src) != spec.TileBytes(true) {
		return errf("tile buffer is %d bytes, want %d", len(src), spec.TileBytes(true))
	}

	packed, err := packChunk(sk.packA[:0], ss.comp, src, ss.stride)
	if err != nil {
		sk.err = err
		return err
	}
	sk.packA = packed
	tx, ty, tz := dx/tw, dy/th, dz/td
	var frame [16]byte
	binio.ByteOrder.PutUint32(frame[0:], uint32(int32(tx)))
	binio.ByteOrder.PutUint32(frame[4:], uint32(int32(ty)))
	binio.ByteOrder.PutUint32(frame[8:], uint32(int32(tz)))
	binio.ByteOrder.PutUint32(frame[12:], uint32(len(packed)))
	idx := (tz*spec.NTilesY()+ty)*spec.NTilesX() + tx
	return sk.writeChunk(ss, miplevel, idx, frame[:], packed)
}

// WriteNativeDeep writes a whole deep subimage. Each strip chunk holds
// the packed per-pixel sample counts followed by the packed sample
// data, channel-major within the strip.
func (sk *sink) WriteNativeDeep(subimage, miplevel int, dd *imageio.DeepData) error {
	ss, spec, err := sk.subimageFor(subimage, miplevel)
	if err != nil {
		return err
	}
	if !ss.deep {
		return imageio.ErrNotDeep
	}
	if dd.NumPixels() != spec.ImagePixels() || dd.NumChannels() != spec.NChannels {
		return fmt.Errorf("zpix: deep data shape mismatch: %w", imageio.ErrOutOfRange)
	}
	for c := 0; c < spec.NChannels; c++ {
		if dd.ChannelType(c) != spec.ChannelFormat(c) {
			return errf("deep channel %d is %v, spec wants %v", c, dd.ChannelType(c), spec.ChannelFormat(c))
		}
	}

	for i := 0; i < numStrips(spec); i++ {
		b0, b1 := stripSpan(spec, i)
		np := (b1 - b0) * spec.Width
		p0 := (b0 - spec.Y) * spec.Width

		counts := getScratch(4 * np)
		var stripSamples int64
		for p := 0; p < np; p++ {
			n := uint32(dd.Samples(p0 + p))
			binio.ByteOrder.PutUint32(counts[4*p:], n)
			stripSamples += int64(n)
		}
		packedCounts, err := packChunk(sk.packA[:0], ss.comp, counts, 4)
		putScratch(counts)
		if err != nil {
			sk.err = err
			return err
		}
		sk.packA = packedCounts

		var dataRaw int64
		for c := 0; c < spec.NChannels; c++ {
			dataRaw += stripSamples * int64(spec.ChannelFormat(c).Size())
		}
		raw := getScratch(int(dataRaw))
		o := 0
		for c := 0; c < spec.NChannels; c++ {
			for p := p0; p < p0+np; p++ {
				sb := dd.SampleBytes(p, c)
				copy(raw[o:], sb)
				o += len(sb)
			}
		}
		packedData, err := packChunk(sk.packB[:0], ss.comp, raw, 1)
		putScratch(raw)
		if err != nil {
			sk.err = err
			return err
		}
		sk.packB = packedData

		var frame [24]byte
		binio.ByteOrder.PutUint32(frame[0:], uint32(int32(b0)))
		binio.ByteOrder.PutUint32(frame[4:], uint32(len(packedCounts)))
		binio.ByteOrder.PutUint64(frame[8:], uint64(len(packedData)))
		binio.ByteOrder.PutUint64(frame[16:], uint64(dataRaw))
		if err := sk.writeChunk(ss, miplevel, i, frame[:], packedCounts, packedData); err != nil {
			return err
		}
	}
	return nil
}

// Close patches the offset tables and finalizes the file. Closing
// before every declared chunk is written fails and leaves the tables
// zeroed, which readers reject.
func (sk *sink) Close() error {
	if sk.closed {
		return sk.err
	}
	sk.closed = true
	if sk.err != nil {
		return sk.err
	}

	for i, ss := range sk.subs {
		if ss.left != 0 {
			sk.err = errf("incomplete file: subimage %d is missing %d chunks", i, ss.left)
			return sk.err
		}
	}

	if _, err := sk.w.Seek(sk.tables, io.SeekStart); err != nil {
		sk.err = err
		return err
	}
	w := binio.NewWriter(1 << 12)
	for _, ss := range sk.subs {
		for _, offs := range ss.offsets {
			for _, off := range offs {
				w.Uint64(off)
			}
		}
	}
	if _, err := sk.w.Write(w.Bytes()); err != nil {
		sk.err = err
		return err
	}
	return nil
}
