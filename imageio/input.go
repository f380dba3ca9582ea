package imageio

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// Input reads pixels from an image file through its format plugin,
// converting the file's native data into the caller's requested type
// and layout. All methods are safe for concurrent use; reads are
// serialized over the underlying source.
type Input struct {
	mu     sync.Mutex
	src    NativeSource
	format *Format
	name   string
	closer io.Closer
	closed bool
}

// Open opens the named image file for reading. The format is chosen
// by content sniffing, with the file extension breaking ties.
func Open(path string) (*Input, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("imageio: open %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("imageio: open %s: %w", path, err)
	}
	in, err := openReader(f, st.Size(), path, formatForPath(path))
	if err != nil {
		f.Close()
		return nil, err
	}
	in.closer = f
	return in, nil
}

// OpenReader opens an image held in r, which must contain size bytes.
// nameHint, typically a file name, helps format selection and error
// messages; it may be empty.
func OpenReader(r io.ReaderAt, size int64, nameHint string) (*Input, error) {
	return openReader(r, size, nameHint, formatForPath(nameHint))
}

func openReader(r io.ReaderAt, size int64, name string, preferred *Format) (*Input, error) {
	prefix := make([]byte, SniffLen)
	n, err := r.ReadAt(prefix, 0)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("imageio: open %s: %w", name, err)
	}
	f := sniffFormat(prefix[:n], preferred)
	if f == nil {
		return nil, fmt.Errorf("imageio: %s: %w", name, ErrBadFormat)
	}
	src, err := f.OpenSource(r, size)
	if err != nil {
		return nil, &FormatError{Format: f.Name, Op: "open", Err: err}
	}
	return &Input{src: src, format: f, name: name}, nil
}

// FormatName returns the name of the format that opened the file.
func (in *Input) FormatName() string { return in.format.Name }

// Name returns the path or hint the input was opened with.
func (in *Input) Name() string { return in.name }

// NumSubimages returns the number of subimages in the file.
func (in *Input) NumSubimages() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.src.NumSubimages()
}

// NumMiplevels returns the number of mip levels of a subimage.
func (in *Input) NumMiplevels(subimage int) int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.src.NumMiplevels(subimage)
}

// Supports reports whether the underlying source implements a feature.
func (in *Input) Supports(feature string) bool {
	return in.src.Supports(feature)
}

// Spec returns a copy of the spec of one subimage/miplevel.
func (in *Input) Spec(subimage, miplevel int) (*ImageSpec, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return nil, ErrClosed
	}
	s, err := in.src.Spec(subimage, miplevel)
	if err != nil {
		return nil, in.readErr(err)
	}
	return s.Copy(), nil
}

// ReadImage reads the entire data window of a subimage/miplevel into
// dst as dstType pixels. Tiled files are read tile by tile, scanline
// files in bounded row chunks.
func (in *Input) ReadImage(subimage, miplevel int, dst []byte, dstType BaseType, opts *TransferOptions) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return ErrClosed
	}
	spec, err := in.src.Spec(subimage, miplevel)
	if err != nil {
		return in.readErr(err)
	}
	r := spec.ROI()
	if spec.Tiled() {
		return in.readTiles(spec, subimage, miplevel,
			r.XBegin, r.XEnd, r.YBegin, r.YEnd, r.ZBegin, r.ZEnd, 0, -1,
			dst, dstType, opts)
	}
	return in.readScanlines(spec, subimage, miplevel, r.YBegin, r.YEnd, 0, -1,
		dst, dstType, opts)
}

// ReadScanlines reads rows [ybegin, yend) of the data window,
// channels [chbegin, chend), into dst as dstType pixels. chend < 0
// means all channels. dst[0] is the first pixel of the region; strides
// come from opts.
func (in *Input) ReadScanlines(subimage, miplevel, ybegin, yend, chbegin, chend int,
	dst []byte, dstType BaseType, opts *TransferOptions) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return ErrClosed
	}
	spec, err := in.src.Spec(subimage, miplevel)
	if err != nil {
		return in.readErr(err)
	}
	return in.readScanlines(spec, subimage, miplevel, ybegin, yend, chbegin, chend,
		dst, dstType, opts)
}

func (in *Input) readScanlines(spec *ImageSpec, subimage, miplevel, ybegin, yend, chbegin, chend int,
	dst []byte, dstType BaseType, opts *TransferOptions) error {
	if spec.Deep {
		return ErrDeep
	}
	if !dstType.Valid() {
		return ErrUnsupported
	}
	if err := checkSpecLimits(spec); err != nil {
		return err
	}
	cb, ce, err := resolveChannels(spec, chbegin, chend)
	if err != nil {
		return err
	}
	r := spec.ROI()
	if ybegin < r.YBegin || yend > r.YEnd || ybegin >= yend {
		return ErrOutOfRange
	}

	w := spec.Width
	nrows := yend - ybegin
	sh := newTransferShape(spec, cb, ce, dstType)
	xs, ys, _ := opts.strides(dstType, sh.nch, w, nrows)
	if len(dst) < regionBytes(w, nrows, 1, sh.nch, dstType, xs, ys, 0) {
		return errConvertBounds
	}

	nativeRow := spec.ScanlineBytes(true)
	rowsPerChunk := min(nrows, max(1, int(TransferChunkBytes()/int64(nativeRow))))

	if sh.native() && xs == sh.calcPixel && ys == xs*w {
		// Native passthrough: the plugin decodes straight into the
		// caller's buffer, no staging copy.
		for y := ybegin; y < yend; y += rowsPerChunk {
			ye := min(y+rowsPerChunk, yend)
			off := (y - ybegin) * ys
			if err := in.src.ReadNativeScanlines(subimage, miplevel, y, ye,
				dst[off:off+(ye-y)*nativeRow]); err != nil {
				return in.readErr(err)
			}
			if opts.progress(float64(ye-ybegin) / float64(nrows)) {
				return nil
			}
		}
		return nil
	}

	stage, err := GetBuffer(rowsPerChunk * nativeRow)
	if err != nil {
		return err
	}
	defer PutBuffer(stage)

	for y := ybegin; y < yend; y += rowsPerChunk {
		ye := min(y+rowsPerChunk, yend)
		if err := in.src.ReadNativeScanlines(subimage, miplevel, y, ye,
			stage[:(ye-y)*nativeRow]); err != nil {
			return in.readErr(err)
		}
		for yy := y; yy < ye; yy++ {
			srcRow := stage[(yy-y)*nativeRow : (yy-y+1)*nativeRow]
			sh.rowFromNative(dst[(yy-ybegin)*ys:], xs, srcRow, w)
		}
		if opts.progress(float64(ye-ybegin) / float64(nrows)) {
			return nil
		}
	}
	return nil
}

// ReadTiles reads the tile-aligned region [xbegin,xend) x
// [ybegin,yend) x [zbegin,zend), channels [chbegin, chend), into dst
// as dstType pixels. Region begin edges must lie on the tile grid; end
// edges must be aligned or flush with the data window.
func (in *Input) ReadTiles(subimage, miplevel, xbegin, xend, ybegin, yend, zbegin, zend, chbegin, chend int,
	dst []byte, dstType BaseType, opts *TransferOptions) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return ErrClosed
	}
	spec, err := in.src.Spec(subimage, miplevel)
	if err != nil {
		return in.readErr(err)
	}
	return in.readTiles(spec, subimage, miplevel, xbegin, xend, ybegin, yend,
		zbegin, zend, chbegin, chend, dst, dstType, opts)
}

func (in *Input) readTiles(spec *ImageSpec, subimage, miplevel, xbegin, xend, ybegin, yend, zbegin, zend, chbegin, chend int,
	dst []byte, dstType BaseType, opts *TransferOptions) error {
	if spec.Deep {
		return ErrDeep
	}
	if !dstType.Valid() {
		return ErrUnsupported
	}
	if err := checkSpecLimits(spec); err != nil {
		return err
	}
	cb, ce, err := resolveChannels(spec, chbegin, chend)
	if err != nil {
		return err
	}
	if err := validateTileRegion(spec, xbegin, xend, ybegin, yend, zbegin, zend); err != nil {
		return err
	}

	w, h, d := xend-xbegin, yend-ybegin, zend-zbegin
	sh := newTransferShape(spec, cb, ce, dstType)
	xs, ys, zs := opts.strides(dstType, sh.nch, w, h)
	if len(dst) < regionBytes(w, h, d, sh.nch, dstType, xs, ys, zs) {
		return errConvertBounds
	}

	tw, th, td := spec.TileWidth, spec.TileHeight, max(spec.TileDepth, 1)
	tileBytes := spec.TileBytes(true)

	// Single whole tile straight into the caller's buffer.
	if sh.native() && w == tw && h == th && d == td &&
		xs == sh.calcPixel && ys == xs*w && zs == ys*h {
		if err := in.src.ReadNativeTile(subimage, miplevel, xbegin, ybegin, zbegin,
			dst[:tileBytes]); err != nil {
			return in.readErr(err)
		}
		opts.progress(1)
		return nil
	}

	stage, err := GetBuffer(tileBytes)
	if err != nil {
		return err
	}
	defer PutBuffer(stage)

	nx := (w + tw - 1) / tw
	ny := (h + th - 1) / th
	nz := (d + td - 1) / td
	total := nx * ny * nz
	done := 0

	for tz := zbegin; tz < zend; tz += td {
		for ty := ybegin; ty < yend; ty += th {
			for tx := xbegin; tx < xend; tx += tw {
				if err := in.src.ReadNativeTile(subimage, miplevel, tx, ty, tz,
					stage[:tileBytes]); err != nil {
					return in.readErr(err)
				}
				ix := min(tx+tw, xend) - tx
				iy := min(ty+th, yend)
				iz := min(tz+td, zend)
				for z := tz; z < iz; z++ {
					for y := ty; y < iy; y++ {
						so := (((z-tz)*th + (y - ty)) * tw) * sh.nativePixel
						do := (z-zbegin)*zs + (y-ybegin)*ys + (tx-xbegin)*xs
						sh.rowFromNative(dst[do:], xs, stage[so:so+ix*sh.nativePixel], ix)
					}
				}
				done++
				if opts.progress(float64(done) / float64(total)) {
					return nil
				}
			}
		}
	}
	return nil
}

// ReadDeep reads an entire deep subimage/miplevel into dd, replacing
// its contents.
func (in *Input) ReadDeep(subimage, miplevel int, dd *DeepData) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return ErrClosed
	}
	spec, err := in.src.Spec(subimage, miplevel)
	if err != nil {
		return in.readErr(err)
	}
	if !spec.Deep {
		return ErrNotDeep
	}
	ds, ok := in.src.(DeepSource)
	if !ok {
		return ErrUnsupported
	}
	if err := checkSpecLimits(spec); err != nil {
		return err
	}
	types := make([]BaseType, spec.NChannels)
	for c := range types {
		types[c] = spec.ChannelFormat(c)
	}
	if err := dd.Init(spec.ImagePixels(), types); err != nil {
		return err
	}
	if err := ds.ReadNativeDeep(subimage, miplevel, dd); err != nil {
		return in.readErr(err)
	}
	return nil
}

// Close releases the source and, for path-opened inputs, the file.
func (in *Input) Close() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return nil
	}
	in.closed = true
	err := in.src.Close()
	if in.closer != nil {
		if cerr := in.closer.Close(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		return &FormatError{Format: in.format.Name, Op: "close", Err: err}
	}
	return nil
}

func (in *Input) readErr(err error) error {
	return &FormatError{Format: in.format.Name, Op: "read", Err: err}
}
