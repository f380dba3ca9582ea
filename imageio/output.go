package imageio

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// Output writes pixels to an image file through its format plugin,
// converting the caller's data into the file's native types. Subimages
// must be written in order; scanline rows within a subimage must
// arrive in increasing y.
type Output struct {
	mu     sync.Mutex
	sink   NativeSink
	format *Format
	name   string
	closer io.Closer
	closed bool
}

// Create creates the named image file with one spec per subimage. The
// format is chosen by file extension.
func Create(path string, specs ...ImageSpec) (*Output, error) {
	f := formatForPath(path)
	if f == nil {
		return nil, fmt.Errorf("imageio: create %s: %w", path, ErrBadFormat)
	}
	w, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("imageio: create %s: %w", path, err)
	}
	out, err := createWriter(w, f, path, specs)
	if err != nil {
		w.Close()
		os.Remove(path)
		return nil, err
	}
	out.closer = w
	return out, nil
}

// CreateWriter creates an image writing to w in the named format.
func CreateWriter(w io.WriteSeeker, formatName string, specs ...ImageSpec) (*Output, error) {
	f := FormatByName(formatName)
	if f == nil {
		return nil, fmt.Errorf("imageio: create: unknown format %q: %w", formatName, ErrBadFormat)
	}
	return createWriter(w, f, formatName, specs)
}

func createWriter(w io.WriteSeeker, f *Format, name string, specs []ImageSpec) (*Output, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("imageio: create %s: no image specs", name)
	}
	for i := range specs {
		if err := checkSpecLimits(&specs[i]); err != nil {
			return nil, err
		}
	}
	sink, err := f.CreateSink(w, specs)
	if err != nil {
		return nil, &FormatError{Format: f.Name, Op: "create", Err: err}
	}
	return &Output{sink: sink, format: f, name: name}, nil
}

// FormatName returns the name of the format being written.
func (out *Output) FormatName() string { return out.format.Name }

// Name returns the path or hint the output was created with.
func (out *Output) Name() string { return out.name }

// Supports reports whether the underlying sink implements a feature.
func (out *Output) Supports(feature string) bool {
	return out.sink.Supports(feature)
}

// Spec returns a copy of the spec of one subimage/miplevel.
func (out *Output) Spec(subimage, miplevel int) (*ImageSpec, error) {
	out.mu.Lock()
	defer out.mu.Unlock()
	if out.closed {
		return nil, ErrClosed
	}
	s, err := out.sink.Spec(subimage, miplevel)
	if err != nil {
		return nil, out.writeErr(err)
	}
	return s.Copy(), nil
}

// WriteImage writes the entire data window of a subimage/miplevel from
// src, srcType pixels. Tiled files are written tile by tile, scanline
// files in bounded row chunks.
func (out *Output) WriteImage(subimage, miplevel int, src []byte, srcType BaseType, opts *TransferOptions) error {
	out.mu.Lock()
	defer out.mu.Unlock()
	if out.closed {
		return ErrClosed
	}
	spec, err := out.sink.Spec(subimage, miplevel)
	if err != nil {
		return out.writeErr(err)
	}
	r := spec.ROI()
	if spec.Tiled() {
		return out.writeTiles(spec, subimage, miplevel,
			r.XBegin, r.XEnd, r.YBegin, r.YEnd, r.ZBegin, r.ZEnd,
			src, srcType, opts)
	}
	return out.writeScanlines(spec, subimage, miplevel, r.YBegin, r.YEnd,
		src, srcType, opts)
}

// WriteScanlines writes rows [ybegin, yend) of the data window from
// src, srcType pixels covering all channels. src[0] is the first pixel
// of the region; strides come from opts.
func (out *Output) WriteScanlines(subimage, miplevel, ybegin, yend int,
	src []byte, srcType BaseType, opts *TransferOptions) error {
	out.mu.Lock()
	defer out.mu.Unlock()
	if out.closed {
		return ErrClosed
	}
	spec, err := out.sink.Spec(subimage, miplevel)
	if err != nil {
		return out.writeErr(err)
	}
	return out.writeScanlines(spec, subimage, miplevel, ybegin, yend, src, srcType, opts)
}

func (out *Output) writeScanlines(spec *ImageSpec, subimage, miplevel, ybegin, yend int,
	src []byte, srcType BaseType, opts *TransferOptions) error {
	if spec.Deep {
		return ErrDeep
	}
	if !srcType.Valid() {
		return ErrUnsupported
	}
	r := spec.ROI()
	if ybegin < r.YBegin || yend > r.YEnd || ybegin >= yend {
		return ErrOutOfRange
	}

	w := spec.Width
	nrows := yend - ybegin
	sh := newTransferShape(spec, 0, spec.NChannels, srcType)
	xs, ys, _ := opts.strides(srcType, sh.nch, w, nrows)
	if len(src) < regionBytes(w, nrows, 1, sh.nch, srcType, xs, ys, 0) {
		return errConvertBounds
	}

	nativeRow := spec.ScanlineBytes(true)
	rowsPerChunk := min(nrows, max(1, int(TransferChunkBytes()/int64(nativeRow))))

	if sh.native() && xs == sh.calcPixel && ys == xs*w {
		// Native passthrough: hand the caller's rows straight to the
		// plugin.
		for y := ybegin; y < yend; y += rowsPerChunk {
			ye := min(y+rowsPerChunk, yend)
			off := (y - ybegin) * ys
			if err := out.sink.WriteNativeScanlines(subimage, miplevel, y, ye,
				src[off:off+(ye-y)*nativeRow]); err != nil {
				return out.writeErr(err)
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
		for yy := y; yy < ye; yy++ {
			dstRow := stage[(yy-y)*nativeRow : (yy-y+1)*nativeRow]
			sh.rowToNative(dstRow, src[(yy-ybegin)*ys:], xs, w)
		}
		if err := out.sink.WriteNativeScanlines(subimage, miplevel, y, ye,
			stage[:(ye-y)*nativeRow]); err != nil {
			return out.writeErr(err)
		}
		if opts.progress(float64(ye-ybegin) / float64(nrows)) {
			return nil
		}
	}
	return nil
}

// WriteTiles writes the tile-aligned region [xbegin,xend) x
// [ybegin,yend) x [zbegin,zend) from src, srcType pixels covering all
// channels. Region begin edges must lie on the tile grid; end edges
// must be aligned or flush with the data window. Tile parts
// overhanging the data window are zero padded.
func (out *Output) WriteTiles(subimage, miplevel, xbegin, xend, ybegin, yend, zbegin, zend int,
	src []byte, srcType BaseType, opts *TransferOptions) error {
	out.mu.Lock()
	defer out.mu.Unlock()
	if out.closed {
		return ErrClosed
	}
	spec, err := out.sink.Spec(subimage, miplevel)
	if err != nil {
		return out.writeErr(err)
	}
	return out.writeTiles(spec, subimage, miplevel, xbegin, xend, ybegin, yend,
		zbegin, zend, src, srcType, opts)
}

func (out *Output) writeTiles(spec *ImageSpec, subimage, miplevel, xbegin, xend, ybegin, yend, zbegin, zend int,
	src []byte, srcType BaseType, opts *TransferOptions) error {
	if spec.Deep {
		return ErrDeep
	}
	if !srcType.Valid() {
		return ErrUnsupported
	}
	if err := validateTileRegion(spec, xbegin, xend, ybegin, yend, zbegin, zend); err != nil {
		return err
	}

	w, h, d := xend-xbegin, yend-ybegin, zend-zbegin
	sh := newTransferShape(spec, 0, spec.NChannels, srcType)
	xs, ys, zs := opts.strides(srcType, sh.nch, w, h)
	if len(src) < regionBytes(w, h, d, sh.nch, srcType, xs, ys, zs) {
		return errConvertBounds
	}

	tw, th, td := spec.TileWidth, spec.TileHeight, max(spec.TileDepth, 1)
	tileBytes := spec.TileBytes(true)

	if sh.native() && w == tw && h == th && d == td &&
		xs == sh.calcPixel && ys == xs*w && zs == ys*h {
		if err := out.sink.WriteNativeTile(subimage, miplevel, xbegin, ybegin, zbegin,
			src[:tileBytes]); err != nil {
			return out.writeErr(err)
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
				ix := min(tx+tw, xend) - tx
				iy := min(ty+th, yend)
				iz := min(tz+td, zend)
				if ix < tw || iy-ty < th || iz-tz < td {
					clear(stage[:tileBytes])
				}
				for z := tz; z < iz; z++ {
					for y := ty; y < iy; y++ {
						do := (((z-tz)*th + (y - ty)) * tw) * sh.nativePixel
						so := (z-zbegin)*zs + (y-ybegin)*ys + (tx-xbegin)*xs
						sh.rowToNative(stage[do:do+ix*sh.nativePixel], src[so:], xs, ix)
					}
				}
				if err := out.sink.WriteNativeTile(subimage, miplevel, tx, ty, tz,
					stage[:tileBytes]); err != nil {
					return out.writeErr(err)
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

// WriteDeep writes an entire deep subimage/miplevel from dd. The
// DeepData shape must match the subimage spec.
func (out *Output) WriteDeep(subimage, miplevel int, dd *DeepData) error {
	out.mu.Lock()
	defer out.mu.Unlock()
	if out.closed {
		return ErrClosed
	}
	spec, err := out.sink.Spec(subimage, miplevel)
	if err != nil {
		return out.writeErr(err)
	}
	if !spec.Deep {
		return ErrNotDeep
	}
	ds, ok := out.sink.(DeepSink)
	if !ok {
		return ErrUnsupported
	}
	if dd == nil || dd.NumPixels() != spec.ImagePixels() || dd.NumChannels() != spec.NChannels {
		return ErrOutOfRange
	}
	if err := ds.WriteNativeDeep(subimage, miplevel, dd); err != nil {
		return out.writeErr(err)
	}
	return nil
}

// Close finalizes the file and releases resources. Closing before all
// declared subimages are written returns the sink's error.
func (out *Output) Close() error {
	out.mu.Lock()
	defer out.mu.Unlock()
	if out.closed {
		return nil
	}
	out.closed = true
	err := out.sink.Close()
	if out.closer != nil {
		if cerr := out.closer.Close(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		return &FormatError{Format: out.format.Name, Op: "close", Err: err}
	}
	return nil
}

func (out *Output) writeErr(err error) error {
	return &FormatError{Format: out.format.Name, Op: "write", Err: err}
}
