package imageio

import (
	"sync/atomic"
)

// ProgressFunc reports transfer progress as a fraction in [0, 1].
// Returning true cancels the transfer at the next chunk boundary; the
// transfer then returns nil with the destination partially filled.
type ProgressFunc func(fractionDone float64) (cancel bool)

// TransferOptions controls the layout and monitoring of a pixel
// transfer. The zero value (or a nil pointer) means contiguous strides
// and no progress reporting.
type TransferOptions struct {
	// XStride, YStride, ZStride are byte distances between adjacent
	// pixels, rows and slices in the caller's buffer. Zero means
	// contiguous.
	XStride int
	YStride int
	ZStride int

	// Progress, if non-nil, is called between chunks.
	Progress ProgressFunc
}

// strides resolves the caller strides against a region of w x h
// pixels of nch channels stored as t.
func (o *TransferOptions) strides(t BaseType, nch, w, h int) (xs, ys, zs int) {
	if o != nil {
		xs, ys, zs = o.XStride, o.YStride, o.ZStride
	}
	return autoStride(xs, ys, zs, t, nch, w, h)
}

func (o *TransferOptions) progress(done float64) bool {
	if o == nil || o.Progress == nil {
		return false
	}
	return o.Progress(done)
}

const defaultTransferChunkBytes = 16 << 20

var transferChunkBytes atomic.Int64

func init() {
	transferChunkBytes.Store(defaultTransferChunkBytes)
}

// SetTransferChunkBytes bounds the staging memory one transfer may
// hold at a time. Transfers larger than the bound proceed in chunks.
// A value <= 0 restores the default. Returns the previous bound.
func SetTransferChunkBytes(n int64) int64 {
	if n <= 0 {
		n = defaultTransferChunkBytes
	}
	return transferChunkBytes.Swap(n)
}

// TransferChunkBytes returns the current staging bound.
func TransferChunkBytes() int64 {
	return transferChunkBytes.Load()
}

// resolveChannels normalizes a [chbegin, chend) channel range against
// a spec. chend < 0 means all channels from chbegin.
func resolveChannels(spec *ImageSpec, chbegin, chend int) (int, int, error) {
	if chend < 0 {
		chend = spec.NChannels
	}
	if chbegin < 0 || chbegin >= chend || chend > spec.NChannels {
		return 0, 0, ErrNoSuchChannel
	}
	return chbegin, chend, nil
}

// validateRegion checks that a half-open region lies inside the data
// window and is non-empty.
func validateRegion(spec *ImageSpec, xbegin, xend, ybegin, yend, zbegin, zend int) error {
	if xbegin >= xend || ybegin >= yend || zbegin >= zend {
		return ErrOutOfRange
	}
	r := spec.ROI()
	if xbegin < r.XBegin || xend > r.XEnd ||
		ybegin < r.YBegin || yend > r.YEnd ||
		zbegin < r.ZBegin || zend > r.ZEnd {
		return ErrOutOfRange
	}
	return nil
}

// validateTileRegion additionally requires tile-aligned begin edges
// and end edges that are either aligned or flush with the data window.
func validateTileRegion(spec *ImageSpec, xbegin, xend, ybegin, yend, zbegin, zend int) error {
	if err := validateRegion(spec, xbegin, xend, ybegin, yend, zbegin, zend); err != nil {
		return err
	}
	if !spec.Tiled() {
		return ErrUnsupported
	}
	r := spec.ROI()
	td := max(spec.TileDepth, 1)
	aligned := func(v, origin, size, winEnd int) bool {
		return (v-origin)%size == 0 || v == winEnd
	}
	if (xbegin-r.XBegin)%spec.TileWidth != 0 ||
		(ybegin-r.YBegin)%spec.TileHeight != 0 ||
		(zbegin-r.ZBegin)%td != 0 {
		return ErrOutOfRange
	}
	if !aligned(xend, r.XBegin, spec.TileWidth, r.XEnd) ||
		!aligned(yend, r.YBegin, spec.TileHeight, r.YEnd) ||
		!aligned(zend, r.ZBegin, td, r.ZEnd) {
		return ErrOutOfRange
	}
	return nil
}

// regionBytes returns the number of bytes a strided region occupies,
// measured to one past its final pixel.
func regionBytes(w, h, d, nch int, t BaseType, xs, ys, zs int) int {
	return (d-1)*zs + (h-1)*ys + (w-1)*xs + nch*t.Size()
}

// chanRun is a maximal run of adjacent channels sharing one native
// type. Conversions walk runs instead of single channels so that
// homogeneous spans collapse into one bulk call.
type chanRun struct {
	nch       int      // channels in the run
	typ       BaseType // native type of every channel in the run
	nativeOff int      // byte offset of the run inside a native pixel
	calcOff   int      // channel offset of the run relative to chbegin
}

// channelRuns coalesces channels [chbegin, chend) of spec into runs.
// A spec without per-channel formats always yields a single run.
func channelRuns(spec *ImageSpec, chbegin, chend int) []chanRun {
	if spec.HomogeneousChannels() {
		return []chanRun{{
			nch:       chend - chbegin,
			typ:       spec.Format,
			nativeOff: chbegin * spec.Format.Size(),
			calcOff:   0,
		}}
	}
	var runs []chanRun
	off := 0
	for c := 0; c < chend; c++ {
		t := spec.ChannelFormat(c)
		if c >= chbegin {
			if n := len(runs); n > 0 && runs[n-1].typ == t &&
				runs[n-1].calcOff+runs[n-1].nch == c-chbegin {
				runs[n-1].nch++
			} else {
				runs = append(runs, chanRun{
					nch:       1,
					typ:       t,
					nativeOff: off,
					calcOff:   c - chbegin,
				})
			}
		}
		off += t.Size()
	}
	return runs
}

// transferShape captures everything a row conversion needs: the
// native pixel layout of the file and the caller's type and strides.
type transferShape struct {
	runs        []chanRun
	nativePixel int      // native bytes per pixel (all channels)
	calcType    BaseType // caller-side type
	calcPixel   int      // caller bytes per pixel (chend-chbegin channels)
	nch         int      // channels transferred
}

func newTransferShape(spec *ImageSpec, chbegin, chend int, calcType BaseType) transferShape {
	return transferShape{
		runs:        channelRuns(spec, chbegin, chend),
		nativePixel: spec.PixelBytes(true),
		calcType:    calcType,
		calcPixel:   (chend - chbegin) * calcType.Size(),
		nch:         chend - chbegin,
	}
}

// native reports whether caller pixels are byte-identical to native
// pixels, making passthrough possible.
func (sh *transferShape) native() bool {
	return len(sh.runs) == 1 && sh.runs[0].typ == sh.calcType &&
		sh.runs[0].nativeOff == 0 && sh.calcPixel == sh.nativePixel
}

// rowFromNative converts w native pixels from src into the caller's
// buffer at dst with pixel stride dxs.
func (sh *transferShape) rowFromNative(dst []byte, dxs int, src []byte, w int) {
	if len(sh.runs) == 1 && sh.runs[0].nativeOff == 0 &&
		sh.nativePixel == sh.runs[0].nch*sh.runs[0].typ.Size() &&
		dxs == sh.calcPixel {
		convertSpan(dst, sh.calcType, src, sh.runs[0].typ, w*sh.nch)
		return
	}
	cs := sh.calcType.Size()
	so, do := 0, 0
	for x := 0; x < w; x++ {
		for _, run := range sh.runs {
			convertSpan(dst[do+run.calcOff*cs:], sh.calcType,
				src[so+run.nativeOff:], run.typ, run.nch)
		}
		so += sh.nativePixel
		do += dxs
	}
}

// rowToNative converts w caller pixels from src with pixel stride sxs
// into native pixels at dst.
func (sh *transferShape) rowToNative(dst []byte, src []byte, sxs int, w int) {
	if len(sh.runs) == 1 && sh.runs[0].nativeOff == 0 &&
		sh.nativePixel == sh.runs[0].nch*sh.runs[0].typ.Size() &&
		sxs == sh.calcPixel {
		convertSpan(dst, sh.runs[0].typ, src, sh.calcType, w*sh.nch)
		return
	}
	cs := sh.calcType.Size()
	so, do := 0, 0
	for x := 0; x < w; x++ {
		for _, run := range sh.runs {
			convertSpan(dst[do+run.nativeOff:], run.typ,
				src[so+run.calcOff*cs:], sh.calcType, run.nch)
		}
		so += sxs
		do += sh.nativePixel
	}
}
