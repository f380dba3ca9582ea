package imageio

import (
	"errors"
	"math"
	"unsafe"

	"github.com/mrjoshuak/go-imageio/half"
)

// Conversion between pixel types follows normalized-value semantics:
// unsigned integers span [0, 1], signed integers span [-1, 1], and
// floating-point types carry their values unchanged. Converting uint8
// 255 to uint16 therefore yields 65535, and to float yields 1.0.

var errConvertBounds = errors.New("imageio: conversion buffer too small")

// loadF64 reads the sample at the front of b as a normalized float64.
func loadF64(b []byte, t BaseType) float64 {
	switch t {
	case TypeUInt8:
		return float64(b[0]) / math.MaxUint8
	case TypeInt8:
		return max(float64(int8(b[0]))/math.MaxInt8, -1)
	case TypeUInt16:
		return float64(*(*uint16)(unsafe.Pointer(&b[0]))) / math.MaxUint16
	case TypeInt16:
		return max(float64(*(*int16)(unsafe.Pointer(&b[0])))/math.MaxInt16, -1)
	case TypeUInt32:
		return float64(*(*uint32)(unsafe.Pointer(&b[0]))) / math.MaxUint32
	case TypeInt32:
		return max(float64(*(*int32)(unsafe.Pointer(&b[0])))/math.MaxInt32, -1)
	case TypeUInt64:
		return float64(*(*uint64)(unsafe.Pointer(&b[0]))) / math.MaxUint64
	case TypeInt64:
		return max(float64(*(*int64)(unsafe.Pointer(&b[0])))/math.MaxInt64, -1)
	case TypeHalf:
		return half.FromBits(*(*uint16)(unsafe.Pointer(&b[0]))).Float64()
	case TypeFloat:
		return float64(*(*float32)(unsafe.Pointer(&b[0])))
	case TypeDouble:
		return *(*float64)(unsafe.Pointer(&b[0]))
	}
	return 0
}

// storeF64 writes a normalized float64 into the sample at the front of b.
// Integer targets are clamped to their normalized range and rounded to
// nearest. NaN stores as zero.
func storeF64(b []byte, t BaseType, v float64) {
	switch t {
	case TypeUInt8:
		b[0] = uint8(quantUnsigned(v, math.MaxUint8))
	case TypeInt8:
		b[0] = byte(int8(quantSigned(v, math.MaxInt8)))
	case TypeUInt16:
		*(*uint16)(unsafe.Pointer(&b[0])) = uint16(quantUnsigned(v, math.MaxUint16))
	case TypeInt16:
		*(*int16)(unsafe.Pointer(&b[0])) = int16(quantSigned(v, math.MaxInt16))
	case TypeUInt32:
		*(*uint32)(unsafe.Pointer(&b[0])) = uint32(quantUnsigned(v, math.MaxUint32))
	case TypeInt32:
		*(*int32)(unsafe.Pointer(&b[0])) = int32(quantSigned(v, math.MaxInt32))
	case TypeUInt64:
		*(*uint64)(unsafe.Pointer(&b[0])) = quantUnsigned(v, math.MaxUint64)
	case TypeInt64:
		*(*int64)(unsafe.Pointer(&b[0])) = quantSigned(v, math.MaxInt64)
	case TypeHalf:
		*(*uint16)(unsafe.Pointer(&b[0])) = half.FromFloat64(v).Bits()
	case TypeFloat:
		*(*float32)(unsafe.Pointer(&b[0])) = float32(v)
	case TypeDouble:
		*(*float64)(unsafe.Pointer(&b[0])) = v
	}
}

// quantUnsigned maps a normalized value onto [0, max] with rounding.
// The v >= 1 check also guards 64-bit targets, where max does not
// round-trip through float64.
func quantUnsigned(v float64, maxVal uint64) uint64 {
	if v != v || v <= 0 {
		return 0
	}
	if v >= 1 {
		return maxVal
	}
	return uint64(v*float64(maxVal) + 0.5)
}

// quantSigned maps a normalized value onto [-max, max] with rounding.
func quantSigned(v float64, maxVal int64) int64 {
	if v != v {
		return 0
	}
	if v >= 1 {
		return maxVal
	}
	if v <= -1 {
		return -maxVal
	}
	return int64(math.Round(v * float64(maxVal)))
}

// ConvertPixelValues converts n contiguous samples from src to dst.
// dst and src may not overlap unless the types are identical.
func ConvertPixelValues(dst []byte, dstType BaseType, src []byte, srcType BaseType, n int) error {
	ds, ss := dstType.Size(), srcType.Size()
	if ds == 0 || ss == 0 {
		return ErrUnsupported
	}
	if len(dst) < n*ds || len(src) < n*ss {
		return errConvertBounds
	}
	convertSpan(dst, dstType, src, srcType, n)
	return nil
}

// convertSpan is the unchecked core of ConvertPixelValues.
func convertSpan(dst []byte, dstType BaseType, src []byte, srcType BaseType, n int) {
	if n <= 0 {
		return
	}
	if dstType == srcType {
		copy(dst[:n*dstType.Size()], src)
		return
	}

	// Typed fast paths for the pairs that dominate real transfers.
	switch {
	case srcType == TypeHalf && dstType == TypeFloat:
		for i := 0; i < n; i++ {
			h := half.FromBits(*(*uint16)(unsafe.Pointer(&src[i*2])))
			*(*float32)(unsafe.Pointer(&dst[i*4])) = h.Float32()
		}
		return
	case srcType == TypeFloat && dstType == TypeHalf:
		for i := 0; i < n; i++ {
			f := *(*float32)(unsafe.Pointer(&src[i*4]))
			*(*uint16)(unsafe.Pointer(&dst[i*2])) = half.FromFloat32(f).Bits()
		}
		return
	case srcType == TypeUInt8 && dstType == TypeUInt16:
		for i := 0; i < n; i++ {
			*(*uint16)(unsafe.Pointer(&dst[i*2])) = uint16(src[i]) * 257
		}
		return
	case srcType == TypeUInt16 && dstType == TypeUInt8:
		for i := 0; i < n; i++ {
			v := *(*uint16)(unsafe.Pointer(&src[i*2]))
			dst[i] = uint8((uint32(v) + 128) / 257)
		}
		return
	case srcType == TypeUInt8 && dstType == TypeFloat:
		for i := 0; i < n; i++ {
			*(*float32)(unsafe.Pointer(&dst[i*4])) = float32(src[i]) * (1.0 / math.MaxUint8)
		}
		return
	case srcType == TypeUInt16 && dstType == TypeFloat:
		for i := 0; i < n; i++ {
			v := *(*uint16)(unsafe.Pointer(&src[i*2]))
			*(*float32)(unsafe.Pointer(&dst[i*4])) = float32(v) * (1.0 / math.MaxUint16)
		}
		return
	}

	// General path through normalized float64.
	ds, ss := dstType.Size(), srcType.Size()
	for i := 0; i < n; i++ {
		storeF64(dst[i*ds:], dstType, loadF64(src[i*ss:], srcType))
	}
}

// ConvertImage converts a width x height x depth block of nchannels
// interleaved pixels between formats and stride layouts. Strides are
// byte distances between consecutive pixels, rows and slices; zero
// means contiguous. Negative strides are not supported.
func ConvertImage(nchannels, width, height, depth int,
	src []byte, srcType BaseType, srcXStride, srcYStride, srcZStride int,
	dst []byte, dstType BaseType, dstXStride, dstYStride, dstZStride int) error {

	if depth < 1 {
		depth = 1
	}
	if nchannels < 1 || width < 1 || height < 1 {
		return ErrOutOfRange
	}
	srcXStride, srcYStride, srcZStride = autoStride(srcXStride, srcYStride, srcZStride,
		srcType, nchannels, width, height)
	dstXStride, dstYStride, dstZStride = autoStride(dstXStride, dstYStride, dstZStride,
		dstType, nchannels, width, height)
	if srcXStride < 0 || srcYStride < 0 || dstXStride < 0 || dstYStride < 0 {
		return ErrUnsupported
	}

	srcPixel := nchannels * srcType.Size()
	dstPixel := nchannels * dstType.Size()
	rowSamples := width * nchannels

	for z := 0; z < depth; z++ {
		for y := 0; y < height; y++ {
			so := z*srcZStride + y*srcYStride
			do := z*dstZStride + y*dstYStride
			if so+((width-1)*srcXStride)+srcPixel > len(src) ||
				do+((width-1)*dstXStride)+dstPixel > len(dst) {
				return errConvertBounds
			}
			if srcXStride == srcPixel && dstXStride == dstPixel {
				// Contiguous row: one pass over all samples.
				convertSpan(dst[do:], dstType, src[so:], srcType, rowSamples)
				continue
			}
			for x := 0; x < width; x++ {
				convertSpan(dst[do:], dstType, src[so:], srcType, nchannels)
				so += srcXStride
				do += dstXStride
			}
		}
	}
	return nil
}

// autoStride fills in zero strides with their contiguous defaults.
func autoStride(xs, ys, zs int, t BaseType, nchannels, width, height int) (int, int, int) {
	if xs == 0 {
		xs = nchannels * t.Size()
	}
	if ys == 0 {
		ys = xs * width
	}
	if zs == 0 {
		zs = ys * height
	}
	return xs, ys, zs
}
