// Package predict implements the byte-plane delta filter applied to
// pixel chunks before entropy compression.
//
// Pixel data compresses poorly as-is because neighboring samples differ
// in their low bytes while their high bytes stay coherent. The filter
// first gathers all bytes at the same offset within each sample into
// contiguous planes, then delta-encodes the result so slowly varying
// planes collapse into runs of small values:
//
//	samples:  [a0 a1] [b0 b1] [c0 c1]
//	planes:   a0 b0 c0 a1 b1 c1
//	deltas:   a0 b0-a0 c0-b0 a1-c0 b1-a1 c1-b1
//
// A trailing fragment shorter than one sample is copied unfiltered.
package predict

// Forward filters src into dst. Both slices must have equal length and
// must not overlap. stride is the sample size in bytes; strides below 2
// skip the plane pass and only delta-encode.
func Forward(dst, src []byte, stride int) {
	if len(dst) != len(src) {
		panic("predict: length mismatch")
	}
	if stride < 2 {
		copy(dst, src)
		delta(dst)
		return
	}
	n := len(src) / stride
	for off := 0; off < stride; off++ {
		plane := dst[off*n : off*n+n]
		for i := 0; i < n; i++ {
			plane[i] = src[i*stride+off]
		}
	}
	copy(dst[n*stride:], src[n*stride:])
	delta(dst[:n*stride])
}

// Inverse reverses Forward, filtering src into dst.
func Inverse(dst, src []byte, stride int) {
	if len(dst) != len(src) {
		panic("predict: length mismatch")
	}
	if stride < 2 {
		copy(dst, src)
		undelta(dst)
		return
	}
	n := len(src) / stride
	planes := make([]byte, n*stride)
	copy(planes, src[:n*stride])
	undelta(planes)
	for off := 0; off < stride; off++ {
		plane := planes[off*n : off*n+n]
		for i := 0; i < n; i++ {
			dst[i*stride+off] = plane[i]
		}
	}
	copy(dst[n*stride:], src[n*stride:])
}

// delta replaces each byte after the first with its difference from the
// previous byte. Runs backwards so each source byte is still intact
// when consumed.
func delta(b []byte) {
	for i := len(b) - 1; i >= 1; i-- {
		b[i] -= b[i-1]
	}
}

// undelta is the prefix-sum inverse of delta.
func undelta(b []byte) {
	for i := 1; i < len(b); i++ {
		b[i] += b[i-1]
	}
}
