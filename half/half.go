// Package half implements the IEEE 754 binary16 floating-point format
// used for compact storage of HDR pixel data.
//
// A Half carries 1 sign bit, 5 exponent bits (bias 15) and 10 mantissa
// bits, covering roughly [6.0e-8, 65504] with about 3 decimal digits of
// precision. Conversions are table-driven: decoding indexes a full
// 65536-entry table and encoding resolves the exponent through a small
// lookup with a slow path for zeros, subnormals, infinities and NaNs.
package half

import (
	"math"
	"strconv"
)

// Half is an IEEE 754 binary16 value stored in a uint16.
type Half uint16

const (
	signMask16 = 0x8000
	expMask16  = 0x7C00
	manMask16  = 0x03FF
	expBias16  = 15
	expBias32  = 127
)

// Common values.
const (
	Zero   Half = 0x0000 // positive zero
	One    Half = 0x3C00 // 1.0
	Inf    Half = 0x7C00 // positive infinity
	NegInf Half = 0xFC00 // negative infinity
	NaN    Half = 0x7E00 // a quiet NaN
	Max    Half = 0x7BFF // largest finite value, 65504
	// SmallestNormal is the smallest positive normalized value, about 6.1e-5.
	SmallestNormal Half = 0x0400
)

// toFloat maps every Half bit pattern to its float32 bits.
var toFloat [1 << 16]uint32

// expLut maps the sign+exponent byte of a float32 to the corresponding
// half sign+exponent bits, or 0 when the value needs the slow path.
var expLut [1 << 9]uint16

func init() {
	for i := range toFloat {
		toFloat[i] = decodeSlow(uint16(i))
	}
	for i := 0; i < 0x100; i++ {
		e := i - (expBias32 - expBias16)
		// Only exponents that map to a normalized half take the fast path.
		if e <= 0 || e >= 30 {
			continue
		}
		expLut[i] = uint16(e << 10)
		expLut[i|0x100] = uint16(e<<10) | signMask16
	}
}

// FromBits returns the Half with the given bit pattern.
func FromBits(b uint16) Half { return Half(b) }

// Bits returns the bit pattern of h.
func (h Half) Bits() uint16 { return uint16(h) }

// FromFloat32 converts f to a Half, rounding to nearest even.
// Values too large for the format become infinities.
func FromFloat32(f float32) Half {
	bits := math.Float32bits(f)
	if e := expLut[(bits>>23)&0x1FF]; e != 0 {
		m := bits & 0x007FFFFF
		return Half(uint32(e) + ((m + 0x0FFF + ((m >> 13) & 1)) >> 13))
	}
	return Half(encodeSlow(bits))
}

// FromFloat64 converts f to a Half, rounding to nearest even.
func FromFloat64(f float64) Half { return FromFloat32(float32(f)) }

// Float32 returns h as a float32. Exact for all finite halves.
func (h Half) Float32() float32 { return math.Float32frombits(toFloat[h]) }

// Float64 returns h as a float64.
func (h Half) Float64() float64 { return float64(h.Float32()) }

// encodeSlow handles zeros, subnormals, overflow, Inf and NaN.
func encodeSlow(bits uint32) uint16 {
	s := uint16((bits >> 16) & signMask16)
	e := int((bits>>23)&0xFF) - expBias32 + expBias16
	m := int(bits & 0x007FFFFF)

	if e <= 0 {
		if e < -10 {
			// Magnitude below the smallest subnormal rounds to signed zero.
			return s
		}
		m |= 0x00800000
		t := uint(14 - e)
		a := (1 << (t - 1)) - 1
		b := (m >> t) & 1
		return s | uint16((m+a+b)>>t)
	}
	if e == 0xFF-(expBias32-expBias16) {
		if m == 0 {
			return s | expMask16
		}
		m >>= 13
		if m == 0 {
			m = 1 // keep NaN from collapsing to Inf
		}
		return s | expMask16 | uint16(m)
	}
	// Normalized value whose rounding may carry into the exponent.
	m = m + 0x0FFF + ((m >> 13) & 1)
	if m&0x00800000 != 0 {
		m = 0
		e++
	}
	if e > 30 {
		return s | expMask16
	}
	return s | uint16(e<<10) | uint16(m>>13)
}

// decodeSlow converts a half bit pattern to float32 bits without tables.
func decodeSlow(h uint16) uint32 {
	s := uint32(h>>15) << 31
	e := int(h>>10) & 0x1F
	m := uint32(h) & manMask16

	switch {
	case e == 0:
		if m == 0 {
			return s
		}
		// Renormalize a subnormal half.
		for m&0x0400 == 0 {
			m <<= 1
			e--
		}
		e++
		m &= manMask16
	case e == 31:
		if m == 0 {
			return s | 0x7F800000
		}
		return s | 0x7F800000 | m<<13
	}
	return s | uint32(e+expBias32-expBias16)<<23 | m<<13
}

// IsNaN reports whether h is a NaN.
func (h Half) IsNaN() bool { return h&expMask16 == expMask16 && h&manMask16 != 0 }

// IsInf reports whether h is positive or negative infinity.
func (h Half) IsInf() bool { return h&0x7FFF == expMask16 }

// IsFinite reports whether h is neither Inf nor NaN.
func (h Half) IsFinite() bool { return h&expMask16 != expMask16 }

// IsZero reports whether h is positive or negative zero.
func (h Half) IsZero() bool { return h&0x7FFF == 0 }

// Neg returns h with its sign flipped.
func (h Half) Neg() Half { return h ^ signMask16 }

// Abs returns h with a cleared sign bit.
func (h Half) Abs() Half { return h &^ signMask16 }

// String formats h like strconv.FormatFloat with the shortest
// representation that round-trips through float32.
func (h Half) String() string {
	return strconv.FormatFloat(float64(h.Float32()), 'g', -1, 32)
}

// FromFloat32Slice converts src into dst pairwise.
// Panics if dst is shorter than src.
func FromFloat32Slice(dst []Half, src []float32) {
	_ = dst[len(src)-1]
	for i, f := range src {
		dst[i] = FromFloat32(f)
	}
}

// Float32Slice converts src into dst pairwise.
// Panics if dst is shorter than src.
func Float32Slice(dst []float32, src []Half) {
	_ = dst[len(src)-1]
	for i, h := range src {
		dst[i] = h.Float32()
	}
}
