package imageio

import "unsafe"

// Native memory accessors for in-memory pixel storage. Pixel buffers
// hold samples in machine layout; byte-order conversion happens only
// at the file boundary inside format plugins.

func nativeU16(b []byte) uint16  { return *(*uint16)(unsafe.Pointer(&b[0])) }
func nativeU32(b []byte) uint32  { return *(*uint32)(unsafe.Pointer(&b[0])) }
func nativeU64(b []byte) uint64  { return *(*uint64)(unsafe.Pointer(&b[0])) }
func nativeF32(b []byte) float32 { return *(*float32)(unsafe.Pointer(&b[0])) }
func nativeF64(b []byte) float64 { return *(*float64)(unsafe.Pointer(&b[0])) }

func putNativeU16(b []byte, v uint16)  { *(*uint16)(unsafe.Pointer(&b[0])) = v }
func putNativeU32(b []byte, v uint32)  { *(*uint32)(unsafe.Pointer(&b[0])) = v }
func putNativeU64(b []byte, v uint64)  { *(*uint64)(unsafe.Pointer(&b[0])) = v }
func putNativeF32(b []byte, v float32) { *(*float32)(unsafe.Pointer(&b[0])) = v }
func putNativeF64(b []byte, v float64) { *(*float64)(unsafe.Pointer(&b[0])) = v }

// f32bytes views a float32 slice as raw bytes without copying.
func f32bytes(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&v[0])), len(v)*4)
}
