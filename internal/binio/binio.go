// Package binio provides bounds-checked little-endian encoding and
// decoding over byte slices.
//
// All multi-byte values in the container formats of this module are
// stored little-endian. Strings are encoded as a uint16 byte length
// followed by UTF-8 bytes.
package binio

import (
	"encoding/binary"
	"errors"
	"math"
)

var (
	// ErrShortBuffer is returned when a read runs past the end of the data.
	ErrShortBuffer = errors.New("binio: buffer too short")

	// ErrStringTooLong is returned when a string exceeds the uint16 length limit.
	ErrStringTooLong = errors.New("binio: string longer than 65535 bytes")
)

// ByteOrder is the byte order used throughout.
var ByteOrder = binary.LittleEndian

// Reader decodes little-endian values from a byte slice, tracking a
// position and bounds-checking every access.
type Reader struct {
	data []byte
	pos  int
}

// NewReader returns a Reader positioned at the start of data.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Len returns the number of unread bytes.
func (r *Reader) Len() int {
	if r.pos >= len(r.data) {
		return 0
	}
	return len(r.data) - r.pos
}

// Pos returns the current read position.
func (r *Reader) Pos() int { return r.pos }

// Seek sets the read position.
func (r *Reader) Seek(pos int) error {
	if pos < 0 || pos > len(r.data) {
		return ErrShortBuffer
	}
	r.pos = pos
	return nil
}

// Skip advances the position by n bytes.
func (r *Reader) Skip(n int) error {
	if n < 0 || r.pos+n > len(r.data) {
		return ErrShortBuffer
	}
	r.pos += n
	return nil
}

// Bytes reads n bytes, returning a copy.
func (r *Reader) Bytes(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.data) {
		return nil, ErrShortBuffer
	}
	out := make([]byte, n)
	copy(out, r.data[r.pos:])
	r.pos += n
	return out, nil
}

// BytesInto fills dst from the stream.
func (r *Reader) BytesInto(dst []byte) error {
	if r.pos+len(dst) > len(r.data) {
		return ErrShortBuffer
	}
	copy(dst, r.data[r.pos:])
	r.pos += len(dst)
	return nil
}

// Uint8 reads one byte.
func (r *Reader) Uint8() (uint8, error) {
	if r.pos >= len(r.data) {
		return 0, ErrShortBuffer
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

// Uint16 reads a little-endian uint16.
func (r *Reader) Uint16() (uint16, error) {
	if r.pos+2 > len(r.data) {
		return 0, ErrShortBuffer
	}
	v := ByteOrder.Uint16(r.data[r.pos:])
	r.pos += 2
	return v, nil
}

// Uint32 reads a little-endian uint32.
func (r *Reader) Uint32() (uint32, error) {
	if r.pos+4 > len(r.data) {
		return 0, ErrShortBuffer
	}
	v := ByteOrder.Uint32(r.data[r.pos:])
	r.pos += 4
	return v, nil
}

// Uint64 reads a little-endian uint64.
func (r *Reader) Uint64() (uint64, error) {
	if r.pos+8 > len(r.data) {
		return 0, ErrShortBuffer
	}
	v := ByteOrder.Uint64(r.data[r.pos:])
	r.pos += 8
	return v, nil
}

// Int32 reads a little-endian int32.
func (r *Reader) Int32() (int32, error) {
	v, err := r.Uint32()
	return int32(v), err
}

// Int64 reads a little-endian int64.
func (r *Reader) Int64() (int64, error) {
	v, err := r.Uint64()
	return int64(v), err
}

// Float32 reads a little-endian IEEE 754 float32.
func (r *Reader) Float32() (float32, error) {
	v, err := r.Uint32()
	return math.Float32frombits(v), err
}

// Float64 reads a little-endian IEEE 754 float64.
func (r *Reader) Float64() (float64, error) {
	v, err := r.Uint64()
	return math.Float64frombits(v), err
}

// String reads a uint16-length-prefixed string.
func (r *Reader) String() (string, error) {
	n, err := r.Uint16()
	if err != nil {
		return "", err
	}
	if r.pos+int(n) > len(r.data) {
		return "", ErrShortBuffer
	}
	s := string(r.data[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

// Writer encodes little-endian values into a growing byte buffer.
// Write methods never fail; Err reports the only deferred failure
// (an oversized string).
type Writer struct {
	buf []byte
	err error
}

// NewWriter returns a Writer with capacity preallocated for sizeHint bytes.
func NewWriter(sizeHint int) *Writer {
	if sizeHint < 0 {
		sizeHint = 0
	}
	return &Writer{buf: make([]byte, 0, sizeHint)}
}

// Bytes returns the encoded buffer. The Writer retains ownership.
func (w *Writer) Bytes() []byte { return w.buf }

// Len returns the number of encoded bytes.
func (w *Writer) Len() int { return len(w.buf) }

// Err returns the first deferred encoding failure, if any.
func (w *Writer) Err() error { return w.err }

// Uint8 appends one byte.
func (w *Writer) Uint8(v uint8) { w.buf = append(w.buf, v) }

// Uint16 appends a little-endian uint16.
func (w *Writer) Uint16(v uint16) {
	w.buf = ByteOrder.AppendUint16(w.buf, v)
}

// Uint32 appends a little-endian uint32.
func (w *Writer) Uint32(v uint32) {
	w.buf = ByteOrder.AppendUint32(w.buf, v)
}

// Uint64 appends a little-endian uint64.
func (w *Writer) Uint64(v uint64) {
	w.buf = ByteOrder.AppendUint64(w.buf, v)
}

// Int32 appends a little-endian int32.
func (w *Writer) Int32(v int32) { w.Uint32(uint32(v)) }

// Int64 appends a little-endian int64.
func (w *Writer) Int64(v int64) { w.Uint64(uint64(v)) }

// Float32 appends a little-endian IEEE 754 float32.
func (w *Writer) Float32(v float32) { w.Uint32(math.Float32bits(v)) }

// Float64 appends a little-endian IEEE 754 float64.
func (w *Writer) Float64(v float64) { w.Uint64(math.Float64bits(v)) }

// Raw appends bytes verbatim.
func (w *Writer) Raw(b []byte) { w.buf = append(w.buf, b...) }

// String appends a uint16-length-prefixed string.
// Strings longer than 65535 bytes set the deferred error and write nothing.
func (w *Writer) String(s string) {
	if len(s) > math.MaxUint16 {
		if w.err == nil {
			w.err = ErrStringTooLong
		}
		return
	}
	w.Uint16(uint16(len(s)))
	w.buf = append(w.buf, s...)
}
