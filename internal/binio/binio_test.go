package binio

import (
	"bytes"
	"strings"
	"testing"
)

func TestWriteReadValues(t *testing.T) {
	w := NewWriter(64)
	w.Uint8(0xAB)
	w.Uint16(0x1234)
	w.Uint32(0xDEADBEEF)
	w.Uint64(0x0102030405060708)
	w.Int32(-42)
	w.Int64(-1 << 40)
	w.Float32(1.5)
	w.Float64(-2.25)
	w.String("RGBA")
	if w.Err() != nil {
		t.Fatalf("writer error: %v", w.Err())
	}

	r := NewReader(w.Bytes())
	if v, _ := r.Uint8(); v != 0xAB {
		t.Errorf("Uint8 = %#x, want 0xAB", v)
	}
	if v, _ := r.Uint16(); v != 0x1234 {
		t.Errorf("Uint16 = %#x, want 0x1234", v)
	}
	if v, _ := r.Uint32(); v != 0xDEADBEEF {
		t.Errorf("Uint32 = %#x, want 0xDEADBEEF", v)
	}
	if v, _ := r.Uint64(); v != 0x0102030405060708 {
		t.Errorf("Uint64 = %#x", v)
	}
	if v, _ := r.Int32(); v != -42 {
		t.Errorf("Int32 = %d, want -42", v)
	}
	if v, _ := r.Int64(); v != -1<<40 {
		t.Errorf("Int64 = %d, want %d", v, -1<<40)
	}
	if v, _ := r.Float32(); v != 1.5 {
		t.Errorf("Float32 = %v, want 1.5", v)
	}
	if v, _ := r.Float64(); v != -2.25 {
		t.Errorf("Float64 = %v, want -2.25", v)
	}
	if s, _ := r.String(); s != "RGBA" {
		t.Errorf("String = %q, want \"RGBA\"", s)
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d after reading everything", r.Len())
	}
}

func TestLittleEndianLayout(t *testing.T) {
	w := NewWriter(4)
	w.Uint32(0x11223344)
	want := []byte{0x44, 0x33, 0x22, 0x11}
	if !bytes.Equal(w.Bytes(), want) {
		t.Errorf("Uint32 layout = % x, want % x", w.Bytes(), want)
	}
}

func TestShortBuffer(t *testing.T) {
	r := NewReader([]byte{1, 2})
	if _, err := r.Uint32(); err != ErrShortBuffer {
		t.Errorf("Uint32 on 2 bytes: err = %v, want ErrShortBuffer", err)
	}
	// Position must be unchanged after a failed read.
	if v, err := r.Uint16(); err != nil || v != 0x0201 {
		t.Errorf("Uint16 after failed read = %v, %v", v, err)
	}
	if err := r.Skip(1); err != ErrShortBuffer {
		t.Errorf("Skip past end: err = %v, want ErrShortBuffer", err)
	}
}

func TestStringBounds(t *testing.T) {
	// Length prefix claims more bytes than remain.
	r := NewReader([]byte{0x10, 0x00, 'a', 'b'})
	if _, err := r.String(); err != ErrShortBuffer {
		t.Errorf("truncated string: err = %v, want ErrShortBuffer", err)
	}

	w := NewWriter(0)
	w.String(strings.Repeat("x", 1<<16))
	if w.Err() != ErrStringTooLong {
		t.Errorf("oversized string: err = %v, want ErrStringTooLong", w.Err())
	}
}

func TestSeekAndPos(t *testing.T) {
	r := NewReader([]byte{1, 2, 3, 4})
	if err := r.Seek(2); err != nil {
		t.Fatalf("Seek(2): %v", err)
	}
	if v, _ := r.Uint8(); v != 3 {
		t.Errorf("after Seek(2), Uint8 = %d, want 3", v)
	}
	if r.Pos() != 3 {
		t.Errorf("Pos = %d, want 3", r.Pos())
	}
	if err := r.Seek(5); err != ErrShortBuffer {
		t.Errorf("Seek past end: err = %v, want ErrShortBuffer", err)
	}
}

func TestBytesInto(t *testing.T) {
	r := NewReader([]byte{9, 8, 7})
	dst := make([]byte, 2)
	if err := r.BytesInto(dst); err != nil {
		t.Fatalf("BytesInto: %v", err)
	}
	if dst[0] != 9 || dst[1] != 8 {
		t.Errorf("BytesInto = %v, want [9 8]", dst)
	}
	if err := r.BytesInto(make([]byte, 2)); err != ErrShortBuffer {
		t.Errorf("BytesInto past end: err = %v, want ErrShortBuffer", err)
	}
}
