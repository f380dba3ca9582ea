package imageio

import (
	"encoding/binary"
	"math"
	"testing"
)

func TestTransferOptionsNilSafe(t *testing.T) {
	var o *TransferOptions
	xs, ys, zs := o.strides(TypeUInt8, 3, 4, 2)
	if xs != 3 || ys != 12 || zs != 24 {
		t.Errorf("nil strides = (%d,%d,%d), want (3,12,24)", xs, ys, zs)
	}
	if o.progress(0.5) {
		t.Error("nil progress reported cancel")
	}

	o = &TransferOptions{YStride: 100}
	xs, ys, zs = o.strides(TypeUInt8, 3, 4, 2)
	if xs != 3 || ys != 100 || zs != 200 {
		t.Errorf("partial strides = (%d,%d,%d), want (3,100,200)", xs, ys, zs)
	}
}

func TestSetTransferChunkBytes(t *testing.T) {
	prev := SetTransferChunkBytes(1024)
	defer SetTransferChunkBytes(prev)

	if got := TransferChunkBytes(); got != 1024 {
		t.Errorf("TransferChunkBytes = %d, want 1024", got)
	}
	if got := SetTransferChunkBytes(0); got != 1024 {
		t.Errorf("SetTransferChunkBytes(0) returned %d, want 1024", got)
	}
	if got := TransferChunkBytes(); got != defaultTransferChunkBytes {
		t.Errorf("after reset TransferChunkBytes = %d, want default %d",
			got, int64(defaultTransferChunkBytes))
	}
}

func TestResolveChannels(t *testing.T) {
	spec := NewSpec(8, 8, 4, TypeUInt8)

	cb, ce, err := resolveChannels(spec, 0, -1)
	if err != nil || cb != 0 || ce != 4 {
		t.Errorf("all channels = (%d,%d,%v), want (0,4,nil)", cb, ce, err)
	}
	cb, ce, err = resolveChannels(spec, 1, 3)
	if err != nil || cb != 1 || ce != 3 {
		t.Errorf("subset = (%d,%d,%v), want (1,3,nil)", cb, ce, err)
	}
	for _, bad := range [][2]int{{-1, 2}, {2, 2}, {3, 2}, {0, 5}} {
		if _, _, err := resolveChannels(spec, bad[0], bad[1]); err != ErrNoSuchChannel {
			t.Errorf("resolveChannels(%d,%d) err = %v, want ErrNoSuchChannel",
				bad[0], bad[1], err)
		}
	}
}

func TestValidateRegion(t *testing.T) {
	spec := NewSpec(8, 4, 3, TypeUInt8)

	if err := validateRegion(spec, 0, 8, 0, 4, 0, 1); err != nil {
		t.Errorf("full region: %v", err)
	}
	if err := validateRegion(spec, 2, 6, 1, 3, 0, 1); err != nil {
		t.Errorf("interior region: %v", err)
	}
	bad := [][6]int{
		{4, 4, 0, 4, 0, 1},  // empty x
		{0, 8, 3, 1, 0, 1},  // inverted y
		{-1, 8, 0, 4, 0, 1}, // x underflow
		{0, 9, 0, 4, 0, 1},  // x overflow
		{0, 8, 0, 5, 0, 1},  // y overflow
		{0, 8, 0, 4, 0, 2},  // z overflow
	}
	for _, r := range bad {
		if err := validateRegion(spec, r[0], r[1], r[2], r[3], r[4], r[5]); err != ErrOutOfRange {
			t.Errorf("validateRegion(%v) err = %v, want ErrOutOfRange", r, err)
		}
	}
}

func TestValidateTileRegion(t *testing.T) {
	flat := NewSpec(100, 50, 3, TypeUInt8)
	if err := validateTileRegion(flat, 0, 32, 0, 32, 0, 1); err != ErrUnsupported {
		t.Errorf("untiled err = %v, want ErrUnsupported", err)
	}

	spec := NewSpec(100, 50, 3, TypeUInt8)
	spec.TileWidth, spec.TileHeight = 32, 32

	ok := [][4]int{
		{0, 32, 0, 32},
		{32, 64, 32, 50},  // y end flush with window
		{96, 100, 0, 32},  // x end flush with window
		{0, 100, 0, 50},   // whole image
		{64, 96, 32, 50},  // interior plus flush
	}
	for _, r := range ok {
		if err := validateTileRegion(spec, r[0], r[1], r[2], r[3], 0, 1); err != nil {
			t.Errorf("validateTileRegion(%v): %v", r, err)
		}
	}
	bad := [][4]int{
		{16, 32, 0, 32}, // x begin off grid
		{0, 48, 0, 32},  // x end off grid, not flush
		{0, 32, 8, 32},  // y begin off grid
		{0, 32, 0, 40},  // y end off grid, not flush
	}
	for _, r := range bad {
		if err := validateTileRegion(spec, r[0], r[1], r[2], r[3], 0, 1); err != ErrOutOfRange {
			t.Errorf("validateTileRegion(%v) err = %v, want ErrOutOfRange", r, err)
		}
	}
}

func TestRegionBytes(t *testing.T) {
	// Contiguous 4x2 region of 3 uint8 channels.
	if got := regionBytes(4, 2, 1, 3, TypeUInt8, 3, 12, 24); got != 24 {
		t.Errorf("contiguous regionBytes = %d, want 24", got)
	}
	// Padded strides measure to one past the last pixel, not the full
	// stride rectangle.
	if got := regionBytes(4, 2, 1, 3, TypeUInt8, 10, 100, 200); got != 133 {
		t.Errorf("strided regionBytes = %d, want 133", got)
	}
}

func TestChannelRunsHomogeneous(t *testing.T) {
	spec := NewSpec(8, 8, 4, TypeUInt16)
	runs := channelRuns(spec, 1, 3)
	if len(runs) != 1 {
		t.Fatalf("got %d runs, want 1", len(runs))
	}
	r := runs[0]
	if r.nch != 2 || r.typ != TypeUInt16 || r.nativeOff != 2 || r.calcOff != 0 {
		t.Errorf("run = %+v", r)
	}
}

func TestChannelRunsCoalescing(t *testing.T) {
	spec := NewSpec(8, 8, 5, TypeFloat)
	spec.ChannelFormats = []BaseType{
		TypeUInt8, TypeUInt8, TypeFloat, TypeFloat, TypeUInt8,
	}

	runs := channelRuns(spec, 0, 5)
	want := []chanRun{
		{nch: 2, typ: TypeUInt8, nativeOff: 0, calcOff: 0},
		{nch: 2, typ: TypeFloat, nativeOff: 2, calcOff: 2},
		{nch: 1, typ: TypeUInt8, nativeOff: 10, calcOff: 4},
	}
	if len(runs) != len(want) {
		t.Fatalf("got %d runs, want %d", len(runs), len(want))
	}
	for i := range want {
		if runs[i] != want[i] {
			t.Errorf("run %d = %+v, want %+v", i, runs[i], want[i])
		}
	}

	// A subrange re-bases calcOff while keeping native offsets.
	runs = channelRuns(spec, 1, 4)
	want = []chanRun{
		{nch: 1, typ: TypeUInt8, nativeOff: 1, calcOff: 0},
		{nch: 2, typ: TypeFloat, nativeOff: 2, calcOff: 1},
	}
	if len(runs) != len(want) {
		t.Fatalf("subrange: got %d runs, want %d", len(runs), len(want))
	}
	for i := range want {
		if runs[i] != want[i] {
			t.Errorf("subrange run %d = %+v, want %+v", i, runs[i], want[i])
		}
	}
}

func TestTransferShapeNative(t *testing.T) {
	homo := NewSpec(8, 8, 3, TypeUInt16)

	sh := newTransferShape(homo, 0, 3, TypeUInt16)
	if !sh.native() {
		t.Error("same-type full-channel shape is not native")
	}
	sh = newTransferShape(homo, 0, 3, TypeFloat)
	if sh.native() {
		t.Error("converting shape claims native")
	}
	sh = newTransferShape(homo, 1, 3, TypeUInt16)
	if sh.native() {
		t.Error("channel subset claims native")
	}

	// Per-channel formats that are all the same type coalesce into one
	// run and stay passthrough-eligible.
	uni := NewSpec(8, 8, 2, TypeUInt16)
	uni.ChannelFormats = []BaseType{TypeUInt16, TypeUInt16}
	sh = newTransferShape(uni, 0, 2, TypeUInt16)
	if !sh.native() {
		t.Error("uniform per-channel formats are not native")
	}

	mixed := NewSpec(8, 8, 2, TypeFloat)
	mixed.ChannelFormats = []BaseType{TypeUInt8, TypeUInt16}
	sh = newTransferShape(mixed, 0, 2, TypeUInt8)
	if sh.native() {
		t.Error("mixed per-channel formats claim native")
	}
}

func TestTransferShapeRowConversion(t *testing.T) {
	spec := NewSpec(2, 1, 2, TypeFloat)
	spec.ChannelFormats = []BaseType{TypeUInt8, TypeUInt16}

	sh := newTransferShape(spec, 0, 2, TypeFloat)
	if sh.nativePixel != 3 || sh.calcPixel != 8 {
		t.Fatalf("shape pixel sizes = (%d,%d), want (3,8)", sh.nativePixel, sh.calcPixel)
	}

	// Two native pixels: (255, 32768) and (0, 65535).
	src := []byte{255, 0x00, 0x80, 0, 0xFF, 0xFF}
	dst := make([]byte, 2*sh.calcPixel)
	sh.rowFromNative(dst, sh.calcPixel, src, 2)

	wantF := []float64{1, 32768.0 / 65535, 0, 1}
	for i, want := range wantF {
		got := float64(math.Float32frombits(binary.LittleEndian.Uint32(dst[i*4:])))
		if math.Abs(got-want) > 1e-6 {
			t.Errorf("value %d = %g, want %g", i, got, want)
		}
	}

	// Quantize back to the native layout.
	back := make([]byte, 2*sh.nativePixel)
	sh.rowToNative(back, dst, sh.calcPixel, 2)
	want := []byte{255, 0x00, 0x80, 0, 0xFF, 0xFF}
	for i := range want {
		if back[i] != want[i] {
			t.Errorf("native byte %d = %#x, want %#x", i, back[i], want[i])
		}
	}
}

func TestTransferShapeStridedDestination(t *testing.T) {
	spec := NewSpec(3, 1, 1, TypeUInt8)

	sh := newTransferShape(spec, 0, 1, TypeUInt8)
	src := []byte{10, 20, 30}
	dst := make([]byte, 9)
	sh.rowFromNative(dst, 3, src, 3)
	want := []byte{10, 0, 0, 20, 0, 0, 30, 0, 0}
	for i := range want {
		if dst[i] != want[i] {
			t.Fatalf("dst = %v, want %v", dst, want)
		}
	}

	out := make([]byte, 3)
	sh.rowToNative(out, dst, 3, 3)
	for i, v := range []byte{10, 20, 30} {
		if out[i] != v {
			t.Fatalf("out = %v, want {10 20 30}", out)
		}
	}
}

func TestProgressCancelSemantics(t *testing.T) {
	calls := 0
	o := &TransferOptions{Progress: func(done float64) bool {
		calls++
		return done >= 0.5
	}}
	if o.progress(0.25) {
		t.Error("progress(0.25) cancelled")
	}
	if !o.progress(0.75) {
		t.Error("progress(0.75) did not cancel")
	}
	if calls != 2 {
		t.Errorf("progress called %d times, want 2", calls)
	}
}
