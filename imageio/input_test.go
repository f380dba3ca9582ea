package imageio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
)

// xmock shadows the mock format with an identical sniffer so format
// selection ties are observable. It sorts after "mock".
func init() {
	RegisterFormat(&Format{
		Name:       "xmock",
		Extensions: []string{"xmock"},
		Sniff: func(prefix []byte) bool {
			return len(prefix) >= 4 && string(prefix[:4]) == mockMagic
		},
		OpenSource: openMockSource,
		CreateSink: createMockSink,
	})
}

func TestOpenExtensionBreaksSniffTie(t *testing.T) {
	spec := NewSpec(4, 2, 1, TypeUInt8)
	data := mockEncode([]*ImageSpec{spec}, [][]byte{mockScanPayload(spec, 0)})

	// Both formats sniff this content. The extension picks xmock even
	// though mock sorts first.
	path := filepath.Join(t.TempDir(), "img.xmock")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	in, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer in.Close()
	if in.FormatName() != "xmock" {
		t.Errorf("FormatName = %q, want xmock", in.FormatName())
	}
}

func TestOpenContentDecides(t *testing.T) {
	spec := NewSpec(4, 2, 1, TypeUInt8)
	data := mockEncode([]*ImageSpec{spec}, [][]byte{mockScanPayload(spec, 0)})

	// An extension no format claims: sniffing alone finds the format.
	path := filepath.Join(t.TempDir(), "img.xyz")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	in, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer in.Close()
	if in.FormatName() != "mock" {
		t.Errorf("FormatName = %q, want mock", in.FormatName())
	}
}

func TestOpenRejectsUnrecognizedContent(t *testing.T) {
	// The extension claims mock but the content sniffs as nothing.
	path := filepath.Join(t.TempDir(), "img.mock")
	if err := os.WriteFile(path, []byte("not an image at all......."), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	_, err := Open(path)
	if !errors.Is(err, ErrBadFormat) {
		t.Errorf("err = %v, want ErrBadFormat", err)
	}
}

func TestOpenMissingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nope.mock"))
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("err = %v, want fs.ErrNotExist", err)
	}
}

func TestOpenReader(t *testing.T) {
	spec := NewSpec(4, 2, 1, TypeUInt8)
	payload := mockScanPayload(spec, 7)
	data := mockEncode([]*ImageSpec{spec}, [][]byte{payload})

	in, err := OpenReader(bytes.NewReader(data), int64(len(data)), "thing.mock")
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer in.Close()
	if in.FormatName() != "mock" || in.Name() != "thing.mock" {
		t.Errorf("format/name = %q/%q", in.FormatName(), in.Name())
	}
	got := make([]byte, len(payload))
	if err := in.ReadImage(0, 0, got, TypeUInt8, nil); err != nil {
		t.Fatalf("ReadImage: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("pixels do not match payload")
	}

	// Without a name hint, sniffing picks the first matching format in
	// sorted order.
	in2, err := OpenReader(bytes.NewReader(data), int64(len(data)), "")
	if err != nil {
		t.Fatalf("OpenReader without hint: %v", err)
	}
	defer in2.Close()
	if in2.FormatName() != "mock" {
		t.Errorf("FormatName = %q, want mock", in2.FormatName())
	}
}

func TestInputSpecIsCopy(t *testing.T) {
	spec := NewSpec(4, 2, 3, TypeUInt8)
	path, _ := writeMockScan(t, spec, 0)

	in, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer in.Close()

	s1, err := in.Spec(0, 0)
	if err != nil {
		t.Fatalf("Spec: %v", err)
	}
	s1.Width = 999
	s1.ChannelNames[0] = "mangled"

	s2, err := in.Spec(0, 0)
	if err != nil {
		t.Fatalf("Spec again: %v", err)
	}
	if s2.Width != 4 || s2.ChannelNames[0] != "R" {
		t.Errorf("spec mutated through copy: width %d name %q",
			s2.Width, s2.ChannelNames[0])
	}
}

func TestInputSubimages(t *testing.T) {
	a := NewSpec(4, 2, 1, TypeUInt8)
	b := NewSpec(2, 3, 2, TypeUInt16)
	pa := mockScanPayload(a, 1)
	pb := mockScanPayload(b, 2)
	path := writeMockFile(t, []*ImageSpec{a, b}, [][]byte{pa, pb})

	in, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer in.Close()

	if got := in.NumSubimages(); got != 2 {
		t.Errorf("NumSubimages = %d, want 2", got)
	}
	if got := in.NumMiplevels(0); got != 1 {
		t.Errorf("NumMiplevels = %d, want 1", got)
	}
	if !in.Supports(FeatureTiles) || in.Supports(FeatureDeepData) {
		t.Error("unexpected feature support")
	}

	s, err := in.Spec(1, 0)
	if err != nil {
		t.Fatalf("Spec(1,0): %v", err)
	}
	if s.Width != 2 || s.Height != 3 || s.NChannels != 2 || s.Format != TypeUInt16 {
		t.Errorf("subimage 1 spec = %dx%d %dch %v", s.Width, s.Height, s.NChannels, s.Format)
	}

	got := make([]byte, len(pb))
	if err := in.ReadImage(1, 0, got, TypeUInt16, nil); err != nil {
		t.Fatalf("ReadImage(1): %v", err)
	}
	if !bytes.Equal(got, pb) {
		t.Error("subimage 1 pixels do not match payload")
	}

	_, err = in.Spec(2, 0)
	if !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Spec(2,0) err = %v, want ErrOutOfRange", err)
	}
	var fe *FormatError
	if !errors.As(err, &fe) || fe.Format != "mock" || fe.Op != "read" {
		t.Errorf("Spec(2,0) err = %#v, want mock read FormatError", err)
	}
}

func TestReadScanlinesConverted(t *testing.T) {
	spec := NewSpec(4, 3, 2, TypeUInt8)
	path, payload := writeMockScan(t, spec, 5)

	in, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer in.Close()

	got := make([]byte, len(payload)*2)
	if err := in.ReadImage(0, 0, got, TypeUInt16, nil); err != nil {
		t.Fatalf("ReadImage: %v", err)
	}
	for i, b := range payload {
		if v := binary.LittleEndian.Uint16(got[i*2:]); v != uint16(b)*257 {
			t.Fatalf("value %d = %d, want %d", i, v, uint16(b)*257)
		}
	}
}

func TestReadScanlinesChannelSubset(t *testing.T) {
	spec := NewSpec(4, 2, 3, TypeUInt8)
	path, payload := writeMockScan(t, spec, 9)

	in, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer in.Close()

	// Channels [1, 3): two bytes of every three-byte pixel.
	got := make([]byte, 4*2*2)
	if err := in.ReadScanlines(0, 0, 0, 2, 1, 3, got, TypeUInt8, nil); err != nil {
		t.Fatalf("ReadScanlines: %v", err)
	}
	for p := 0; p < 4*2; p++ {
		for c := 0; c < 2; c++ {
			if got[p*2+c] != payload[p*3+1+c] {
				t.Fatalf("pixel %d ch %d = %d, want %d",
					p, c, got[p*2+c], payload[p*3+1+c])
			}
		}
	}

	// chend < 0 selects all channels.
	all := make([]byte, len(payload))
	if err := in.ReadScanlines(0, 0, 0, 2, 0, -1, all, TypeUInt8, nil); err != nil {
		t.Fatalf("ReadScanlines all: %v", err)
	}
	if !bytes.Equal(all, payload) {
		t.Error("all-channel read does not match payload")
	}
}

func TestReadScanlinesRowRangeWithOrigin(t *testing.T) {
	spec := NewSpec(4, 4, 1, TypeUInt8)
	spec.X, spec.Y = -2, 3
	spec.FullX, spec.FullY = -2, 3
	path, payload := writeMockScan(t, spec, 3)

	in, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer in.Close()

	// Rows [4, 6) of the data window [3, 7).
	got := make([]byte, 2*4)
	if err := in.ReadScanlines(0, 0, 4, 6, 0, -1, got, TypeUInt8, nil); err != nil {
		t.Fatalf("ReadScanlines: %v", err)
	}
	if !bytes.Equal(got, payload[4:12]) {
		t.Errorf("rows = %v, want %v", got, payload[4:12])
	}

	for _, r := range [][2]int{{2, 6}, {5, 5}, {6, 8}, {3, 8}} {
		err := in.ReadScanlines(0, 0, r[0], r[1], 0, -1, got, TypeUInt8, nil)
		if err != ErrOutOfRange {
			t.Errorf("rows [%d,%d) err = %v, want ErrOutOfRange", r[0], r[1], err)
		}
	}
}

func TestReadScanlinesStrided(t *testing.T) {
	spec := NewSpec(4, 4, 1, TypeUInt8)
	path, payload := writeMockScan(t, spec, 11)

	in, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer in.Close()

	opts := &TransferOptions{XStride: 2, YStride: 10}
	dst := make([]byte, 3*10+3*2+1)
	for i := range dst {
		dst[i] = 0xEE
	}
	if err := in.ReadImage(0, 0, dst, TypeUInt8, opts); err != nil {
		t.Fatalf("ReadImage: %v", err)
	}
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			if got := dst[y*10+x*2]; got != payload[y*4+x] {
				t.Fatalf("pixel (%d,%d) = %d, want %d", x, y, got, payload[y*4+x])
			}
			if x < 3 {
				if pad := dst[y*10+x*2+1]; pad != 0xEE {
					t.Fatalf("padding at (%d,%d) overwritten: %#x", x, y, pad)
				}
			}
		}
	}
}

func TestReadImageChunking(t *testing.T) {
	prev := SetTransferChunkBytes(32)
	defer SetTransferChunkBytes(prev)

	spec := NewSpec(8, 16, 1, TypeUInt8) // 8-byte rows, 4 rows per chunk
	path, payload := writeMockScan(t, spec, 4)

	in, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer in.Close()

	before := mockNow()
	got := make([]byte, len(payload))
	if err := in.ReadImage(0, 0, got, TypeUInt8, nil); err != nil {
		t.Fatalf("ReadImage: %v", err)
	}
	d := mockNow().sub(before)
	if d.scanReads != 4 {
		t.Errorf("scanline reads = %d, want 4", d.scanReads)
	}
	if d.rowsRead != 16 {
		t.Errorf("rows read = %d, want 16", d.rowsRead)
	}
	if !bytes.Equal(got, payload) {
		t.Error("chunked read does not match payload")
	}
}

func TestReadPassthroughBypassesStaging(t *testing.T) {
	prev := SetTransferChunkBytes(32)
	defer SetTransferChunkBytes(prev)

	spec := NewSpec(8, 16, 1, TypeUInt8)
	path, _ := writeMockScan(t, spec, 4)

	in, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer in.Close()

	// Native type, contiguous layout: the plugin decodes into the
	// caller's buffer and the staging pool is never touched.
	a0, h0, m0 := globalBufferPool.Stats()
	dst := make([]byte, 8*16)
	if err := in.ReadImage(0, 0, dst, TypeUInt8, nil); err != nil {
		t.Fatalf("native ReadImage: %v", err)
	}
	a1, h1, m1 := globalBufferPool.Stats()
	if a1 != a0 || h1 != h0 || m1 != m0 {
		t.Errorf("native read touched the pool: allocs %d hits %d misses %d",
			a1-a0, h1-h0, m1-m0)
	}

	// One staging buffer per converting read.
	wide := make([]byte, 8*16*2)
	if err := in.ReadImage(0, 0, wide, TypeUInt16, nil); err != nil {
		t.Fatalf("converting ReadImage: %v", err)
	}
	_, h2, m2 := globalBufferPool.Stats()
	if gets := (h2 - h1) + (m2 - m1); gets != 1 {
		t.Errorf("converting read made %d pool gets, want 1", gets)
	}
}

func TestReadProgressCancel(t *testing.T) {
	prev := SetTransferChunkBytes(32)
	defer SetTransferChunkBytes(prev)

	spec := NewSpec(8, 16, 1, TypeUInt8)
	path, payload := writeMockScan(t, spec, 6)

	in, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer in.Close()

	var fractions []float64
	opts := &TransferOptions{Progress: func(done float64) bool {
		fractions = append(fractions, done)
		return true
	}}

	dst := make([]byte, 8*16*2)
	for i := range dst {
		dst[i] = 0xEE
	}
	before := mockNow()
	if err := in.ReadImage(0, 0, dst, TypeUInt16, opts); err != nil {
		t.Fatalf("cancelled read returned %v, want nil", err)
	}
	if d := mockNow().sub(before); d.scanReads != 1 {
		t.Errorf("scanline reads after cancel = %d, want 1", d.scanReads)
	}
	if len(fractions) != 1 || fractions[0] != 0.25 {
		t.Errorf("progress fractions = %v, want [0.25]", fractions)
	}

	// The first chunk landed, the rest of dst is untouched.
	for i := 0; i < 4*8; i++ {
		if v := binary.LittleEndian.Uint16(dst[i*2:]); v != uint16(payload[i])*257 {
			t.Fatalf("value %d = %d, want %d", i, v, uint16(payload[i])*257)
		}
	}
	for i := 4 * 8 * 2; i < len(dst); i++ {
		if dst[i] != 0xEE {
			t.Fatalf("byte %d written after cancel", i)
		}
	}
}

func TestReadTiles(t *testing.T) {
	spec := NewSpec(8, 8, 1, TypeUInt8)
	spec.TileWidth, spec.TileHeight = 4, 4
	path, _ := writeMockTiled(t, spec, 13)
	flat := mockScanPayload(spec, 13)

	in, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer in.Close()

	// Whole image, assembled from four tiles.
	before := mockNow()
	got := make([]byte, len(flat))
	if err := in.ReadImage(0, 0, got, TypeUInt8, nil); err != nil {
		t.Fatalf("ReadImage: %v", err)
	}
	if d := mockNow().sub(before); d.tileReads != 4 {
		t.Errorf("tile reads = %d, want 4", d.tileReads)
	}
	if !bytes.Equal(got, flat) {
		t.Error("tiled image does not match scanline equivalent")
	}

	// A single aligned tile decodes straight into the caller buffer.
	before = mockNow()
	a0, h0, m0 := globalBufferPool.Stats()
	tile := make([]byte, 4*4)
	if err := in.ReadTiles(0, 0, 4, 8, 4, 8, 0, 1, 0, -1, tile, TypeUInt8, nil); err != nil {
		t.Fatalf("ReadTiles: %v", err)
	}
	if d := mockNow().sub(before); d.tileReads != 1 {
		t.Errorf("single tile reads = %d, want 1", d.tileReads)
	}
	a1, h1, m1 := globalBufferPool.Stats()
	if a1 != a0 || h1 != h0 || m1 != m0 {
		t.Error("single-tile native read touched the pool")
	}
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			if tile[y*4+x] != flat[(y+4)*8+x+4] {
				t.Fatalf("tile pixel (%d,%d) wrong", x, y)
			}
		}
	}

	// Region begin edges must lie on the tile grid.
	err = in.ReadTiles(0, 0, 2, 8, 0, 8, 0, 1, 0, -1, got, TypeUInt8, nil)
	if err != ErrOutOfRange {
		t.Errorf("misaligned begin err = %v, want ErrOutOfRange", err)
	}
}

func TestReadTilesUntiledFile(t *testing.T) {
	spec := NewSpec(8, 8, 1, TypeUInt8)
	path, _ := writeMockScan(t, spec, 0)

	in, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer in.Close()

	dst := make([]byte, 8*8)
	err = in.ReadTiles(0, 0, 0, 8, 0, 8, 0, 1, 0, -1, dst, TypeUInt8, nil)
	if err != ErrUnsupported {
		t.Errorf("err = %v, want ErrUnsupported", err)
	}
}

func TestReadTiledEdgeConversion(t *testing.T) {
	// 6x6 with 4x4 tiles: right and bottom tiles overhang the window.
	spec := NewSpec(6, 6, 2, TypeUInt16)
	spec.TileWidth, spec.TileHeight = 4, 4
	path, _ := writeMockTiled(t, spec, 17)
	flat := mockScanPayload(spec, 17)

	in, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer in.Close()

	got := make([]byte, 6*6*2*4)
	if err := in.ReadImage(0, 0, got, TypeFloat, nil); err != nil {
		t.Fatalf("ReadImage: %v", err)
	}
	want := make([]byte, len(got))
	convertSpan(want, TypeFloat, flat, TypeUInt16, 6*6*2)
	if !bytes.Equal(got, want) {
		t.Error("edge-tile conversion does not match full-image conversion")
	}
}

func TestReadArgumentErrors(t *testing.T) {
	spec := NewSpec(4, 4, 3, TypeUInt8)
	path, _ := writeMockScan(t, spec, 0)

	in, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer in.Close()

	dst := make([]byte, 4*4*3)
	if err := in.ReadImage(0, 0, dst, TypeUnknown, nil); err != ErrUnsupported {
		t.Errorf("TypeUnknown err = %v, want ErrUnsupported", err)
	}
	if err := in.ReadImage(0, 0, dst, BaseType(99), nil); err != ErrUnsupported {
		t.Errorf("bogus type err = %v, want ErrUnsupported", err)
	}
	if err := in.ReadScanlines(0, 0, 0, 4, 3, 4, dst, TypeUInt8, nil); err != ErrNoSuchChannel {
		t.Errorf("bad channels err = %v, want ErrNoSuchChannel", err)
	}
	short := make([]byte, 7)
	if err := in.ReadImage(0, 0, short, TypeUInt8, nil); err != errConvertBounds {
		t.Errorf("short dst err = %v, want errConvertBounds", err)
	}
	var dd DeepData
	if err := in.ReadDeep(0, 0, &dd); err != ErrNotDeep {
		t.Errorf("ReadDeep on flat err = %v, want ErrNotDeep", err)
	}
}

func TestInputClose(t *testing.T) {
	spec := NewSpec(4, 4, 1, TypeUInt8)
	path, _ := writeMockScan(t, spec, 0)

	in, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := in.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := in.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	if _, err := in.Spec(0, 0); err != ErrClosed {
		t.Errorf("Spec err = %v, want ErrClosed", err)
	}
	dst := make([]byte, 16)
	if err := in.ReadImage(0, 0, dst, TypeUInt8, nil); err != ErrClosed {
		t.Errorf("ReadImage err = %v, want ErrClosed", err)
	}
	if err := in.ReadScanlines(0, 0, 0, 4, 0, -1, dst, TypeUInt8, nil); err != ErrClosed {
		t.Errorf("ReadScanlines err = %v, want ErrClosed", err)
	}
	if err := in.ReadTiles(0, 0, 0, 4, 0, 4, 0, 1, 0, -1, dst, TypeUInt8, nil); err != ErrClosed {
		t.Errorf("ReadTiles err = %v, want ErrClosed", err)
	}
	var dd DeepData
	if err := in.ReadDeep(0, 0, &dd); err != ErrClosed {
		t.Errorf("ReadDeep err = %v, want ErrClosed", err)
	}
}
