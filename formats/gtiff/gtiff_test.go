package gtiff

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/image/tiff"

	"github.com/mrjoshuak/go-imageio/imageio"
)

func tempPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "img.tif")
}

// writeImage writes one flat image and returns its path.
func writeImage(t *testing.T, spec *imageio.ImageSpec, payload []byte) string {
	t.Helper()
	path := tempPath(t)
	out, err := imageio.Create(path, *spec)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := out.WriteImage(0, 0, payload, spec.Format, nil); err != nil {
		t.Fatalf("WriteImage: %v", err)
	}
	if err := out.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return path
}

func TestSniff(t *testing.T) {
	if !sniff([]byte("II*\x00rest")) {
		t.Error("sniff rejects little endian TIFF")
	}
	if !sniff([]byte{'M', 'M', 0, 0x2a}) {
		t.Error("sniff rejects big endian TIFF")
	}
	if sniff([]byte("II")) || sniff([]byte("zPIX")) {
		t.Error("sniff accepts junk")
	}
}

func TestRoundTrips(t *testing.T) {
	tests := []struct {
		name string
		nch  int
		fmt  imageio.BaseType
		comp string
	}{
		{"gray8 raw", 1, imageio.TypeUInt8, "none"},
		{"gray8 deflate", 1, imageio.TypeUInt8, "deflate"},
		{"gray16 deflate", 1, imageio.TypeUInt16, "deflate"},
		{"rgba8 deflate", 4, imageio.TypeUInt8, "zlib"},
		{"rgba16 raw", 4, imageio.TypeUInt16, "none"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			const w, h = 13, 9
			spec := imageio.NewSpec(w, h, tt.nch, tt.fmt)
			spec.Attribute("compression", tt.comp)
			payload := make([]byte, spec.ImageBytes(true))
			for i := range payload {
				payload[i] = byte(i*11 + 5)
			}
			path := writeImage(t, spec, payload)

			data, err := os.ReadFile(path)
			if err != nil {
				t.Fatalf("ReadFile: %v", err)
			}
			if !sniff(data) {
				t.Error("written file does not sniff as TIFF")
			}

			in, err := imageio.Open(path)
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer in.Close()
			if got := in.FormatName(); got != FormatName {
				t.Fatalf("format = %q", got)
			}
			s, err := in.Spec(0, 0)
			if err != nil {
				t.Fatalf("Spec: %v", err)
			}
			if s.Width != w || s.Height != h || s.NChannels != tt.nch || s.Format != tt.fmt {
				t.Fatalf("spec = %dx%d %d channels %v", s.Width, s.Height, s.NChannels, s.Format)
			}

			got := make([]byte, len(payload))
			if err := in.ReadImage(0, 0, got, tt.fmt, nil); err != nil {
				t.Fatalf("ReadImage: %v", err)
			}
			if !bytes.Equal(got, payload) {
				t.Fatal("pixels do not round trip")
			}
		})
	}
}

func TestRGBGainsOpaqueAlpha(t *testing.T) {
	const w, h = 6, 4
	spec := imageio.NewSpec(w, h, 3, imageio.TypeUInt8)
	payload := make([]byte, w*h*3)
	for i := range payload {
		payload[i] = byte(i * 3)
	}
	path := writeImage(t, spec, payload)

	in, err := imageio.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer in.Close()
	s, err := in.Spec(0, 0)
	if err != nil {
		t.Fatalf("Spec: %v", err)
	}
	if s.NChannels != 4 || s.Format != imageio.TypeUInt8 {
		t.Fatalf("reopened as %d channels of %v, want 4 of uint8", s.NChannels, s.Format)
	}
	if s.AlphaChannel != 3 {
		t.Errorf("alpha channel = %d, want 3", s.AlphaChannel)
	}

	got := make([]byte, w*h*4)
	if err := in.ReadImage(0, 0, got, imageio.TypeUInt8, nil); err != nil {
		t.Fatalf("ReadImage: %v", err)
	}
	for p := 0; p < w*h; p++ {
		for c := 0; c < 3; c++ {
			if got[p*4+c] != payload[p*3+c] {
				t.Fatalf("pixel %d ch %d = %d, want %d", p, c, got[p*4+c], payload[p*3+c])
			}
		}
		if got[p*4+3] != 0xff {
			t.Fatalf("pixel %d alpha = %d, want 255", p, got[p*4+3])
		}
	}
}

// TestPalettedDecode reads a TIFF this package never writes, exercising
// the generic color conversion path.
func TestPalettedDecode(t *testing.T) {
	pal := color.Palette{
		color.RGBA{0, 0, 0, 255},
		color.RGBA{255, 0, 0, 255},
		color.RGBA{0, 255, 0, 255},
	}
	img := image.NewPaletted(image.Rect(0, 0, 6, 3), pal)
	for y := 0; y < 3; y++ {
		for x := 0; x < 6; x++ {
			img.SetColorIndex(x, y, uint8((x+y)%3))
		}
	}
	path := tempPath(t)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := tiff.Encode(f, img, nil); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	in, err := imageio.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer in.Close()
	s, err := in.Spec(0, 0)
	if err != nil {
		t.Fatalf("Spec: %v", err)
	}
	if s.NChannels != 4 || s.Format != imageio.TypeUInt8 {
		t.Fatalf("spec = %d channels of %v", s.NChannels, s.Format)
	}
	got := make([]byte, 6*3*4)
	if err := in.ReadImage(0, 0, got, imageio.TypeUInt8, nil); err != nil {
		t.Fatalf("ReadImage: %v", err)
	}
	want := [][4]byte{{0, 0, 0, 255}, {255, 0, 0, 255}, {0, 255, 0, 255}}
	for y := 0; y < 3; y++ {
		for x := 0; x < 6; x++ {
			p := (y*6 + x) * 4
			w := want[(x+y)%3]
			if got[p] != w[0] || got[p+1] != w[1] || got[p+2] != w[2] || got[p+3] != w[3] {
				t.Fatalf("pixel (%d,%d) = %v, want %v", x, y, got[p:p+4], w)
			}
		}
	}
}

func TestScanlineOrderEnforced(t *testing.T) {
	spec := imageio.NewSpec(8, 8, 1, imageio.TypeUInt8)
	out, err := imageio.Create(tempPath(t), *spec)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer out.Close()

	err = out.WriteScanlines(0, 0, 4, 8, make([]byte, 8*4), imageio.TypeUInt8, nil)
	if err == nil || !strings.Contains(err.Error(), "scanline 4 out of order, next is 0") {
		t.Fatalf("out of order err = %v", err)
	}
}

func TestIncompleteClose(t *testing.T) {
	spec := imageio.NewSpec(8, 8, 1, imageio.TypeUInt8)
	out, err := imageio.Create(tempPath(t), *spec)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := out.WriteScanlines(0, 0, 0, 4, make([]byte, 8*4), imageio.TypeUInt8, nil); err != nil {
		t.Fatalf("WriteScanlines: %v", err)
	}
	err = out.Close()
	if err == nil || !strings.Contains(err.Error(), "incomplete image: 4 of 8 rows written") {
		t.Fatalf("Close err = %v", err)
	}
}

func TestCreateRejects(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*imageio.ImageSpec)
		want error
	}{
		{"tiled", func(s *imageio.ImageSpec) { s.TileWidth, s.TileHeight = 8, 8 }, imageio.ErrUnsupported},
		{"mip chain", func(s *imageio.ImageSpec) { s.Attribute("miplevels", 2) }, imageio.ErrUnsupported},
		{"half pixels", func(s *imageio.ImageSpec) { s.Format = imageio.TypeHalf }, imageio.ErrUnsupported},
		{"two channels", func(s *imageio.ImageSpec) { s.NChannels = 2 }, imageio.ErrUnsupported},
		{"deep", func(s *imageio.ImageSpec) { s.Deep = true }, imageio.ErrDeep},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := imageio.NewSpec(8, 8, 1, imageio.TypeUInt8)
			tt.mod(spec)
			if _, err := imageio.Create(tempPath(t), *spec); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}

	spec := imageio.NewSpec(8, 8, 1, imageio.TypeUInt8)
	spec.Attribute("compression", "lzw")
	_, err := imageio.Create(tempPath(t), *spec)
	if err == nil || !strings.Contains(err.Error(), `unknown compression "lzw"`) {
		t.Errorf("lzw err = %v", err)
	}

	if _, err := imageio.Create(tempPath(t), *spec, *spec); err == nil ||
		!strings.Contains(err.Error(), "multiple subimages") {
		t.Errorf("multi subimage err = %v", err)
	}
}

func TestSingleSubimageOnly(t *testing.T) {
	spec := imageio.NewSpec(4, 4, 1, imageio.TypeUInt8)
	path := writeImage(t, spec, make([]byte, 16))

	in, err := imageio.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer in.Close()
	if got := in.NumSubimages(); got != 1 {
		t.Errorf("NumSubimages = %d", got)
	}
	if got := in.NumMiplevels(0); got != 1 {
		t.Errorf("NumMiplevels = %d", got)
	}
	if _, err := in.Spec(0, 1); !errors.Is(err, imageio.ErrOutOfRange) {
		t.Errorf("Spec(0,1) err = %v", err)
	}
	if in.Supports(imageio.FeatureTiles) || in.Supports(imageio.FeatureMipmap) {
		t.Error("reader claims unsupported features")
	}
	if !in.Supports(imageio.FeatureRandomAccess) {
		t.Error("reader misses random access")
	}
}
