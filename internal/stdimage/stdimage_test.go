package stdimage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"image"
	"image/color"
	"strings"
	"testing"

	"github.com/mrjoshuak/go-imageio/imageio"
)

func TestCheck(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*imageio.ImageSpec)
		want error
	}{
		{"gray8", func(s *imageio.ImageSpec) {}, nil},
		{"rgb16", func(s *imageio.ImageSpec) {
			s.NChannels = 3
			s.Format = imageio.TypeUInt16
		}, nil},
		{"rgba8", func(s *imageio.ImageSpec) { s.NChannels = 4 }, nil},
		{"deep", func(s *imageio.ImageSpec) { s.Deep = true }, imageio.ErrDeep},
		{"volumetric", func(s *imageio.ImageSpec) { s.Depth = 4 }, imageio.ErrUnsupported},
		{"float", func(s *imageio.ImageSpec) { s.Format = imageio.TypeFloat }, imageio.ErrUnsupported},
		{"half", func(s *imageio.ImageSpec) { s.Format = imageio.TypeHalf }, imageio.ErrUnsupported},
		{"two channels", func(s *imageio.ImageSpec) { s.NChannels = 2 }, imageio.ErrUnsupported},
		{"five channels", func(s *imageio.ImageSpec) { s.NChannels = 5 }, imageio.ErrUnsupported},
		{"mixed formats", func(s *imageio.ImageSpec) {
			s.NChannels = 3
			s.ChannelFormats = []imageio.BaseType{imageio.TypeUInt8, imageio.TypeUInt16, imageio.TypeUInt8}
		}, imageio.ErrUnsupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := imageio.NewSpec(4, 4, 1, imageio.TypeUInt8)
			tt.mod(spec)
			err := Check(spec)
			if tt.want == nil {
				if err != nil {
					t.Errorf("Check = %v, want nil", err)
				}
			} else if !errors.Is(err, tt.want) {
				t.Errorf("Check = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestNewImageKinds(t *testing.T) {
	tests := []struct {
		nch  int
		fmt  imageio.BaseType
		want string
	}{
		{1, imageio.TypeUInt8, "*image.Gray"},
		{1, imageio.TypeUInt16, "*image.Gray16"},
		{3, imageio.TypeUInt8, "*image.NRGBA"},
		{4, imageio.TypeUInt8, "*image.NRGBA"},
		{3, imageio.TypeUInt16, "*image.NRGBA64"},
		{4, imageio.TypeUInt16, "*image.NRGBA64"},
	}
	for _, tt := range tests {
		spec := imageio.NewSpec(7, 5, tt.nch, tt.fmt)
		img, err := New(spec)
		if err != nil {
			t.Fatalf("New(%d ch %v): %v", tt.nch, tt.fmt, err)
		}
		var kind string
		switch img.(type) {
		case *image.Gray:
			kind = "*image.Gray"
		case *image.Gray16:
			kind = "*image.Gray16"
		case *image.NRGBA:
			kind = "*image.NRGBA"
		case *image.NRGBA64:
			kind = "*image.NRGBA64"
		}
		if kind != tt.want {
			t.Errorf("New(%d ch %v) = %s, want %s", tt.nch, tt.fmt, kind, tt.want)
		}
		if b := img.Bounds(); b.Dx() != 7 || b.Dy() != 5 || b.Min != image.Pt(0, 0) {
			t.Errorf("bounds = %v", b)
		}
	}

	if _, err := New(imageio.NewSpec(4, 4, 2, imageio.TypeUInt8)); err == nil {
		t.Error("New accepted an unsupported spec")
	}
}

func TestGrayRoundTrip(t *testing.T) {
	spec := imageio.NewSpec(5, 4, 1, imageio.TypeUInt8)
	spec.Y = 7 // data window rows map onto image rows from zero
	img, err := New(spec)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	src := make([]byte, 5*4)
	for i := range src {
		src[i] = byte(i*13 + 1)
	}
	// Two partial spans, absolute coordinates.
	if err := FromNative(img, spec, 7, 9, src[:10]); err != nil {
		t.Fatalf("FromNative rows [7,9): %v", err)
	}
	if err := FromNative(img, spec, 9, 11, src[10:]); err != nil {
		t.Fatalf("FromNative rows [9,11): %v", err)
	}
	g := img.(*image.Gray)
	if got := g.GrayAt(2, 1).Y; got != src[1*5+2] {
		t.Errorf("GrayAt(2,1) = %d, want %d", got, src[1*5+2])
	}

	dst := make([]byte, len(src))
	if err := ToNative(dst, img, spec, 7, 11); err != nil {
		t.Fatalf("ToNative: %v", err)
	}
	if !bytes.Equal(dst, src) {
		t.Error("gray rows do not round trip")
	}
}

func TestGray16BigEndianPix(t *testing.T) {
	spec := imageio.NewSpec(3, 2, 1, imageio.TypeUInt16)
	img, err := New(spec)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	vals := []uint16{0x0102, 0xabcd, 0xff00, 0x0001, 0x8000, 0x7fff}
	src := make([]byte, len(vals)*2)
	for i, v := range vals {
		// Native rows are host order.
		binary.NativeEndian.PutUint16(src[i*2:], v)
	}
	if err := FromNative(img, spec, 0, 2, src); err != nil {
		t.Fatalf("FromNative: %v", err)
	}

	g := img.(*image.Gray16)
	for i, v := range vals {
		if got := g.Gray16At(i%3, i/3).Y; got != v {
			t.Errorf("Gray16At(%d,%d) = %#x, want %#x", i%3, i/3, got, v)
		}
	}
	// The Pix array itself is big endian.
	if g.Pix[0] != 0x01 || g.Pix[1] != 0x02 {
		t.Errorf("Pix[0:2] = %#x %#x, want big endian 0x0102", g.Pix[0], g.Pix[1])
	}

	dst := make([]byte, len(src))
	if err := ToNative(dst, img, spec, 0, 2); err != nil {
		t.Fatalf("ToNative: %v", err)
	}
	if !bytes.Equal(dst, src) {
		t.Error("gray16 rows do not round trip")
	}
}

func TestThreeChannelAlphaFill(t *testing.T) {
	spec := imageio.NewSpec(4, 2, 3, imageio.TypeUInt8)
	img, err := New(spec)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	src := make([]byte, 4*2*3)
	for i := range src {
		src[i] = byte(i * 7)
	}
	if err := FromNative(img, spec, 0, 2, src); err != nil {
		t.Fatalf("FromNative: %v", err)
	}
	n := img.(*image.NRGBA)
	px := n.NRGBAAt(1, 0)
	if px.R != src[3] || px.G != src[4] || px.B != src[5] || px.A != 0xff {
		t.Errorf("NRGBAAt(1,0) = %v", px)
	}

	dst := make([]byte, len(src))
	if err := ToNative(dst, img, spec, 0, 2); err != nil {
		t.Fatalf("ToNative: %v", err)
	}
	if !bytes.Equal(dst, src) {
		t.Error("rgb rows do not round trip")
	}
}

func TestNRGBA64RoundTrip(t *testing.T) {
	spec := imageio.NewSpec(3, 3, 4, imageio.TypeUInt16)
	img, err := New(spec)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	src := make([]byte, 3*3*4*2)
	for i := range src {
		src[i] = byte(i*31 + 3)
	}
	if err := FromNative(img, spec, 0, 3, src); err != nil {
		t.Fatalf("FromNative: %v", err)
	}
	dst := make([]byte, len(src))
	if err := ToNative(dst, img, spec, 0, 3); err != nil {
		t.Fatalf("ToNative: %v", err)
	}
	if !bytes.Equal(dst, src) {
		t.Error("rgba16 rows do not round trip")
	}
}

// TestGenericToNative reads from an image kind outside the fast paths.
// Premultiplied pixels come back unassociated.
func TestGenericToNative(t *testing.T) {
	spec := imageio.NewSpec(2, 1, 4, imageio.TypeUInt8)
	img := image.NewRGBA(image.Rect(0, 0, 2, 1))
	img.SetRGBA(0, 0, color.RGBA{R: 10, G: 20, B: 30, A: 255})
	// 65535/85 is exactly 771, so unpremultiplying is exact.
	img.SetRGBA(1, 0, color.RGBA{R: 17, G: 34, B: 51, A: 85})

	dst := make([]byte, 2*4)
	if err := ToNative(dst, img, spec, 0, 1); err != nil {
		t.Fatalf("ToNative: %v", err)
	}
	if dst[0] != 10 || dst[1] != 20 || dst[2] != 30 || dst[3] != 255 {
		t.Errorf("opaque pixel = %v", dst[:4])
	}
	want := [4]byte{
		byte(17 * 771 >> 8),
		byte(34 * 771 >> 8),
		byte(51 * 771 >> 8),
		85,
	}
	if dst[4] != want[0] || dst[5] != want[1] || dst[6] != want[2] || dst[7] != want[3] {
		t.Errorf("premultiplied pixel = %v, want %v", dst[4:], want)
	}
}

// TestGenericFromNative writes into an image kind outside the fast
// paths.
func TestGenericFromNative(t *testing.T) {
	spec := imageio.NewSpec(2, 1, 4, imageio.TypeUInt8)
	img := image.NewRGBA(image.Rect(0, 0, 2, 1))

	src := []byte{10, 20, 30, 255, 40, 50, 60, 255}
	if err := FromNative(img, spec, 0, 1, src); err != nil {
		t.Fatalf("FromNative: %v", err)
	}
	if got := img.RGBAAt(0, 0); got != (color.RGBA{10, 20, 30, 255}) {
		t.Errorf("RGBAAt(0,0) = %v", got)
	}
	if got := img.RGBAAt(1, 0); got != (color.RGBA{40, 50, 60, 255}) {
		t.Errorf("RGBAAt(1,0) = %v", got)
	}
}

func TestBufferAndBoundsErrors(t *testing.T) {
	spec := imageio.NewSpec(4, 4, 1, imageio.TypeUInt8)
	img, err := New(spec)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	err = ToNative(make([]byte, 3), img, spec, 0, 1)
	if err == nil || !strings.Contains(err.Error(), "buffer is 3 bytes, want 4") {
		t.Errorf("short buffer err = %v", err)
	}
	err = FromNative(img, spec, 0, 1, make([]byte, 99))
	if err == nil || !strings.Contains(err.Error(), "buffer is 99 bytes") {
		t.Errorf("long buffer err = %v", err)
	}

	// An image too small for the spec's window.
	small := image.NewGray(image.Rect(0, 0, 2, 2))
	err = ToNative(make([]byte, 4*4), small, spec, 0, 4)
	if err == nil || !strings.Contains(err.Error(), "cannot hold") {
		t.Errorf("bounds err = %v", err)
	}

	bad := imageio.NewSpec(4, 4, 1, imageio.TypeFloat)
	if err := ToNative(make([]byte, 64), img, bad, 0, 4); !errors.Is(err, imageio.ErrUnsupported) {
		t.Errorf("unsupported spec err = %v", err)
	}
}
