// Package gtiff reads and writes baseline TIFF images through
// golang.org/x/image/tiff. Sources decode the whole image lazily on
// first access; sinks buffer scanlines and encode at close, deflate
// compressed by default. One subimage, no mip levels.
package gtiff

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"io"
	"sync"

	"golang.org/x/image/tiff"

	"github.com/mrjoshuak/go-imageio/imageio"
	"github.com/mrjoshuak/go-imageio/internal/stdimage"
)

// FormatName is the registered name of the format.
const FormatName = "gtiff"

func init() {
	imageio.RegisterFormat(&imageio.Format{
		Name:       FormatName,
		Extensions: []string{"tif", "tiff"},
		Sniff:      sniff,
		OpenSource: openSource,
		CreateSink: createSink,
	})
}

func sniff(b []byte) bool {
	if len(b) < 4 {
		return false
	}
	le := b[0] == 'I' && b[1] == 'I' && b[2] == 0x2a && b[3] == 0
	be := b[0] == 'M' && b[1] == 'M' && b[2] == 0 && b[3] == 0x2a
	return le || be
}

func errf(format string, args ...any) error {
	return fmt.Errorf("gtiff: "+format, args...)
}

// specFromConfig maps the decoded color model onto a spec. RGB images
// come back from the decoder with an opaque alpha channel, so they
// surface as four channels.
func specFromConfig(cfg image.Config) (*imageio.ImageSpec, error) {
	if cfg.Width < 1 || cfg.Height < 1 {
		return nil, errf("invalid dimensions %dx%d", cfg.Width, cfg.Height)
	}
	nch, format := 4, imageio.TypeUInt8
	switch cfg.ColorModel {
	case color.GrayModel:
		nch = 1
	case color.Gray16Model:
		nch, format = 1, imageio.TypeUInt16
	case color.NRGBAModel, color.RGBAModel:
	case color.NRGBA64Model, color.RGBA64Model:
		format = imageio.TypeUInt16
	default:
		if _, ok := cfg.ColorModel.(color.Palette); !ok {
			format = imageio.TypeUInt16
		}
	}
	return imageio.NewSpec(cfg.Width, cfg.Height, nch, format), nil
}

type source struct {
	r    io.ReaderAt
	size int64
	spec *imageio.ImageSpec

	mu  sync.Mutex
	img image.Image
}

func openSource(r io.ReaderAt, size int64) (imageio.NativeSource, error) {
	cfg, err := tiff.DecodeConfig(io.NewSectionReader(r, 0, size))
	if err != nil {
		return nil, errf("read header: %w", err)
	}
	spec, err := specFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	return &source{r: r, size: size, spec: spec}, nil
}

func (src *source) check(subimage, miplevel int) (*imageio.ImageSpec, error) {
	if subimage != 0 || miplevel != 0 {
		return nil, fmt.Errorf("gtiff: no subimage %d level %d: %w", subimage, miplevel, imageio.ErrOutOfRange)
	}
	return src.spec, nil
}

func (src *source) NumSubimages() int { return 1 }

func (src *source) NumMiplevels(subimage int) int {
	if subimage != 0 {
		return 0
	}
	return 1
}

func (src *source) Spec(subimage, miplevel int) (*imageio.ImageSpec, error) {
	return src.check(subimage, miplevel)
}

func (src *source) image() (image.Image, error) {
	src.mu.Lock()
	defer src.mu.Unlock()
	if src.img != nil {
		return src.img, nil
	}
	img, err := tiff.Decode(io.NewSectionReader(src.r, 0, src.size))
	if err != nil {
		return nil, errf("decode: %w", err)
	}
	if b := img.Bounds(); b.Dx() != src.spec.Width || b.Dy() != src.spec.Height {
		return nil, errf("decoded image is %dx%d, want %dx%d",
			b.Dx(), b.Dy(), src.spec.Width, src.spec.Height)
	}
	src.img = img
	return img, nil
}

func (src *source) ReadNativeScanlines(subimage, miplevel, ybegin, yend int, dst []byte) error {
	spec, err := src.check(subimage, miplevel)
	if err != nil {
		return err
	}
	if ybegin < spec.Y || yend > spec.Y+spec.Height || ybegin >= yend {
		return fmt.Errorf("gtiff: scanline range [%d,%d): %w", ybegin, yend, imageio.ErrOutOfRange)
	}
	img, err := src.image()
	if err != nil {
		return err
	}
	return stdimage.ToNative(dst, img, spec, ybegin, yend)
}

func (src *source) ReadNativeTile(subimage, miplevel, x, y, z int, dst []byte) error {
	return imageio.ErrUnsupported
}

func (src *source) Supports(feature string) bool {
	return feature == imageio.FeatureRandomAccess
}

func (src *source) Close() error {
	src.mu.Lock()
	defer src.mu.Unlock()
	src.img = nil
	return nil
}

type sink struct {
	w      io.WriteSeeker
	spec   *imageio.ImageSpec
	img    draw.Image
	opts   tiff.Options
	next   int
	closed bool
	err    error
}

func createSink(w io.WriteSeeker, specs []imageio.ImageSpec) (imageio.NativeSink, error) {
	if len(specs) != 1 {
		return nil, fmt.Errorf("gtiff: multiple subimages: %w", imageio.ErrUnsupported)
	}
	spec := specs[0].Copy()
	if spec.Tiled() {
		return nil, fmt.Errorf("gtiff: tiled output: %w", imageio.ErrUnsupported)
	}
	if spec.AttribInt("miplevels", 1) != 1 {
		return nil, fmt.Errorf("gtiff: explicit mip levels: %w", imageio.ErrUnsupported)
	}
	if err := stdimage.Check(spec); err != nil {
		return nil, err
	}
	img, err := stdimage.New(spec)
	if err != nil {
		return nil, err
	}

	var opts tiff.Options
	switch c := spec.AttribString("compression", "deflate"); c {
	case "none":
		opts.Compression = tiff.Uncompressed
	case "deflate", "zip", "zlib":
		opts.Compression = tiff.Deflate
		opts.Predictor = true
	default:
		return nil, errf("unknown compression %q", c)
	}

	return &sink{w: w, spec: spec, img: img, opts: opts, next: spec.Y}, nil
}

func (sk *sink) Spec(subimage, miplevel int) (*imageio.ImageSpec, error) {
	if subimage != 0 || miplevel != 0 {
		return nil, fmt.Errorf("gtiff: no subimage %d level %d: %w", subimage, miplevel, imageio.ErrOutOfRange)
	}
	return sk.spec, nil
}

func (sk *sink) WriteNativeScanlines(subimage, miplevel, ybegin, yend int, src []byte) error {
	if sk.closed {
		return imageio.ErrClosed
	}
	if sk.err != nil {
		return sk.err
	}
	spec, err := sk.Spec(subimage, miplevel)
	if err != nil {
		return err
	}
	if ybegin < spec.Y || yend > spec.Y+spec.Height || ybegin >= yend {
		return fmt.Errorf("gtiff: scanline range [%d,%d): %w", ybegin, yend, imageio.ErrOutOfRange)
	}
	if ybegin != sk.next {
		return errf("scanline %d out of order, next is %d", ybegin, sk.next)
	}
	if err := stdimage.FromNative(sk.img, spec, ybegin, yend, src); err != nil {
		return err
	}
	sk.next = yend
	return nil
}

func (sk *sink) WriteNativeTile(subimage, miplevel, x, y, z int, src []byte) error {
	return imageio.ErrUnsupported
}

func (sk *sink) Supports(feature string) bool { return false }

func (sk *sink) Close() error {
	if sk.closed {
		return sk.err
	}
	sk.closed = true
	if sk.err != nil {
		return sk.err
	}
	if sk.next != sk.spec.Y+sk.spec.Height {
		sk.err = errf("incomplete image: %d of %d rows written", sk.next-sk.spec.Y, sk.spec.Height)
		return sk.err
	}
	if err := tiff.Encode(sk.w, sk.img, &sk.opts); err != nil {
		sk.err = errf("encode: %w", err)
	}
	return sk.err
}
