// Package jp2k reads and writes JPEG 2000 images through the pure Go
// jpeg2000 codec. Sources expose the codestream's resolution levels as
// mip levels, decoding each level lazily on first access. Sinks buffer
// the whole image and encode it when closed, losslessly unless a
// quality attribute asks otherwise.
package jp2k

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"io"
	"sync"

	jpeg2000 "github.com/mrjoshuak/go-jpeg2000"

	"github.com/mrjoshuak/go-imageio/imageio"
	"github.com/mrjoshuak/go-imageio/internal/stdimage"
)

// FormatName is the registered name of the format.
const FormatName = "jp2k"

func init() {
	imageio.RegisterFormat(&imageio.Format{
		Name:       FormatName,
		Extensions: []string{"jp2", "j2k", "j2c", "jpc", "jpx"},
		Sniff:      sniff,
		OpenSource: openSource,
		CreateSink: createSink,
	})
}

// jp2Magic is the JP2 signature box; rawMagic is the SOC marker of a
// bare codestream.
var (
	jp2Magic = []byte{0x00, 0x00, 0x00, 0x0c, 'j', 'P', ' ', ' ', '\r', '\n', 0x87, '\n'}
	rawMagic = []byte{0xff, 0x4f, 0xff, 0x51}
)

func sniff(b []byte) bool {
	return (len(b) >= 12 && bytes.Equal(b[:12], jp2Magic)) ||
		(len(b) >= 4 && bytes.Equal(b[:4], rawMagic))
}

func errf(format string, args ...any) error {
	return fmt.Errorf("jp2k: "+format, args...)
}

// specFromMetadata builds the level-0 spec. Components are quantized
// to the widest bit depth since the decoder hands back uniform images.
func specFromMetadata(m *jpeg2000.Metadata) (*imageio.ImageSpec, error) {
	if m.Width < 1 || m.Height < 1 {
		return nil, errf("invalid dimensions %dx%d", m.Width, m.Height)
	}
	switch m.NumComponents {
	case 1, 3, 4:
	default:
		return nil, fmt.Errorf("jp2k: %d components: %w", m.NumComponents, imageio.ErrUnsupported)
	}
	bits := 0
	for _, b := range m.BitsPerComponent {
		bits = max(bits, b)
	}
	for _, s := range m.Signed {
		if s {
			return nil, fmt.Errorf("jp2k: signed components: %w", imageio.ErrUnsupported)
		}
	}
	format := imageio.TypeUInt8
	if bits > 16 {
		return nil, fmt.Errorf("jp2k: %d-bit components: %w", bits, imageio.ErrUnsupported)
	} else if bits > 8 {
		format = imageio.TypeUInt16
	}

	spec := imageio.NewSpec(m.Width, m.Height, m.NumComponents, format)
	spec.Attribute("compression", "jpeg2000")
	if m.Comment != "" {
		spec.Attribute("comment", m.Comment)
	}
	if len(m.ICCProfile) > 0 {
		spec.Attribute("ICCProfile", append([]byte(nil), m.ICCProfile...))
	}
	return spec, nil
}

// source decodes one resolution level at a time, keeping decoded
// levels for later reads.
type source struct {
	r     io.ReaderAt
	size  int64
	specs []*imageio.ImageSpec

	mu   sync.Mutex
	imgs []image.Image
}

func openSource(r io.ReaderAt, size int64) (imageio.NativeSource, error) {
	meta, err := jpeg2000.DecodeMetadata(io.NewSectionReader(r, 0, size))
	if err != nil {
		return nil, errf("read header: %w", err)
	}
	base, err := specFromMetadata(meta)
	if err != nil {
		return nil, err
	}
	levels := max(meta.NumResolutions, 1)
	if levels > 1 {
		base.Attribute("miplevels", levels)
	}

	src := &source{
		r:     r,
		size:  size,
		specs: make([]*imageio.ImageSpec, levels),
		imgs:  make([]image.Image, levels),
	}
	// Resolution level l is the image ceil-halved l times, matching
	// what the decoder produces for ReduceResolution=l.
	w, h := base.Width, base.Height
	for l := 0; l < levels; l++ {
		s := base.Copy()
		s.Width, s.Height = w, h
		s.FullWidth, s.FullHeight = w, h
		src.specs[l] = s
		w, h = (w+1)/2, (h+1)/2
	}
	return src, nil
}

func (src *source) spec(subimage, miplevel int) (*imageio.ImageSpec, error) {
	if subimage != 0 {
		return nil, fmt.Errorf("jp2k: no subimage %d: %w", subimage, imageio.ErrOutOfRange)
	}
	if miplevel < 0 || miplevel >= len(src.specs) {
		return nil, fmt.Errorf("jp2k: no mip level %d: %w", miplevel, imageio.ErrOutOfRange)
	}
	return src.specs[miplevel], nil
}

func (src *source) NumSubimages() int { return 1 }

func (src *source) NumMiplevels(subimage int) int {
	if subimage != 0 {
		return 0
	}
	return len(src.specs)
}

func (src *source) Spec(subimage, miplevel int) (*imageio.ImageSpec, error) {
	return src.spec(subimage, miplevel)
}

// level returns the decoded image of one mip level, decoding it on
// first use.
func (src *source) level(miplevel int) (image.Image, error) {
	src.mu.Lock()
	defer src.mu.Unlock()
	if img := src.imgs[miplevel]; img != nil {
		return img, nil
	}
	img, err := jpeg2000.DecodeConfig(io.NewSectionReader(src.r, 0, src.size),
		&jpeg2000.Config{ReduceResolution: miplevel})
	if err != nil {
		return nil, errf("decode level %d: %w", miplevel, err)
	}
	spec := src.specs[miplevel]
	if b := img.Bounds(); b.Dx() != spec.Width || b.Dy() != spec.Height {
		return nil, errf("decoded level %d is %dx%d, want %dx%d",
			miplevel, b.Dx(), b.Dy(), spec.Width, spec.Height)
	}
	src.imgs[miplevel] = img
	return img, nil
}

func (src *source) ReadNativeScanlines(subimage, miplevel, ybegin, yend int, dst []byte) error {
	spec, err := src.spec(subimage, miplevel)
	if err != nil {
		return err
	}
	if ybegin < spec.Y || yend > spec.Y+spec.Height || ybegin >= yend {
		return fmt.Errorf("jp2k: scanline range [%d,%d): %w", ybegin, yend, imageio.ErrOutOfRange)
	}
	img, err := src.level(miplevel)
	if err != nil {
		return err
	}
	return stdimage.ToNative(dst, img, spec, ybegin, yend)
}

func (src *source) ReadNativeTile(subimage, miplevel, x, y, z int, dst []byte) error {
	return imageio.ErrUnsupported
}

func (src *source) Supports(feature string) bool {
	switch feature {
	case imageio.FeatureMipmap, imageio.FeatureRandomAccess:
		return true
	}
	return false
}

func (src *source) Close() error {
	src.mu.Lock()
	defer src.mu.Unlock()
	for i := range src.imgs {
		src.imgs[i] = nil
	}
	return nil
}

// sink buffers scanlines into a standard image and encodes the
// codestream when closed.
type sink struct {
	w      io.WriteSeeker
	spec   *imageio.ImageSpec
	img    draw.Image
	opts   *jpeg2000.Options
	next   int
	closed bool
	err    error
}

func createSink(w io.WriteSeeker, specs []imageio.ImageSpec) (imageio.NativeSink, error) {
	if len(specs) != 1 {
		return nil, fmt.Errorf("jp2k: multiple subimages: %w", imageio.ErrUnsupported)
	}
	spec := specs[0].Copy()
	if spec.Tiled() {
		return nil, fmt.Errorf("jp2k: tiled output: %w", imageio.ErrUnsupported)
	}
	if spec.AttribInt("miplevels", 1) != 1 {
		return nil, fmt.Errorf("jp2k: explicit mip levels: %w", imageio.ErrUnsupported)
	}
	if err := stdimage.Check(spec); err != nil {
		return nil, err
	}
	img, err := stdimage.New(spec)
	if err != nil {
		return nil, err
	}

	opts := jpeg2000.DefaultOptions()
	opts.Lossless = true
	opts.NumResolutions = fitResolutions(spec.Width, spec.Height)
	if q := spec.AttribInt("quality", 0); q > 0 {
		opts.Lossless = false
		opts.Quality = min(q, 100)
	}
	if spec.AttribInt("jp2k:ht", 0) != 0 {
		opts.HighThroughput = true
	}
	if n := spec.AttribInt("jp2k:resolutions", 0); n > 0 {
		opts.NumResolutions = min(n, fitResolutions(spec.Width, spec.Height))
	}
	if c := spec.AttribString("comment", ""); c != "" {
		opts.Comment = c
	}
	if v, ok := spec.Attribs.Get("ICCProfile"); ok {
		if icc, ok := v.([]byte); ok && len(icc) > 0 {
			opts.ICCProfile = append([]byte(nil), icc...)
		}
	}

	return &sink{w: w, spec: spec, img: img, opts: opts, next: spec.Y}, nil
}

// fitResolutions caps the resolution count so the smallest level stays
// at least one pixel.
func fitResolutions(w, h int) int {
	n := 1
	for d := min(w, h); d > 1 && n < 6; d = (d + 1) / 2 {
		n++
	}
	return n
}

func (sk *sink) Spec(subimage, miplevel int) (*imageio.ImageSpec, error) {
	if subimage != 0 || miplevel != 0 {
		return nil, fmt.Errorf("jp2k: no subimage %d level %d: %w", subimage, miplevel, imageio.ErrOutOfRange)
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
		return fmt.Errorf("jp2k: scanline range [%d,%d): %w", ybegin, yend, imageio.ErrOutOfRange)
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
	if err := jpeg2000.Encode(sk.w, sk.img, sk.opts); err != nil {
		sk.err = errf("encode: %w", err)
	}
	return sk.err
}
