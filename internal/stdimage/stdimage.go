// Package stdimage bridges standard library images and the interleaved
// native pixel rows format plugins exchange with the I/O layer. It
// serves plugins whose codecs speak image.Image: 1, 3 or 4 channels of
// uint8 or uint16, single scanline subimages.
//
// Native rows are host byte order; the Pix arrays of 16-bit standard
// images are big endian, so 16-bit paths swap per sample.
package stdimage

import (
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"unsafe"

	"github.com/mrjoshuak/go-imageio/imageio"
)

// Check verifies that spec describes an image this package can carry:
// 1, 3 or 4 homogeneous channels of uint8 or uint16, flat, 2D.
func Check(spec *imageio.ImageSpec) error {
	if spec.Deep {
		return imageio.ErrDeep
	}
	if spec.Depth > 1 {
		return fmt.Errorf("stdimage: volumetric images: %w", imageio.ErrUnsupported)
	}
	if spec.Format != imageio.TypeUInt8 && spec.Format != imageio.TypeUInt16 {
		return fmt.Errorf("stdimage: pixel format %v: %w", spec.Format, imageio.ErrUnsupported)
	}
	if !spec.HomogeneousChannels() {
		return fmt.Errorf("stdimage: per-channel formats: %w", imageio.ErrUnsupported)
	}
	switch spec.NChannels {
	case 1, 3, 4:
		return nil
	}
	return fmt.Errorf("stdimage: %d channels: %w", spec.NChannels, imageio.ErrUnsupported)
}

// New allocates the standard image matching spec, sized to the data
// window with a zero origin.
func New(spec *imageio.ImageSpec) (draw.Image, error) {
	if err := Check(spec); err != nil {
		return nil, err
	}
	r := image.Rect(0, 0, spec.Width, spec.Height)
	wide := spec.Format == imageio.TypeUInt16
	switch {
	case spec.NChannels == 1 && !wide:
		return image.NewGray(r), nil
	case spec.NChannels == 1:
		return image.NewGray16(r), nil
	case !wide:
		return image.NewNRGBA(r), nil
	default:
		return image.NewNRGBA64(r), nil
	}
}

func u16at(b []byte) uint16     { return *(*uint16)(unsafe.Pointer(&b[0])) }
func putU16(b []byte, v uint16) { *(*uint16)(unsafe.Pointer(&b[0])) = v }

// checkBounds rejects an image too small for the requested row span.
func checkBounds(b image.Rectangle, spec *imageio.ImageSpec, yend int) error {
	if b.Dx() < spec.Width || b.Min.Y+(yend-spec.Y) > b.Max.Y {
		return fmt.Errorf("stdimage: image bounds %v cannot hold %dx%d window", b, spec.Width, spec.Height)
	}
	return nil
}

// ToNative copies rows [ybegin, yend) of the data window out of img
// into dst as tightly packed interleaved native pixels. Row ybegin of
// the data window maps to the first row of img's bounds.
func ToNative(dst []byte, img image.Image, spec *imageio.ImageSpec, ybegin, yend int) error {
	if err := Check(spec); err != nil {
		return err
	}
	rowBytes := spec.ScanlineBytes(true)
	if len(dst) != (yend-ybegin)*rowBytes {
		return fmt.Errorf("stdimage: buffer is %d bytes, want %d", len(dst), (yend-ybegin)*rowBytes)
	}
	b := img.Bounds()
	if err := checkBounds(b, spec, yend); err != nil {
		return err
	}
	w, nch := spec.Width, spec.NChannels

	for y := ybegin; y < yend; y++ {
		row := dst[(y-ybegin)*rowBytes : (y-ybegin+1)*rowBytes]
		iy := y - spec.Y + b.Min.Y

		switch im := img.(type) {
		case *image.Gray:
			copy(row, im.Pix[im.PixOffset(b.Min.X, iy):])
		case *image.Gray16:
			src := im.Pix[im.PixOffset(b.Min.X, iy):]
			for x := 0; x < w; x++ {
				putU16(row[2*x:], binary.BigEndian.Uint16(src[2*x:]))
			}
		case *image.NRGBA:
			src := im.Pix[im.PixOffset(b.Min.X, iy):]
			if nch == 4 {
				copy(row, src[:4*w])
			} else {
				for x := 0; x < w; x++ {
					copy(row[3*x:3*x+3], src[4*x:])
				}
			}
		case *image.NRGBA64:
			src := im.Pix[im.PixOffset(b.Min.X, iy):]
			for x := 0; x < w; x++ {
				for c := 0; c < nch; c++ {
					putU16(row[(x*nch+c)*2:], binary.BigEndian.Uint16(src[x*8+c*2:]))
				}
			}
		default:
			genericToNative(row, img, spec, iy)
		}
	}
	return nil
}

func genericToNative(row []byte, img image.Image, spec *imageio.ImageSpec, iy int) {
	b := img.Bounds()
	w, nch := spec.Width, spec.NChannels
	wide := spec.Format == imageio.TypeUInt16
	for x := 0; x < w; x++ {
		px := img.At(b.Min.X+x, iy)
		var s [4]uint16
		switch {
		case nch == 1:
			g := color.Gray16Model.Convert(px).(color.Gray16)
			s[0] = g.Y
		default:
			n := color.NRGBA64Model.Convert(px).(color.NRGBA64)
			s[0], s[1], s[2], s[3] = n.R, n.G, n.B, n.A
		}
		for c := 0; c < nch; c++ {
			if wide {
				putU16(row[(x*nch+c)*2:], s[c])
			} else {
				row[x*nch+c] = uint8(s[c] >> 8)
			}
		}
	}
}

// FromNative copies tightly packed interleaved native rows into img,
// the counterpart of ToNative for the write path.
func FromNative(img draw.Image, spec *imageio.ImageSpec, ybegin, yend int, src []byte) error {
	if err := Check(spec); err != nil {
		return err
	}
	rowBytes := spec.ScanlineBytes(true)
	if len(src) != (yend-ybegin)*rowBytes {
		return fmt.Errorf("stdimage: buffer is %d bytes, want %d", len(src), (yend-ybegin)*rowBytes)
	}
	b := img.Bounds()
	if err := checkBounds(b, spec, yend); err != nil {
		return err
	}
	w, nch := spec.Width, spec.NChannels

	for y := ybegin; y < yend; y++ {
		row := src[(y-ybegin)*rowBytes : (y-ybegin+1)*rowBytes]
		iy := y - spec.Y + b.Min.Y

		switch im := img.(type) {
		case *image.Gray:
			copy(im.Pix[im.PixOffset(b.Min.X, iy):], row)
		case *image.Gray16:
			dst := im.Pix[im.PixOffset(b.Min.X, iy):]
			for x := 0; x < w; x++ {
				binary.BigEndian.PutUint16(dst[2*x:], u16at(row[2*x:]))
			}
		case *image.NRGBA:
			dst := im.Pix[im.PixOffset(b.Min.X, iy):]
			if nch == 4 {
				copy(dst[:4*w], row)
			} else {
				for x := 0; x < w; x++ {
					copy(dst[4*x:4*x+3], row[3*x:])
					dst[4*x+3] = 0xff
				}
			}
		case *image.NRGBA64:
			dst := im.Pix[im.PixOffset(b.Min.X, iy):]
			for x := 0; x < w; x++ {
				for c := 0; c < nch; c++ {
					binary.BigEndian.PutUint16(dst[x*8+c*2:], u16at(row[(x*nch+c)*2:]))
				}
				if nch == 3 {
					binary.BigEndian.PutUint16(dst[x*8+6:], 0xffff)
				}
			}
		default:
			genericFromNative(img, spec, iy, row)
		}
	}
	return nil
}

func genericFromNative(img draw.Image, spec *imageio.ImageSpec, iy int, row []byte) {
	b := img.Bounds()
	w, nch := spec.Width, spec.NChannels
	wide := spec.Format == imageio.TypeUInt16
	for x := 0; x < w; x++ {
		var s [4]uint16
		for c := 0; c < nch; c++ {
			if wide {
				s[c] = u16at(row[(x*nch+c)*2:])
			} else {
				v := row[x*nch+c]
				s[c] = uint16(v)<<8 | uint16(v)
			}
		}
		var px color.Color
		switch nch {
		case 1:
			px = color.Gray16{Y: s[0]}
		case 3:
			px = color.NRGBA64{R: s[0], G: s[1], B: s[2], A: 0xffff}
		default:
			px = color.NRGBA64{R: s[0], G: s[1], B: s[2], A: s[3]}
		}
		img.Set(b.Min.X+x, iy, px)
	}
}
