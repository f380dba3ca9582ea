package imageio

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// Shared errors across the package.
var (
	// ErrNotInitialized is returned by operations that need pixels or a
	// spec on a buffer that has neither.
	ErrNotInitialized = errors.New("imageio: buffer not initialized")

	// ErrReadOnly is returned when mutating a read-only external buffer.
	ErrReadOnly = errors.New("imageio: buffer is read-only")

	// ErrNoSuchChannel is returned for channel indices or names outside
	// the spec's channel list.
	ErrNoSuchChannel = errors.New("imageio: no such channel")

	// ErrNotDeep is returned by deep accessors on flat images.
	ErrNotDeep = errors.New("imageio: image has no deep samples")

	// ErrDeep is returned by flat-pixel operations on deep images.
	ErrDeep = errors.New("imageio: operation not defined for deep images")

	// ErrBadFormat is returned when no registered format can handle a file.
	ErrBadFormat = errors.New("imageio: no format found for file")

	// ErrUnsupported is returned for operations a format cannot perform.
	ErrUnsupported = errors.New("imageio: operation not supported by format")

	// ErrOutOfRange is returned for subimage, miplevel, tile or region
	// arguments outside the image.
	ErrOutOfRange = errors.New("imageio: argument out of range")

	// ErrSpecLimit is returned when an image declares dimensions past
	// the configured ceilings before any allocation happens.
	ErrSpecLimit = errors.New("imageio: image exceeds configured size limits")

	// ErrClosed is returned when using an Input or Output after Close.
	ErrClosed = errors.New("imageio: closed")
)

// FormatError wraps a failure inside a format plugin with the format
// name and operation for context.
type FormatError struct {
	Format string
	Op     string
	Err    error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("imageio: %s %s: %v", e.Format, e.Op, e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

// Reasonable ceilings for hostile-input rejection; adjustable at runtime.
const (
	defaultMaxImageBytes = int64(32) << 30 // 32 GiB of pixel data
	defaultMaxChannels   = 1024
)

var (
	maxImageBytes atomic.Int64
	maxChannels   atomic.Int64
)

func init() {
	maxImageBytes.Store(defaultMaxImageBytes)
	maxChannels.Store(defaultMaxChannels)
}

// SetMaxImageBytes caps the uncompressed pixel size an Input or Output
// will agree to transfer. Values <= 0 restore the default.
func SetMaxImageBytes(n int64) {
	if n <= 0 {
		n = defaultMaxImageBytes
	}
	maxImageBytes.Store(n)
}

// MaxImageBytes returns the current transfer ceiling.
func MaxImageBytes() int64 { return maxImageBytes.Load() }

// SetMaxChannels caps the channel count accepted from files.
// Values <= 0 restore the default.
func SetMaxChannels(n int) {
	if n <= 0 {
		n = defaultMaxChannels
	}
	maxChannels.Store(int64(n))
}

// MaxChannels returns the current channel ceiling.
func MaxChannels() int { return int(maxChannels.Load()) }

// checkSpecLimits rejects specs describing non-positive or oversized
// images before anything is allocated for them.
func checkSpecLimits(s *ImageSpec) error {
	if s.Width < 1 || s.Height < 1 || s.NChannels < 1 {
		return fmt.Errorf("%w: %dx%d with %d channels",
			ErrSpecLimit, s.Width, s.Height, s.NChannels)
	}
	if s.NChannels > MaxChannels() {
		return fmt.Errorf("%w: %d channels (limit %d)",
			ErrSpecLimit, s.NChannels, MaxChannels())
	}
	if n := int64(s.ImagePixels()) * int64(s.PixelBytes(true)); n > MaxImageBytes() {
		return fmt.Errorf("%w: %d bytes of pixels (limit %d)",
			ErrSpecLimit, n, MaxImageBytes())
	}
	return nil
}
