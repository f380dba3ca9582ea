package imageio

import (
	"io"
	"sort"
	"strings"
	"sync"
)

// Feature names for NativeSource.Supports and NativeSink.Supports.
const (
	FeatureTiles        = "tiles"
	FeatureMipmap       = "mipmap"
	FeatureMultiImage   = "multiimage"
	FeatureDeepData     = "deepdata"
	FeatureRandomAccess = "random_access"
	FeatureAppend       = "appendsubimage"
	FeaturePerChannel   = "channelformats"
)

// NativeSource is the reading half of a format plugin. It hands out
// pixels in the file's native channel types; all layout and type
// conversion happens above it in the transfer pipeline.
//
// Scanline reads cover [ybegin, yend) full-width rows of the data
// window, tightly packed. Tile reads fill one full tile-sized buffer;
// tiles that overhang the data window are zero padded. Implementations
// must be safe for concurrent reads if they report
// FeatureRandomAccess.
type NativeSource interface {
	// NumSubimages returns the number of subimages in the file.
	NumSubimages() int

	// NumMiplevels returns the number of mip levels of a subimage.
	NumMiplevels(subimage int) int

	// Spec returns the image spec of one subimage/miplevel. The
	// returned spec is owned by the source; callers must copy before
	// mutating.
	Spec(subimage, miplevel int) (*ImageSpec, error)

	// ReadNativeScanlines reads rows [ybegin, yend) of the data
	// window into dst, packed native pixels, full data-window width.
	ReadNativeScanlines(subimage, miplevel, ybegin, yend int, dst []byte) error

	// ReadNativeTile reads the tile whose upper-left corner is
	// (x, y, z) into dst. The corner must be tile aligned relative to
	// the data window origin. dst holds one full tile.
	ReadNativeTile(subimage, miplevel, x, y, z int, dst []byte) error

	// Supports reports whether the source implements an optional
	// feature.
	Supports(feature string) bool

	// Close releases the underlying file or reader.
	Close() error
}

// NativeSink is the writing half of a format plugin, symmetric to
// NativeSource. Subimages must be written in order; within a scanline
// subimage rows must arrive in increasing y.
type NativeSink interface {
	// Spec returns the spec of one subimage/miplevel, derived from the
	// specs the sink was created with.
	Spec(subimage, miplevel int) (*ImageSpec, error)

	// WriteNativeScanlines writes rows [ybegin, yend) of the data
	// window from src, packed native pixels, full data-window width.
	WriteNativeScanlines(subimage, miplevel, ybegin, yend int, src []byte) error

	// WriteNativeTile writes one full tile whose upper-left corner is
	// (x, y, z), tile aligned relative to the data window origin.
	WriteNativeTile(subimage, miplevel, x, y, z int, src []byte) error

	// Supports reports whether the sink implements an optional
	// feature.
	Supports(feature string) bool

	// Close finalizes the file. A sink that is closed before all
	// declared subimages are written produces an incomplete file and
	// returns an error.
	Close() error
}

// DeepSource is implemented by sources that can read deep pixel data.
type DeepSource interface {
	// ReadNativeDeep reads an entire deep subimage/miplevel into dd,
	// shaping its sample counts.
	ReadNativeDeep(subimage, miplevel int, dd *DeepData) error
}

// DeepSink is implemented by sinks that can write deep pixel data.
type DeepSink interface {
	// WriteNativeDeep writes an entire deep subimage/miplevel from dd.
	WriteNativeDeep(subimage, miplevel int, dd *DeepData) error
}

// Format describes one registered file format plugin.
type Format struct {
	// Name is the short format name ("zpix", "jp2k", "gtiff").
	Name string

	// Extensions lists the file extensions the format claims, without
	// the leading dot, lower case.
	Extensions []string

	// Sniff reports whether the byte prefix of a file looks like this
	// format. The prefix holds at least SniffLen bytes unless the
	// file itself is shorter.
	Sniff func(prefix []byte) bool

	// OpenSource opens a source over r, which holds size bytes.
	OpenSource func(r io.ReaderAt, size int64) (NativeSource, error)

	// CreateSink creates a sink writing to w, one spec per subimage.
	CreateSink func(w io.WriteSeeker, specs []ImageSpec) (NativeSink, error)
}

// SniffLen is how many leading bytes Open reads for format detection.
const SniffLen = 32

// TileRef is one cached tile held by a TileCache. The pixel data is
// one full tile in the file's native format; tiles overhanging the
// data window are zero padded.
type TileRef interface {
	// Pixels returns the tile's packed native pixels. The slice is
	// valid until the ref is released.
	Pixels() []byte

	// Format returns the pixel type the tile is stored in.
	Format() BaseType

	// ROI returns the tile's nominal bounds: always full tile sized,
	// aligned to the tile grid, possibly overhanging the data window.
	ROI() ROI

	// Channels returns the channel count of the tile's pixels.
	Channels() int
}

// TileCache provides shared, memory-bounded access to tiles of named
// image files. ImageBuf uses it for cache-backed storage; iterators
// hold one tile ref at a time while traversing.
type TileCache interface {
	// AcquireTile pins and returns the tile containing pixel
	// (x, y, z). The coordinates need not be tile aligned.
	AcquireTile(name string, subimage, miplevel, x, y, z int) (TileRef, error)

	// ReleaseTile unpins a tile obtained from AcquireTile.
	ReleaseTile(t TileRef)

	// ImageSpec returns the spec of a subimage/miplevel of a named
	// file, reading its header on first use.
	ImageSpec(name string, subimage, miplevel int) (*ImageSpec, error)

	// Invalidate drops cached state for a named file: unconditionally
	// when force is true, otherwise only when the file changed on disk
	// since it was opened. Tiles pinned at the time stay readable
	// until released.
	Invalidate(name string, force bool)
}

var (
	formatMu   sync.RWMutex
	formats    = map[string]*Format{}
	extFormats = map[string]*Format{}
)

// RegisterFormat makes a format available to Open and Create. It is
// typically called from a plugin package's init function. Registering
// two formats with the same name panics.
func RegisterFormat(f *Format) {
	if f == nil || f.Name == "" {
		panic("imageio: RegisterFormat with empty format")
	}
	formatMu.Lock()
	defer formatMu.Unlock()
	if _, dup := formats[f.Name]; dup {
		panic("imageio: RegisterFormat called twice for " + f.Name)
	}
	formats[f.Name] = f
	for _, ext := range f.Extensions {
		extFormats[strings.ToLower(ext)] = f
	}
}

// FormatNames returns the registered format names, sorted.
func FormatNames() []string {
	formatMu.RLock()
	defer formatMu.RUnlock()
	names := make([]string, 0, len(formats))
	for name := range formats {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FormatByName returns a registered format, or nil.
func FormatByName(name string) *Format {
	formatMu.RLock()
	defer formatMu.RUnlock()
	return formats[name]
}

// formatForPath returns the format claiming the path's extension, or
// nil.
func formatForPath(path string) *Format {
	dot := strings.LastIndexByte(path, '.')
	if dot < 0 || dot == len(path)-1 {
		return nil
	}
	formatMu.RLock()
	defer formatMu.RUnlock()
	return extFormats[strings.ToLower(path[dot+1:])]
}

// sniffFormat returns the first registered format whose Sniff accepts
// the prefix. preferred is tried first so extension hints win ties.
func sniffFormat(prefix []byte, preferred *Format) *Format {
	if preferred != nil && preferred.Sniff != nil && preferred.Sniff(prefix) {
		return preferred
	}
	formatMu.RLock()
	defer formatMu.RUnlock()
	for _, name := range sortedFormatNamesLocked() {
		f := formats[name]
		if f != preferred && f.Sniff != nil && f.Sniff(prefix) {
			return f
		}
	}
	return nil
}

func sortedFormatNamesLocked() []string {
	names := make([]string, 0, len(formats))
	for name := range formats {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
