// Package zpix implements the zpix image container, the native
// on-disk format of this library.
//
// A zpix file is a little-endian container holding one or more
// subimages, each with an optional mipmap chain. The layout is
//
//	magic "zPIX" | version | subimage count
//	one length-prefixed header per subimage
//	one chunk offset table per subimage and mip level
//	chunks, in any order
//
// Chunks are either full-width strips of up to 16 scanlines or single
// whole tiles. Each chunk payload is the raw native pixel data, run
// through a byte-plane delta filter and then the subimage's codec
// (none, zlib or zstd). Offset tables are written as zeros when the
// file is created and patched with the real chunk positions when the
// sink is closed, so readers can seek to any chunk directly.
//
// Deep subimages are scanline-only and single-level; their chunks
// carry a sample-count section followed by the packed sample data.
//
// Sample payloads are stored in host byte order and the container is
// specified little endian; big-endian hosts are not supported.
package zpix

import (
	"fmt"

	"github.com/mrjoshuak/go-imageio/imageio"
)

// FormatName is the registered name of the format.
const FormatName = "zpix"

const (
	magic   = "zPIX"
	version = 1

	// rowsPerStrip is the strip height of scanline subimages. Every
	// strip except the last covers exactly this many rows.
	rowsPerStrip = 16
)

// Compression codecs, stored per subimage.
const (
	compNone uint8 = iota
	compZlib
	compZstd
)

// Header flag bits.
const (
	flagDeep           = 1 << 0
	flagChannelFormats = 1 << 1
)

// Sanity bounds applied when parsing headers, so a corrupt or hostile
// file fails cleanly instead of provoking huge allocations.
const (
	maxDim       = 1 << 20
	maxTileDim   = 1<<16 - 1 // tile extents are stored as uint16
	maxChannels  = 4096
	maxMiplevels = 32
	maxAttribs   = 4096
	maxNameLen   = 1 << 12
	maxSubimages = 1 << 12
)

func init() {
	imageio.RegisterFormat(&imageio.Format{
		Name:       FormatName,
		Extensions: []string{"zpix", "zpx"},
		Sniff:      sniff,
		OpenSource: openSource,
		CreateSink: createSink,
	})
}

func sniff(b []byte) bool {
	return len(b) >= 4 && string(b[:4]) == magic
}

func errf(format string, args ...any) error {
	return fmt.Errorf("zpix: "+format, args...)
}

// compName maps attribute strings to codec ids. "zip" is accepted as
// an alias for zlib.
func compFromName(name string) (uint8, error) {
	switch name {
	case "none":
		return compNone, nil
	case "zlib", "zip":
		return compZlib, nil
	case "zstd":
		return compZstd, nil
	}
	return 0, errf("unknown compression %q", name)
}

func compName(comp uint8) string {
	switch comp {
	case compNone:
		return "none"
	case compZlib:
		return "zlib"
	case compZstd:
		return "zstd"
	}
	return "unknown"
}

// mipDim halves a level-0 extent once per level, never below one.
func mipDim(n, level int) int {
	for ; level > 0 && n > 1; level-- {
		n >>= 1
	}
	if n < 1 {
		return 1
	}
	return n
}

// maxLevels returns the length of the full mip chain for the given
// level-0 extents, counting level 0.
func maxLevels(w, h, d int) int {
	n := 1
	for w > 1 || h > 1 || d > 1 {
		w = mipDim(w, 1)
		h = mipDim(h, 1)
		d = mipDim(d, 1)
		n++
	}
	return n
}

// mipSpec derives the spec of one mip level from the level-0 spec.
// Deriving level 0 returns a plain copy. Reduced levels keep the data
// window origin and shrink the extents; the display window collapses
// onto the data window.
func mipSpec(base *imageio.ImageSpec, level int) *imageio.ImageSpec {
	s := base.Copy()
	if level == 0 {
		return s
	}
	s.Width = mipDim(base.Width, level)
	s.Height = mipDim(base.Height, level)
	s.Depth = mipDim(base.Depth, level)
	s.FullX, s.FullY, s.FullZ = s.X, s.Y, s.Z
	s.FullWidth, s.FullHeight, s.FullDepth = s.Width, s.Height, s.Depth
	return s
}

// numStrips returns the scanline chunk count of one level.
func numStrips(s *imageio.ImageSpec) int {
	return (s.Height + rowsPerStrip - 1) / rowsPerStrip
}

// numChunks returns the chunk count of one level, tiled or scanline.
func numChunks(s *imageio.ImageSpec) int {
	if s.Tiled() {
		return s.NTilesX() * s.NTilesY() * s.NTilesZ()
	}
	return numStrips(s)
}

// stripSpan returns the y range of strip i as absolute coordinates.
func stripSpan(s *imageio.ImageSpec, i int) (ybegin, yend int) {
	ybegin = s.Y + i*rowsPerStrip
	yend = ybegin + rowsPerStrip
	if max := s.Y + s.Height; yend > max {
		yend = max
	}
	return ybegin, yend
}
