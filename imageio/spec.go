package imageio

import "fmt"

// ImageSpec describes the geometry, channel layout, pixel typing and
// metadata of one image (one subimage/miplevel of a file). It is a
// passive value: nothing in it owns pixels.
//
// The data window (X, Y, Z, Width, Height, Depth) bounds the pixels
// that actually exist. The full window (Full*) is the display region,
// which may be larger (overscan) or smaller (crop) than the data
// window; wrap modes are evaluated against it.
type ImageSpec struct {
	// Data window origin and size.
	X, Y, Z             int
	Width, Height, Depth int

	// Full (display) window origin and size.
	FullX, FullY, FullZ                int
	FullWidth, FullHeight, FullDepth int

	// Tile geometry; zero width/height means scanline orientation.
	TileWidth, TileHeight, TileDepth int

	// Format is the pixel data type for every channel unless
	// ChannelFormats overrides per channel.
	Format BaseType

	NChannels      int
	ChannelFormats []BaseType // len 0, or len NChannels
	ChannelNames   []string   // len 0, or len NChannels

	// AlphaChannel and ZChannel index the distinguished channels,
	// -1 when absent.
	AlphaChannel int
	ZChannel     int

	// Deep marks images carrying a variable number of samples per pixel.
	Deep bool

	// Attribs holds open-ended metadata.
	Attribs ParamValueList
}

// NewSpec returns a flat 2D spec with the data and full windows both
// anchored at the origin, default channel names, and depth 1.
func NewSpec(width, height, nchannels int, format BaseType) *ImageSpec {
	s := &ImageSpec{
		Width: width, Height: height, Depth: 1,
		FullWidth: width, FullHeight: height, FullDepth: 1,
		Format:       format,
		NChannels:    nchannels,
		AlphaChannel: -1,
		ZChannel:     -1,
	}
	s.SetDefaultChannelNames()
	return s
}

// NewSpecROI returns a spec whose data and full windows both equal
// the given region.
func NewSpecROI(roi ROI, format BaseType) *ImageSpec {
	s := &ImageSpec{
		X: roi.XBegin, Y: roi.YBegin, Z: roi.ZBegin,
		Width: roi.Width(), Height: roi.Height(), Depth: roi.Depth(),
		FullX: roi.XBegin, FullY: roi.YBegin, FullZ: roi.ZBegin,
		FullWidth: roi.Width(), FullHeight: roi.Height(), FullDepth: roi.Depth(),
		Format:       format,
		NChannels:    roi.NChannels(),
		AlphaChannel: -1,
		ZChannel:     -1,
	}
	s.SetDefaultChannelNames()
	return s
}

// SetDefaultChannelNames assigns R, G, B, A to the first four channels
// and "channel%d" beyond, then locates the alpha and z channels by name.
func (s *ImageSpec) SetDefaultChannelNames() {
	s.ChannelNames = make([]string, s.NChannels)
	rgba := [...]string{"R", "G", "B", "A"}
	for i := 0; i < s.NChannels; i++ {
		if i < len(rgba) {
			s.ChannelNames[i] = rgba[i]
		} else {
			s.ChannelNames[i] = fmt.Sprintf("channel%d", i)
		}
	}
	s.locateSpecialChannels()
}

// locateSpecialChannels finds alpha and z by conventional names.
func (s *ImageSpec) locateSpecialChannels() {
	s.AlphaChannel, s.ZChannel = -1, -1
	for i, n := range s.ChannelNames {
		switch n {
		case "A", "Alpha", "alpha":
			if s.AlphaChannel < 0 {
				s.AlphaChannel = i
			}
		case "Z", "Depth", "depth":
			if s.ZChannel < 0 {
				s.ZChannel = i
			}
		}
	}
}

// Copy returns a deep copy. Attribute values that are slices share
// their backing arrays.
func (s *ImageSpec) Copy() *ImageSpec {
	out := *s
	if len(s.ChannelFormats) > 0 {
		out.ChannelFormats = append([]BaseType(nil), s.ChannelFormats...)
	}
	if len(s.ChannelNames) > 0 {
		out.ChannelNames = append([]string(nil), s.ChannelNames...)
	}
	out.Attribs = s.Attribs.Clone()
	return &out
}

// ChannelFormat returns the data type of channel c, falling back to
// the image-wide Format when no per-channel override exists.
func (s *ImageSpec) ChannelFormat(c int) BaseType {
	if c >= 0 && c < len(s.ChannelFormats) {
		return s.ChannelFormats[c]
	}
	return s.Format
}

// ChannelName returns the name of channel c, or "" when out of range.
func (s *ImageSpec) ChannelName(c int) string {
	if c >= 0 && c < len(s.ChannelNames) {
		return s.ChannelNames[c]
	}
	return ""
}

// ChannelIndex returns the index of the named channel, or -1.
func (s *ImageSpec) ChannelIndex(name string) int {
	for i, n := range s.ChannelNames {
		if n == name {
			return i
		}
	}
	return -1
}

// HomogeneousChannels reports whether every channel stores the same type.
func (s *ImageSpec) HomogeneousChannels() bool {
	for _, f := range s.ChannelFormats {
		if f != s.Format {
			return false
		}
	}
	return true
}

// PixelBytes returns the size of one pixel across all channels.
// With native true, per-channel formats are honored; otherwise every
// channel is assumed to be Format.
func (s *ImageSpec) PixelBytes(native bool) int {
	if !native || len(s.ChannelFormats) == 0 {
		return s.NChannels * s.Format.Size()
	}
	n := 0
	for c := 0; c < s.NChannels; c++ {
		n += s.ChannelFormat(c).Size()
	}
	return n
}

// ChannelBytes returns the native size of channels [chbegin, chend)
// of one pixel.
func (s *ImageSpec) ChannelBytes(chbegin, chend int, native bool) int {
	if !native || len(s.ChannelFormats) == 0 {
		return (chend - chbegin) * s.Format.Size()
	}
	n := 0
	for c := chbegin; c < chend; c++ {
		n += s.ChannelFormat(c).Size()
	}
	return n
}

// ScanlineBytes returns the size of one full-width scanline.
func (s *ImageSpec) ScanlineBytes(native bool) int {
	return s.Width * s.PixelBytes(native)
}

// Tiled reports whether the image is stored in tiles.
func (s *ImageSpec) Tiled() bool {
	return s.TileWidth > 0 && s.TileHeight > 0
}

// TilePixels returns the pixel count of one full tile, 0 when untiled.
func (s *ImageSpec) TilePixels() int {
	if !s.Tiled() {
		return 0
	}
	d := s.TileDepth
	if d == 0 {
		d = 1
	}
	return s.TileWidth * s.TileHeight * d
}

// TileBytes returns the byte size of one full tile, 0 when untiled.
func (s *ImageSpec) TileBytes(native bool) int {
	return s.TilePixels() * s.PixelBytes(native)
}

// ImagePixels returns the pixel count of the data window.
func (s *ImageSpec) ImagePixels() int {
	d := s.Depth
	if d == 0 {
		d = 1
	}
	return s.Width * s.Height * d
}

// ImageBytes returns the byte size of the data window's pixels.
func (s *ImageSpec) ImageBytes(native bool) int {
	return s.ImagePixels() * s.PixelBytes(native)
}

// ROI returns the data window with the full channel range.
func (s *ImageSpec) ROI() ROI {
	d := s.Depth
	if d == 0 {
		d = 1
	}
	return ROI{
		XBegin: s.X, XEnd: s.X + s.Width,
		YBegin: s.Y, YEnd: s.Y + s.Height,
		ZBegin: s.Z, ZEnd: s.Z + d,
		ChBegin: 0, ChEnd: s.NChannels,
	}
}

// ROIFull returns the full (display) window with the full channel range.
func (s *ImageSpec) ROIFull() ROI {
	d := s.FullDepth
	if d == 0 {
		d = 1
	}
	return ROI{
		XBegin: s.FullX, XEnd: s.FullX + s.FullWidth,
		YBegin: s.FullY, YEnd: s.FullY + s.FullHeight,
		ZBegin: s.FullZ, ZEnd: s.FullZ + d,
		ChBegin: 0, ChEnd: s.NChannels,
	}
}

// SetROI moves the data window to match the region (channel range
// is ignored).
func (s *ImageSpec) SetROI(r ROI) {
	s.X, s.Y, s.Z = r.XBegin, r.YBegin, r.ZBegin
	s.Width, s.Height, s.Depth = r.Width(), r.Height(), r.Depth()
}

// SetROIFull moves the full window to match the region.
func (s *ImageSpec) SetROIFull(r ROI) {
	s.FullX, s.FullY, s.FullZ = r.XBegin, r.YBegin, r.ZBegin
	s.FullWidth, s.FullHeight, s.FullDepth = r.Width(), r.Height(), r.Depth()
}

// TileROI returns the region of the tile whose corner indices are
// (tx, ty, tz), clamped to the data window.
func (s *ImageSpec) TileROI(tx, ty, tz int) ROI {
	td := s.TileDepth
	if td == 0 {
		td = 1
	}
	x0 := s.X + tx*s.TileWidth
	y0 := s.Y + ty*s.TileHeight
	z0 := s.Z + tz*td
	d := s.Depth
	if d == 0 {
		d = 1
	}
	return ROI{
		XBegin: x0, XEnd: min(x0+s.TileWidth, s.X+s.Width),
		YBegin: y0, YEnd: min(y0+s.TileHeight, s.Y+s.Height),
		ZBegin: z0, ZEnd: min(z0+td, s.Z+d),
		ChBegin: 0, ChEnd: s.NChannels,
	}
}

// NTilesX returns the number of tile columns covering the data window.
func (s *ImageSpec) NTilesX() int {
	if !s.Tiled() {
		return 0
	}
	return (s.Width + s.TileWidth - 1) / s.TileWidth
}

// NTilesY returns the number of tile rows covering the data window.
func (s *ImageSpec) NTilesY() int {
	if !s.Tiled() {
		return 0
	}
	return (s.Height + s.TileHeight - 1) / s.TileHeight
}

// NTilesZ returns the number of tile slices covering the data window.
func (s *ImageSpec) NTilesZ() int {
	if !s.Tiled() {
		return 0
	}
	td := s.TileDepth
	if td == 0 {
		td = 1
	}
	d := s.Depth
	if d == 0 {
		d = 1
	}
	return (d + td - 1) / td
}

// Attribute stores a metadata entry.
func (s *ImageSpec) Attribute(name string, value any) {
	s.Attribs.Set(name, value)
}

// AttribInt fetches an integer attribute with a default.
func (s *ImageSpec) AttribInt(name string, def int) int {
	return s.Attribs.GetInt(name, def)
}

// AttribFloat fetches a float attribute with a default.
func (s *ImageSpec) AttribFloat(name string, def float32) float32 {
	return s.Attribs.GetFloat(name, def)
}

// AttribString fetches a string attribute with a default.
func (s *ImageSpec) AttribString(name string, def string) string {
	return s.Attribs.GetString(name, def)
}
