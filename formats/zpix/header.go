package zpix

import (
	"github.com/mrjoshuak/go-imageio/imageio"
	"github.com/mrjoshuak/go-imageio/internal/binio"
)

// Attribute value type tags.
const (
	tagInt uint8 = 1 + iota
	tagFloat32
	tagFloat64
	tagString
	tagBool
	tagIntSlice
	tagFloat32Slice
	tagStringSlice
	tagByteSlice
)

// subHeader is the decoded form of one subimage header. It carries the
// level-0 spec plus the container fields that live outside ImageSpec.
type subHeader struct {
	spec      imageio.ImageSpec
	comp      uint8
	miplevels int
}

// checkSpec validates a level-0 spec against the container's limits.
// It is shared by the sink (user-supplied specs) and the header
// decoder (untrusted file data).
func checkSpec(s *imageio.ImageSpec, miplevels int) error {
	if s.Width < 1 || s.Height < 1 || s.Depth < 1 ||
		s.Width > maxDim || s.Height > maxDim || s.Depth > maxDim {
		return errf("invalid data window %dx%dx%d", s.Width, s.Height, s.Depth)
	}
	if s.FullWidth < 1 || s.FullHeight < 1 || s.FullDepth < 1 ||
		s.FullWidth > maxDim || s.FullHeight > maxDim || s.FullDepth > maxDim {
		return errf("invalid display window %dx%dx%d", s.FullWidth, s.FullHeight, s.FullDepth)
	}
	if s.NChannels < 1 || s.NChannels > maxChannels {
		return errf("invalid channel count %d", s.NChannels)
	}
	if !s.Format.Valid() {
		return errf("invalid pixel format %d", s.Format)
	}
	for _, f := range s.ChannelFormats {
		if !f.Valid() {
			return errf("invalid channel format %d", f)
		}
	}
	if s.ChannelFormats != nil && len(s.ChannelFormats) != s.NChannels {
		return errf("have %d channel formats, want %d", len(s.ChannelFormats), s.NChannels)
	}
	if s.AlphaChannel < -1 || s.AlphaChannel >= s.NChannels ||
		s.ZChannel < -1 || s.ZChannel >= s.NChannels {
		return errf("channel index out of range")
	}
	if s.Tiled() {
		if s.TileWidth > maxTileDim || s.TileHeight > maxTileDim || s.TileDepth > maxTileDim {
			return errf("invalid tile size %dx%dx%d", s.TileWidth, s.TileHeight, s.TileDepth)
		}
	} else {
		if s.TileWidth != 0 || s.TileHeight != 0 || s.TileDepth != 0 {
			return errf("partial tile size %dx%dx%d", s.TileWidth, s.TileHeight, s.TileDepth)
		}
		if s.Depth > 1 {
			return errf("volumetric images must be tiled")
		}
	}
	if miplevels < 1 || miplevels > maxMiplevels || miplevels > maxLevels(s.Width, s.Height, s.Depth) {
		return errf("invalid mip level count %d", miplevels)
	}
	if s.Deep {
		if s.Tiled() {
			return errf("deep images must be scanline")
		}
		if miplevels != 1 {
			return errf("deep images cannot be mipmapped")
		}
	}
	return nil
}

func encodeHeader(h *subHeader) ([]byte, error) {
	s := &h.spec
	w := binio.NewWriter(128 + 24*s.NChannels)

	w.Int32(int32(s.X))
	w.Int32(int32(s.Y))
	w.Int32(int32(s.Z))
	w.Uint32(uint32(s.Width))
	w.Uint32(uint32(s.Height))
	w.Uint32(uint32(s.Depth))
	w.Int32(int32(s.FullX))
	w.Int32(int32(s.FullY))
	w.Int32(int32(s.FullZ))
	w.Uint32(uint32(s.FullWidth))
	w.Uint32(uint32(s.FullHeight))
	w.Uint32(uint32(s.FullDepth))
	w.Uint16(uint16(s.TileWidth))
	w.Uint16(uint16(s.TileHeight))
	w.Uint16(uint16(s.TileDepth))
	w.Uint8(uint8(s.Format))

	var flags uint8
	if s.Deep {
		flags |= flagDeep
	}
	if s.ChannelFormats != nil {
		flags |= flagChannelFormats
	}
	w.Uint8(flags)

	w.Uint16(uint16(s.NChannels))
	if s.ChannelFormats != nil {
		for _, f := range s.ChannelFormats {
			w.Uint8(uint8(f))
		}
	}
	for c := 0; c < s.NChannels; c++ {
		w.String(s.ChannelName(c))
	}
	w.Int32(int32(s.AlphaChannel))
	w.Int32(int32(s.ZChannel))
	w.Uint16(uint16(h.miplevels))
	w.Uint8(h.comp)

	attrs := s.Attribs
	if len(attrs) > maxAttribs {
		return nil, errf("too many attributes (%d)", len(attrs))
	}
	w.Uint16(uint16(len(attrs)))
	for i := range attrs {
		if err := encodeAttr(w, &attrs[i]); err != nil {
			return nil, err
		}
	}
	if err := w.Err(); err != nil {
		return nil, errf("encode header: %w", err)
	}
	return w.Bytes(), nil
}

func encodeAttr(w *binio.Writer, pv *imageio.ParamValue) error {
	w.String(pv.Name)
	switch v := pv.Value.(type) {
	case int:
		w.Uint8(tagInt)
		w.Int64(int64(v))
	case float32:
		w.Uint8(tagFloat32)
		w.Float32(v)
	case float64:
		w.Uint8(tagFloat64)
		w.Float64(v)
	case string:
		w.Uint8(tagString)
		w.String(v)
	case bool:
		w.Uint8(tagBool)
		if v {
			w.Uint8(1)
		} else {
			w.Uint8(0)
		}
	case []int:
		w.Uint8(tagIntSlice)
		w.Uint32(uint32(len(v)))
		for _, e := range v {
			w.Int64(int64(e))
		}
	case []float32:
		w.Uint8(tagFloat32Slice)
		w.Uint32(uint32(len(v)))
		for _, e := range v {
			w.Float32(e)
		}
	case []string:
		w.Uint8(tagStringSlice)
		w.Uint32(uint32(len(v)))
		for _, e := range v {
			w.String(e)
		}
	case []byte:
		w.Uint8(tagByteSlice)
		w.Uint32(uint32(len(v)))
		w.Raw(v)
	default:
		return errf("attribute %q has unsupported type %T", pv.Name, pv.Value)
	}
	return nil
}

func decodeHeader(data []byte) (*subHeader, error) {
	r := binio.NewReader(data)
	h := &subHeader{}
	s := &h.spec

	var derr error
	i32 := func() int {
		v, err := r.Int32()
		if err != nil && derr == nil {
			derr = err
		}
		return int(v)
	}
	u32 := func() int {
		v, err := r.Uint32()
		if err != nil && derr == nil {
			derr = err
		}
		return int(v)
	}
	u16 := func() int {
		v, err := r.Uint16()
		if err != nil && derr == nil {
			derr = err
		}
		return int(v)
	}
	u8 := func() uint8 {
		v, err := r.Uint8()
		if err != nil && derr == nil {
			derr = err
		}
		return v
	}

	s.X, s.Y, s.Z = i32(), i32(), i32()
	s.Width, s.Height, s.Depth = u32(), u32(), u32()
	s.FullX, s.FullY, s.FullZ = i32(), i32(), i32()
	s.FullWidth, s.FullHeight, s.FullDepth = u32(), u32(), u32()
	s.TileWidth, s.TileHeight, s.TileDepth = u16(), u16(), u16()
	s.Format = imageio.BaseType(u8())

	flags := u8()
	s.Deep = flags&flagDeep != 0

	s.NChannels = u16()
	if derr != nil {
		return nil, errf("decode header: %w", derr)
	}
	if s.NChannels < 1 || s.NChannels > maxChannels {
		return nil, errf("invalid channel count %d", s.NChannels)
	}
	if flags&flagChannelFormats != 0 {
		s.ChannelFormats = make([]imageio.BaseType, s.NChannels)
		for c := range s.ChannelFormats {
			s.ChannelFormats[c] = imageio.BaseType(u8())
		}
	}
	s.ChannelNames = make([]string, s.NChannels)
	for c := range s.ChannelNames {
		name, err := r.String()
		if err != nil {
			return nil, errf("decode header: %w", err)
		}
		if len(name) > maxNameLen {
			return nil, errf("channel name too long")
		}
		s.ChannelNames[c] = name
	}
	s.AlphaChannel = i32()
	s.ZChannel = i32()
	h.miplevels = u16()
	h.comp = u8()

	nattr := u16()
	if derr != nil {
		return nil, errf("decode header: %w", derr)
	}
	if nattr > maxAttribs {
		return nil, errf("too many attributes (%d)", nattr)
	}
	for i := 0; i < nattr; i++ {
		pv, err := decodeAttr(r)
		if err != nil {
			return nil, err
		}
		s.Attribs = append(s.Attribs, pv)
	}

	if h.comp > compZstd {
		return nil, errf("unknown compression id %d", h.comp)
	}
	if err := checkSpec(s, h.miplevels); err != nil {
		return nil, err
	}
	return h, nil
}

func decodeAttr(r *binio.Reader) (imageio.ParamValue, error) {
	var pv imageio.ParamValue
	name, err := r.String()
	if err != nil {
		return pv, errf("decode attribute: %w", err)
	}
	if len(name) > maxNameLen {
		return pv, errf("attribute name too long")
	}
	pv.Name = name
	tag, err := r.Uint8()
	if err != nil {
		return pv, errf("decode attribute %q: %w", name, err)
	}

	// Slice counts are bounded by the remaining payload so a corrupt
	// count cannot force a huge allocation.
	count := func(elemSize int) (int, error) {
		n, err := r.Uint32()
		if err != nil {
			return 0, err
		}
		if elemSize > 0 && int(n) > r.Len()/elemSize {
			return 0, binio.ErrShortBuffer
		}
		return int(n), nil
	}

	switch tag {
	case tagInt:
		v, e := r.Int64()
		pv.Value, err = int(v), e
	case tagFloat32:
		pv.Value, err = r.Float32()
	case tagFloat64:
		pv.Value, err = r.Float64()
	case tagString:
		pv.Value, err = r.String()
	case tagBool:
		b, e := r.Uint8()
		pv.Value, err = b != 0, e
	case tagIntSlice:
		n, e := count(8)
		if e != nil {
			err = e
			break
		}
		v := make([]int, n)
		for i := range v {
			e64, e := r.Int64()
			if e != nil {
				err = e
				break
			}
			v[i] = int(e64)
		}
		pv.Value = v
	case tagFloat32Slice:
		n, e := count(4)
		if e != nil {
			err = e
			break
		}
		v := make([]float32, n)
		for i := range v {
			f, e := r.Float32()
			if e != nil {
				err = e
				break
			}
			v[i] = f
		}
		pv.Value = v
	case tagStringSlice:
		n, e := count(2)
		if e != nil {
			err = e
			break
		}
		v := make([]string, n)
		for i := range v {
			s, e := r.String()
			if e != nil {
				err = e
				break
			}
			v[i] = s
		}
		pv.Value = v
	case tagByteSlice:
		n, e := count(1)
		if e != nil {
			err = e
			break
		}
		pv.Value, err = r.Bytes(n)
	default:
		return pv, errf("attribute %q has unknown type tag %d", name, tag)
	}
	if err != nil {
		return pv, errf("decode attribute %q: %w", name, err)
	}
	return pv, nil
}
