package imageio

import "github.com/mrjoshuak/go-imageio/half"

// DeepData holds deep pixel storage: a varying number of samples per
// pixel, each sample carrying one value per channel. Samples are
// stored flat per channel and addressed through a cumulative per-pixel
// offset table kept in sample units, so appending or erasing samples
// shifts only the affected channel bytes.
type DeepData struct {
	npixels  int
	chantype []BaseType
	nsamples []uint32
	offsets  []int    // len npixels+1; offsets[p] is the first sample index of pixel p
	data     [][]byte // per channel; len = TotalSamples * channel size
}

// NewDeepData allocates deep storage shaped by spec: one slot per
// pixel of the data window, channel types from the spec's per-channel
// formats. All pixels start with zero samples.
func NewDeepData(spec *ImageSpec) (*DeepData, error) {
	if !spec.Deep {
		return nil, ErrNotDeep
	}
	types := make([]BaseType, spec.NChannels)
	for c := range types {
		types[c] = spec.ChannelFormat(c)
	}
	dd := &DeepData{}
	if err := dd.Init(spec.ImagePixels(), types); err != nil {
		return nil, err
	}
	return dd, nil
}

// Init resets dd to npixels pixels with the given channel types and
// zero samples everywhere.
func (dd *DeepData) Init(npixels int, channelTypes []BaseType) error {
	if npixels < 0 || len(channelTypes) == 0 {
		return ErrOutOfRange
	}
	for _, t := range channelTypes {
		if t.Size() == 0 {
			return ErrUnsupported
		}
	}
	dd.npixels = npixels
	dd.chantype = append([]BaseType(nil), channelTypes...)
	dd.nsamples = make([]uint32, npixels)
	dd.offsets = make([]int, npixels+1)
	dd.data = make([][]byte, len(channelTypes))
	return nil
}

// Clear drops all samples but keeps the pixel and channel shape.
func (dd *DeepData) Clear() {
	for p := range dd.nsamples {
		dd.nsamples[p] = 0
	}
	for i := range dd.offsets {
		dd.offsets[i] = 0
	}
	for c := range dd.data {
		dd.data[c] = dd.data[c][:0]
	}
}

// Free releases all storage. The DeepData must be re-initialized
// before reuse.
func (dd *DeepData) Free() {
	*dd = DeepData{}
}

// NumPixels returns the number of pixel slots.
func (dd *DeepData) NumPixels() int { return dd.npixels }

// NumChannels returns the number of channels per sample.
func (dd *DeepData) NumChannels() int { return len(dd.chantype) }

// ChannelType returns the sample type of channel c.
func (dd *DeepData) ChannelType(c int) BaseType {
	if c < 0 || c >= len(dd.chantype) {
		return TypeUnknown
	}
	return dd.chantype[c]
}

// Samples returns the sample count of pixel p, or 0 if p is out of
// range.
func (dd *DeepData) Samples(p int) int {
	if p < 0 || p >= dd.npixels {
		return 0
	}
	return int(dd.nsamples[p])
}

// TotalSamples returns the sample count summed over all pixels.
func (dd *DeepData) TotalSamples() int {
	return dd.offsets[dd.npixels]
}

// AllSampleCounts returns the per-pixel sample counts. The slice is
// live; treat it as read-only.
func (dd *DeepData) AllSampleCounts() []uint32 { return dd.nsamples }

// SetSamples resizes pixel p to n samples. New samples are zeroed;
// shrinking discards samples from the end.
func (dd *DeepData) SetSamples(p, n int) {
	if p < 0 || p >= dd.npixels || n < 0 {
		return
	}
	old := int(dd.nsamples[p])
	if n == old {
		return
	}
	delta := n - old
	end := dd.offsets[p+1]
	for c := range dd.data {
		sz := dd.chantype[c].Size()
		dd.data[c] = spliceBytes(dd.data[c], end*sz, delta*sz)
	}
	dd.nsamples[p] = uint32(n)
	for i := p + 1; i <= dd.npixels; i++ {
		dd.offsets[i] += delta
	}
}

// SetAllSamples sets every pixel's sample count at once, discarding
// existing sample data. It is the fast way to shape a freshly read
// deep image.
func (dd *DeepData) SetAllSamples(counts []uint32) error {
	if len(counts) != dd.npixels {
		return ErrOutOfRange
	}
	copy(dd.nsamples, counts)
	total := 0
	for p, n := range dd.nsamples {
		dd.offsets[p] = total
		total += int(n)
	}
	dd.offsets[dd.npixels] = total
	for c := range dd.data {
		dd.data[c] = make([]byte, total*dd.chantype[c].Size())
	}
	return nil
}

// InsertSamples inserts n zeroed samples into pixel p starting at
// sample position s. s is clamped to the pixel's current count.
func (dd *DeepData) InsertSamples(p, s, n int) {
	if p < 0 || p >= dd.npixels || n <= 0 {
		return
	}
	s = min(max(s, 0), int(dd.nsamples[p]))
	at := dd.offsets[p] + s
	for c := range dd.data {
		sz := dd.chantype[c].Size()
		dd.data[c] = spliceBytes(dd.data[c], at*sz, n*sz)
	}
	dd.nsamples[p] += uint32(n)
	for i := p + 1; i <= dd.npixels; i++ {
		dd.offsets[i] += n
	}
}

// EraseSamples removes up to n samples from pixel p starting at
// sample position s.
func (dd *DeepData) EraseSamples(p, s, n int) {
	if p < 0 || p >= dd.npixels || n <= 0 {
		return
	}
	cur := int(dd.nsamples[p])
	if s < 0 || s >= cur {
		return
	}
	n = min(n, cur-s)
	at := dd.offsets[p] + s
	for c := range dd.data {
		sz := dd.chantype[c].Size()
		dd.data[c] = spliceBytes(dd.data[c], at*sz, -n*sz)
	}
	dd.nsamples[p] -= uint32(n)
	for i := p + 1; i <= dd.npixels; i++ {
		dd.offsets[i] -= n
	}
}

// SampleBytes returns the raw bytes of pixel p's samples in channel c.
// The slice aliases internal storage and is invalidated by any call
// that reshapes sample counts.
func (dd *DeepData) SampleBytes(p, c int) []byte {
	if p < 0 || p >= dd.npixels || c < 0 || c >= len(dd.chantype) {
		return nil
	}
	sz := dd.chantype[c].Size()
	return dd.data[c][dd.offsets[p]*sz : dd.offsets[p+1]*sz]
}

// Float returns sample s of channel c at pixel p as a float32.
// Integer channel values convert by value, not normalized. Out of
// range indices return 0.
func (dd *DeepData) Float(p, c, s int) float32 {
	b := dd.sampleAt(p, c, s)
	if b == nil {
		return 0
	}
	return float32(deepLoad(b, dd.chantype[c]))
}

// SetFloat stores v as sample s of channel c at pixel p. Out of range
// indices are ignored.
func (dd *DeepData) SetFloat(p, c, s int, v float32) {
	if b := dd.sampleAt(p, c, s); b != nil {
		deepStore(b, dd.chantype[c], float64(v))
	}
}

// UInt returns sample s of channel c at pixel p as a uint32.
func (dd *DeepData) UInt(p, c, s int) uint32 {
	b := dd.sampleAt(p, c, s)
	if b == nil {
		return 0
	}
	v := deepLoad(b, dd.chantype[c])
	if v < 0 {
		return 0
	}
	return uint32(min(v, 0xFFFFFFFF))
}

// SetUInt stores v as sample s of channel c at pixel p.
func (dd *DeepData) SetUInt(p, c, s int, v uint32) {
	if b := dd.sampleAt(p, c, s); b != nil {
		deepStore(b, dd.chantype[c], float64(v))
	}
}

// CopyDeepPixel replaces pixel p with pixel srcp of src. The two
// DeepDatas must have identical channel layouts.
func (dd *DeepData) CopyDeepPixel(p int, src *DeepData, srcp int) error {
	if p < 0 || p >= dd.npixels || srcp < 0 || srcp >= src.npixels {
		return ErrOutOfRange
	}
	if !dd.sameLayout(src) {
		return ErrBadFormat
	}
	dd.SetSamples(p, src.Samples(srcp))
	for c := range dd.data {
		copy(dd.SampleBytes(p, c), src.SampleBytes(srcp, c))
	}
	return nil
}

// sameLayout reports whether dd and other share channel count and
// types.
func (dd *DeepData) sameLayout(other *DeepData) bool {
	if len(dd.chantype) != len(other.chantype) {
		return false
	}
	for c, t := range dd.chantype {
		if other.chantype[c] != t {
			return false
		}
	}
	return true
}

// sampleAt returns the bytes of one sample, or nil when any index is
// out of range.
func (dd *DeepData) sampleAt(p, c, s int) []byte {
	if p < 0 || p >= dd.npixels || c < 0 || c >= len(dd.chantype) {
		return nil
	}
	if s < 0 || s >= int(dd.nsamples[p]) {
		return nil
	}
	sz := dd.chantype[c].Size()
	off := (dd.offsets[p] + s) * sz
	return dd.data[c][off : off+sz]
}

// spliceBytes grows (delta > 0, zero filled) or shrinks (delta < 0)
// b at byte position at, preserving the bytes on both sides.
func spliceBytes(b []byte, at, delta int) []byte {
	switch {
	case delta > 0:
		b = append(b, make([]byte, delta)...)
		copy(b[at+delta:], b[at:])
		clear(b[at : at+delta])
	case delta < 0:
		copy(b[at+delta:], b[at:])
		b = b[:len(b)+delta]
	}
	return b
}

// deepLoad reads one sample as its numeric value (no normalization).
func deepLoad(b []byte, t BaseType) float64 {
	switch t {
	case TypeUInt8:
		return float64(b[0])
	case TypeInt8:
		return float64(int8(b[0]))
	case TypeUInt16:
		return float64(nativeU16(b))
	case TypeInt16:
		return float64(int16(nativeU16(b)))
	case TypeUInt32:
		return float64(nativeU32(b))
	case TypeInt32:
		return float64(int32(nativeU32(b)))
	case TypeUInt64:
		return float64(nativeU64(b))
	case TypeInt64:
		return float64(int64(nativeU64(b)))
	case TypeHalf:
		return half.FromBits(nativeU16(b)).Float64()
	case TypeFloat:
		return float64(nativeF32(b))
	case TypeDouble:
		return nativeF64(b)
	}
	return 0
}

// deepStore writes one sample from its numeric value (no
// normalization). Integer targets truncate toward zero.
func deepStore(b []byte, t BaseType, v float64) {
	switch t {
	case TypeUInt8:
		b[0] = uint8(v)
	case TypeInt8:
		b[0] = byte(int8(v))
	case TypeUInt16:
		putNativeU16(b, uint16(v))
	case TypeInt16:
		putNativeU16(b, uint16(int16(v)))
	case TypeUInt32:
		putNativeU32(b, uint32(v))
	case TypeInt32:
		putNativeU32(b, uint32(int32(v)))
	case TypeUInt64:
		putNativeU64(b, uint64(v))
	case TypeInt64:
		putNativeU64(b, uint64(int64(v)))
	case TypeHalf:
		putNativeU16(b, half.FromFloat64(v).Bits())
	case TypeFloat:
		putNativeF32(b, float32(v))
	case TypeDouble:
		putNativeF64(b, v)
	}
}
