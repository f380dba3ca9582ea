// Package imageio reads, writes, and manipulates multi-channel raster
// images. Format plugins expose pixels in their file-native types; a
// shared transfer pipeline converts between native and caller layouts.
// ImageBuf wraps images in a container whose pixels may be owned
// locally, wrap application memory, or stay resident in a shared tile
// cache, and iterators traverse pixels with configurable
// out-of-bounds behavior.
package imageio

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Storage identifies who owns an ImageBuf's pixels.
type Storage uint8

const (
	// StorageUninitialized means the buffer holds no pixels yet.
	StorageUninitialized Storage = iota

	// StorageLocal means the buffer owns an allocated pixel block.
	StorageLocal

	// StorageApp means the buffer wraps caller-owned memory.
	StorageApp

	// StorageCache means pixels live in a shared tile cache and are
	// fetched on demand. Cache-backed buffers are read only until
	// promoted with MakeWritable.
	StorageCache
)

var storageNames = [...]string{"uninitialized", "local", "app", "cache"}

func (s Storage) String() string {
	if int(s) < len(storageNames) {
		return storageNames[s]
	}
	return fmt.Sprintf("Storage(%d)", uint8(s))
}

// ImageBuf holds an image: a spec describing its geometry and channels
// plus pixel storage that may be locally owned, wrapped caller memory,
// or backed by a shared tile cache. File-bound buffers resolve their
// spec and pixels lazily on first use.
//
// Lazy resolution and storage transitions are safe for concurrent
// callers. Concurrent mutation of pixel values is the caller's
// responsibility, as with any slice.
type ImageBuf struct {
	mu          sync.Mutex
	specValid   atomic.Bool
	pixelsValid atomic.Bool

	name       string
	subimage   int
	miplevel   int
	nsubimages int
	nmiplevels int

	storage    Storage
	readonly   bool // app storage that must not be written
	spec       ImageSpec
	nativeSpec ImageSpec

	pixels  []byte
	xstride int
	ystride int
	zstride int

	cache TileCache
	deep  *DeepData

	fileChannels int      // channel count of the bound file
	readConvert  BaseType // requested local type for lazy reads
	readChBegin  int      // channel range of the last read
	readChEnd    int      // 0 until a read happens

	writeFormat   BaseType
	writeTilesSet bool
	writeTileW    int
	writeTileH    int
	writeTileD    int

	errMu   sync.Mutex
	lastErr error
}

// NewImageBuf returns an uninitialized buffer.
func NewImageBuf() *ImageBuf {
	return &ImageBuf{}
}

// NewImageBufSpec returns a buffer owning zeroed local pixels shaped
// by spec. The spec must pass the global limit checks.
func NewImageBufSpec(spec *ImageSpec) (*ImageBuf, error) {
	b := &ImageBuf{}
	if err := b.ResetSpec(spec); err != nil {
		return nil, err
	}
	return b, nil
}

// NewImageBufFile returns a buffer bound to a subimage/miplevel of the
// named file. No I/O happens until the spec or pixels are first
// needed. If cache is non-nil, pixel access is served tile by tile
// from the cache; otherwise the whole image is read into local
// storage on first pixel access.
func NewImageBufFile(name string, subimage, miplevel int, cache TileCache) *ImageBuf {
	b := &ImageBuf{}
	b.ResetFile(name, subimage, miplevel, cache)
	return b
}

// WrapBuffer returns a buffer whose pixels alias caller-owned memory.
// Strides follow TransferOptions conventions (0 = contiguous). The
// buffer is writable; writes mutate the caller's memory.
func WrapBuffer(spec *ImageSpec, pixels []byte, xStride, yStride, zStride int) (*ImageBuf, error) {
	b := &ImageBuf{}
	if err := b.ResetBuffer(spec, pixels, xStride, yStride, zStride); err != nil {
		return nil, err
	}
	return b, nil
}

// WrapBufferReadOnly is WrapBuffer for memory that must not be
// mutated. Writing operations fail with ErrReadOnly and MakeWritable
// does not promote.
func WrapBufferReadOnly(spec *ImageSpec, pixels []byte, xStride, yStride, zStride int) (*ImageBuf, error) {
	b, err := WrapBuffer(spec, pixels, xStride, yStride, zStride)
	if err != nil {
		return nil, err
	}
	b.readonly = true
	return b, nil
}

// ResetSpec reinitializes the buffer to own zeroed local pixels shaped
// by spec. On failure the buffer is left uninitialized.
func (b *ImageBuf) ResetSpec(spec *ImageSpec) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetLocked()
	if err := checkSpecLimits(spec); err != nil {
		return b.seterr(err)
	}
	s := spec.Copy()
	s.ChannelFormats = nil // local pixels are a single format
	b.spec = *s
	b.nativeSpec = *spec.Copy()
	if spec.Deep {
		dd, err := NewDeepData(s)
		if err != nil {
			b.resetLocked()
			return b.seterr(err)
		}
		b.deep = dd
	} else {
		b.pixels = make([]byte, s.ImageBytes(false))
		b.setLocalStrides()
	}
	b.storage = StorageLocal
	b.specValid.Store(true)
	b.pixelsValid.Store(true)
	return nil
}

// ResetFile reinitializes the buffer as a lazy binding to a file.
func (b *ImageBuf) ResetFile(name string, subimage, miplevel int, cache TileCache) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetLocked()
	b.name = name
	b.subimage = subimage
	b.miplevel = miplevel
	b.cache = cache
}

// ResetBuffer reinitializes the buffer around caller-owned memory.
func (b *ImageBuf) ResetBuffer(spec *ImageSpec, pixels []byte, xStride, yStride, zStride int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetLocked()
	if err := checkSpecLimits(spec); err != nil {
		return b.seterr(err)
	}
	if spec.Deep {
		return b.seterr(ErrDeep)
	}
	if len(spec.ChannelFormats) > 0 && !spec.HomogeneousChannels() {
		return b.seterr(ErrUnsupported)
	}
	xs, ys, zs := autoStride(xStride, yStride, zStride, spec.Format, spec.NChannels,
		spec.Width, spec.Height)
	if xs < 0 || ys < 0 || zs < 0 {
		return b.seterr(ErrUnsupported)
	}
	depth := max(spec.Depth, 1)
	if len(pixels) < regionBytes(spec.Width, spec.Height, depth, spec.NChannels,
		spec.Format, xs, ys, zs) {
		return b.seterr(errConvertBounds)
	}
	s := spec.Copy()
	s.ChannelFormats = nil
	b.spec = *s
	b.nativeSpec = *s.Copy()
	b.pixels = pixels
	b.xstride, b.ystride, b.zstride = xs, ys, zs
	b.storage = StorageApp
	b.specValid.Store(true)
	b.pixelsValid.Store(true)
	return nil
}

// Reset returns the buffer to the uninitialized state, dropping pixels
// and any pending error.
func (b *ImageBuf) Reset() {
	b.mu.Lock()
	if b.cache != nil && b.name != "" {
		b.cache.Invalidate(b.name, true)
	}
	b.resetLocked()
	b.mu.Unlock()
	b.errMu.Lock()
	b.lastErr = nil
	b.errMu.Unlock()
}

func (b *ImageBuf) resetLocked() {
	b.specValid.Store(false)
	b.pixelsValid.Store(false)
	b.name = ""
	b.subimage = 0
	b.miplevel = 0
	b.nsubimages = 0
	b.nmiplevels = 0
	b.storage = StorageUninitialized
	b.readonly = false
	b.spec = ImageSpec{}
	b.nativeSpec = ImageSpec{}
	b.pixels = nil
	b.xstride, b.ystride, b.zstride = 0, 0, 0
	b.cache = nil
	b.deep = nil
	b.fileChannels = 0
	b.readConvert = TypeUnknown
	b.readChBegin, b.readChEnd = 0, 0
	b.writeFormat = TypeUnknown
	b.writeTilesSet = false
	b.writeTileW, b.writeTileH, b.writeTileD = 0, 0, 0
}

func (b *ImageBuf) setLocalStrides() {
	b.xstride = b.spec.PixelBytes(false)
	b.ystride = b.xstride * b.spec.Width
	b.zstride = b.ystride * b.spec.Height
}

// Initialized reports whether the buffer has a resolved spec.
// File-bound buffers are uninitialized until their header is first
// read.
func (b *ImageBuf) Initialized() bool { return b.specValid.Load() }

// Storage returns who owns the pixels right now. File-bound buffers
// report StorageUninitialized until pixels are first resolved.
func (b *ImageBuf) Storage() Storage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.storage
}

// Name returns the bound file name, or "" for in-memory buffers.
func (b *ImageBuf) Name() string { return b.name }

// Subimage returns the bound subimage index.
func (b *ImageBuf) Subimage() int { return b.subimage }

// Miplevel returns the bound mip level.
func (b *ImageBuf) Miplevel() int { return b.miplevel }

// NSubimages returns the number of subimages of the bound file,
// resolving the spec if needed. In-memory buffers have 1.
func (b *ImageBuf) NSubimages() int {
	if err := b.validateSpec(); err != nil {
		return 0
	}
	return max(b.nsubimages, 1)
}

// NMiplevels returns the number of mip levels of the bound subimage.
func (b *ImageBuf) NMiplevels() int {
	if err := b.validateSpec(); err != nil {
		return 0
	}
	return max(b.nmiplevels, 1)
}

// Deep reports whether the buffer holds deep pixels.
func (b *ImageBuf) Deep() bool {
	if err := b.validateSpec(); err != nil {
		return false
	}
	return b.spec.Deep
}

// DeepData returns the buffer's deep storage, resolving pixels first.
// Returns nil for flat images.
func (b *ImageBuf) DeepData() *DeepData {
	if err := b.validatePixels(); err != nil {
		return nil
	}
	return b.deep
}

// Spec returns the buffer's spec, reading the file header on first
// use. The returned pointer aliases buffer state; callers must not
// mutate it. Use SpecMod to change attributes.
func (b *ImageBuf) Spec() *ImageSpec {
	if err := b.validateSpec(); err != nil {
		return &ImageSpec{}
	}
	return &b.spec
}

// NativeSpec returns the spec as stored in the file, including
// per-channel formats the local copy may have flattened.
func (b *ImageBuf) NativeSpec() *ImageSpec {
	if err := b.validateSpec(); err != nil {
		return &ImageSpec{}
	}
	return &b.nativeSpec
}

// SpecMod returns the spec for mutation of attributes and windows.
// It fails for buffers whose spec cannot be resolved.
func (b *ImageBuf) SpecMod() (*ImageSpec, error) {
	if err := b.validateSpec(); err != nil {
		return nil, err
	}
	return &b.spec, nil
}

// LocalPixels returns the in-memory pixel bytes of local and app
// storage, or nil for cache-backed, deep, and unresolved buffers.
func (b *ImageBuf) LocalPixels() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.storage == StorageLocal || b.storage == StorageApp {
		return b.pixels
	}
	return nil
}

// Strides returns the byte strides of in-memory pixels, zero for
// buffers without any.
func (b *ImageBuf) Strides() (xstride, ystride, zstride int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.xstride, b.ystride, b.zstride
}

// SetOrigin translates the data window origin to (x, y, z) without
// touching pixels. Cache-backed buffers cannot be shifted because
// tiles are addressed in file coordinates.
func (b *ImageBuf) SetOrigin(x, y, z int) error {
	if err := b.validateSpec(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.storage == StorageCache {
		return b.seterr(ErrUnsupported)
	}
	b.spec.X, b.spec.Y, b.spec.Z = x, y, z
	b.nativeSpec.X, b.nativeSpec.Y, b.nativeSpec.Z = x, y, z
	return nil
}

// ROI returns the data window.
func (b *ImageBuf) ROI() ROI { return b.Spec().ROI() }

// ROIFull returns the display window.
func (b *ImageBuf) ROIFull() ROI { return b.Spec().ROIFull() }

// SetROIFull changes the display window without touching pixels.
func (b *ImageBuf) SetROIFull(r ROI) error {
	s, err := b.SpecMod()
	if err != nil {
		return err
	}
	s.SetROIFull(r)
	b.nativeSpec.SetROIFull(r)
	return nil
}

// validateSpec resolves the spec of a file-bound buffer, once.
func (b *ImageBuf) validateSpec() error {
	if b.specValid.Load() {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.validateSpecLocked()
}

func (b *ImageBuf) validateSpecLocked() error {
	if b.specValid.Load() {
		return nil
	}
	if b.name == "" {
		return b.seterr(ErrNotInitialized)
	}
	var spec *ImageSpec
	var err error
	if b.cache != nil {
		spec, err = b.cache.ImageSpec(b.name, b.subimage, b.miplevel)
		if err == nil {
			b.countLevelsFromCache()
		}
	} else {
		var in *Input
		in, err = Open(b.name)
		if err == nil {
			spec, err = in.Spec(b.subimage, b.miplevel)
			if err == nil {
				b.nsubimages = in.NumSubimages()
				b.nmiplevels = in.NumMiplevels(b.subimage)
			}
			in.Close()
		}
	}
	if err != nil {
		return b.seterr(err)
	}
	if err := checkSpecLimits(spec); err != nil {
		return b.seterr(err)
	}
	b.nativeSpec = *spec.Copy()
	b.spec = *spec.Copy()
	b.fileChannels = spec.NChannels
	b.specValid.Store(true)
	return nil
}

func (b *ImageBuf) countLevelsFromCache() {
	b.nsubimages = 0
	for s := 0; ; s++ {
		if _, err := b.cache.ImageSpec(b.name, s, 0); err != nil {
			break
		}
		b.nsubimages++
	}
	b.nmiplevels = 0
	for m := 0; ; m++ {
		if _, err := b.cache.ImageSpec(b.name, b.subimage, m); err != nil {
			break
		}
		b.nmiplevels++
	}
}

// validatePixels resolves pixel storage, once. Cache-bound buffers
// become StorageCache without bulk I/O; uncached file buffers read the
// whole image into local storage.
func (b *ImageBuf) validatePixels() error {
	if b.pixelsValid.Load() {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.validatePixelsLocked(false, b.readConvert)
}

func (b *ImageBuf) validatePixelsLocked(force bool, convert BaseType) error {
	if b.pixelsValid.Load() && !force && b.storage != StorageCache {
		return nil
	}
	if err := b.validateSpecLocked(); err != nil {
		return err
	}
	if b.pixelsValid.Load() && b.storage != StorageCache {
		return nil
	}
	if b.name == "" {
		return b.seterr(ErrNotInitialized)
	}

	if b.cache != nil && !force && !b.nativeSpec.Deep {
		if b.storage == StorageCache && b.pixelsValid.Load() {
			return nil
		}
		stored := WidestFormat(&b.nativeSpec)
		if !convert.Valid() || convert == stored {
			// Tiles are held in one format per file; the spec of a
			// cache-backed buffer reflects that quantization.
			b.storage = StorageCache
			s := b.nativeSpec.Copy()
			s.Format = stored
			s.ChannelFormats = nil
			b.spec = *s
			b.pixelsValid.Store(true)
			return nil
		}
	}

	return b.readLocalLocked(convert, 0, 0)
}

// readLocalLocked reads the bound file region into owned local
// storage, converting to the requested type (TypeUnknown keeps the
// native type, flattened to one format for mixed-channel files).
// A channel range [chbegin, chend) narrows the buffer to those
// channels; chend <= 0 means all.
func (b *ImageBuf) readLocalLocked(convert BaseType, chbegin, chend int) error {
	if chbegin < 0 {
		chbegin = 0
	}
	if chend <= 0 || chend > b.nativeSpec.NChannels {
		chend = b.nativeSpec.NChannels
	}
	if chbegin >= chend {
		return b.seterr(ErrNoSuchChannel)
	}
	subset := chbegin > 0 || chend < b.nativeSpec.NChannels

	if b.nativeSpec.Deep {
		if subset {
			return b.seterr(ErrUnsupported)
		}
		// Deep images always land in local storage.
		in, err := Open(b.name)
		if err != nil {
			return b.seterr(err)
		}
		defer in.Close()
		dd := &DeepData{}
		if err := in.ReadDeep(b.subimage, b.miplevel, dd); err != nil {
			return b.seterr(err)
		}
		b.deep = dd
		b.pixels = nil
		b.spec = *b.nativeSpec.Copy()
		b.storage = StorageLocal
		b.pixelsValid.Store(true)
		return nil
	}

	native := b.nativeSpec.Copy()
	if subset {
		narrowSpecChannels(native, chbegin, chend)
	}
	target := convert
	if !target.Valid() {
		target = WidestFormat(native)
	}
	s := native.Copy()
	s.Format = target
	s.ChannelFormats = nil
	pixels := make([]byte, s.ImageBytes(false))

	if b.cache != nil {
		if err := b.readLocalViaCacheLocked(s, chbegin, pixels); err != nil {
			return err
		}
	} else {
		in, err := Open(b.name)
		if err != nil {
			return b.seterr(err)
		}
		err = b.readRegionLocked(in, s, chbegin, chend, subset, pixels, target)
		in.Close()
		if err != nil {
			return b.seterr(err)
		}
	}

	b.nativeSpec = *native
	b.spec = *s
	b.pixels = pixels
	b.setLocalStrides()
	b.storage = StorageLocal
	b.pixelsValid.Store(true)
	return nil
}

func (b *ImageBuf) readRegionLocked(in *Input, s *ImageSpec, chbegin, chend int,
	subset bool, pixels []byte, target BaseType) error {
	if !subset {
		return in.ReadImage(b.subimage, b.miplevel, pixels, target, nil)
	}
	r := s.ROI()
	if s.Tiled() {
		return in.ReadTiles(b.subimage, b.miplevel, r.XBegin, r.XEnd,
			r.YBegin, r.YEnd, r.ZBegin, r.ZEnd, chbegin, chend, pixels, target, nil)
	}
	return in.ReadScanlines(b.subimage, b.miplevel, r.YBegin, r.YEnd,
		chbegin, chend, pixels, target, nil)
}

// readLocalViaCacheLocked fills pixels (shaped by s, channels starting
// at chbegin of the file) from the tile cache, so promoted buffers
// reuse tiles that are already resident.
func (b *ImageBuf) readLocalViaCacheLocked(s *ImageSpec, chbegin int, pixels []byte) error {
	r := s.ROI()
	pixelBytes := s.PixelBytes(false)
	rowBytes := s.Width * pixelBytes
	for z := r.ZBegin; z < r.ZEnd; z++ {
		for y := r.YBegin; y < r.YEnd; y++ {
			x := r.XBegin
			for x < r.XEnd {
				tile, err := b.cache.AcquireTile(b.name, b.subimage, b.miplevel, x, y, z)
				if err != nil {
					return b.seterr(err)
				}
				troi := tile.ROI()
				tf := tile.Format()
				tpix := tile.Channels() * tf.Size()
				n := min(troi.XEnd, r.XEnd) - x
				so := (((z-troi.ZBegin)*troi.Height()+(y-troi.YBegin))*troi.Width()+
					(x-troi.XBegin))*tpix + chbegin*tf.Size()
				do := (z-r.ZBegin)*s.Height*rowBytes + (y-r.YBegin)*rowBytes +
					(x-r.XBegin)*pixelBytes
				convertStridedRow(pixels[do:], s.Format, pixelBytes,
					tile.Pixels()[so:], tf, tpix, n, s.NChannels)
				b.cache.ReleaseTile(tile)
				x += n
			}
		}
	}
	return nil
}

// narrowSpecChannels restricts a spec to channels [cb, ce), remapping
// the alpha and depth channel indexes.
func narrowSpecChannels(s *ImageSpec, cb, ce int) {
	if len(s.ChannelNames) >= ce {
		s.ChannelNames = append([]string(nil), s.ChannelNames[cb:ce]...)
	}
	if len(s.ChannelFormats) >= ce {
		s.ChannelFormats = append([]BaseType(nil), s.ChannelFormats[cb:ce]...)
	}
	remap := func(ch int) int {
		if ch >= cb && ch < ce {
			return ch - cb
		}
		return -1
	}
	s.AlphaChannel = remap(s.AlphaChannel)
	s.ZChannel = remap(s.ZChannel)
	s.NChannels = ce - cb
}

// Read binds the buffer to a subimage/miplevel of its file and
// resolves pixels. force promotes to owned local storage even when a
// cache is attached; convert selects the local pixel type
// (TypeUnknown keeps the file's native type). Calling Read on an
// already resolved buffer with the same arguments is a no-op.
func (b *ImageBuf) Read(subimage, miplevel int, force bool, convert BaseType) error {
	return b.ReadSubset(subimage, miplevel, 0, 0, force, convert)
}

// ReadSubset is Read restricted to channels [chbegin, chend) of the
// file (chend <= 0 means all). A proper subset always materializes
// local pixels, and the buffer's spec is rewritten to describe only
// those channels.
func (b *ImageBuf) ReadSubset(subimage, miplevel, chbegin, chend int, force bool, convert BaseType) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.name == "" {
		return b.seterr(ErrNotInitialized)
	}
	if chbegin < 0 {
		chbegin = 0
	}
	if subimage != b.subimage || miplevel != b.miplevel {
		b.rebindLocked(subimage, miplevel)
	}
	if err := b.validateSpecLocked(); err != nil {
		return err
	}
	ce := chend
	if ce <= 0 || ce > b.fileChannels {
		ce = b.fileChannels
	}
	if chbegin >= ce {
		return b.seterr(ErrNoSuchChannel)
	}
	if chbegin != b.readChBegin || ce != b.readChEnd {
		if b.pixelsValid.Load() || b.readChEnd != 0 {
			// The resident channel range differs; recover the full
			// header before narrowing again.
			b.rebindLocked(subimage, miplevel)
			if err := b.validateSpecLocked(); err != nil {
				return err
			}
		}
	}
	subset := chbegin > 0 || ce < b.fileChannels
	if b.pixelsValid.Load() && !force {
		if convert.Valid() && b.storage == StorageLocal && b.spec.Format != convert {
			// Already resident in another type; reread.
		} else {
			b.readChBegin, b.readChEnd = chbegin, ce
			return nil
		}
	}
	b.readConvert = convert
	var err error
	if subset || force || (b.pixelsValid.Load() && b.storage == StorageLocal) {
		err = b.readLocalLocked(convert, chbegin, ce)
	} else {
		err = b.validatePixelsLocked(force, convert)
	}
	if err == nil {
		b.readChBegin, b.readChEnd = chbegin, ce
	}
	return err
}

// rebindLocked drops resolved state, keeping the file binding.
func (b *ImageBuf) rebindLocked(subimage, miplevel int) {
	cache, name := b.cache, b.name
	b.resetLocked()
	b.name = name
	b.cache = cache
	b.subimage = subimage
	b.miplevel = miplevel
}

// MakeWritable promotes a cache-backed buffer to owned local pixels so
// it can be mutated, invalidating the cache's entry for the file.
// Buffers that are already local or wrap writable app memory are
// unchanged.
func (b *ImageBuf) MakeWritable() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.storage {
	case StorageLocal:
		return nil
	case StorageApp:
		if b.readonly {
			return b.seterr(ErrReadOnly)
		}
		return nil
	case StorageCache:
		if err := b.readLocalLocked(b.spec.Format, 0, 0); err != nil {
			return err
		}
		b.cache.Invalidate(b.name, true)
		return nil
	default:
		if b.name != "" {
			return b.readLocalLocked(b.readConvert, b.readChBegin, b.readChEnd)
		}
		return b.seterr(ErrNotInitialized)
	}
}

// Writable reports whether pixels can be mutated without promotion.
func (b *ImageBuf) Writable() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.storage == StorageLocal || (b.storage == StorageApp && !b.readonly)
}

// Clear keeps the spec but replaces all pixels with zeros, promoting
// cache-backed buffers to local storage without reading the file.
func (b *ImageBuf) Clear() error {
	if err := b.validateSpec(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.readonly {
		return b.seterr(ErrReadOnly)
	}
	if b.spec.Deep {
		if b.deep == nil {
			// File-bound deep buffer whose pixels were never resolved:
			// materialize empty deep storage instead of reading the file.
			dd, err := NewDeepData(&b.spec)
			if err != nil {
				return b.seterr(err)
			}
			b.deep = dd
			b.storage = StorageLocal
			b.pixelsValid.Store(true)
			return nil
		}
		b.deep.Clear()
		return nil
	}
	switch b.storage {
	case StorageLocal, StorageApp:
		if b.contiguous() {
			clear(b.pixels)
			return nil
		}
		r := b.spec.ROI()
		rowBytes := b.spec.Width * b.spec.PixelBytes(false)
		for z := r.ZBegin; z < r.ZEnd; z++ {
			for y := r.YBegin; y < r.YEnd; y++ {
				row := b.pixelAddrLocked(r.XBegin, y, z)
				clear(row[:rowBytes])
			}
		}
		return nil
	default:
		s := b.spec.Copy()
		s.ChannelFormats = nil
		b.pixels = make([]byte, s.ImageBytes(false))
		b.spec = *s
		b.setLocalStrides()
		b.storage = StorageLocal
		b.pixelsValid.Store(true)
		return nil
	}
}

func (b *ImageBuf) contiguous() bool {
	return b.xstride == b.spec.PixelBytes(false) &&
		b.ystride == b.xstride*b.spec.Width &&
		b.zstride == b.ystride*b.spec.Height
}

// pixelAddrLocked returns the byte slice starting at pixel (x, y, z).
// The coordinates must be inside the data window and storage must be
// local or app.
func (b *ImageBuf) pixelAddrLocked(x, y, z int) []byte {
	off := (z-b.spec.Z)*b.zstride + (y-b.spec.Y)*b.ystride + (x-b.spec.X)*b.xstride
	return b.pixels[off:]
}

// Pixel reads the channel values of pixel (x, y, z) into result as
// float32, converting from the stored type. Coordinates outside the
// data window yield zeros. result is truncated or zero padded to the
// channel count.
func (b *ImageBuf) Pixel(x, y, z int, result []float32) error {
	if err := b.validatePixels(); err != nil {
		return err
	}
	if b.spec.Deep {
		return ErrDeep
	}
	n := min(len(result), b.spec.NChannels)
	for i := range result {
		result[i] = 0
	}
	if !b.spec.ROI().Contains(x, y, z) {
		return nil
	}
	switch b.storage {
	case StorageLocal, StorageApp:
		p := b.pixelAddrLocked(x, y, z)
		sz := b.spec.Format.Size()
		for c := 0; c < n; c++ {
			result[c] = float32(loadF64(p[c*sz:], b.spec.Format))
		}
		return nil
	case StorageCache:
		tile, err := b.cache.AcquireTile(b.name, b.subimage, b.miplevel, x, y, z)
		if err != nil {
			return b.seterr(err)
		}
		defer b.cache.ReleaseTile(tile)
		troi := tile.ROI()
		tf := tile.Format()
		tpix := tile.Channels() * tf.Size()
		off := (((z-troi.ZBegin)*troi.Height()+(y-troi.YBegin))*troi.Width() +
			(x - troi.XBegin)) * tpix
		p := tile.Pixels()[off:]
		sz := tf.Size()
		for c := 0; c < min(n, tile.Channels()); c++ {
			result[c] = float32(loadF64(p[c*sz:], tf))
		}
		return nil
	default:
		return b.seterr(ErrNotInitialized)
	}
}

// SetPixel writes channel values to pixel (x, y, z), converting from
// float32 to the stored type. Cache-backed buffers are promoted first.
// Coordinates outside the data window return ErrOutOfRange.
func (b *ImageBuf) SetPixel(x, y, z int, vals []float32) error {
	if err := b.validatePixels(); err != nil {
		return err
	}
	if b.spec.Deep {
		return ErrDeep
	}
	if !b.spec.ROI().Contains(x, y, z) {
		return ErrOutOfRange
	}
	if b.readonly {
		return b.seterr(ErrReadOnly)
	}
	if b.storage == StorageCache {
		if err := b.MakeWritable(); err != nil {
			return err
		}
	}
	p := b.pixelAddrLocked(x, y, z)
	sz := b.spec.Format.Size()
	n := min(len(vals), b.spec.NChannels)
	for c := 0; c < n; c++ {
		storeF64(p[c*sz:], b.spec.Format, float64(vals[c]))
	}
	return nil
}

// GetPixels copies the pixels of roi (channels included) into dst as
// format, honoring opts strides. An undefined roi means the whole data
// window. Works for every storage kind without promoting.
func (b *ImageBuf) GetPixels(roi ROI, format BaseType, dst []byte, opts *TransferOptions) error {
	if err := b.validatePixels(); err != nil {
		return err
	}
	if b.spec.Deep {
		return ErrDeep
	}
	if !roi.Defined() {
		roi = b.spec.ROI()
		roi.ChEnd = b.spec.NChannels
	}
	cb, ce, err := resolveChannels(&b.spec, roi.ChBegin, roi.ChEnd)
	if err != nil {
		return err
	}
	if err := validateRegion(&b.spec, roi.XBegin, roi.XEnd, roi.YBegin, roi.YEnd,
		roi.ZBegin, roi.ZEnd); err != nil {
		return err
	}
	w, h, d := roi.Width(), roi.Height(), roi.Depth()
	nch := ce - cb
	xs, ys, zs := opts.strides(format, nch, w, h)
	if len(dst) < regionBytes(w, h, d, nch, format, xs, ys, zs) {
		return errConvertBounds
	}

	switch b.storage {
	case StorageLocal, StorageApp:
		sz := b.spec.Format.Size()
		for z := roi.ZBegin; z < roi.ZEnd; z++ {
			for y := roi.YBegin; y < roi.YEnd; y++ {
				src := b.pixelAddrLocked(roi.XBegin, y, z)[cb*sz:]
				do := (z-roi.ZBegin)*zs + (y-roi.YBegin)*ys
				convertStridedRow(dst[do:], format, xs, src, b.spec.Format,
					b.xstride, w, nch)
			}
		}
		return nil
	case StorageCache:
		for z := roi.ZBegin; z < roi.ZEnd; z++ {
			for y := roi.YBegin; y < roi.YEnd; y++ {
				x := roi.XBegin
				for x < roi.XEnd {
					tile, err := b.cache.AcquireTile(b.name, b.subimage, b.miplevel, x, y, z)
					if err != nil {
						return b.seterr(err)
					}
					troi := tile.ROI()
					tf := tile.Format()
					tpix := tile.Channels() * tf.Size()
					n := min(troi.XEnd, roi.XEnd) - x
					so := (((z-troi.ZBegin)*troi.Height()+(y-troi.YBegin))*troi.Width()+
						(x-troi.XBegin))*tpix + cb*tf.Size()
					do := (z-roi.ZBegin)*zs + (y-roi.YBegin)*ys + (x-roi.XBegin)*xs
					convertStridedRow(dst[do:], format, xs, tile.Pixels()[so:], tf, tpix, n, nch)
					b.cache.ReleaseTile(tile)
					x += n
				}
			}
		}
		return nil
	default:
		return b.seterr(ErrNotInitialized)
	}
}

// GetPixelsFloat is GetPixels converting into a float32 slice.
func (b *ImageBuf) GetPixelsFloat(roi ROI, dst []float32, opts *TransferOptions) error {
	return b.GetPixels(roi, TypeFloat, f32bytes(dst), opts)
}

// SetPixelsFloat is SetPixels converting from a float32 slice.
func (b *ImageBuf) SetPixelsFloat(roi ROI, src []float32, opts *TransferOptions) error {
	return b.SetPixels(roi, TypeFloat, f32bytes(src), opts)
}

// SetPixels copies caller pixels into the roi of the buffer,
// converting from format. Cache-backed buffers are promoted first.
func (b *ImageBuf) SetPixels(roi ROI, format BaseType, src []byte, opts *TransferOptions) error {
	if err := b.validatePixels(); err != nil {
		return err
	}
	if b.spec.Deep {
		return ErrDeep
	}
	if b.readonly {
		return b.seterr(ErrReadOnly)
	}
	if b.storage == StorageCache {
		if err := b.MakeWritable(); err != nil {
			return err
		}
	}
	if !roi.Defined() {
		roi = b.spec.ROI()
		roi.ChEnd = b.spec.NChannels
	}
	cb, ce, err := resolveChannels(&b.spec, roi.ChBegin, roi.ChEnd)
	if err != nil {
		return err
	}
	if err := validateRegion(&b.spec, roi.XBegin, roi.XEnd, roi.YBegin, roi.YEnd,
		roi.ZBegin, roi.ZEnd); err != nil {
		return err
	}
	w, h, d := roi.Width(), roi.Height(), roi.Depth()
	nch := ce - cb
	xs, ys, zs := opts.strides(format, nch, w, h)
	if len(src) < regionBytes(w, h, d, nch, format, xs, ys, zs) {
		return errConvertBounds
	}

	sz := b.spec.Format.Size()
	for z := roi.ZBegin; z < roi.ZEnd; z++ {
		for y := roi.YBegin; y < roi.YEnd; y++ {
			dst := b.pixelAddrLocked(roi.XBegin, y, z)[cb*sz:]
			so := (z-roi.ZBegin)*zs + (y-roi.YBegin)*ys
			convertStridedRow(dst, b.spec.Format, b.xstride, src[so:], format,
				xs, w, nch)
		}
	}
	return nil
}

// CopyPixels replaces this buffer's pixels with src's over the
// intersection of their data windows, converting formats as needed.
// Rows are processed in parallel for large images.
func (b *ImageBuf) CopyPixels(src *ImageBuf) error {
	if err := b.validatePixels(); err != nil {
		return err
	}
	if err := src.validatePixels(); err != nil {
		return b.seterr(err)
	}
	if b.readonly {
		return b.seterr(ErrReadOnly)
	}
	if b.spec.Deep || src.spec.Deep {
		return b.copyDeepPixels(src)
	}
	if b.storage == StorageCache {
		if err := b.MakeWritable(); err != nil {
			return err
		}
	}
	roi := b.spec.ROI().Intersection(src.spec.ROI())
	if roi.Empty() {
		return nil
	}
	nch := min(b.spec.NChannels, src.spec.NChannels)
	roi.ChBegin, roi.ChEnd = 0, nch

	rowBytes := roi.Width() * nch * TypeFloat.Size()
	rows := roi.Height() * roi.Depth()
	err := ParallelForWithError(rows, func(i int) error {
		z := roi.ZBegin + i/roi.Height()
		y := roi.YBegin + i%roi.Height()
		row := make([]byte, rowBytes)
		r := ROI{roi.XBegin, roi.XEnd, y, y + 1, z, z + 1, 0, nch}
		if err := src.GetPixels(r, TypeFloat, row, nil); err != nil {
			return err
		}
		return b.SetPixels(r, TypeFloat, row, nil)
	})
	return b.seterr(err)
}

func (b *ImageBuf) copyDeepPixels(src *ImageBuf) error {
	if !b.spec.Deep || !src.spec.Deep {
		return b.seterr(ErrNotDeep)
	}
	if b.spec.ROI() != src.spec.ROI() {
		return b.seterr(ErrOutOfRange)
	}
	for p := 0; p < b.deep.NumPixels(); p++ {
		if err := b.deep.CopyDeepPixel(p, src.deep, p); err != nil {
			return b.seterr(err)
		}
	}
	return nil
}

// Copy reinitializes this buffer as a full local copy of src,
// converting pixels to format (TypeUnknown keeps src's type).
// Copying a buffer onto itself is a no-op; copying an uninitialized
// source clears the destination.
func (b *ImageBuf) Copy(src *ImageBuf, format BaseType) error {
	if src == b {
		return nil
	}
	if src == nil || (!src.Initialized() && src.name == "") {
		b.Reset()
		return nil
	}
	if err := src.validatePixels(); err != nil {
		return b.seterr(err)
	}
	s := src.Spec().Copy()
	if format.Valid() {
		s.Format = format
		s.ChannelFormats = nil
	}
	if err := b.ResetSpec(s); err != nil {
		return err
	}
	b.name = src.name
	return b.CopyPixels(src)
}

// SetWriteFormat selects the pixel type used by the next Write,
// overriding the buffer's own type. TypeUnknown restores the default.
func (b *ImageBuf) SetWriteFormat(t BaseType) { b.writeFormat = t }

// SetWriteTiles selects the tile shape used by the next Write.
// (0, 0, 0) forces scanlines even if the buffer came from a tiled
// file.
func (b *ImageBuf) SetWriteTiles(w, h, d int) {
	b.writeTilesSet = true
	b.writeTileW, b.writeTileH, b.writeTileD = w, h, d
}

// Write saves the buffer to the named file, choosing the format by
// extension. The write honors SetWriteFormat and SetWriteTiles. If the
// buffer's tile cache holds the same name, the stale entry is
// invalidated.
func (b *ImageBuf) Write(path string, opts *TransferOptions) error {
	if err := b.validatePixels(); err != nil {
		return err
	}
	spec := *b.Spec().Copy()
	if b.writeFormat.Valid() {
		spec.Format = b.writeFormat
		spec.ChannelFormats = nil
	}
	if b.writeTilesSet {
		if b.writeTileW > 0 && b.writeTileH > 0 {
			spec.TileWidth, spec.TileHeight = b.writeTileW, b.writeTileH
			spec.TileDepth = max(b.writeTileD, 1)
		} else {
			spec.TileWidth, spec.TileHeight, spec.TileDepth = 0, 0, 0
		}
	}

	out, err := Create(path, spec)
	if err != nil {
		return b.seterr(err)
	}

	if b.spec.Deep {
		err = out.WriteDeep(0, 0, b.deep)
	} else {
		err = b.writeFlat(out, &spec, opts)
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return b.seterr(err)
	}
	if b.cache != nil {
		b.cache.Invalidate(path, true)
	}
	return nil
}

func (b *ImageBuf) writeFlat(out *Output, spec *ImageSpec, opts *TransferOptions) error {
	b.mu.Lock()
	local := b.storage == StorageLocal || b.storage == StorageApp
	contig := local && b.contiguous()
	b.mu.Unlock()

	if contig {
		topts := TransferOptions{XStride: b.xstride, YStride: b.ystride, ZStride: b.zstride}
		if opts != nil {
			topts.Progress = opts.Progress
		}
		return out.WriteImage(0, 0, b.pixels, b.spec.Format, &topts)
	}
	if spec.Tiled() {
		return b.writeFlatTiled(out, spec, opts)
	}

	// Strided or cache-backed: stage through a row buffer.
	r := b.spec.ROI()
	rowBytes := b.spec.Width * b.spec.NChannels * b.spec.Format.Size()
	row := make([]byte, rowBytes)
	nrows := b.spec.Height * max(b.spec.Depth, 1)
	done := 0
	for z := r.ZBegin; z < r.ZEnd; z++ {
		for y := r.YBegin; y < r.YEnd; y++ {
			rr := ROI{r.XBegin, r.XEnd, y, y + 1, z, z + 1, 0, b.spec.NChannels}
			if err := b.GetPixels(rr, b.spec.Format, row, nil); err != nil {
				return err
			}
			if err := out.WriteScanlines(0, 0, y, y+1, row, b.spec.Format, nil); err != nil {
				return err
			}
			done++
			if opts.progress(float64(done) / float64(nrows)) {
				return nil
			}
		}
	}
	return nil
}

// writeFlatTiled stages tile-sized regions for strided or cache-backed
// buffers writing to a tiled target. Edge padding is the writer's job.
func (b *ImageBuf) writeFlatTiled(out *Output, spec *ImageSpec, opts *TransferOptions) error {
	r := b.spec.ROI()
	tw, th := spec.TileWidth, spec.TileHeight
	td := max(spec.TileDepth, 1)
	pixelBytes := b.spec.NChannels * b.spec.Format.Size()
	tile := make([]byte, tw*th*td*pixelBytes)
	nx := (r.Width() + tw - 1) / tw
	ny := (r.Height() + th - 1) / th
	nz := (r.Depth() + td - 1) / td
	total := nx * ny * nz
	done := 0
	for tz := r.ZBegin; tz < r.ZEnd; tz += td {
		for ty := r.YBegin; ty < r.YEnd; ty += th {
			for tx := r.XBegin; tx < r.XEnd; tx += tw {
				xe := min(tx+tw, r.XEnd)
				ye := min(ty+th, r.YEnd)
				ze := min(tz+td, r.ZEnd)
				rr := ROI{tx, xe, ty, ye, tz, ze, 0, b.spec.NChannels}
				n := (xe - tx) * (ye - ty) * (ze - tz) * pixelBytes
				if err := b.GetPixels(rr, b.spec.Format, tile[:n], nil); err != nil {
					return err
				}
				if err := out.WriteTiles(0, 0, tx, xe, ty, ye, tz, ze,
					tile[:n], b.spec.Format, nil); err != nil {
					return err
				}
				done++
				if opts.progress(float64(done) / float64(total)) {
					return nil
				}
			}
		}
	}
	return nil
}

// HasError reports whether an error is waiting in the mailbox.
func (b *ImageBuf) HasError() bool {
	b.errMu.Lock()
	defer b.errMu.Unlock()
	return b.lastErr != nil
}

// GetError returns the most recent recorded error, clearing the
// mailbox if clear is true.
func (b *ImageBuf) GetError(clear bool) error {
	b.errMu.Lock()
	defer b.errMu.Unlock()
	err := b.lastErr
	if clear {
		b.lastErr = nil
	}
	return err
}

// seterr records err in the mailbox and returns it.
func (b *ImageBuf) seterr(err error) error {
	if err == nil {
		return nil
	}
	b.errMu.Lock()
	b.lastErr = err
	b.errMu.Unlock()
	return err
}

// WidestFormat picks the single type that best preserves a spec's
// mixed channel formats. Tile caches store mixed-format files in this
// type, so a cache-backed buffer's spec reports it as the pixel
// format.
func WidestFormat(s *ImageSpec) BaseType {
	if s.HomogeneousChannels() {
		return s.Format
	}
	best := s.ChannelFormat(0)
	for c := 1; c < s.NChannels; c++ {
		t := s.ChannelFormat(c)
		if t.Size() > best.Size() || (t.Size() == best.Size() && t.IsFloat() && !best.IsFloat()) {
			best = t
		}
	}
	return best
}

// convertStridedRow converts w pixels of nch channels between two
// strided buffers of uniform types.
func convertStridedRow(dst []byte, dstType BaseType, dxs int,
	src []byte, srcType BaseType, sxs int, w, nch int) {
	if dxs == nch*dstType.Size() && sxs == nch*srcType.Size() {
		convertSpan(dst, dstType, src, srcType, w*nch)
		return
	}
	so, do := 0, 0
	for x := 0; x < w; x++ {
		convertSpan(dst[do:], dstType, src[so:], srcType, nch)
		so += sxs
		do += dxs
	}
}
