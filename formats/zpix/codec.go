package zpix

import (
	"bytes"
	"errors"
	"io"
	"sync"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"

	"github.com/mrjoshuak/go-imageio/internal/predict"
)

// ErrCorrupt is returned when a chunk payload cannot be decoded.
var ErrCorrupt = errors.New("zpix: corrupted chunk data")

var (
	zstdEnc *zstd.Encoder
	zstdDec *zstd.Decoder
)

func init() {
	zstdEnc, _ = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1))
	zstdDec, _ = zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(0),
		zstd.WithDecoderMaxMemory(1<<30))
}

// maxPackedLen bounds the stored size of a chunk with the given raw
// size. Both codecs expand incompressible data by a few bytes per
// block; anything past this is a corrupt or hostile length field.
func maxPackedLen(rawLen int) int {
	return rawLen + rawLen/8 + 4096
}

// packChunk filters and compresses one chunk payload, appending the
// result to dst. stride is the byte distance between corresponding
// bytes of adjacent samples, used by the delta filter. Uncompressed
// chunks skip the filter so they remain a plain memory image.
func packChunk(dst []byte, comp uint8, raw []byte, stride int) ([]byte, error) {
	if comp == compNone {
		return append(dst, raw...), nil
	}
	filtered := getScratch(len(raw))
	defer putScratch(filtered)
	predict.Forward(filtered, raw, stride)
	switch comp {
	case compZlib:
		return zlibCompress(dst, filtered)
	case compZstd:
		return zstdEnc.EncodeAll(filtered, dst), nil
	}
	return nil, errf("unknown compression id %d", comp)
}

// unpackChunk reverses packChunk into dst, which must be exactly the
// raw chunk size.
func unpackChunk(dst []byte, comp uint8, packed []byte, stride int) error {
	if comp == compNone {
		if len(packed) != len(dst) {
			return ErrCorrupt
		}
		copy(dst, packed)
		return nil
	}
	filtered := getScratch(len(dst))
	defer putScratch(filtered)
	switch comp {
	case compZlib:
		if err := zlibDecompress(filtered, packed); err != nil {
			return err
		}
	case compZstd:
		out, err := zstdDec.DecodeAll(packed, filtered[:0])
		if err != nil || len(out) != len(filtered) {
			return ErrCorrupt
		}
		if len(out) > 0 && &out[0] != &filtered[0] {
			copy(filtered, out)
		}
	default:
		return errf("unknown compression id %d", comp)
	}
	predict.Inverse(dst, filtered, stride)
	return nil
}

var scratchPool = sync.Pool{
	New: func() any { return []byte(nil) },
}

func getScratch(n int) []byte {
	b := scratchPool.Get().([]byte)
	if cap(b) < n {
		b = make([]byte, n)
	}
	return b[:n]
}

func putScratch(b []byte) {
	scratchPool.Put(b[:0])
}

type zlibWriterItem struct {
	w   *zlib.Writer
	buf *bytes.Buffer
}

var zlibWriterPool = sync.Pool{
	New: func() any {
		buf := new(bytes.Buffer)
		w, _ := zlib.NewWriterLevel(buf, zlib.DefaultCompression)
		return &zlibWriterItem{w: w, buf: buf}
	},
}

func zlibCompress(dst, src []byte) ([]byte, error) {
	item := zlibWriterPool.Get().(*zlibWriterItem)
	item.buf.Reset()
	item.w.Reset(item.buf)
	if _, err := item.w.Write(src); err != nil {
		item.w.Close()
		zlibWriterPool.Put(item)
		return nil, err
	}
	if err := item.w.Close(); err != nil {
		zlibWriterPool.Put(item)
		return nil, err
	}
	dst = append(dst, item.buf.Bytes()...)
	zlibWriterPool.Put(item)
	return dst, nil
}

type zlibReaderItem struct {
	r   io.ReadCloser
	src *bytes.Reader
}

var zlibReaderPool = sync.Pool{
	New: func() any {
		return &zlibReaderItem{src: bytes.NewReader(nil)}
	},
}

// zlibDecompress inflates src into dst, which must be exactly the
// decompressed size.
func zlibDecompress(dst, src []byte) error {
	item := zlibReaderPool.Get().(*zlibReaderItem)
	item.src.Reset(src)

	var err error
	switch {
	case item.r == nil:
		item.r, err = zlib.NewReader(item.src)
	default:
		rs, ok := item.r.(zlib.Resetter)
		if ok {
			err = rs.Reset(item.src, nil)
		}
		if !ok || err != nil {
			item.r.Close()
			item.src.Seek(0, io.SeekStart)
			item.r, err = zlib.NewReader(item.src)
		}
	}
	if err != nil {
		item.r = nil
		zlibReaderPool.Put(item)
		return ErrCorrupt
	}

	n, err := io.ReadFull(item.r, dst)
	zlibReaderPool.Put(item)
	if n != len(dst) || (err != nil && err != io.EOF && err != io.ErrUnexpectedEOF) {
		return ErrCorrupt
	}
	return nil
}
