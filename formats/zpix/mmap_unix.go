//go:build unix

package zpix

import (
	"io"
	"os"

	"golang.org/x/sys/unix"
)

const maxMapSize = int64(^uint(0) >> 1)

// mapReader memory-maps r when it is a regular file, giving chunk
// reads a zero-copy path. It returns nil when mapping is unavailable
// and callers fall back to ReadAt. The mapping stays valid after the
// file descriptor is closed, so it does not constrain who closes the
// file or when.
func mapReader(r io.ReaderAt, size int64) chunkReader {
	f, ok := r.(*os.File)
	if !ok || size <= 0 || size > maxMapSize {
		return nil
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil
	}
	return &mmapChunks{data: data}
}

type mmapChunks struct {
	data []byte
}

func (m *mmapChunks) readAt(p []byte, off int64) error {
	if off < 0 || off+int64(len(p)) > int64(len(m.data)) {
		return io.ErrUnexpectedEOF
	}
	copy(p, m.data[off:])
	return nil
}

func (m *mmapChunks) slice(off int64, n int) ([]byte, bool) {
	if off < 0 || n < 0 || off+int64(n) > int64(len(m.data)) {
		return nil, false
	}
	end := off + int64(n)
	return m.data[off:end:end], true
}

func (m *mmapChunks) size() int64 { return int64(len(m.data)) }

func (m *mmapChunks) close() error { return unix.Munmap(m.data) }
