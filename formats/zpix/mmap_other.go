//go:build !unix

package zpix

import "io"

// mapReader is the no-mmap fallback; sources read through io.ReaderAt.
func mapReader(r io.ReaderAt, size int64) chunkReader { return nil }
