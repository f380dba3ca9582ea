package imageio

import (
	"runtime"
	"sync"
)

// ParallelConfig configures parallel processing behavior for bulk
// pixel operations such as CopyPixels and compressed chunk encoding.
type ParallelConfig struct {
	// NumWorkers is the number of worker goroutines. 0 means
	// runtime.GOMAXPROCS(0).
	NumWorkers int

	// GrainSize is the minimum work items per worker before
	// parallelization. If total work items < GrainSize * NumWorkers,
	// the loop runs sequentially.
	GrainSize int
}

// DefaultParallelConfig returns the default parallel configuration.
func DefaultParallelConfig() ParallelConfig {
	return ParallelConfig{
		NumWorkers: 0,
		GrainSize:  1,
	}
}

var (
	parallelConfig   = DefaultParallelConfig()
	parallelConfigMu sync.RWMutex
)

// SetParallelConfig sets the global parallel configuration.
func SetParallelConfig(config ParallelConfig) {
	parallelConfigMu.Lock()
	defer parallelConfigMu.Unlock()
	parallelConfig = config
}

// GetParallelConfig returns the current parallel configuration.
func GetParallelConfig() ParallelConfig {
	parallelConfigMu.RLock()
	defer parallelConfigMu.RUnlock()
	return parallelConfig
}

// effectiveWorkers returns the number of workers to use.
func effectiveWorkers(config ParallelConfig) int {
	if config.NumWorkers <= 0 {
		return runtime.GOMAXPROCS(0)
	}
	return config.NumWorkers
}

// ParallelFor runs fn(i) for i in [0, n) in parallel.
// If n is small or there's only one worker, runs sequentially.
func ParallelFor(n int, fn func(i int)) {
	config := GetParallelConfig()
	numWorkers := effectiveWorkers(config)

	if n <= config.GrainSize*numWorkers || numWorkers == 1 {
		for i := 0; i < n; i++ {
			fn(i)
		}
		return
	}

	var wg sync.WaitGroup
	chunkSize := (n + numWorkers - 1) / numWorkers

	for w := 0; w < numWorkers; w++ {
		start := w * chunkSize
		end := min(start+chunkSize, n)
		if start >= end {
			break
		}

		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			for i := s; i < e; i++ {
				fn(i)
			}
		}(start, end)
	}

	wg.Wait()
}

// ParallelForWithError runs fn(i) for i in [0, n) in parallel.
// Returns the first error encountered (order not guaranteed); workers
// that hit an error stop processing their range.
func ParallelForWithError(n int, fn func(i int) error) error {
	config := GetParallelConfig()
	numWorkers := effectiveWorkers(config)

	if n <= config.GrainSize*numWorkers || numWorkers == 1 {
		for i := 0; i < n; i++ {
			if err := fn(i); err != nil {
				return err
			}
		}
		return nil
	}

	var wg sync.WaitGroup
	var errOnce sync.Once
	var firstErr error
	chunkSize := (n + numWorkers - 1) / numWorkers

	for w := 0; w < numWorkers; w++ {
		start := w * chunkSize
		end := min(start+chunkSize, n)
		if start >= end {
			break
		}

		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			for i := s; i < e; i++ {
				if err := fn(i); err != nil {
					errOnce.Do(func() {
						firstErr = err
					})
					return
				}
			}
		}(start, end)
	}

	wg.Wait()
	return firstErr
}

// ParallelChunkProcess runs processor over numChunks independent
// chunks and collects the results in order. Used by format writers to
// compress chunks concurrently before writing them sequentially.
func ParallelChunkProcess(numChunks int, processor func(chunkIdx int) ([]byte, error)) ([][]byte, error) {
	results := make([][]byte, numChunks)

	err := ParallelForWithError(numChunks, func(i int) error {
		data, err := processor(i)
		if err != nil {
			return err
		}
		results[i] = data
		return nil
	})

	if err != nil {
		return nil, err
	}
	return results, nil
}
