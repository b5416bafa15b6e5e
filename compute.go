package main

import (
	"runtime"
	"sync"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Parallel execution of matrix multiplication using goroutines, plus the
// worker budget that the experiment uses when it trains shadow models or
// extracts ranks concurrently.
//
// Two levels of parallelism compete for the same cores:
//   - Inside an op: rows of a large matmul are split across goroutines.
//     Only the vocabulary projection (T x H @ H x V) is big enough to win.
//   - Across models: independent shadow models train side by side. This
//     scales almost linearly because they share nothing.
//
// When several models train at once, per-op parallelism mostly adds
// scheduling overhead, so the experiment lowers it (see Experiment.compute).
//
// ===========================================================================

// ComputeConfig controls parallelization behavior for tensor operations
// and for model-level fan-out.
type ComputeConfig struct {
	// Parallel enables multi-threaded matmul.
	Parallel bool

	// NumWorkers is the goroutine budget. 0 means runtime.NumCPU().
	NumWorkers int

	// MinSizeForParallel is the minimum row and column count before a
	// matmul is split across workers.
	MinSizeForParallel int
}

// DefaultComputeConfig returns a sensible default configuration.
func DefaultComputeConfig() ComputeConfig {
	return ComputeConfig{
		Parallel:           true,
		NumWorkers:         0,
		MinSizeForParallel: 64,
	}
}

// SingleThreadedConfig returns a configuration for deterministic,
// single-threaded execution.
func SingleThreadedConfig() ComputeConfig {
	return ComputeConfig{
		Parallel:           false,
		NumWorkers:         1,
		MinSizeForParallel: 0,
	}
}

// Workers returns the number of workers to use.
func (c ComputeConfig) Workers() int {
	if c.NumWorkers > 0 {
		return c.NumWorkers
	}
	return runtime.NumCPU()
}

// numWorkers returns the number of matmul workers.
func (c ComputeConfig) numWorkers() int {
	if !c.Parallel {
		return 1
	}
	return c.Workers()
}

// shouldParallelize reports whether a dimension is large enough to split.
func (c ComputeConfig) shouldParallelize(size int) bool {
	return c.Parallel && size >= c.MinSizeForParallel
}

// Global compute configuration (read-only once the experiment starts).
var globalComputeConfig = DefaultComputeConfig()

// SetGlobalComputeConfig sets the global compute configuration.
// Call it before any training starts.
func SetGlobalComputeConfig(cfg ComputeConfig) {
	globalComputeConfig = cfg
}

// GetGlobalComputeConfig returns the current global compute configuration.
func GetGlobalComputeConfig() ComputeConfig {
	return globalComputeConfig
}

// MatMulWithConfig performs matrix multiplication with the given config.
func MatMulWithConfig(a, b *Tensor, cfg ComputeConfig) *Tensor {
	m, n, k := matmulDims(a, b)
	out := NewTensor(m, n)

	if cfg.numWorkers() == 1 || !cfg.shouldParallelize(m) || !cfg.shouldParallelize(n) {
		matmulRows(a, b, out, 0, m, n, k)
		return out
	}
	return parallelMatMul(a, b, out, cfg.numWorkers())
}

// parallelMatMul divides output rows among workers. Each worker computes
// a contiguous block, so workers never write the same cache line.
func parallelMatMul(a, b, out *Tensor, numWorkers int) *Tensor {
	m, n, k := out.shape[0], out.shape[1], a.shape[1]
	rowsPerWorker := (m + numWorkers - 1) / numWorkers

	var wg sync.WaitGroup
	for start := 0; start < m; start += rowsPerWorker {
		end := start + rowsPerWorker
		if end > m {
			end = m
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			matmulRows(a, b, out, start, end, n, k)
		}(start, end)
	}
	wg.Wait()
	return out
}

// matmulRows computes output rows [startRow, endRow) in i-k-j order,
// which streams through B row by row instead of striding columns.
func matmulRows(a, b, out *Tensor, startRow, endRow, n, k int) {
	for i := startRow; i < endRow; i++ {
		outRow := out.data[i*n : (i+1)*n]
		aRow := a.data[i*k : (i+1)*k]
		for kk, av := range aRow {
			if av == 0 {
				continue
			}
			bRow := b.data[kk*n : (kk+1)*n]
			for j, bv := range bRow {
				outRow[j] += av * bv
			}
		}
	}
}

func matmulDims(a, b *Tensor) (m, n, k int) {
	if len(a.shape) != 2 || len(b.shape) != 2 {
		panic("tensor: MatMul requires 2D tensors")
	}
	if a.shape[1] != b.shape[0] {
		panic(ErrShapeMismatch.Error() + ": matmul inner dimensions differ")
	}
	return a.shape[0], b.shape[1], a.shape[1]
}
