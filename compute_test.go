package main

import (
	"fmt"
	"math/rand"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeConfig(t *testing.T) {
	cfg := DefaultComputeConfig()
	assert.True(t, cfg.Parallel)
	assert.Equal(t, runtime.NumCPU(), cfg.numWorkers())

	st := SingleThreadedConfig()
	assert.False(t, st.Parallel)
	assert.Equal(t, 1, st.numWorkers())

	// Workers reports the budget even when matmul is not split.
	off := ComputeConfig{Parallel: false, NumWorkers: 6}
	assert.Equal(t, 6, off.Workers())
	assert.Equal(t, 1, off.numWorkers())
}

func TestMinSizeForParallel(t *testing.T) {
	cfg := ComputeConfig{Parallel: true, NumWorkers: 4, MinSizeForParallel: 100}
	assert.False(t, cfg.shouldParallelize(50))
	assert.True(t, cfg.shouldParallelize(200))
}

func TestGlobalComputeConfig(t *testing.T) {
	original := GetGlobalComputeConfig()
	defer SetGlobalComputeConfig(original)

	SetGlobalComputeConfig(SingleThreadedConfig())
	assert.False(t, GetGlobalComputeConfig().Parallel)

	SetGlobalComputeConfig(DefaultComputeConfig())
	assert.True(t, GetGlobalComputeConfig().Parallel)
}

func TestExperimentComputeDisablesMatMulSplitForConcurrentModels(t *testing.T) {
	original := GetGlobalComputeConfig()
	defer SetGlobalComputeConfig(original)

	e := &Experiment{Config: Config{Compute: ComputeSection{Workers: 3}}}

	e.compute(1)
	assert.True(t, GetGlobalComputeConfig().Parallel)
	assert.Equal(t, 3, GetGlobalComputeConfig().Workers())

	e.compute(3)
	assert.False(t, GetGlobalComputeConfig().Parallel)
	assert.Equal(t, 3, GetGlobalComputeConfig().Workers())
}

// BenchmarkMatMulWorkerCounts benchmarks different worker counts.
func BenchmarkMatMulWorkerCounts(b *testing.B) {
	size := 256
	rng := rand.New(rand.NewSource(1))
	a := NewTensorUniform(rng, size, size)
	mat := NewTensorUniform(rng, size, size)

	for _, workers := range []int{1, 2, 4, 8} {
		b.Run(fmt.Sprintf("workers=%d", workers), func(b *testing.B) {
			cfg := ComputeConfig{
				Parallel:           workers > 1,
				NumWorkers:         workers,
				MinSizeForParallel: 64,
			}
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				_ = MatMulWithConfig(a, mat, cfg)
			}
		})
	}
}
