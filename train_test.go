package main

import (
	"context"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// copyTask returns examples whose target repeats the source words.
func copyTask(n int, rng *rand.Rand) []Example {
	out := make([]Example, n)
	for i := range out {
		length := 2 + rng.Intn(3)
		words := make([]int, length)
		for j := range words {
			words[j] = numReserved + rng.Intn(4)
		}
		seq := append(append([]int{SOSID}, words...), EOSID)
		out[i] = Example{Src: seq, Trg: seq}
	}
	return out
}

func tinyTrainConfig(optimizer string) TrainConfig {
	return TrainConfig{
		Epochs:         8,
		BatchSize:      4,
		LearningRate:   0.02,
		Optimizer:      optimizer,
		Momentum:       0.9,
		ClipNorm:       5,
		EmbedDim:       8,
		HiddenDim:      8,
		Attention:      true,
		EvalProportion: 1,
		Seed:           1,
	}
}

func TestTrainConfigValidate(t *testing.T) {
	require.NoError(t, TargetTrainConfig().Validate())
	for i := 0; i < 3; i++ {
		require.NoError(t, ShadowTrainConfig(i).Validate())
	}
	assert.Greater(t, ShadowTrainConfig(2).HiddenDim, ShadowTrainConfig(0).HiddenDim)

	bad := TargetTrainConfig()
	bad.Optimizer = "rmsprop"
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)

	bad = TargetTrainConfig()
	bad.BatchSize = 0
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)

	bad = TargetTrainConfig()
	bad.EvalProportion = 1.5
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)
}

func TestGroupByLength(t *testing.T) {
	examples := copyTask(40, rand.New(rand.NewSource(2)))
	batches := GroupByLength(examples, 3, rand.New(rand.NewSource(9)))

	total := 0
	for _, b := range batches {
		require.NotEmpty(t, b)
		assert.LessOrEqual(t, len(b), 3)
		for _, ex := range b {
			assert.Len(t, ex.Src, len(b[0].Src), "batch mixes source lengths")
		}
		total += len(b)
	}
	assert.Equal(t, 40, total)

	again := GroupByLength(copyTask(40, rand.New(rand.NewSource(2))), 3, rand.New(rand.NewSource(9)))
	assert.Equal(t, batches, again)
}

func TestLRScheduler(t *testing.T) {
	constant := NewLRScheduler(0.1, 0, 0, 0)
	for i := 0; i < 5; i++ {
		assert.Equal(t, 0.1, constant.GetLR())
	}

	sched := NewLRScheduler(1.0, 0.1, 4, 10)
	var lrs []float64
	for i := 0; i < 12; i++ {
		lrs = append(lrs, sched.GetLR())
	}
	assert.InDelta(t, 0.25, lrs[0], 1e-12)
	assert.InDelta(t, 0.75, lrs[2], 1e-12)
	assert.InDelta(t, 1.0, lrs[3], 1e-12)
	for i := 4; i < 9; i++ {
		assert.LessOrEqual(t, lrs[i+1], lrs[i])
	}
	assert.Equal(t, 0.1, lrs[11])
}

func TestClipGradients(t *testing.T) {
	p := NewTensor(1, 2)
	p.grad[0], p.grad[1] = 3, 4

	norm := clipGradients([]*Tensor{p}, 10)
	assert.Equal(t, 5.0, norm)
	assert.Equal(t, []float64{3, 4}, p.Grad())

	norm = clipGradients([]*Tensor{p}, 1)
	assert.Equal(t, 5.0, norm)
	assert.InDelta(t, 0.6, p.grad[0], 1e-12)
	assert.InDelta(t, 0.8, p.grad[1], 1e-12)

	// Zero disables clipping.
	p.grad[0], p.grad[1] = 30, 40
	clipGradients([]*Tensor{p}, 0)
	assert.Equal(t, []float64{30, 40}, p.Grad())
}

func TestOptimizersApplyWeightDecay(t *testing.T) {
	for _, name := range []string{"adam", "momentum"} {
		t.Run(name, func(t *testing.T) {
			p := NewTensorFrom([]float64{1, -1}, 1, 2)
			cfg := TrainConfig{Optimizer: name, L2: 0.5}
			opt := NewOptimizer(cfg, []*Tensor{p})

			// With zero gradients only the decay term moves the weights.
			opt.ZeroGrad([]*Tensor{p})
			opt.Step([]*Tensor{p}, 0.1)
			assert.Less(t, p.data[0], 1.0)
			assert.Greater(t, p.data[1], -1.0)
		})
	}
}

func TestTrainStepReducesLoss(t *testing.T) {
	for _, name := range []string{"adam", "momentum"} {
		t.Run(name, func(t *testing.T) {
			rng := rand.New(rand.NewSource(4))
			data := copyTask(12, rng)
			cfg := tinyTrainConfig(name)
			m, err := NewSeq2Seq(cfg.ModelConfig(numReserved+4, numReserved+4), rng)
			require.NoError(t, err)

			before, _ := Perplexity(m, data, 1, nil)
			opt := NewOptimizer(cfg, m.Parameters())
			for step := 0; step < 60; step++ {
				TrainStep(m, data, opt, cfg.LearningRate, cfg.ClipNorm, nil)
			}
			after, _ := Perplexity(m, data, 1, nil)
			assert.Less(t, after, before)
		})
	}
}

func TestPerplexity(t *testing.T) {
	m := testModel(t, false, false)
	data := []Example{
		{Src: []int{SOSID, 4, EOSID}, Trg: []int{SOSID, 5, 6, EOSID}},
		{Src: []int{SOSID, 5, EOSID}, Trg: []int{SOSID, 4, EOSID}},
	}

	loss, tokens := Perplexity(m, data, 1, nil)
	assert.Equal(t, 5, tokens)
	assert.Greater(t, loss, 0.0)
	assert.False(t, math.IsNaN(loss))

	_, tokens = Perplexity(m, data, 0.5, rand.New(rand.NewSource(1)))
	assert.Contains(t, []int{2, 3}, tokens)
}

func TestTrainer(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	train, dev := copyTask(16, rng), copyTask(4, rng)
	cfg := tinyTrainConfig("adam")
	cfg.Epochs = 3
	cfg.Dropout = 0.1

	m, err := NewSeq2Seq(cfg.ModelConfig(numReserved+4, numReserved+4), rng)
	require.NoError(t, err)

	var seen []int
	tr := &Trainer{
		Name:    "tiny",
		Config:  cfg,
		Logger:  discardLogger(),
		OnEpoch: func(s EpochStats) { seen = append(seen, s.Epoch) },
	}
	history, err := tr.Train(context.Background(), m, train, dev)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, []int{0, 1, 2}, seen)
	for _, s := range history {
		assert.Equal(t, "tiny", s.Model)
		assert.Greater(t, s.TrainPerplexity, 1.0)
		assert.Greater(t, s.DevPerplexity, 1.0)
	}
	assert.Less(t, history[2].BatchLoss, history[0].BatchLoss)
}

func TestTrainerErrors(t *testing.T) {
	m := testModel(t, false, false)
	cfg := tinyTrainConfig("adam")

	tr := &Trainer{Name: "empty", Config: cfg, Logger: discardLogger()}
	_, err := tr.Train(context.Background(), m, nil, nil)
	assert.ErrorIs(t, err, ErrEmptyDataset)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tr.Name = "cancelled"
	history, err := tr.Train(ctx, m, copyTask(4, rand.New(rand.NewSource(1))), nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, history)

	cfg.Optimizer = "lbfgs"
	tr.Config = cfg
	_, err = tr.Train(context.Background(), m, copyTask(4, rand.New(rand.NewSource(1))), nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
