package main

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Training loop for the seq2seq model: batching, optimizers, clipping and
// per-epoch evaluation.
//
// THE TRAINING PROCESS:
//
// 1. Batching:
//    - Pairs are bucketed by source length (GroupByLength), each bucket is
//      shuffled and cut into batches. Equal-length sources keep batches
//      homogeneous, which is how the audited models were trained.
//    - The batch order is reshuffled every epoch.
//
// 2. Forward/backward per sentence:
//    - Decoder input is trg[:-1], labels are trg[1:].
//    - Sentence loss = Σ_t cross-entropy; batch loss = mean over sentences.
//    - Gradients accumulate across the batch (scaled by 1/batch).
//
// 3. Optimization:
//    - adam:     Adam with global-norm clipping (5.0 by default)
//    - momentum: SGD with momentum 0.9
//    - L2 enters both as weight decay.
//
// 4. Evaluation after each epoch:
//    - train loss/perplexity on a random EvalProportion of the train set
//    - dev loss/perplexity on the whole dev set
//
// Perplexity is exp(total loss / total predicted tokens).
//
// MEMBERSHIP ANGLE:
// The gap between train and dev perplexity is exactly the signal the
// attacks exploit. Heavy dropout on the target narrows it; shadows train
// without dropout and for longer, so they overfit at least as much.
//
// ===========================================================================

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
)

// TrainConfig holds model shape and optimization hyperparameters.
type TrainConfig struct {
	Epochs       int     `yaml:"epochs"`
	BatchSize    int     `yaml:"batch_size"`
	LearningRate float64 `yaml:"learning_rate"`
	Optimizer    string  `yaml:"optimizer"` // "adam" or "momentum"
	Momentum     float64 `yaml:"momentum"`
	ClipNorm     float64 `yaml:"clip_norm"` // 0 disables clipping
	L2           float64 `yaml:"l2"`
	Dropout      float64 `yaml:"dropout"`

	EmbedDim  int  `yaml:"embed_dim"`
	HiddenDim int  `yaml:"hidden_dim"`
	Tied      bool `yaml:"tied"`
	Attention bool `yaml:"attention"`

	// Learning rate schedule; zero steps keep the rate constant.
	WarmupSteps int     `yaml:"warmup_steps"`
	DecaySteps  int     `yaml:"decay_steps"`
	MinLR       float64 `yaml:"min_lr"`

	EvalProportion float64 `yaml:"eval_proportion"`
	Seed           int64   `yaml:"seed"`
}

// TargetTrainConfig returns the hyperparameters of the audited model.
func TargetTrainConfig() TrainConfig {
	return TrainConfig{
		Epochs:         30,
		BatchSize:      20,
		LearningRate:   1e-3,
		Optimizer:      "adam",
		ClipNorm:       5.0,
		L2:             1e-4,
		Dropout:        0.5,
		EmbedDim:       128,
		HiddenDim:      128,
		Attention:      true,
		EvalProportion: 0.2,
		Seed:           12345,
	}
}

// ShadowTrainConfig returns the hyperparameters of shadow model i.
// Shadow capacity grows with i so the attack sees a range of model sizes.
func ShadowTrainConfig(i int) TrainConfig {
	dim := 64 + 32*i
	return TrainConfig{
		Epochs:         50,
		BatchSize:      35,
		LearningRate:   0.01,
		Optimizer:      "momentum",
		Momentum:       0.9,
		L2:             1e-4,
		Dropout:        0,
		EmbedDim:       dim,
		HiddenDim:      dim,
		Attention:      true,
		EvalProportion: 0.2,
		Seed:           int64(1000 + i),
	}
}

// Validate checks the configuration.
func (c TrainConfig) Validate() error {
	switch {
	case c.Epochs <= 0:
		return fmt.Errorf("%w: epochs must be positive", ErrInvalidConfig)
	case c.BatchSize <= 0:
		return fmt.Errorf("%w: batch_size must be positive", ErrInvalidConfig)
	case c.LearningRate <= 0:
		return fmt.Errorf("%w: learning_rate must be positive", ErrInvalidConfig)
	case c.Optimizer != "adam" && c.Optimizer != "momentum":
		return fmt.Errorf("%w: unknown optimizer %q", ErrInvalidConfig, c.Optimizer)
	case c.EvalProportion < 0 || c.EvalProportion > 1:
		return fmt.Errorf("%w: eval_proportion must be in [0, 1]", ErrInvalidConfig)
	}
	return nil
}

// ModelConfig returns the model shape for the given vocabularies.
func (c TrainConfig) ModelConfig(srcVocab, trgVocab int) Seq2SeqConfig {
	return Seq2SeqConfig{
		SrcVocab:  srcVocab,
		TrgVocab:  trgVocab,
		EmbedDim:  c.EmbedDim,
		HiddenDim: c.HiddenDim,
		Dropout:   c.Dropout,
		Tied:      c.Tied,
		Attention: c.Attention,
	}
}

// Optimizer interface for different optimization algorithms.
type Optimizer interface {
	// Step performs a single optimization step.
	// Updates parameters using their gradients.
	Step(params []*Tensor, lr float64)

	// ZeroGrad clears all gradients.
	ZeroGrad(params []*Tensor)
}

// SGDOptimizer implements SGD with optional momentum:
//
//	v = momentum * v - lr * (grad + weightDecay * param)
//	param += v
type SGDOptimizer struct {
	momentum    float64
	weightDecay float64
	velocity    []*Tensor
}

// NewSGDOptimizer creates an SGD optimizer.
func NewSGDOptimizer(params []*Tensor, momentum, weightDecay float64) *SGDOptimizer {
	velocity := make([]*Tensor, len(params))
	for i, p := range params {
		velocity[i] = NewTensor(p.shape...)
	}
	return &SGDOptimizer{
		momentum:    momentum,
		weightDecay: weightDecay,
		velocity:    velocity,
	}
}

// Step applies one momentum update.
func (opt *SGDOptimizer) Step(params []*Tensor, lr float64) {
	for i, p := range params {
		v := opt.velocity[i].data
		for j := range p.data {
			grad := p.grad[j] + opt.weightDecay*p.data[j]
			v[j] = opt.momentum*v[j] - lr*grad
			p.data[j] += v[j]
		}
	}
}

// ZeroGrad clears gradients.
func (opt *SGDOptimizer) ZeroGrad(params []*Tensor) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// AdamOptimizer implements Adam optimization algorithm.
//
// Update rule:
//
//	m_t = beta1 * m_{t-1} + (1 - beta1) * grad
//	v_t = beta2 * v_{t-1} + (1 - beta2) * grad²
//	m_hat = m_t / (1 - beta1^t)  // Bias correction
//	v_hat = v_t / (1 - beta2^t)
//	param -= lr * m_hat / (sqrt(v_hat) + epsilon)
type AdamOptimizer struct {
	beta1       float64
	beta2       float64
	epsilon     float64
	weightDecay float64

	m []*Tensor
	v []*Tensor
	t int
}

// NewAdamOptimizer creates an Adam optimizer.
func NewAdamOptimizer(params []*Tensor, beta1, beta2, epsilon, weightDecay float64) *AdamOptimizer {
	m := make([]*Tensor, len(params))
	v := make([]*Tensor, len(params))
	for i, p := range params {
		m[i] = NewTensor(p.shape...)
		v[i] = NewTensor(p.shape...)
	}
	return &AdamOptimizer{
		beta1:       beta1,
		beta2:       beta2,
		epsilon:     epsilon,
		weightDecay: weightDecay,
		m:           m,
		v:           v,
	}
}

// Step performs Adam update.
func (opt *AdamOptimizer) Step(params []*Tensor, lr float64) {
	opt.t++

	bias1 := 1.0 - math.Pow(opt.beta1, float64(opt.t))
	bias2 := 1.0 - math.Pow(opt.beta2, float64(opt.t))

	for i, p := range params {
		m, v := opt.m[i].data, opt.v[i].data
		for j := range p.data {
			grad := p.grad[j] + opt.weightDecay*p.data[j]

			m[j] = opt.beta1*m[j] + (1.0-opt.beta1)*grad
			v[j] = opt.beta2*v[j] + (1.0-opt.beta2)*grad*grad

			mHat := m[j] / bias1
			vHat := v[j] / bias2

			p.data[j] -= lr * mHat / (math.Sqrt(vHat) + opt.epsilon)
		}
	}
}

// ZeroGrad clears gradients.
func (opt *AdamOptimizer) ZeroGrad(params []*Tensor) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// NewOptimizer builds the optimizer named in cfg.
func NewOptimizer(cfg TrainConfig, params []*Tensor) Optimizer {
	if cfg.Optimizer == "momentum" {
		return NewSGDOptimizer(params, cfg.Momentum, cfg.L2)
	}
	return NewAdamOptimizer(params, 0.9, 0.999, 1e-7, cfg.L2)
}

// LRScheduler implements learning rate scheduling.
type LRScheduler struct {
	baseLR      float64
	minLR       float64
	warmupSteps int
	decaySteps  int
	step        int
}

// NewLRScheduler creates a learning rate scheduler.
func NewLRScheduler(baseLR, minLR float64, warmupSteps, decaySteps int) *LRScheduler {
	return &LRScheduler{
		baseLR:      baseLR,
		minLR:       minLR,
		warmupSteps: warmupSteps,
		decaySteps:  decaySteps,
	}
}

// GetLR advances one step and returns its learning rate: linear warmup,
// then cosine decay to minLR. With no warmup and no decay the base rate
// is returned unchanged.
func (sched *LRScheduler) GetLR() float64 {
	sched.step++

	if sched.step < sched.warmupSteps {
		return sched.baseLR * float64(sched.step) / float64(sched.warmupSteps)
	}
	if sched.decaySteps <= sched.warmupSteps {
		return sched.baseLR
	}
	if sched.step < sched.decaySteps {
		progress := float64(sched.step-sched.warmupSteps) / float64(sched.decaySteps-sched.warmupSteps)
		cosine := 0.5 * (1.0 + math.Cos(math.Pi*progress))
		return sched.minLR + (sched.baseLR-sched.minLR)*cosine
	}
	return sched.minLR
}

// clipGradients clips gradients by global norm and returns the norm
// before clipping.
func clipGradients(params []*Tensor, maxNorm float64) float64 {
	globalNorm := 0.0
	for _, p := range params {
		for _, g := range p.Grad() {
			globalNorm += g * g
		}
	}
	globalNorm = math.Sqrt(globalNorm)

	if maxNorm > 0 && globalNorm > maxNorm {
		scale := maxNorm / globalNorm
		for _, p := range params {
			grad := p.Grad()
			for i := range grad {
				grad[i] *= scale
			}
		}
	}
	return globalNorm
}

// GroupByLength buckets examples by source length, shuffles each bucket,
// and cuts it into batches of at most batchSize. Buckets are visited in
// ascending length so the result only depends on rng.
func GroupByLength(examples []Example, batchSize int, rng *rand.Rand) [][]Example {
	buckets := make(map[int][]Example)
	for _, ex := range examples {
		buckets[len(ex.Src)] = append(buckets[len(ex.Src)], ex)
	}
	lengths := make([]int, 0, len(buckets))
	for l := range buckets {
		lengths = append(lengths, l)
	}
	sort.Ints(lengths)

	var batches [][]Example
	for _, l := range lengths {
		bucket := buckets[l]
		rng.Shuffle(len(bucket), func(i, j int) { bucket[i], bucket[j] = bucket[j], bucket[i] })
		for start := 0; start < len(bucket); start += batchSize {
			end := start + batchSize
			if end > len(bucket) {
				end = len(bucket)
			}
			batches = append(batches, bucket[start:end])
		}
	}
	return batches
}

// TrainStep performs a single training step and returns the batch loss
// (mean over sentences of the summed token cross-entropy).
func TrainStep(model *Seq2Seq, batch []Example, optimizer Optimizer, lr, clipNorm float64, rng *rand.Rand) float64 {
	params := model.Parameters()
	optimizer.ZeroGrad(params)

	scale := 1.0 / float64(len(batch))
	totalLoss := 0.0
	for _, ex := range batch {
		trgIn, labels := ex.Trg[:len(ex.Trg)-1], ex.Trg[1:]
		logits, cache := model.Forward(ex.Src, trgIn, rng)
		totalLoss += SequenceCrossEntropy(logits, labels)
		model.Backward(SequenceCrossEntropyBackward(logits, labels, scale), cache)
	}

	clipGradients(params, clipNorm)
	optimizer.Step(params, lr)

	return totalLoss * scale
}

// Perplexity scores a random prop of examples (all of them when prop >= 1)
// in evaluation mode and returns the summed loss and the number of
// predicted tokens.
func Perplexity(model *Seq2Seq, examples []Example, prop float64, rng *rand.Rand) (loss float64, tokens int) {
	indices := make([]int, len(examples))
	for i := range indices {
		indices[i] = i
	}
	n := len(indices)
	if prop < 1 {
		if rng != nil {
			rng.Shuffle(n, func(i, j int) { indices[i], indices[j] = indices[j], indices[i] })
		}
		n = int(prop * float64(n))
	}
	for _, idx := range indices[:n] {
		ex := examples[idx]
		loss += SequenceCrossEntropy(model.Logits(ex), ex.Trg[1:])
		tokens += len(ex.Trg) - 1
	}
	return loss, tokens
}

// EpochStats summarizes one training epoch.
type EpochStats struct {
	Model           string
	Epoch           int
	BatchLoss       float64
	TrainLoss       float64 // per sentence
	TrainPerplexity float64
	DevLoss         float64 // per sentence
	DevPerplexity   float64
	Duration        time.Duration
}

// Trainer runs the epoch loop for one named model.
type Trainer struct {
	Name    string
	Config  TrainConfig
	Logger  *slog.Logger
	OnEpoch func(EpochStats)
}

// Train fits model on train, evaluating on dev after each epoch.
// Cancellation is checked between batches.
func (tr *Trainer) Train(ctx context.Context, model *Seq2Seq, train, dev []Example) ([]EpochStats, error) {
	cfg := tr.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(train) == 0 {
		return nil, fmt.Errorf("train %s: %w", tr.Name, ErrEmptyDataset)
	}
	logger := tr.Logger
	if logger == nil {
		logger = slog.Default()
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	params := model.Parameters()
	optimizer := NewOptimizer(cfg, params)
	scheduler := NewLRScheduler(cfg.LearningRate, cfg.MinLR, cfg.WarmupSteps, cfg.DecaySteps)
	batches := GroupByLength(train, cfg.BatchSize, rng)

	logger.Info("training started",
		"model", tr.Name,
		"params", humanize.Comma(int64(countParameters(params))),
		"train", len(train),
		"dev", len(dev),
		"batches", len(batches),
		"optimizer", cfg.Optimizer)

	var history []EpochStats
	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		start := time.Now()
		rng.Shuffle(len(batches), func(i, j int) { batches[i], batches[j] = batches[j], batches[i] })

		batchLoss := 0.0
		for _, batch := range batches {
			if err := ctx.Err(); err != nil {
				return history, fmt.Errorf("train %s: %w", tr.Name, err)
			}
			batchLoss += TrainStep(model, batch, optimizer, scheduler.GetLR(), cfg.ClipNorm, rng)
		}

		stats := EpochStats{
			Model:     tr.Name,
			Epoch:     epoch,
			BatchLoss: batchLoss / float64(len(batches)),
		}
		if loss, tokens := Perplexity(model, train, cfg.EvalProportion, rng); tokens > 0 {
			stats.TrainLoss = loss / (float64(len(train)) * cfg.EvalProportion)
			stats.TrainPerplexity = math.Exp(loss / float64(tokens))
		}
		if loss, tokens := Perplexity(model, dev, 1, nil); tokens > 0 {
			stats.DevLoss = loss / float64(len(dev))
			stats.DevPerplexity = math.Exp(loss / float64(tokens))
		}
		stats.Duration = time.Since(start)

		logger.Info("epoch done",
			"model", tr.Name,
			"epoch", epoch,
			"loss", fmt.Sprintf("%.3f", stats.TrainLoss),
			"perplexity", fmt.Sprintf("%.3f", stats.TrainPerplexity),
			"dev_loss", fmt.Sprintf("%.3f", stats.DevLoss),
			"dev_perplexity", fmt.Sprintf("%.3f", stats.DevPerplexity),
			"took", stats.Duration.Round(time.Millisecond))

		history = append(history, stats)
		if tr.OnEpoch != nil {
			tr.OnEpoch(stats)
		}
	}
	return history, nil
}

// countParameters returns the total number of scalar parameters.
func countParameters(params []*Tensor) int {
	total := 0
	for _, p := range params {
		total += p.Size()
	}
	return total
}
