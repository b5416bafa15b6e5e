package main

import (
	"errors"
	"fmt"
	"math/rand"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// The translation model under audit: an LSTM encoder-decoder with
// multiplicative attention.
//
// ARCHITECTURE:
//
//	src ids ─► Embed_src ─► dropout ─► LSTM_enc ─► enc (S,H), (h_S, c_S)
//	                                                   │          │
//	trg ids ─► Embed_trg ─► dropout ─► LSTM_dec ◄──────┼──────────┘ init state
//	                                       │           │
//	                                   dropout         │
//	                                       │           │
//	                      dec (T,H) ───────┼───► attention ─► ctx (T,H) ─► dropout
//	                                       │                                │
//	                 logits = dec W_out + b_out            +           ctx W_ctx
//
// Attention scores are bilinear: score(t, s) = dec_t · (W_a enc_s).
// With Tied output the decoder reuses its embedding table as W_out
// (requires HiddenDim == EmbedDim), which halves the largest parameter.
//
// WHY THIS MODEL:
// The attack only needs per-step output distributions under teacher
// forcing. Any autoregressive seq2seq model would do; this one matches the
// models the rank attacks were designed against, and it is small enough to
// train many shadow copies on a CPU.
//
// ===========================================================================

// ErrTiedDims is returned when tied output is requested with mismatched dims.
var ErrTiedDims = errors.New("seq2seq: tied output requires HiddenDim == EmbedDim")

// Seq2SeqConfig describes the model shape.
type Seq2SeqConfig struct {
	SrcVocab  int     `json:"src_vocab"`
	TrgVocab  int     `json:"trg_vocab"`
	EmbedDim  int     `json:"embed_dim"`
	HiddenDim int     `json:"hidden_dim"`
	Dropout   float64 `json:"dropout"`
	Tied      bool    `json:"tied"`
	Attention bool    `json:"attention"`
}

// Validate checks that the configuration can build a model.
func (c Seq2SeqConfig) Validate() error {
	if c.SrcVocab <= numReserved || c.TrgVocab <= numReserved {
		return fmt.Errorf("%w: vocabularies must exceed the reserved tokens", ErrInvalidConfig)
	}
	if c.EmbedDim <= 0 || c.HiddenDim <= 0 {
		return fmt.Errorf("%w: dimensions must be positive", ErrInvalidConfig)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return fmt.Errorf("%w: dropout must be in [0, 1)", ErrInvalidConfig)
	}
	if c.Tied && c.EmbedDim != c.HiddenDim {
		return ErrTiedDims
	}
	return nil
}

// Seq2Seq is the encoder-decoder model.
type Seq2Seq struct {
	config Seq2SeqConfig

	srcEmbed *Tensor // (SrcVocab, E)
	trgEmbed *Tensor // (TrgVocab, E)
	encoder  *LSTM
	decoder  *LSTM

	outW *Tensor // (H, TrgVocab); nil when tied
	outB *Tensor // (1, TrgVocab)

	attW *Tensor // (H, H); nil without attention
	ctxW *Tensor // (H, TrgVocab); nil without attention
}

// NewSeq2Seq creates a model with freshly initialized weights.
func NewSeq2Seq(config Seq2SeqConfig, rng *rand.Rand) (*Seq2Seq, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	E, H := config.EmbedDim, config.HiddenDim

	m := &Seq2Seq{
		config:   config,
		srcEmbed: NewTensorUniform(rng, config.SrcVocab, E),
		trgEmbed: NewTensorUniform(rng, config.TrgVocab, E),
		encoder:  NewLSTM(E, H, rng),
		decoder:  NewLSTM(E, H, rng),
		outB:     NewTensor(1, config.TrgVocab),
	}
	if !config.Tied {
		m.outW = NewTensorUniform(rng, H, config.TrgVocab)
	}
	if config.Attention {
		m.attW = NewTensorUniform(rng, H, H)
		m.ctxW = NewTensorUniform(rng, H, config.TrgVocab)
	}
	return m, nil
}

// Config returns the model configuration.
func (m *Seq2Seq) Config() Seq2SeqConfig {
	return m.config
}

// Parameters returns all trainable tensors in a fixed order.
// Checkpoints rely on this order.
func (m *Seq2Seq) Parameters() []*Tensor {
	params := []*Tensor{m.srcEmbed, m.trgEmbed}
	params = append(params, m.encoder.Parameters()...)
	params = append(params, m.decoder.Parameters()...)
	params = append(params, m.outB)
	if m.outW != nil {
		params = append(params, m.outW)
	}
	if m.attW != nil {
		params = append(params, m.attW, m.ctxW)
	}
	return params
}

// outputWeights returns the (H, V) projection, materializing the tied
// transpose when needed.
func (m *Seq2Seq) outputWeights() *Tensor {
	if m.outW != nil {
		return m.outW
	}
	return Transpose(m.trgEmbed)
}

// Forward runs teacher-forced decoding. trgIn is the decoder input
// (target without its last token). When rng is non-nil, dropout is
// active (training mode). Returns logits of shape (len(trgIn), TrgVocab)
// and the cache Backward needs.
func (m *Seq2Seq) Forward(src, trgIn []int, rng *rand.Rand) (*Tensor, *Seq2SeqCache) {
	if len(src) == 0 || len(trgIn) == 0 {
		panic("seq2seq: empty source or target input")
	}
	p := 0.0
	if rng != nil {
		p = m.config.Dropout
	}
	cache := &Seq2SeqCache{src: src, trgIn: trgIn}

	// Encoder
	srcEmb := Gather(m.srcEmbed, src)
	srcEmb, cache.srcMask = dropout(srcEmb, p, rng)
	encOut, encCache := m.encoder.Forward(srcEmb, nil, nil)
	cache.encOut, cache.enc = encOut, encCache

	S := len(src)
	hS := encOut.Row(S - 1)
	cS := encCache.c.Row(S - 1)

	// Decoder, initialized from the encoder's final state
	trgEmb := Gather(m.trgEmbed, trgIn)
	trgEmb, cache.trgMask = dropout(trgEmb, p, rng)
	decOut, decCache := m.decoder.Forward(trgEmb, hS, cS)
	cache.dec = decCache
	decOut, cache.decMask = dropout(decOut, p, rng)
	cache.decOut = decOut

	logits := AddRowVector(MatMul(decOut, m.outputWeights()), m.outB)

	if m.attW != nil {
		keys := MatMul(encOut, m.attW)                      // (S, H)
		weights := Softmax(MatMul(decOut, Transpose(keys))) // (T, S)
		ctx := MatMul(weights, encOut)                      // (T, H)
		ctx, cache.ctxMask = dropout(ctx, p, rng)
		cache.keys, cache.attn, cache.ctx = keys, weights, ctx
		logits = Add(logits, MatMul(ctx, m.ctxW))
	}

	return logits, cache
}

// Logits is Forward in evaluation mode without the cache.
func (m *Seq2Seq) Logits(ex Example) *Tensor {
	logits, _ := m.Forward(ex.Src, ex.Trg[:len(ex.Trg)-1], nil)
	return logits
}

// GreedyDecode translates src one token at a time, feeding back the
// argmax. It returns the predicted ids (without <sos>, ending at <eos>
// when produced) and the output distribution at every step.
func (m *Seq2Seq) GreedyDecode(src []int, maxLen int) ([]int, [][]float64) {
	srcEmb := Gather(m.srcEmbed, src)
	encOut, encCache := m.encoder.Forward(srcEmb, nil, nil)
	S := len(src)
	h := append([]float64(nil), encOut.Row(S-1)...)
	c := append([]float64(nil), encCache.c.Row(S-1)...)

	var keys *Tensor
	if m.attW != nil {
		keys = MatMul(encOut, m.attW)
	}
	outW := m.outputWeights()

	var (
		ids   []int
		dists [][]float64
	)
	token := SOSID
	for step := 0; step < maxLen; step++ {
		h, c = m.decoder.Step(m.trgEmbed.Row(token), h, c)

		hT := NewTensorFrom(h, 1, len(h))
		logits := AddRowVector(MatMul(hT, outW), m.outB)
		if keys != nil {
			weights := Softmax(MatMul(hT, Transpose(keys)))
			logits = Add(logits, MatMul(MatMul(weights, encOut), m.ctxW))
		}

		probs := make([]float64, m.config.TrgVocab)
		softmaxInto(probs, logits.data)
		dists = append(dists, probs)

		token = argmax(probs)
		ids = append(ids, token)
		if token == EOSID {
			break
		}
	}
	return ids, dists
}

// dropout applies inverted dropout. It returns the input unchanged and a
// nil mask when p == 0 or rng is nil.
func dropout(x *Tensor, p float64, rng *rand.Rand) (*Tensor, []float64) {
	if p <= 0 || rng == nil {
		return x, nil
	}
	keep := 1 - p
	mask := make([]float64, len(x.data))
	out := NewTensor(x.shape...)
	for i := range x.data {
		if rng.Float64() < keep {
			mask[i] = 1 / keep
		}
		out.data[i] = x.data[i] * mask[i]
	}
	return out, mask
}
