package main

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Backpropagation for Seq2Seq, from the logits back to both embedding
// tables. The order mirrors Forward in reverse:
//
//	logits ─► output projection ─► (attention) ─► decoder dropout
//	       ─► decoder LSTM ─► decoder embedding
//	                     └─► (h_S, c_S) ─► encoder LSTM ─► source embedding
//
// The encoder receives gradient from two places: the attention context
// (every encoder step) and the decoder's initial state (last step only).
//
// ===========================================================================

// Seq2SeqCache stores the forward activations needed by Backward.
type Seq2SeqCache struct {
	src, trgIn []int

	srcMask, trgMask []float64
	decMask, ctxMask []float64

	enc, dec *lstmCache
	encOut   *Tensor // (S, H), encoder hidden states
	decOut   *Tensor // (T, H), after dropout

	keys *Tensor // (S, H) = encOut @ attW
	attn *Tensor // (T, S) attention weights
	ctx  *Tensor // (T, H), after dropout
}

// Backward accumulates ∂L/∂θ into every parameter's gradient buffer,
// given ∂L/∂logits.
func (m *Seq2Seq) Backward(gradLogits *Tensor, cache *Seq2SeqCache) {
	// Output bias: sum over time
	V := gradLogits.shape[1]
	for t := 0; t < gradLogits.shape[0]; t++ {
		row := gradLogits.data[t*V : (t+1)*V]
		for j, g := range row {
			m.outB.grad[j] += g
		}
	}

	// Output projection
	var dDec *Tensor
	if m.outW != nil {
		var dOutW *Tensor
		dDec, dOutW = MatMulBackward(cache.decOut, m.outW, gradLogits)
		m.outW.AccumulateGrad(dOutW)
	} else {
		// logits = dec @ Eᵀ
		var dEmbT *Tensor
		dDec, dEmbT = MatMulBackward(cache.decOut, Transpose(m.trgEmbed), gradLogits)
		m.trgEmbed.AccumulateGrad(Transpose(dEmbT))
	}

	dEncOut := NewTensor(cache.encOut.Shape()...)

	if m.attW != nil {
		// logits += ctx @ ctxW
		dCtx, dCtxW := MatMulBackward(cache.ctx, m.ctxW, gradLogits)
		m.ctxW.AccumulateGrad(dCtxW)
		applyMask(dCtx, cache.ctxMask)

		// ctx = attn @ encOut
		dAttn, dEncCtx := MatMulBackward(cache.attn, cache.encOut, dCtx)
		dEncOut = Add(dEncOut, dEncCtx)

		// attn = softmax(decOut @ keysᵀ)
		dScores := SoftmaxBackward(cache.attn, dAttn)
		dDecAttn, dKeysT := MatMulBackward(cache.decOut, Transpose(cache.keys), dScores)
		dDec = Add(dDec, dDecAttn)

		// keys = encOut @ attW
		dEncKeys, dAttW := MatMulBackward(cache.encOut, m.attW, Transpose(dKeysT))
		m.attW.AccumulateGrad(dAttW)
		dEncOut = Add(dEncOut, dEncKeys)
	}

	// Decoder
	applyMask(dDec, cache.decMask)
	dTrgEmb, dh0, dc0 := m.decoder.Backward(dDec, nil, nil, cache.dec)
	applyMask(dTrgEmb, cache.trgMask)
	ScatterAddGrad(m.trgEmbed, cache.trgIn, dTrgEmb)

	// Encoder: the decoder's initial state was the encoder's final state
	dSrcEmb, _, _ := m.encoder.Backward(dEncOut, dh0, dc0, cache.enc)
	applyMask(dSrcEmb, cache.srcMask)
	ScatterAddGrad(m.srcEmbed, cache.src, dSrcEmb)
}

// applyMask multiplies a gradient by its dropout mask in place.
func applyMask(grad *Tensor, mask []float64) {
	if mask == nil {
		return
	}
	for i := range grad.data {
		grad.data[i] *= mask[i]
	}
}
