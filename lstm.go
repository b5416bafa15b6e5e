package main

import (
	"math"
	"math/rand"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// A single-layer LSTM with hand-written backpropagation through time.
//
// Per step, with gates packed as [i | f | g | o] along the last axis:
//
//	z  = x_t Wx + h_{t-1} Wh + b
//	i  = σ(z_i)   f = σ(z_f)   g = tanh(z_g)   o = σ(z_o)
//	c_t = f ⊙ c_{t-1} + i ⊙ g
//	h_t = o ⊙ tanh(c_t)
//
// The input projection x Wx is computed for the whole sequence with one
// matmul; only the recurrent part h Wh runs step by step.
//
// Backward walks time in reverse, carrying dh and dc from step t+1:
//
//	dc   = dc_next + dh ⊙ o ⊙ (1 - tanh²(c_t))
//	do   = dh ⊙ tanh(c_t)       di = dc ⊙ g
//	dg   = dc ⊙ i               df = dc ⊙ c_{t-1}
//	dc_next ← dc ⊙ f
//	dh_next ← dz Whᵀ
//
// ===========================================================================

// LSTM is one recurrent layer.
type LSTM struct {
	Wx *Tensor // (inputDim, 4*hidden)
	Wh *Tensor // (hidden, 4*hidden)
	B  *Tensor // (1, 4*hidden)

	hidden int
}

// NewLSTM creates an LSTM with Glorot-uniform weights and the forget-gate
// bias set to 1, which keeps early gradients from vanishing.
func NewLSTM(inputDim, hidden int, rng *rand.Rand) *LSTM {
	l := &LSTM{
		Wx:     NewTensorUniform(rng, inputDim, 4*hidden),
		Wh:     NewTensorUniform(rng, hidden, 4*hidden),
		B:      NewTensor(1, 4*hidden),
		hidden: hidden,
	}
	for j := hidden; j < 2*hidden; j++ {
		l.B.data[j] = 1
	}
	return l
}

// Parameters returns the layer's trainable tensors.
func (l *LSTM) Parameters() []*Tensor {
	return []*Tensor{l.Wx, l.Wh, l.B}
}

// lstmCache keeps per-step activations for BPTT. All tensors are (T, H).
type lstmCache struct {
	x          *Tensor
	i, f, g, o *Tensor
	c, tanhC   *Tensor
	h          *Tensor
	h0, c0     []float64
}

// step advances one time step. zx is the precomputed input projection for
// this step. It writes the gates and new state into the given rows.
func (l *LSTM) step(zx, hPrev, cPrev, iRow, fRow, gRow, oRow, cRow, tcRow, hRow []float64) {
	H := l.hidden
	z := make([]float64, 4*H)
	copy(z, zx)
	for j := range z {
		z[j] += l.B.data[j]
	}
	for k, hv := range hPrev {
		if hv == 0 {
			continue
		}
		w := l.Wh.data[k*4*H : (k+1)*4*H]
		for j := range z {
			z[j] += hv * w[j]
		}
	}
	for j := 0; j < H; j++ {
		iRow[j] = sigmoid(z[j])
		fRow[j] = sigmoid(z[H+j])
		gRow[j] = math.Tanh(z[2*H+j])
		oRow[j] = sigmoid(z[3*H+j])
		cRow[j] = fRow[j]*cPrev[j] + iRow[j]*gRow[j]
		tcRow[j] = math.Tanh(cRow[j])
		hRow[j] = oRow[j] * tcRow[j]
	}
}

// Forward runs the layer over a (T, inputDim) sequence starting from
// (h0, c0). Nil initial states mean zeros. Returns hidden states (T, H).
func (l *LSTM) Forward(x *Tensor, h0, c0 []float64) (*Tensor, *lstmCache) {
	T, H := x.shape[0], l.hidden
	if h0 == nil {
		h0 = make([]float64, H)
	}
	if c0 == nil {
		c0 = make([]float64, H)
	}

	zx := MatMul(x, l.Wx)
	cache := &lstmCache{
		x: x,
		i: NewTensor(T, H), f: NewTensor(T, H), g: NewTensor(T, H), o: NewTensor(T, H),
		c: NewTensor(T, H), tanhC: NewTensor(T, H), h: NewTensor(T, H),
		h0: h0, c0: c0,
	}

	hPrev, cPrev := h0, c0
	for t := 0; t < T; t++ {
		l.step(zx.Row(t), hPrev, cPrev,
			cache.i.Row(t), cache.f.Row(t), cache.g.Row(t), cache.o.Row(t),
			cache.c.Row(t), cache.tanhC.Row(t), cache.h.Row(t))
		hPrev, cPrev = cache.h.Row(t), cache.c.Row(t)
	}
	return cache.h, cache
}

// Step runs a single step from (h, c) for incremental decoding.
func (l *LSTM) Step(x []float64, h, c []float64) (hNext, cNext []float64) {
	H := l.hidden
	zx := make([]float64, 4*H)
	for k, xv := range x {
		w := l.Wx.data[k*4*H : (k+1)*4*H]
		for j := range zx {
			zx[j] += xv * w[j]
		}
	}
	i, f, g, o := make([]float64, H), make([]float64, H), make([]float64, H), make([]float64, H)
	tc := make([]float64, H)
	hNext, cNext = make([]float64, H), make([]float64, H)
	l.step(zx, h, c, i, f, g, o, cNext, tc, hNext)
	return hNext, cNext
}

// Backward propagates dH (T, H) plus gradients on the final state
// (dhT, dcT; nil for none). It accumulates into Wx, Wh and B and returns
// the input gradient (T, inputDim) and the gradients on (h0, c0).
func (l *LSTM) Backward(dH *Tensor, dhT, dcT []float64, cache *lstmCache) (dX *Tensor, dh0, dc0 []float64) {
	T, H := dH.shape[0], l.hidden

	dhNext := make([]float64, H)
	dcNext := make([]float64, H)
	if dhT != nil {
		copy(dhNext, dhT)
	}
	if dcT != nil {
		copy(dcNext, dcT)
	}

	dZ := NewTensor(T, 4*H)
	dI, dF, dG, dO := make([]float64, H), make([]float64, H), make([]float64, H), make([]float64, H)
	for t := T - 1; t >= 0; t-- {
		hPrev, cPrev := cache.h0, cache.c0
		if t > 0 {
			hPrev, cPrev = cache.h.Row(t-1), cache.c.Row(t-1)
		}
		iR, fR, gR, oR := cache.i.Row(t), cache.f.Row(t), cache.g.Row(t), cache.o.Row(t)
		tcR := cache.tanhC.Row(t)
		dHR := dH.Row(t)
		dz := dZ.Row(t)

		for j := 0; j < H; j++ {
			dh := dHR[j] + dhNext[j]
			dc := dcNext[j] + dh*oR[j]*(1-tcR[j]*tcR[j])

			dO[j] = dh * tcR[j]
			dI[j] = dc * gR[j]
			dG[j] = dc * iR[j]
			dF[j] = dc * cPrev[j]

			dcNext[j] = dc * fR[j]
		}
		// Back through the gate nonlinearities into the packed pre-activations.
		copy(dz[:H], SigmoidBackward(rowTensor(iR), rowTensor(dI)).data)
		copy(dz[H:2*H], SigmoidBackward(rowTensor(fR), rowTensor(dF)).data)
		copy(dz[2*H:3*H], TanhBackward(rowTensor(gR), rowTensor(dG)).data)
		copy(dz[3*H:], SigmoidBackward(rowTensor(oR), rowTensor(dO)).data)

		// dWh += h_{t-1}ᵀ dz ; dh_{t-1} = dz Whᵀ
		for k := 0; k < H; k++ {
			w := l.Wh.data[k*4*H : (k+1)*4*H]
			gw := l.Wh.grad[k*4*H : (k+1)*4*H]
			hv := hPrev[k]
			sum := 0.0
			for j := range dz {
				gw[j] += hv * dz[j]
				sum += dz[j] * w[j]
			}
			dhNext[k] = sum
		}
		for j := range dz {
			l.B.grad[j] += dz[j]
		}
	}

	l.Wx.AccumulateGrad(MatMul(Transpose(cache.x), dZ))
	dX = MatMul(dZ, Transpose(l.Wx))
	return dX, dhNext, dcNext
}
