package main

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Backward operations for the pieces the seq2seq model is built from.
// There is no tape: each layer stores what it needs in a cache during the
// forward pass, and its Backward walks the chain rule by hand using the
// helpers below.
//
// THE CHAIN RULE:
//
// Given: y = f(x) and L = g(y)
// Then:  ∂L/∂x = ∂L/∂y · ∂y/∂x
//
// Every helper here takes the upstream gradient ∂L/∂y and returns ∂L/∂x.
// Helpers that touch parameters accumulate into Tensor.grad instead of
// returning, because the same weights are reused at every time step.
//
// ===========================================================================

import (
	"fmt"
	"math"
)

// MatMulBackward computes gradients for C = A @ B.
//
//	gradA = gradC @ B^T
//	gradB = A^T @ gradC
func MatMulBackward(a, b, gradC *Tensor) (gradA, gradB *Tensor) {
	gradA = MatMul(gradC, Transpose(b))
	gradB = MatMul(Transpose(a), gradC)
	return gradA, gradB
}

// SoftmaxBackward computes the gradient through a row-wise softmax.
//
// Given Y = softmax(X):
//
//	gradX[i] = Y[i] * (gradY[i] - Σ_j gradY[j] * Y[j])
func SoftmaxBackward(y, gradY *Tensor) *Tensor {
	if len(y.shape) != 2 {
		panic("SoftmaxBackward: requires 2D tensor")
	}
	gradX := NewTensor(y.shape...)
	n := y.shape[1]
	for b := 0; b < y.shape[0]; b++ {
		yr := y.data[b*n : (b+1)*n]
		gr := gradY.data[b*n : (b+1)*n]
		dot := 0.0
		for f := range yr {
			dot += gr[f] * yr[f]
		}
		out := gradX.data[b*n : (b+1)*n]
		for f := range yr {
			out[f] = yr[f] * (gr[f] - dot)
		}
	}
	return gradX
}

// SigmoidBackward computes gradX given the sigmoid output y:
// σ'(x) = y (1 - y).
func SigmoidBackward(y, gradY *Tensor) *Tensor {
	gradX := NewTensor(y.shape...)
	for i, v := range y.data {
		gradX.data[i] = gradY.data[i] * v * (1 - v)
	}
	return gradX
}

// TanhBackward computes gradX given the tanh output y: tanh'(x) = 1 - y².
func TanhBackward(y, gradY *Tensor) *Tensor {
	gradX := NewTensor(y.shape...)
	for i, v := range y.data {
		gradX.data[i] = gradY.data[i] * (1 - v*v)
	}
	return gradX
}

// SequenceCrossEntropy returns the summed cross-entropy of a sequence:
//
//	loss = Σ_t -log softmax(logits[t])[targets[t]]
//
// Summing over time and averaging over the batch matches how the NMT
// models are scored: per-sentence loss, not per-token loss.
func SequenceCrossEntropy(logits *Tensor, targets []int) float64 {
	if len(logits.shape) != 2 {
		panic("SequenceCrossEntropy expects 2D logits")
	}
	steps, vocab := logits.shape[0], logits.shape[1]
	if len(targets) != steps {
		panic(fmt.Sprintf("target length %d != steps %d", len(targets), steps))
	}

	total := 0.0
	for t := 0; t < steps; t++ {
		row := logits.data[t*vocab : (t+1)*vocab]
		total += logSumExp(row) - row[targets[t]]
	}
	return total
}

// SequenceCrossEntropyBackward returns ∂loss/∂logits scaled by `scale`
// (1/batchSize when the batch loss is a mean over sentences):
//
//	grad[t] = scale * (softmax(logits[t]) - onehot(targets[t]))
func SequenceCrossEntropyBackward(logits *Tensor, targets []int, scale float64) *Tensor {
	grad := Softmax(logits)
	vocab := logits.shape[1]
	for t, target := range targets {
		grad.data[t*vocab+target] -= 1
	}
	return Scale(grad, scale)
}

// AccumulateGrad adds grad into the tensor's gradient buffer.
// Used when a tensor feeds several consumers in the forward pass.
func (t *Tensor) AccumulateGrad(grad *Tensor) {
	if len(t.grad) != len(grad.data) {
		panic("AccumulateGrad: shape mismatch")
	}
	for i := range t.grad {
		t.grad[i] += grad.data[i]
	}
}

// logSumExp computes log Σ exp(x) without overflow.
func logSumExp(x []float64) float64 {
	maxVal := x[0]
	for _, v := range x[1:] {
		if v > maxVal {
			maxVal = v
		}
	}
	sum := 0.0
	for _, v := range x {
		sum += math.Exp(v - maxVal)
	}
	return maxVal + math.Log(sum)
}
