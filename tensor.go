package main

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
)

// RECOMMENDED READING:
//
// Sequence models:
// - "Sequence to Sequence Learning with Neural Networks", Sutskever et al. (2014)
// - "Effective Approaches to Attention-based NMT", Luong et al. (2015)
//
// Membership inference:
// - "Auditing Data Provenance in Text-Generation Models", Song & Shmatikov (2019)
// - "Membership Inference Attacks Against ML Models", Shokri et al. (2017)

var (
	// ErrShapeMismatch indicates incompatible tensor shapes for an operation.
	ErrShapeMismatch = errors.New("tensor: shape mismatch")

	// ErrInvalidShape indicates an invalid tensor shape.
	ErrInvalidShape = errors.New("tensor: invalid shape")
)

// Tensor represents a multi-dimensional array of float64 values.
// It stores data in row-major (C-contiguous) order, with a gradient
// buffer of the same size used during backpropagation.
//
// Tensor is not safe for concurrent use. Two goroutines may read the
// same tensor, but only one may accumulate into its gradient.
type Tensor struct {
	data  []float64
	shape []int
	grad  []float64
}

// NewTensor creates a tensor with the given shape, initialized to zero.
// Panics if shape is invalid (empty or contains non-positive dimensions).
// Shape errors are programmer bugs, not runtime conditions.
func NewTensor(shape ...int) *Tensor {
	if len(shape) == 0 {
		panic("tensor: shape cannot be empty")
	}

	size := 1
	for i, dim := range shape {
		if dim <= 0 {
			panic(fmt.Sprintf("tensor: shape[%d] must be positive, got %d", i, dim))
		}
		size *= dim
	}

	shapeCopy := make([]int, len(shape))
	copy(shapeCopy, shape)

	return &Tensor{
		data:  make([]float64, size),
		shape: shapeCopy,
		grad:  make([]float64, size),
	}
}

// NewTensorFrom wraps a copy of data in a tensor of the given shape.
func NewTensorFrom(data []float64, shape ...int) *Tensor {
	t := NewTensor(shape...)
	if len(data) != len(t.data) {
		panic(fmt.Sprintf("tensor: %d values do not fill shape %v", len(data), shape))
	}
	copy(t.data, data)
	return t
}

// NewTensorUniform creates a tensor with Glorot-uniform values:
// U(-limit, limit) with limit = sqrt(6 / (fanIn + fanOut)).
// The first dimension is treated as fan-in, the last as fan-out.
func NewTensorUniform(rng *rand.Rand, shape ...int) *Tensor {
	t := NewTensor(shape...)
	fanIn, fanOut := shape[0], shape[len(shape)-1]
	limit := math.Sqrt(6.0 / float64(fanIn+fanOut))
	for i := range t.data {
		t.data[i] = (rng.Float64()*2 - 1) * limit
	}
	return t
}

// Shape returns a copy of the tensor's shape.
func (t *Tensor) Shape() []int {
	shape := make([]int, len(t.shape))
	copy(shape, t.shape)
	return shape
}

// Dims returns the number of dimensions (rank) of the tensor.
func (t *Tensor) Dims() int {
	return len(t.shape)
}

// Size returns the total number of elements in the tensor.
func (t *Tensor) Size() int {
	return len(t.data)
}

// Data exposes the underlying storage. Callers must not resize it.
func (t *Tensor) Data() []float64 {
	return t.data
}

// Grad exposes the gradient buffer.
func (t *Tensor) Grad() []float64 {
	return t.grad
}

// At returns the element at the given indices.
func (t *Tensor) At(indices ...int) float64 {
	return t.data[t.flatIndex(indices)]
}

// Set sets the element at the given indices.
func (t *Tensor) Set(value float64, indices ...int) {
	t.data[t.flatIndex(indices)] = value
}

// flatIndex converts multi-dimensional indices to a flat index.
func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != len(t.shape) {
		panic(fmt.Sprintf("tensor: expected %d indices, got %d", len(t.shape), len(indices)))
	}

	idx := 0
	stride := 1
	for i := len(indices) - 1; i >= 0; i-- {
		if indices[i] < 0 || indices[i] >= t.shape[i] {
			panic(fmt.Sprintf("tensor: index[%d]=%d out of bounds [0,%d)", i, indices[i], t.shape[i]))
		}
		idx += indices[i] * stride
		stride *= t.shape[i]
	}
	return idx
}

// Row returns row i of a 2D tensor as a slice view.
func (t *Tensor) Row(i int) []float64 {
	if len(t.shape) != 2 {
		panic("tensor: Row requires 2D tensor")
	}
	n := t.shape[1]
	return t.data[i*n : (i+1)*n]
}

// GradRow returns the gradient of row i of a 2D tensor as a slice view.
func (t *Tensor) GradRow(i int) []float64 {
	if len(t.shape) != 2 {
		panic("tensor: GradRow requires 2D tensor")
	}
	n := t.shape[1]
	return t.grad[i*n : (i+1)*n]
}

// ZeroGrad clears the gradient buffer. Call before each backward pass.
func (t *Tensor) ZeroGrad() {
	for i := range t.grad {
		t.grad[i] = 0
	}
}

// rowTensor views s as a (1, len(s)) tensor without copying. The view has
// no gradient buffer.
func rowTensor(s []float64) *Tensor {
	return &Tensor{data: s, shape: []int{1, len(s)}}
}

// Clone creates a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	clone := NewTensor(t.shape...)
	copy(clone.data, t.data)
	copy(clone.grad, t.grad)
	return clone
}

// String returns a short description for debugging.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, size=%d)", t.shape, len(t.data))
}

// ===========================================================================
// OPERATIONS
// ===========================================================================

// Add performs element-wise addition: out = a + b.
func Add(a, b *Tensor) *Tensor {
	if !shapeEqual(a.shape, b.shape) {
		panic(fmt.Sprintf("tensor: cannot add shapes %v and %v", a.shape, b.shape))
	}
	out := NewTensor(a.shape...)
	for i := range out.data {
		out.data[i] = a.data[i] + b.data[i]
	}
	return out
}

// AddRowVector adds a (1, N) or (N) bias to every row of a (M, N) tensor.
func AddRowVector(x, bias *Tensor) *Tensor {
	if len(x.shape) != 2 || len(bias.data) != x.shape[1] {
		panic(fmt.Sprintf("tensor: cannot broadcast %v over %v", bias.shape, x.shape))
	}
	out := x.Clone()
	n := x.shape[1]
	for i := 0; i < x.shape[0]; i++ {
		row := out.data[i*n : (i+1)*n]
		for j := range row {
			row[j] += bias.data[j]
		}
	}
	return out
}

// Scale multiplies all elements by a scalar: out = a * scalar.
func Scale(a *Tensor, scalar float64) *Tensor {
	out := NewTensor(a.shape...)
	for i := range out.data {
		out.data[i] = a.data[i] * scalar
	}
	return out
}

// MatMul performs matrix multiplication: C = A @ B.
// A must be (M, K), B must be (K, N), result is (M, N).
// Uses the global compute configuration to decide on row parallelism.
func MatMul(a, b *Tensor) *Tensor {
	return MatMulWithConfig(a, b, globalComputeConfig)
}

// Transpose returns the transpose of a 2D matrix.
func Transpose(a *Tensor) *Tensor {
	if len(a.shape) != 2 {
		panic("tensor: Transpose requires 2D tensor")
	}
	m, n := a.shape[0], a.shape[1]
	out := NewTensor(n, m)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			out.data[j*m+i] = a.data[i*n+j]
		}
	}
	return out
}

// Gather selects rows of a (V, D) table: out[i] = table[ids[i]].
// This is the embedding lookup.
func Gather(table *Tensor, ids []int) *Tensor {
	if len(table.shape) != 2 {
		panic("tensor: Gather requires 2D table")
	}
	d := table.shape[1]
	out := NewTensor(len(ids), d)
	for i, id := range ids {
		copy(out.data[i*d:(i+1)*d], table.Row(id))
	}
	return out
}

// ScatterAddGrad accumulates grad rows back into the table gradient:
// table.grad[ids[i]] += grad[i]. It is the backward pass of Gather.
func ScatterAddGrad(table *Tensor, ids []int, grad *Tensor) {
	d := table.shape[1]
	if len(grad.shape) != 2 || grad.shape[0] != len(ids) || grad.shape[1] != d {
		panic(fmt.Sprintf("tensor: scatter grad %v does not match %d ids of width %d", grad.shape, len(ids), d))
	}
	for i, id := range ids {
		dst := table.GradRow(id)
		src := grad.data[i*d : (i+1)*d]
		for j := range dst {
			dst[j] += src[j]
		}
	}
}

// ===========================================================================
// ACTIVATION FUNCTIONS
// ===========================================================================

// Softmax applies softmax to every row of a 2D tensor.
// Numerically stable: subtracts the row max before exp.
func Softmax(x *Tensor) *Tensor {
	if len(x.shape) != 2 {
		panic("tensor: Softmax currently requires 2D tensor")
	}
	out := NewTensor(x.shape...)
	n := x.shape[1]
	for b := 0; b < x.shape[0]; b++ {
		softmaxInto(out.data[b*n:(b+1)*n], x.data[b*n:(b+1)*n])
	}
	return out
}

// softmaxInto writes softmax(src) into dst.
func softmaxInto(dst, src []float64) {
	maxVal := src[0]
	for _, v := range src[1:] {
		if v > maxVal {
			maxVal = v
		}
	}
	sum := 0.0
	for i, v := range src {
		e := math.Exp(v - maxVal)
		dst[i] = e
		sum += e
	}
	for i := range dst {
		dst[i] /= sum
	}
}

func sigmoid(v float64) float64 {
	if v >= 0 {
		return 1 / (1 + math.Exp(-v))
	}
	e := math.Exp(v)
	return e / (1 + e)
}

// ===========================================================================
// HELPERS
// ===========================================================================

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// argmax returns the index of the largest value (first on ties).
func argmax(data []float64) int {
	best := 0
	for i, v := range data {
		if v > data[best] {
			best = i
		}
	}
	return best
}
