// Package tensor implements the small dense float32 tensor type used by the
// meta-learning driver: a shape (dimensions) plus a flat data slice, and the
// handful of kernels the MLP forward/backward passes need.
//
// It is deliberately minimal: the driver specifies control and scheduling
// logic around episodic training, not a tensor math library.
package tensor

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Tensor is a dense row-major float32 tensor.
//
// Tensors are mutable; ownership conventions are enforced by the callers
// (the adaptation engine always works on clones, never on shared values).
type Tensor struct {
	dims []int
	data []float32
}

// New creates a zero-initialized tensor with the given dimensions.
func New(dims ...int) *Tensor {
	size := 1
	for _, d := range dims {
		if d <= 0 {
			exceptions.Panicf("tensor.New: invalid dimension %d in %v", d, dims)
		}
		size *= d
	}
	return &Tensor{
		dims: append([]int{}, dims...),
		data: make([]float32, size),
	}
}

// FromFlat creates a tensor that takes ownership of the given flat data.
// The product of dims must match len(data).
func FromFlat(data []float32, dims ...int) (*Tensor, error) {
	size := 1
	for _, d := range dims {
		size *= d
	}
	if size != len(data) {
		return nil, errors.Errorf("tensor.FromFlat: dimensions %v imply %d values, got %d", dims, size, len(data))
	}
	return &Tensor{dims: append([]int{}, dims...), data: data}, nil
}

// Scalar creates a rank-1 tensor of size 1 holding the given value.
// Used to serialize counters along model parameters.
func Scalar(value float32) *Tensor {
	return &Tensor{dims: []int{1}, data: []float32{value}}
}

// Dims returns the tensor dimensions. The returned slice is owned by the
// tensor, don't modify it.
func (t *Tensor) Dims() []int { return t.dims }

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int { return len(t.dims) }

// Size returns the total number of elements.
func (t *Tensor) Size() int { return len(t.data) }

// Data returns the flat underlying data, row-major.
func (t *Tensor) Data() []float32 { return t.data }

// Rows returns the leading dimension of a rank-2 tensor.
func (t *Tensor) Rows() int { return t.dims[0] }

// Cols returns the trailing dimension.
func (t *Tensor) Cols() int { return t.dims[len(t.dims)-1] }

// At returns the element of a rank-2 tensor at (row, col).
func (t *Tensor) At(row, col int) float32 {
	return t.data[row*t.dims[1]+col]
}

// Set assigns the element of a rank-2 tensor at (row, col).
func (t *Tensor) Set(row, col int, value float32) {
	t.data[row*t.dims[1]+col] = value
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.data))
	copy(data, t.data)
	return &Tensor{dims: append([]int{}, t.dims...), data: data}
}

// Equal reports whether the two tensors have identical shape and bit-identical
// contents.
func (t *Tensor) Equal(other *Tensor) bool {
	if !t.SameShape(other) {
		return false
	}
	for i, v := range t.data {
		if other.data[i] != v {
			return false
		}
	}
	return true
}

// SameShape reports whether other has identical dimensions.
func (t *Tensor) SameShape(other *Tensor) bool {
	if len(t.dims) != len(other.dims) {
		return false
	}
	for i, d := range t.dims {
		if other.dims[i] != d {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	return fmt.Sprintf("tensor.Tensor(dims=%v)", t.dims)
}

// Zero resets all elements to zero, in place.
func (t *Tensor) Zero() {
	for i := range t.data {
		t.data[i] = 0
	}
}

// Scale multiplies all elements by alpha, in place.
func (t *Tensor) Scale(alpha float32) {
	for i := range t.data {
		t.data[i] *= alpha
	}
}

// AXPY computes t += alpha*x, in place. Shapes must match.
func (t *Tensor) AXPY(alpha float32, x *Tensor) {
	if !t.SameShape(x) {
		exceptions.Panicf("tensor.AXPY: shape mismatch %v vs %v", t.dims, x.dims)
	}
	for i, v := range x.data {
		t.data[i] += alpha * v
	}
}

// SumSquares returns the sum of squared elements, accumulated in float64.
func (t *Tensor) SumSquares() float64 {
	var sum float64
	for _, v := range t.data {
		sum += float64(v) * float64(v)
	}
	return sum
}

// IsFinite reports whether every element is finite (no NaN or ±Inf).
func (t *Tensor) IsFinite() bool {
	for _, v := range t.data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// FillRandn fills the tensor with normally distributed values scaled by
// stdDev, drawn from rng. Deterministic given the rng state.
func (t *Tensor) FillRandn(rng *rand.Rand, stdDev float64) {
	for i := range t.data {
		t.data[i] = float32(rng.NormFloat64() * stdDev)
	}
}

// Row returns the idx-th row of a rank-2 tensor as a slice view.
func (t *Tensor) Row(idx int) []float32 {
	cols := t.dims[1]
	return t.data[idx*cols : (idx+1)*cols]
}

// MatMul returns a·b for rank-2 tensors a [m,k] and b [k,n].
func MatMul(a, b *Tensor) *Tensor {
	m, k := a.dims[0], a.dims[1]
	k2, n := b.dims[0], b.dims[1]
	if k != k2 {
		exceptions.Panicf("tensor.MatMul: inner dimensions mismatch %v x %v", a.dims, b.dims)
	}
	out := New(m, n)
	for i := 0; i < m; i++ {
		aRow := a.data[i*k : (i+1)*k]
		outRow := out.data[i*n : (i+1)*n]
		for kk := 0; kk < k; kk++ {
			av := aRow[kk]
			if av == 0 {
				continue
			}
			bRow := b.data[kk*n : (kk+1)*n]
			for j := 0; j < n; j++ {
				outRow[j] += av * bRow[j]
			}
		}
	}
	return out
}

// MatMulTA returns aᵀ·b for rank-2 tensors a [k,m] and b [k,n].
func MatMulTA(a, b *Tensor) *Tensor {
	k, m := a.dims[0], a.dims[1]
	k2, n := b.dims[0], b.dims[1]
	if k != k2 {
		exceptions.Panicf("tensor.MatMulTA: outer dimensions mismatch %v x %v", a.dims, b.dims)
	}
	out := New(m, n)
	for kk := 0; kk < k; kk++ {
		aRow := a.data[kk*m : (kk+1)*m]
		bRow := b.data[kk*n : (kk+1)*n]
		for i := 0; i < m; i++ {
			av := aRow[i]
			if av == 0 {
				continue
			}
			outRow := out.data[i*n : (i+1)*n]
			for j := 0; j < n; j++ {
				outRow[j] += av * bRow[j]
			}
		}
	}
	return out
}

// MatMulTB returns a·bᵀ for rank-2 tensors a [m,k] and b [n,k].
func MatMulTB(a, b *Tensor) *Tensor {
	m, k := a.dims[0], a.dims[1]
	n, k2 := b.dims[0], b.dims[1]
	if k != k2 {
		exceptions.Panicf("tensor.MatMulTB: inner dimensions mismatch %v x %v", a.dims, b.dims)
	}
	out := New(m, n)
	for i := 0; i < m; i++ {
		aRow := a.data[i*k : (i+1)*k]
		for j := 0; j < n; j++ {
			bRow := b.data[j*k : (j+1)*k]
			var sum float32
			for kk := 0; kk < k; kk++ {
				sum += aRow[kk] * bRow[kk]
			}
			out.data[i*n+j] = sum
		}
	}
	return out
}

// AddRowBroadcast adds the rank-1 tensor row to every row of the rank-2
// tensor t, in place.
func (t *Tensor) AddRowBroadcast(row *Tensor) {
	n := t.dims[1]
	if row.Size() != n {
		exceptions.Panicf("tensor.AddRowBroadcast: row size %d does not match columns %d", row.Size(), n)
	}
	for i := 0; i < t.dims[0]; i++ {
		tRow := t.data[i*n : (i+1)*n]
		for j := 0; j < n; j++ {
			tRow[j] += row.data[j]
		}
	}
}

// SumRows returns the column-wise sum of a rank-2 tensor as a rank-1 tensor.
func SumRows(t *Tensor) *Tensor {
	n := t.dims[1]
	out := New(n)
	for i := 0; i < t.dims[0]; i++ {
		row := t.data[i*n : (i+1)*n]
		for j := 0; j < n; j++ {
			out.data[j] += row[j]
		}
	}
	return out
}

// ReLU applies max(0, x) element-wise, in place.
func (t *Tensor) ReLU() {
	for i, v := range t.data {
		if v < 0 {
			t.data[i] = 0
		}
	}
}

// MaskReLU zeroes elements of t wherever the corresponding pre-activation in
// ref is <= 0, in place. Used for backpropagation through ReLU.
func (t *Tensor) MaskReLU(ref *Tensor) {
	if !t.SameShape(ref) {
		exceptions.Panicf("tensor.MaskReLU: shape mismatch %v vs %v", t.dims, ref.dims)
	}
	for i, v := range ref.data {
		if v <= 0 {
			t.data[i] = 0
		}
	}
}
