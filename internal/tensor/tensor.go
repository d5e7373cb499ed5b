// Package tensor implements the dense, row-major float64 tensors passed
// between flow nodes. The leading dimension is always the batch.
package tensor

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"

	"maskflow/internal/errtypes"
)

// Tensor is a contiguous row-major array with an explicit shape.
type Tensor struct {
	Shape []int
	Data  []float64
}

// New allocates a zero tensor.
func New(shape ...int) *Tensor {
	return &Tensor{Shape: append([]int(nil), shape...), Data: make([]float64, Volume(shape))}
}

// FromData wraps data without copying. The length must match the shape.
func FromData(data []float64, shape ...int) (*Tensor, error) {
	if len(data) != Volume(shape) {
		return nil, errtypes.Shape("", "data length does not match shape", shape, []int{len(data)})
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: data}, nil
}

// Volume returns the product of dims.
func Volume(dims []int) int {
	n := 1
	for _, d := range dims {
		n *= d
	}
	return n
}

// Len is the total number of elements.
func (t *Tensor) Len() int { return len(t.Data) }

// Batch is the size of the leading dimension.
func (t *Tensor) Batch() int {
	if len(t.Shape) == 0 {
		return 0
	}
	return t.Shape[0]
}

// Dims returns the per-sample dimensions.
func (t *Tensor) Dims() []int { return append([]int(nil), t.Shape[1:]...) }

// SampleSize is the number of elements in one batch element.
func (t *Tensor) SampleSize() int { return Volume(t.Shape[1:]) }

// Sample returns the data of batch element b as a slice view.
func (t *Tensor) Sample(b int) []float64 {
	n := t.SampleSize()
	return t.Data[b*n : (b+1)*n]
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{Shape: append([]int(nil), t.Shape...), Data: append([]float64(nil), t.Data...)}
}

// Reshape returns a tensor sharing t's data with a new shape.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	if Volume(shape) != len(t.Data) {
		return nil, errtypes.Shape("", "reshape changes element count", shape, t.Shape)
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: t.Data}, nil
}

// SameShape reports whether a and b have identical shapes.
func SameShape(a, b *Tensor) bool { return EqualDims(a.Shape, b.Shape) }

// EqualDims compares two dimension lists.
func EqualDims(a, b []int) bool {
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

// Index returns a copy of batch element b as a batch-of-one tensor.
func (t *Tensor) Index(b int) (*Tensor, error) {
	if b < 0 || b >= t.Batch() {
		return nil, fmt.Errorf("tensor: index %d out of range for batch %d", b, t.Batch())
	}
	shape := append([]int{1}, t.Shape[1:]...)
	return &Tensor{Shape: shape, Data: append([]float64(nil), t.Sample(b)...)}, nil
}

// Slice returns a copy of batch elements [0, n).
func (t *Tensor) Slice(n int) (*Tensor, error) {
	if n <= 0 || n > t.Batch() {
		return nil, fmt.Errorf("tensor: slice %d out of range for batch %d", n, t.Batch())
	}
	shape := append([]int{n}, t.Shape[1:]...)
	return &Tensor{Shape: shape, Data: append([]float64(nil), t.Data[:n*t.SampleSize()]...)}, nil
}

// RepeatSample broadcasts batch element b into a new batch of n copies.
func (t *Tensor) RepeatSample(b, n int) (*Tensor, error) {
	if b < 0 || b >= t.Batch() {
		return nil, fmt.Errorf("tensor: index %d out of range for batch %d", b, t.Batch())
	}
	src := t.Sample(b)
	out := New(append([]int{n}, t.Shape[1:]...)...)
	for i := 0; i < n; i++ {
		copy(out.Sample(i), src)
	}
	return out, nil
}

// Add returns a + b.
func Add(a, b *Tensor) (*Tensor, error) {
	if !SameShape(a, b) {
		return nil, errtypes.Shape("", "add", a.Shape, b.Shape)
	}
	out := a.Clone()
	floats.Add(out.Data, b.Data)
	return out, nil
}

// Scale multiplies t in place.
func (t *Tensor) Scale(s float64) { floats.Scale(s, t.Data) }

// Sum of all elements.
func (t *Tensor) Sum() float64 { return floats.Sum(t.Data) }

// AddGaussian returns t plus elementwise N(0, std^2) noise.
func (t *Tensor) AddGaussian(rng *rand.Rand, std float64) *Tensor {
	out := t.Clone()
	for i := range out.Data {
		out.Data[i] += rng.NormFloat64() * std
	}
	return out
}

// AllZero reports whether every element is exactly zero.
func (t *Tensor) AllZero() bool {
	for _, v := range t.Data {
		if v != 0 {
			return false
		}
	}
	return true
}

// NonFinite counts NaN and Inf entries.
func NonFinite(data []float64) (nan, inf int) {
	if !floats.HasNaN(data) {
		for _, v := range data {
			if math.IsInf(v, 0) {
				inf++
			}
		}
		return 0, inf
	}
	for _, v := range data {
		switch {
		case math.IsNaN(v):
			nan++
		case math.IsInf(v, 0):
			inf++
		}
	}
	return nan, inf
}

// AbsMeanDiff returns mean(|a - b|).
func AbsMeanDiff(a, b *Tensor) (float64, error) {
	if a.Len() != b.Len() {
		return 0, errtypes.Shape("", "abs mean diff", a.Shape, b.Shape)
	}
	if a.Len() == 0 {
		return 0, nil
	}
	return floats.Distance(a.Data, b.Data, 1) / float64(a.Len()), nil
}

// MaxAbsDiff returns max(|a - b|).
func MaxAbsDiff(a, b *Tensor) (float64, error) {
	if a.Len() != b.Len() {
		return 0, errtypes.Shape("", "max abs diff", a.Shape, b.Shape)
	}
	return floats.Distance(a.Data, b.Data, math.Inf(1)), nil
}
