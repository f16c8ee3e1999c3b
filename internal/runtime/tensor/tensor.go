// Package tensor holds the dense float32 tensors that graph backends hand to
// the diagnosis hooks, plus the CPU kernels the native backend runs.
package tensor

import (
	"errors"
	"fmt"
	"math"
)

// Tensor is a dense, row-major float32 tensor.
type Tensor struct {
	shape []int64
	data  []float32
}

// New creates a tensor from data and shape. Both slices are copied.
func New(data []float32, shape []int64) (*Tensor, error) {
	if err := checkLen(data, shape); err != nil {
		return nil, err
	}

	return &Tensor{shape: cloneShape(shape), data: append([]float32(nil), data...)}, nil
}

// Wrap is like New but keeps data as the backing array. The caller must not
// modify data afterwards.
func Wrap(data []float32, shape []int64) (*Tensor, error) {
	if err := checkLen(data, shape); err != nil {
		return nil, err
	}

	return &Tensor{shape: cloneShape(shape), data: data}, nil
}

// Zeros creates a zero-initialized tensor.
func Zeros(shape []int64) (*Tensor, error) {
	n, err := numElements(shape)
	if err != nil {
		return nil, err
	}

	return &Tensor{shape: cloneShape(shape), data: make([]float32, n)}, nil
}

func checkLen(data []float32, shape []int64) error {
	n, err := numElements(shape)
	if err != nil {
		return err
	}

	if len(data) != n {
		return fmt.Errorf("tensor: %d values do not fill shape %v (%d elements)", len(data), shape, n)
	}

	return nil
}

func (t *Tensor) Shape() []int64 {
	if t == nil {
		return nil
	}

	return cloneShape(t.shape)
}

// Data returns a copy of the values.
func (t *Tensor) Data() []float32 {
	if t == nil {
		return nil
	}

	return append([]float32(nil), t.data...)
}

// RawData returns the backing array. Callers must treat it as read-only.
func (t *Tensor) RawData() []float32 {
	if t == nil {
		return nil
	}

	return t.data
}

func (t *Tensor) ElemCount() int {
	if t == nil {
		return 0
	}

	return len(t.data)
}

func (t *Tensor) Rank() int {
	if t == nil {
		return 0
	}

	return len(t.shape)
}

// Reshape returns a copy with a new shape of the same element count.
func (t *Tensor) Reshape(shape []int64) (*Tensor, error) {
	if t == nil {
		return nil, errors.New("tensor: reshape of nil tensor")
	}

	n, err := numElements(shape)
	if err != nil {
		return nil, err
	}

	if n != len(t.data) {
		return nil, fmt.Errorf("tensor: cannot reshape %v to %v", t.shape, shape)
	}

	return New(t.data, shape)
}

// Map returns a new tensor with fn applied to every element.
func (t *Tensor) Map(fn func(float32) float32) *Tensor {
	if t == nil {
		return nil
	}

	out := make([]float32, len(t.data))

	parallelRows(len(out), func(lo, hi int) {
		for i, v := range t.data[lo:hi] {
			out[lo+i] = fn(v)
		}
	})

	return &Tensor{shape: cloneShape(t.shape), data: out}
}

// SameShape reports whether a and b have identical shapes.
func SameShape(a, b []int64) bool {
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

func cloneShape(s []int64) []int64 { return append([]int64(nil), s...) }

func numElements(shape []int64) (int, error) {
	n := 1

	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("tensor: negative dimension in shape %v", shape)
		}

		if d > 0 && n > math.MaxInt/int(d) {
			return 0, fmt.Errorf("tensor: shape %v overflows int", shape)
		}

		n *= int(d)
	}

	return n, nil
}
