package tensor

import (
	"errors"
	"fmt"
	"math"
)

// Softmax normalizes x along axis. Negative axes count from the end.
func Softmax(x *Tensor, axis int) (*Tensor, error) {
	if x == nil {
		return nil, errors.New("tensor: softmax of nil tensor")
	}

	outer, n, inner, err := splitAxis(x.shape, axis)
	if err != nil {
		return nil, fmt.Errorf("tensor: softmax: %w", err)
	}

	if n == 0 {
		return nil, fmt.Errorf("tensor: softmax over empty axis of %v", x.shape)
	}

	out := make([]float32, len(x.data))
	exps := make([]float64, n)

	for o := range outer {
		for j := range inner {
			base := o*n*inner + j

			peak := math.Inf(-1)
			for k := range n {
				peak = max(peak, float64(x.data[base+k*inner]))
			}

			var sum float64
			for k := range n {
				exps[k] = math.Exp(float64(x.data[base+k*inner]) - peak)
				sum += exps[k]
			}

			for k := range n {
				out[base+k*inner] = float32(exps[k] / sum)
			}
		}
	}

	return &Tensor{shape: cloneShape(x.shape), data: out}, nil
}

// LayerNorm normalizes over the last dimension, then applies the optional
// per-feature weight and bias.
func LayerNorm(x, weight, bias *Tensor, eps float32) (*Tensor, error) {
	if x == nil {
		return nil, errors.New("tensor: layer norm of nil tensor")
	}

	if eps <= 0 {
		return nil, fmt.Errorf("tensor: layer norm eps must be > 0, got %v", eps)
	}

	rows, d, _, err := splitAxis(x.shape, -1)
	if err != nil || d == 0 {
		return nil, fmt.Errorf("tensor: layer norm needs a non-empty last dimension, got %v", x.shape)
	}

	for _, p := range []struct {
		name string
		t    *Tensor
	}{{"weight", weight}, {"bias", bias}} {
		if p.t != nil && (p.t.Rank() != 1 || int(p.t.shape[0]) != d) {
			return nil, fmt.Errorf("tensor: layer norm %s shape %v, want [%d]", p.name, p.t.shape, d)
		}
	}

	out := make([]float32, len(x.data))

	parallelRows(rows, func(lo, hi int) {
		for r := lo; r < hi; r++ {
			in, dst := x.data[r*d:(r+1)*d], out[r*d:(r+1)*d]

			var mean, m2 float64
			for i, v := range in {
				delta := float64(v) - mean
				mean += delta / float64(i+1)
				m2 += delta * (float64(v) - mean)
			}

			inv := 1 / math.Sqrt(m2/float64(d)+float64(eps))

			for i, v := range in {
				y := float32((float64(v) - mean) * inv)
				if weight != nil {
					y *= weight.data[i]
				}

				if bias != nil {
					y += bias.data[i]
				}

				dst[i] = y
			}
		}
	})

	return &Tensor{shape: cloneShape(x.shape), data: out}, nil
}
