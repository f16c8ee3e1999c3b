package tensor

import (
	"errors"
	"fmt"
	"math"
)

// BroadcastAdd adds a and b with NumPy broadcasting.
func BroadcastAdd(a, b *Tensor) (*Tensor, error) {
	return zipBroadcast("add", a, b, func(x, y float32) float32 { return x + y })
}

// BroadcastMul multiplies a and b with NumPy broadcasting.
func BroadcastMul(a, b *Tensor) (*Tensor, error) {
	return zipBroadcast("mul", a, b, func(x, y float32) float32 { return x * y })
}

func zipBroadcast(name string, a, b *Tensor, fn func(x, y float32) float32) (*Tensor, error) {
	if a == nil || b == nil {
		return nil, fmt.Errorf("tensor: %s of nil tensor", name)
	}

	shape, err := broadcastShape(a.shape, b.shape)
	if err != nil {
		return nil, fmt.Errorf("tensor: %s: %w", name, err)
	}

	out, err := Zeros(shape)
	if err != nil {
		return nil, err
	}

	if SameShape(a.shape, b.shape) {
		for i := range out.data {
			out.data[i] = fn(a.data[i], b.data[i])
		}

		return out, nil
	}

	w := newWalker(shape, broadcastStrides(a.shape, shape, 1), broadcastStrides(b.shape, shape, 1))
	for i := range out.data {
		out.data[i] = fn(a.data[w.off[0]], b.data[w.off[1]])
		w.next()
	}

	return out, nil
}

func ReLU(x *Tensor) (*Tensor, error) {
	if x == nil {
		return nil, errors.New("tensor: relu of nil tensor")
	}

	return x.Map(func(v float32) float32 { return max(v, 0) }), nil
}

// GELU uses the tanh approximation.
func GELU(x *Tensor) (*Tensor, error) {
	if x == nil {
		return nil, errors.New("tensor: gelu of nil tensor")
	}

	k := math.Sqrt(2 / math.Pi)

	return x.Map(func(v float32) float32 {
		f := float64(v)
		return float32(0.5 * f * (1 + math.Tanh(k*(f+0.044715*f*f*f))))
	}), nil
}

// SiLU is x * sigmoid(x).
func SiLU(x *Tensor) (*Tensor, error) {
	if x == nil {
		return nil, errors.New("tensor: silu of nil tensor")
	}

	return x.Map(func(v float32) float32 {
		return v / (1 + float32(math.Exp(float64(-v))))
	}), nil
}

// QuantSpec describes a round-to-nearest fake-quantization grid.
type QuantSpec struct {
	Bits int
	// Asymmetric selects an unsigned grid with a zero point covering
	// [min(x, 0), max(x, 0)] instead of a signed grid around zero.
	Asymmetric bool
	// GroupSize is how many consecutive elements along the last axis share
	// one scale. Zero uses a single scale for the whole tensor. The last
	// group of a row may be shorter.
	GroupSize int
}

// FakeQuantize rounds x onto the grid described by qs and maps it back to
// float32. A symmetric group uses scale max|x| / (2^(bits-1) - 1) and clamps
// to [-qmax-1, qmax]; an asymmetric group uses (hi - lo) / (2^bits - 1) with
// zero point round(-lo / scale). Groups that are all zero pass through.
func FakeQuantize(x *Tensor, qs QuantSpec) (*Tensor, error) {
	if x == nil {
		return nil, errors.New("tensor: fake quantize of nil tensor")
	}

	if qs.Bits < 2 || qs.Bits > 16 {
		return nil, fmt.Errorf("tensor: fake quantize bits must be in [2, 16], got %d", qs.Bits)
	}

	if qs.GroupSize < 0 {
		return nil, fmt.Errorf("tensor: fake quantize group size must be >= 0, got %d", qs.GroupSize)
	}

	out := make([]float32, len(x.data))
	copy(out, x.data)

	rowLen := len(out)
	if qs.GroupSize > 0 && len(x.shape) > 0 {
		rowLen = int(x.shape[len(x.shape)-1])
	}

	if rowLen == 0 {
		return Wrap(out, x.shape)
	}

	group := rowLen
	if qs.GroupSize > 0 {
		group = min(qs.GroupSize, rowLen)
	}

	parallelRows(len(out)/rowLen, func(lo, hi int) {
		for r := lo; r < hi; r++ {
			row := out[r*rowLen : (r+1)*rowLen]
			for g := 0; g < len(row); g += group {
				quantizeGroup(row[g:min(g+group, len(row))], qs)
			}
		}
	})

	return Wrap(out, x.shape)
}

func quantizeGroup(vals []float32, qs QuantSpec) {
	if qs.Asymmetric {
		var lo, hi float64
		for _, v := range vals {
			lo = min(lo, float64(v))
			hi = max(hi, float64(v))
		}

		if hi == lo {
			return
		}

		levels := float64(int(1)<<qs.Bits - 1)
		scale := (hi - lo) / levels
		zp := math.Round(-lo / scale)

		for i, v := range vals {
			q := min(max(math.Round(float64(v)/scale)+zp, 0), levels)
			vals[i] = float32((q - zp) * scale)
		}

		return
	}

	var peak float64
	for _, v := range vals {
		peak = max(peak, math.Abs(float64(v)))
	}

	if peak == 0 {
		return
	}

	qmax := float64(int(1)<<(qs.Bits-1) - 1)
	scale := peak / qmax

	for i, v := range vals {
		q := math.Round(float64(v) / scale)
		vals[i] = float32(min(max(q, -qmax-1), qmax) * scale)
	}
}
