// Package stats computes per-operator tensor statistics: min, max, mean,
// population variance, standard deviation and the sum of squared differences
// between an original and a quantized tensor.
//
// Every function is pure. Large tensors are folded in fixed-size chunks so the
// float64 scratch space never grows with the tensor.
package stats

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

var (
	ErrEmptyTensor   = errors.New("stats: empty tensor")
	ErrShapeMismatch = errors.New("stats: shape mismatch")
	ErrNonFinite     = errors.New("stats: non-finite value")
)

// chunkSize is the number of elements converted to float64 at a time.
const chunkSize = 4096

// Summary holds single-tensor statistics.
type Summary struct {
	Min      float64
	Max      float64
	Mean     float64
	Std      float64
	Variance float64
	Count    int64
}

// MetricSet is the result for one operator and role. MSE is only meaningful
// when HasMSE is set. Quantized.Count is zero when no quantized tensor was
// seen.
type MetricSet struct {
	MSE       float64
	HasMSE    bool
	Summary   Summary
	Quantized Summary
}

// Summarize returns the statistics of x.
func Summarize(x []float32) (Summary, error) {
	var m Moments
	m.Add(x)

	return m.Summary()
}

// Mean returns (1/n) Σx.
func Mean(x []float32) (float64, error) {
	s, err := Summarize(x)
	return s.Mean, err
}

// Variance returns the population variance (1/n) Σ(x - mean)².
func Variance(x []float32) (float64, error) {
	s, err := Summarize(x)
	return s.Variance, err
}

// Std returns sqrt(Variance(x)).
func Std(x []float32) (float64, error) {
	s, err := Summarize(x)
	return s.Std, err
}

func Min(x []float32) (float64, error) {
	s, err := Summarize(x)
	return s.Min, err
}

func Max(x []float32) (float64, error) {
	s, err := Summarize(x)
	return s.Max, err
}

// MSE returns Σ(x - y)². The sum is not divided by n.
func MSE(x, y []float32) (float64, error) {
	if len(x) != len(y) {
		return 0, ErrShapeMismatch
	}

	if len(x) == 0 {
		return 0, ErrEmptyTensor
	}

	return sumSquaredDiff(x, y), nil
}

// Compute returns the full metric set for an original/quantized pair.
func Compute(original, quantized []float32) (MetricSet, error) {
	var acc Accumulator
	if err := acc.AddPair(original, quantized); err != nil {
		return MetricSet{}, err
	}

	return acc.Result()
}

// Moments is a streaming single-tensor accumulator. The zero value is empty
// and ready to use.
type Moments struct {
	n    int64
	mean float64
	m2   float64
	min  float64
	max  float64
}

// Add folds x into m.
func (m *Moments) Add(x []float32) {
	var buf [chunkSize]float64

	for start := 0; start < len(x); start += chunkSize {
		end := min(start+chunkSize, len(x))
		chunk := buf[:end-start]

		for i, v := range x[start:end] {
			chunk[i] = float64(v)
		}

		n := float64(len(chunk))
		c := Moments{
			n:    int64(len(chunk)),
			min:  floats.Min(chunk),
			max:  floats.Max(chunk),
			mean: floats.Sum(chunk) / n,
		}

		floats.AddConst(-c.mean, chunk)
		c.m2 = floats.Dot(chunk, chunk)

		m.Merge(c)
	}
}

// Merge combines o into m using the pairwise update for mean and M2.
func (m *Moments) Merge(o Moments) {
	if o.n == 0 {
		return
	}

	if m.n == 0 {
		*m = o
		return
	}

	n := m.n + o.n
	delta := o.mean - m.mean
	m.mean += delta * float64(o.n) / float64(n)
	m.m2 += o.m2 + delta*delta*float64(m.n)*float64(o.n)/float64(n)
	m.min = math.Min(m.min, o.min)
	m.max = math.Max(m.max, o.max)
	m.n = n
}

func (m *Moments) Count() int64 { return m.n }

// Summary finalizes the moments. The mean is clamped to [min, max] to absorb
// rounding on near-constant tensors.
func (m *Moments) Summary() (Summary, error) {
	if m.n == 0 {
		return Summary{}, ErrEmptyTensor
	}

	variance := math.Max(m.m2/float64(m.n), 0)

	return Summary{
		Min:      m.min,
		Max:      m.max,
		Mean:     math.Min(math.Max(m.mean, m.min), m.max),
		Variance: variance,
		Std:      math.Sqrt(variance),
		Count:    m.n,
	}, nil
}

// Accumulator folds original/quantized tensor pairs for one operator and role,
// possibly across several batches. The zero value is ready to use.
type Accumulator struct {
	original  Moments
	quantized Moments
	sse       float64
	pairs     int
}

// AddOriginal folds a tensor that has no quantized counterpart.
func (a *Accumulator) AddOriginal(x []float32) {
	a.original.Add(x)
}

// AddPair folds one aligned pair. The accumulator is left untouched on error.
func (a *Accumulator) AddPair(original, quantized []float32) error {
	if len(original) != len(quantized) {
		return ErrShapeMismatch
	}

	if len(original) == 0 {
		return ErrEmptyTensor
	}

	a.original.Add(original)
	a.quantized.Add(quantized)
	a.sse += sumSquaredDiff(original, quantized)
	a.pairs++

	return nil
}

// Merge combines another accumulator into a.
func (a *Accumulator) Merge(o *Accumulator) {
	a.original.Merge(o.original)
	a.quantized.Merge(o.quantized)
	a.sse += o.sse
	a.pairs += o.pairs
}

// Result returns the metric set. MSE is set only if at least one pair was
// folded.
func (a *Accumulator) Result() (MetricSet, error) {
	summary, err := a.original.Summary()
	if err != nil {
		return MetricSet{}, err
	}

	ms := MetricSet{Summary: summary}

	if a.pairs > 0 {
		ms.MSE = a.sse
		ms.HasMSE = true
		ms.Quantized, _ = a.quantized.Summary()
	}

	if err := ms.checkFinite(); err != nil {
		return MetricSet{}, err
	}

	return ms, nil
}

// checkFinite reports the first NaN or infinite metric. A single infinite
// element already turns the variance into NaN.
func (ms MetricSet) checkFinite() error {
	check := func(name string, v float64) error {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s is %v", ErrNonFinite, name, v)
		}

		return nil
	}

	values := []struct {
		name string
		v    float64
	}{
		{"mean", ms.Summary.Mean},
		{"variance", ms.Summary.Variance},
		{"min", ms.Summary.Min},
		{"max", ms.Summary.Max},
	}

	if ms.HasMSE {
		values = append(values, []struct {
			name string
			v    float64
		}{
			{"mse", ms.MSE},
			{"quantized mean", ms.Quantized.Mean},
			{"quantized variance", ms.Quantized.Variance},
			{"quantized min", ms.Quantized.Min},
			{"quantized max", ms.Quantized.Max},
		}...)
	}

	for _, x := range values {
		if err := check(x.name, x.v); err != nil {
			return err
		}
	}

	return nil
}

func sumSquaredDiff(x, y []float32) float64 {
	var (
		bx, by [chunkSize]float64
		total  float64
	)

	for start := 0; start < len(x); start += chunkSize {
		end := min(start+chunkSize, len(x))
		cx, cy := bx[:end-start], by[:end-start]

		for i := range cx {
			cx[i] = float64(x[start+i])
			cy[i] = float64(y[start+i])
		}

		floats.Sub(cx, cy)
		total += floats.Dot(cx, cx)
	}

	return total
}
