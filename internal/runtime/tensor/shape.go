package tensor

import "fmt"

// broadcastShape returns the NumPy broadcast of a and b.
func broadcastShape(a, b []int64) ([]int64, error) {
	rank := max(len(a), len(b))
	out := make([]int64, rank)

	for i := range out {
		da, db := dimFromRight(a, rank-1-i), dimFromRight(b, rank-1-i)

		switch {
		case da == db, db == 1:
			out[i] = da
		case da == 1:
			out[i] = db
		default:
			return nil, fmt.Errorf("shapes %v and %v do not broadcast", a, b)
		}
	}

	return out, nil
}

// dimFromRight returns shape[len-1-k], or 1 past the leading edge.
func dimFromRight(shape []int64, k int) int64 {
	if k >= len(shape) {
		return 1
	}

	return shape[len(shape)-1-k]
}

// broadcastStrides returns strides for reading src as if it had shape out.
// Broadcast dimensions get stride 0. unit scales every stride.
func broadcastStrides(src, out []int64, unit int64) []int64 {
	strides := make([]int64, len(out))
	step := unit

	for k := range len(out) {
		i := len(out) - 1 - k
		d := dimFromRight(src, k)

		if d != 1 {
			strides[i] = step
		}

		step *= d
	}

	return strides
}

// walker iterates a shape in row-major order and tracks one offset per
// source tensor.
type walker struct {
	shape   []int64
	coord   []int64
	strides [][]int64
	off     []int64
}

func newWalker(shape []int64, strides ...[]int64) *walker {
	return &walker{
		shape:   shape,
		coord:   make([]int64, len(shape)),
		strides: strides,
		off:     make([]int64, len(strides)),
	}
}

func (w *walker) next() {
	for d := len(w.shape) - 1; d >= 0; d-- {
		w.coord[d]++
		for s := range w.off {
			w.off[s] += w.strides[s][d]
		}

		if w.coord[d] < w.shape[d] {
			return
		}

		for s := range w.off {
			w.off[s] -= w.strides[s][d] * w.shape[d]
		}

		w.coord[d] = 0
	}
}

// splitAxis views shape as [outer, n, inner] around axis.
func splitAxis(shape []int64, axis int) (outer, n, inner int, err error) {
	rank := len(shape)
	if axis < 0 {
		axis += rank
	}

	if axis < 0 || axis >= rank {
		return 0, 0, 0, fmt.Errorf("axis out of range for shape %v", shape)
	}

	outer, inner = 1, 1
	for i, d := range shape {
		switch {
		case i < axis:
			outer *= int(d)
		case i > axis:
			inner *= int(d)
		}
	}

	return outer, int(shape[axis]), inner, nil
}
