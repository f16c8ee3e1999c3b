package tensor

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// gemm writes a·b (or a·bᵀ when transB) into c. a is m×k, c is m×n; all
// three are dense row-major slices.
func gemm(transB bool, m, k, n int, a, b, c []float32) {
	if m == 0 || n == 0 || k == 0 {
		clear(c)
		return
	}

	tB, B := blas.NoTrans, blas32.General{Rows: k, Cols: n, Stride: n, Data: b}
	if transB {
		tB, B = blas.Trans, blas32.General{Rows: n, Cols: k, Stride: k, Data: b}
	}

	blas32.Gemm(blas.NoTrans, tB, 1,
		blas32.General{Rows: m, Cols: k, Stride: k, Data: a},
		B, 0,
		blas32.General{Rows: m, Cols: n, Stride: n, Data: c})
}

// MatMul multiplies the trailing two dimensions of a and b, broadcasting the
// leading batch dimensions.
func MatMul(a, b *Tensor) (*Tensor, error) {
	if a == nil || b == nil {
		return nil, errors.New("tensor: matmul of nil tensor")
	}

	ra, rb := a.Rank(), b.Rank()
	if ra < 2 || rb < 2 {
		return nil, fmt.Errorf("tensor: matmul needs rank >= 2, got %v and %v", a.shape, b.shape)
	}

	m, k := a.shape[ra-2], a.shape[ra-1]
	n := b.shape[rb-1]

	if b.shape[rb-2] != k {
		return nil, fmt.Errorf("tensor: matmul inner dimensions differ: %v and %v", a.shape, b.shape)
	}

	batch, err := broadcastShape(a.shape[:ra-2], b.shape[:rb-2])
	if err != nil {
		return nil, fmt.Errorf("tensor: matmul: %w", err)
	}

	out, err := Zeros(append(cloneShape(batch), m, n))
	if err != nil {
		return nil, err
	}

	count, _ := numElements(batch)
	mi, ki, ni := int(m), int(k), int(n)

	w := newWalker(batch,
		broadcastStrides(a.shape[:ra-2], batch, m*k),
		broadcastStrides(b.shape[:rb-2], batch, k*n))

	for i := range count {
		ao, bo := int(w.off[0]), int(w.off[1])
		gemm(false, mi, ki, ni, a.data[ao:ao+mi*ki], b.data[bo:bo+ki*ni], out.data[i*mi*ni:(i+1)*mi*ni])
		w.next()
	}

	return out, nil
}

// Linear computes x·Wᵀ + bias with weight shaped [out, in].
func Linear(x, weight, bias *Tensor) (*Tensor, error) {
	if x == nil || weight == nil {
		return nil, errors.New("tensor: linear of nil tensor")
	}

	if weight.Rank() != 2 {
		return nil, fmt.Errorf("tensor: linear weight must be [out, in], got %v", weight.shape)
	}

	rows, in, _, err := splitAxis(x.shape, -1)
	if err != nil {
		return nil, fmt.Errorf("tensor: linear: %w", err)
	}

	outDim := int(weight.shape[0])
	if int(weight.shape[1]) != in {
		return nil, fmt.Errorf("tensor: linear input %v does not match weight %v", x.shape, weight.shape)
	}

	if bias != nil && (bias.Rank() != 1 || int(bias.shape[0]) != outDim) {
		return nil, fmt.Errorf("tensor: linear bias %v does not match %d outputs", bias.shape, outDim)
	}

	out := make([]float32, rows*outDim)

	parallelRows(rows, func(lo, hi int) {
		dst := out[lo*outDim : hi*outDim]
		gemm(true, hi-lo, in, outDim, x.data[lo*in:hi*in], weight.data, dst)

		if bias != nil {
			for r := 0; r < len(dst); r += outDim {
				for o, bv := range bias.data {
					dst[r+o] += bv
				}
			}
		}
	})

	shape := cloneShape(x.shape)
	shape[len(shape)-1] = int64(outDim)

	return &Tensor{shape: shape, data: out}, nil
}

// Conv1D convolves input [batch, in_channels, length] with kernel
// [out_channels, in_channels/groups, width]. Each group is lowered to a
// single matrix product over an unfolded input window.
func Conv1D(input, kernel, bias *Tensor, stride, padding, dilation, groups int64) (*Tensor, error) {
	if input == nil || kernel == nil {
		return nil, errors.New("tensor: conv1d of nil tensor")
	}

	if stride < 1 || dilation < 1 || groups < 1 || padding < 0 {
		return nil, fmt.Errorf("tensor: conv1d stride %d, padding %d, dilation %d, groups %d out of range", stride, padding, dilation, groups)
	}

	if input.Rank() != 3 || kernel.Rank() != 3 {
		return nil, fmt.Errorf("tensor: conv1d needs rank-3 input and kernel, got %v and %v", input.shape, kernel.shape)
	}

	batch, inC, length := int(input.shape[0]), int(input.shape[1]), int(input.shape[2])
	outC, groupIn, width := int(kernel.shape[0]), int(kernel.shape[1]), int(kernel.shape[2])
	g := int(groups)

	if inC%g != 0 || outC%g != 0 || groupIn != inC/g {
		return nil, fmt.Errorf("tensor: conv1d input %v and kernel %v do not split into %d groups", input.shape, kernel.shape, g)
	}

	if bias != nil && (bias.Rank() != 1 || int(bias.shape[0]) != outC) {
		return nil, fmt.Errorf("tensor: conv1d bias %v does not match %d output channels", bias.shape, outC)
	}

	s, p, dl := int(stride), int(padding), int(dilation)

	outLen := (length+2*p-dl*(width-1)-1)/s + 1
	if outLen < 1 {
		return nil, fmt.Errorf("tensor: conv1d of length %d with kernel width %d yields no output", length, width)
	}

	groupOut := outC / g
	patch := groupIn * width
	out := make([]float32, batch*outC*outLen)

	parallelRows(batch*g, func(lo, hi int) {
		cols := make([]float32, patch*outLen)

		for job := lo; job < hi; job++ {
			b, grp := job/g, job%g

			for ic := range groupIn {
				src := input.data[(b*inC+grp*groupIn+ic)*length:][:length]

				for kx := range width {
					row := cols[(ic*width+kx)*outLen:][:outLen]

					for ox := range row {
						pos := ox*s - p + kx*dl
						if pos < 0 || pos >= length {
							row[ox] = 0
						} else {
							row[ox] = src[pos]
						}
					}
				}
			}

			dst := out[(b*outC+grp*groupOut)*outLen:][:groupOut*outLen]
			gemm(false, groupOut, patch, outLen, kernel.data[grp*groupOut*patch:][:groupOut*patch], cols, dst)

			if bias != nil {
				for oc := range groupOut {
					bv := bias.data[grp*groupOut+oc]
					for i := range outLen {
						dst[oc*outLen+i] += bv
					}
				}
			}
		}
	})

	return &Tensor{shape: []int64{int64(batch), int64(outC), int64(outLen)}, data: out}, nil
}
