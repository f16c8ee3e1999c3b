package native

import (
	"errors"
	"fmt"
	"sort"

	"github.com/example/go-opdiag/internal/runtime/tensor"
)

// TypeQuantizeDequantize is the fake-quant node found only in quantized
// graphs.
const TypeQuantizeDequantize = "quantize_dequantize"

type kernelFunc func(op OperatorDef, in []*tensor.Tensor, w map[string]*tensor.Tensor) (*tensor.Tensor, error)

type kernelSpec struct {
	minInputs int
	maxInputs int
	required  []string
	optional  []string
	extra     func(op OperatorDef) error
	run       kernelFunc
}

var kernels = map[string]kernelSpec{
	"linear": {
		minInputs: 1, maxInputs: 1,
		required: []string{"weight"}, optional: []string{"bias"},
		run: func(_ OperatorDef, in []*tensor.Tensor, w map[string]*tensor.Tensor) (*tensor.Tensor, error) {
			return tensor.Linear(in[0], w["weight"], w["bias"])
		},
	},
	"matmul": binary(tensor.MatMul),
	"add":    binary(tensor.BroadcastAdd),
	"mul":    binary(tensor.BroadcastMul),
	"relu":   unary(tensor.ReLU),
	"gelu":   unary(tensor.GELU),
	"silu":   unary(tensor.SiLU),
	"softmax": {
		minInputs: 1, maxInputs: 1,
		extra: func(op OperatorDef) error {
			_, err := attrInt(op.Attrs, "axis", -1)
			return err
		},
		run: func(op OperatorDef, in []*tensor.Tensor, _ map[string]*tensor.Tensor) (*tensor.Tensor, error) {
			axis, _ := attrInt(op.Attrs, "axis", -1)
			return tensor.Softmax(in[0], axis)
		},
	},
	"layer_norm": {
		minInputs: 1, maxInputs: 1,
		optional: []string{"weight", "bias"},
		extra: func(op OperatorDef) error {
			eps, err := attrFloat(op.Attrs, "eps", 1e-5)
			if err == nil && eps <= 0 {
				err = fmt.Errorf("attr \"eps\" must be > 0, got %v", eps)
			}

			return err
		},
		run: func(op OperatorDef, in []*tensor.Tensor, w map[string]*tensor.Tensor) (*tensor.Tensor, error) {
			eps, _ := attrFloat(op.Attrs, "eps", 1e-5)
			return tensor.LayerNorm(in[0], w["weight"], w["bias"], float32(eps))
		},
	},
	"conv1d": {
		minInputs: 1, maxInputs: 1,
		required: []string{"weight"}, optional: []string{"bias"},
		extra: func(op OperatorDef) error {
			_, err := convAttrs(op)
			return err
		},
		run: func(op OperatorDef, in []*tensor.Tensor, w map[string]*tensor.Tensor) (*tensor.Tensor, error) {
			a, _ := convAttrs(op)
			return tensor.Conv1D(in[0], w["weight"], w["bias"], a[0], a[1], a[2], a[3])
		},
	},
	TypeQuantizeDequantize: {
		minInputs: 1, maxInputs: 1,
		extra: func(op OperatorDef) error {
			_, err := quantAttrs(op)
			return err
		},
		run: func(op OperatorDef, in []*tensor.Tensor, _ map[string]*tensor.Tensor) (*tensor.Tensor, error) {
			qs, _ := quantAttrs(op)
			return tensor.FakeQuantize(in[0], qs)
		},
	},
}

// KnownTypes lists the supported operator types.
func KnownTypes() []string {
	out := make([]string, 0, len(kernels))
	for t := range kernels {
		out = append(out, t)
	}

	sort.Strings(out)

	return out
}

func unary(fn func(*tensor.Tensor) (*tensor.Tensor, error)) kernelSpec {
	return kernelSpec{
		minInputs: 1, maxInputs: 1,
		run: func(_ OperatorDef, in []*tensor.Tensor, _ map[string]*tensor.Tensor) (*tensor.Tensor, error) {
			return fn(in[0])
		},
	}
}

// binary ops take either two inputs or one input and a "weight" operand.
func binary(fn func(a, b *tensor.Tensor) (*tensor.Tensor, error)) kernelSpec {
	return kernelSpec{
		minInputs: 1, maxInputs: 2,
		optional: []string{"weight"},
		extra: func(op OperatorDef) error {
			_, hasWeight := op.Weights["weight"]
			if (len(op.Inputs) == 2) == hasWeight {
				return errors.New("needs two inputs, or one input and a weight")
			}

			return nil
		},
		run: func(_ OperatorDef, in []*tensor.Tensor, w map[string]*tensor.Tensor) (*tensor.Tensor, error) {
			if len(in) == 2 {
				return fn(in[0], in[1])
			}

			return fn(in[0], w["weight"])
		},
	}
}

func convAttrs(op OperatorDef) ([4]int64, error) {
	var out [4]int64

	for i, a := range []struct {
		key string
		def int
		min int
	}{{"stride", 1, 1}, {"padding", 0, 0}, {"dilation", 1, 1}, {"groups", 1, 1}} {
		v, err := attrInt(op.Attrs, a.key, a.def)
		if err != nil {
			return out, err
		}

		if v < a.min {
			return out, fmt.Errorf("attr %q must be >= %d, got %d", a.key, a.min, v)
		}

		out[i] = int64(v)
	}

	return out, nil
}

func quantAttrs(op OperatorDef) (tensor.QuantSpec, error) {
	var qs tensor.QuantSpec

	bits, err := attrInt(op.Attrs, "bits", 8)
	if err != nil {
		return qs, err
	}

	if bits < 2 || bits > 16 {
		return qs, fmt.Errorf("attr \"bits\" must be in [2, 16], got %d", bits)
	}

	group, err := attrInt(op.Attrs, "group_size", 0)
	if err != nil {
		return qs, err
	}

	if group < 0 {
		return qs, fmt.Errorf("attr \"group_size\" must be >= 0, got %d", group)
	}

	scheme, err := attrString(op.Attrs, "scheme", "sym")
	if err != nil {
		return qs, err
	}

	switch scheme {
	case "sym":
	case "asym":
		qs.Asymmetric = true
	default:
		return qs, fmt.Errorf("attr \"scheme\" must be sym or asym, got %q", scheme)
	}

	qs.Bits = bits
	qs.GroupSize = group

	return qs, nil
}

func (k kernelSpec) check(op OperatorDef) error {
	if n := len(op.Inputs); n < k.minInputs || n > k.maxInputs {
		if k.minInputs == k.maxInputs {
			return fmt.Errorf("%s takes %d input(s), got %d", op.Type, k.minInputs, n)
		}

		return fmt.Errorf("%s takes %d to %d inputs, got %d", op.Type, k.minInputs, k.maxInputs, n)
	}

	allowed := make(map[string]bool, len(k.required)+len(k.optional))
	for _, r := range k.required {
		if _, ok := op.Weights[r]; !ok {
			return fmt.Errorf("%s requires weight %q", op.Type, r)
		}

		allowed[r] = true
	}

	for _, r := range k.optional {
		allowed[r] = true
	}

	for r := range op.Weights {
		if !allowed[r] {
			return fmt.Errorf("%s has no weight role %q", op.Type, r)
		}
	}

	if k.extra != nil {
		return k.extra(op)
	}

	return nil
}
