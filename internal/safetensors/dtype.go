package safetensors

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/x448/float16"
)

const (
	DTypeF32  = "F32"
	DTypeF16  = "F16"
	DTypeBF16 = "BF16"
)

var le = binary.LittleEndian

// codec converts one stored element to and from float32. encode is nil for
// dtypes the writer does not produce.
type codec struct {
	size   int
	decode func(b []byte) float32
	encode func(b []byte, v float32)
}

var codecs = map[string]codec{
	DTypeF32: {
		size:   4,
		decode: func(b []byte) float32 { return math.Float32frombits(le.Uint32(b)) },
		encode: func(b []byte, v float32) { le.PutUint32(b, math.Float32bits(v)) },
	},
	DTypeF16: {
		size:   2,
		decode: func(b []byte) float32 { return float16.Frombits(le.Uint16(b)).Float32() },
		encode: func(b []byte, v float32) { le.PutUint16(b, float16.Fromfloat32(v).Bits()) },
	},
	DTypeBF16: {
		size:   2,
		decode: func(b []byte) float32 { return math.Float32frombits(uint32(le.Uint16(b)) << 16) },
	},
}

func lookupCodec(dtype string) (string, codec, error) {
	name := strings.ToUpper(strings.TrimSpace(dtype))

	c, ok := codecs[name]
	if !ok {
		return "", codec{}, fmt.Errorf("unsupported dtype %q", dtype)
	}

	return name, c, nil
}

func (c codec) decodeAll(raw []byte, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = c.decode(raw[i*c.size:])
	}

	return out
}

func elementCount(shape []int64) (int64, error) {
	n := int64(1)

	for _, d := range shape {
		switch {
		case d < 0:
			return 0, fmt.Errorf("negative dimension in shape %v", shape)
		case d > 0 && n > math.MaxInt32*int64(math.MaxInt32)/d:
			return 0, fmt.Errorf("shape %v is too large", shape)
		}

		n *= d
	}

	return n, nil
}
