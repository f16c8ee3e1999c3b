package graph

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"strings"

	"github.com/example/go-opdiag/internal/runtime/tensor"
	"github.com/example/go-opdiag/internal/safetensors"
)

// RandomBatches draws n batches of standard-normal inputs from a seeded
// source. Dynamic dimensions are drawn as 1.
func RandomBatches(inputs []InputSpec, n int, seed int64) ([]Batch, error) {
	if n < 1 {
		return nil, fmt.Errorf("graph: batch count must be >= 1, got %d", n)
	}

	if len(inputs) == 0 {
		return nil, errors.New("graph: no inputs to generate")
	}

	rng := rand.New(rand.NewSource(seed))
	out := make([]Batch, n)

	for b := range out {
		out[b] = Batch{Index: b, Inputs: make(map[string]*tensor.Tensor, len(inputs))}

		for _, in := range inputs {
			shape := make([]int64, len(in.Shape))
			total := 1

			for i, d := range in.Shape {
				if d < 1 {
					d = 1
				}

				shape[i] = d
				total *= int(d)
			}

			data := make([]float32, total)
			for i := range data {
				data[i] = float32(rng.NormFloat64())
			}

			t, err := tensor.Wrap(data, shape)
			if err != nil {
				return nil, fmt.Errorf("graph: input %q: %w", in.Name, err)
			}

			out[b].Inputs[in.Name] = t
		}
	}

	return out, nil
}

// LoadBatches reads calibration inputs from a safetensors file. Tensors are
// keyed "<batch>/<input>", or just "<input>" for a single batch. Every batch
// must provide every input.
func LoadBatches(path string, inputs []InputSpec) ([]Batch, error) {
	store, err := safetensors.OpenStore(path, safetensors.StoreOptions{})
	if err != nil {
		return nil, fmt.Errorf("graph: open inputs: %w", err)
	}
	defer store.Close()

	grouped := make(map[string]map[string]string)

	for _, key := range store.Names() {
		label, input, ok := strings.Cut(key, "/")
		if !ok {
			label, input = "", key
		}

		if grouped[label] == nil {
			grouped[label] = make(map[string]string)
		}

		grouped[label][input] = key
	}

	labels := make([]string, 0, len(grouped))
	for label := range grouped {
		labels = append(labels, label)
	}

	sortBatchLabels(labels)

	out := make([]Batch, 0, len(labels))

	for i, label := range labels {
		keys := grouped[label]
		batch := Batch{Index: i, Inputs: make(map[string]*tensor.Tensor, len(inputs))}

		for _, in := range inputs {
			key, ok := keys[in.Name]
			if !ok {
				return nil, fmt.Errorf("graph: batch %q is missing input %q", label, in.Name)
			}

			st, err := store.Tensor(key)
			if err != nil {
				return nil, fmt.Errorf("graph: %w", err)
			}

			if !shapeCompatible(in.Shape, st.Shape) {
				return nil, fmt.Errorf("graph: input %q has shape %v, graph expects %v", key, st.Shape, in.Shape)
			}

			t, err := tensor.Wrap(st.Data, st.Shape)
			if err != nil {
				return nil, fmt.Errorf("graph: input %q: %w", key, err)
			}

			batch.Inputs[in.Name] = t
		}

		out = append(out, batch)
	}

	return out, nil
}

// sortBatchLabels orders numeric labels numerically and everything else
// lexically after them.
func sortBatchLabels(labels []string) {
	sort.Slice(labels, func(i, j int) bool {
		a, errA := strconv.Atoi(labels[i])
		b, errB := strconv.Atoi(labels[j])

		switch {
		case errA == nil && errB == nil:
			return a < b
		case errA == nil:
			return true
		case errB == nil:
			return false
		default:
			return labels[i] < labels[j]
		}
	})
}

func shapeCompatible(want, got []int64) bool {
	if len(want) == 0 {
		return true
	}

	if len(want) != len(got) {
		return false
	}

	for i := range want {
		if want[i] >= 1 && want[i] != got[i] {
			return false
		}
	}

	return true
}
