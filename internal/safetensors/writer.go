package safetensors

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	json "github.com/goccy/go-json"
)

// EncodeTensors serializes tensors as F32.
func EncodeTensors(tensors []Tensor) ([]byte, error) {
	return EncodeTensorsAs(tensors, DTypeF32)
}

// EncodeTensorsAs serializes tensors stored as dtype. BF16 is read-only.
func EncodeTensorsAs(tensors []Tensor, dtype string) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, tensors, dtype); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Encode writes a safetensors payload to w. Tensors are laid out by name.
func Encode(w io.Writer, tensors []Tensor, dtype string) error {
	if len(tensors) == 0 {
		return errors.New("safetensors: no tensors to encode")
	}

	dtype, c, err := lookupCodec(dtype)
	if err != nil {
		return fmt.Errorf("safetensors: %w", err)
	}

	if c.encode == nil {
		return fmt.Errorf("safetensors: cannot encode %s (want %s or %s)", dtype, DTypeF32, DTypeF16)
	}

	order := make([]int, len(tensors))
	for i := range order {
		order[i] = i
	}

	sort.SliceStable(order, func(a, b int) bool { return tensors[order[a]].Name < tensors[order[b]].Name })

	header := make(map[string]headerEntry, len(tensors))
	offset := int64(0)

	for _, i := range order {
		t := tensors[i]

		name := strings.TrimSpace(t.Name)
		if name == "" {
			return errors.New("safetensors: tensor name must not be empty")
		}

		if _, dup := header[name]; dup {
			return fmt.Errorf("safetensors: duplicate tensor name %q", name)
		}

		n, err := elementCount(t.Shape)
		if err != nil {
			return fmt.Errorf("safetensors: tensor %q: %w", name, err)
		}

		if n != int64(len(t.Data)) {
			return fmt.Errorf("safetensors: tensor %q shape %v expects %d elements, got %d", name, t.Shape, n, len(t.Data))
		}

		size := n * int64(c.size)
		header[name] = headerEntry{DType: dtype, Shape: t.Shape, Offsets: [2]int64{offset, offset + size}}
		offset += size
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("safetensors: encode header: %w", err)
	}

	prefix := make([]byte, 8)
	le.PutUint64(prefix, uint64(len(headerJSON)))

	if _, err := w.Write(append(prefix, headerJSON...)); err != nil {
		return fmt.Errorf("safetensors: write header: %w", err)
	}

	for _, i := range order {
		data := tensors[i].Data

		raw := make([]byte, len(data)*c.size)
		for j, v := range data {
			c.encode(raw[j*c.size:], v)
		}

		if _, err := w.Write(raw); err != nil {
			return fmt.Errorf("safetensors: write tensor %q: %w", tensors[i].Name, err)
		}
	}

	return nil
}

// WriteFile writes tensors as F32 into a .safetensors file.
func WriteFile(path string, tensors []Tensor) error {
	return WriteFileAs(path, tensors, DTypeF32)
}

// WriteFileAs writes through a temporary file in the target directory and
// renames it into place.
func WriteFileAs(path string, tensors []Tensor, dtype string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".safetensors-*")
	if err != nil {
		return fmt.Errorf("safetensors: write %s: %w", path, err)
	}

	defer os.Remove(tmp.Name())

	if err := Encode(tmp, tensors, dtype); err != nil {
		_ = tmp.Close()
		return err
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("safetensors: write %s: %w", path, err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("safetensors: write %s: %w", path, err)
	}

	return nil
}
