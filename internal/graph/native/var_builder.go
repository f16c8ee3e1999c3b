package native

import (
	"errors"
	"fmt"
	"strings"

	"github.com/example/go-opdiag/internal/runtime/tensor"
	"github.com/example/go-opdiag/internal/safetensors"
)

var errNoStore = errors.New("native graph: no weights file")

// VarBuilder looks tensors up in a safetensors store, optionally under a
// dotted prefix. Every Tensor call decodes from the store.
type VarBuilder struct {
	store  *safetensors.Store
	prefix string
}

func NewVarBuilder(store *safetensors.Store, prefix string) *VarBuilder {
	return &VarBuilder{store: store, prefix: strings.Trim(strings.TrimSpace(prefix), ".")}
}

func (vb *VarBuilder) Has(name string) bool {
	if vb.store == nil {
		return false
	}

	return vb.store.Has(vb.resolve(name))
}

func (vb *VarBuilder) Tensor(name string, wantShape ...int64) (*tensor.Tensor, error) {
	if vb.store == nil {
		return nil, errNoStore
	}

	fullName := vb.resolve(name)

	st, err := vb.store.Tensor(fullName)
	if err != nil {
		return nil, err
	}

	if len(wantShape) > 0 && !tensor.SameShape(st.Shape, wantShape) {
		return nil, fmt.Errorf("native graph: tensor %q shape %v does not match expected %v", fullName, st.Shape, wantShape)
	}

	return tensor.Wrap(st.Data, st.Shape)
}

func (vb *VarBuilder) Close() error {
	if vb.store == nil {
		return nil
	}

	return vb.store.Close()
}

func (vb *VarBuilder) resolve(name string) string {
	name = strings.TrimSpace(name)
	if vb.prefix == "" {
		return name
	}

	if name == "" {
		return vb.prefix
	}

	return vb.prefix + "." + name
}
