// Package native executes small graphs described in YAML on the pure-Go
// tensor runtime. Weights live in a safetensors file and are decoded one
// operator at a time.
package native

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/example/go-opdiag/internal/graph"
	"github.com/example/go-opdiag/internal/profile"
	"github.com/example/go-opdiag/internal/runtime/tensor"
	"github.com/example/go-opdiag/internal/safetensors"
)

type Options struct {
	// CacheWeights keeps decoded weights for the lifetime of the graph
	// instead of decoding them on every forward pass.
	CacheWeights bool
}

// Graph implements graph.Inspectable.
type Graph struct {
	def   *Definition
	vb    *VarBuilder
	ops   []graph.OperatorRecord
	uses  map[string]int
	opts  Options
	cache sync.Map // op name -> map[string]*tensor.Tensor
}

var _ graph.Inspectable = (*Graph)(nil)

// Open loads a YAML definition and its weights file. A relative weights
// path is resolved against the definition's directory.
func Open(path string, opts Options) (*Graph, error) {
	def, err := LoadDefinition(path)
	if err != nil {
		return nil, err
	}

	var store *safetensors.Store

	if def.Weights != "" {
		wpath := def.Weights
		if !filepath.IsAbs(wpath) {
			wpath = filepath.Join(filepath.Dir(path), wpath)
		}

		store, err = safetensors.OpenStore(wpath, safetensors.StoreOptions{})
		if err != nil {
			return nil, fmt.Errorf("native graph %q: %w", def.Name, err)
		}
	}

	g, err := New(def, store, opts)
	if err != nil {
		if store != nil {
			_ = store.Close()
		}

		return nil, err
	}

	slog.Info("loaded native graph", "name", def.Name, "path", path, "operators", len(def.Operators))

	return g, nil
}

// New builds a graph from a validated definition. store may be nil when no
// operator has weights. The graph takes ownership of store.
func New(def *Definition, store *safetensors.Store, opts Options) (*Graph, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	g := &Graph{
		def:  def,
		vb:   NewVarBuilder(store, def.WeightsPrefix),
		uses: make(map[string]int),
		opts: opts,
	}

	for _, op := range def.Operators {
		for _, in := range op.Inputs {
			g.uses[in]++
		}

		for _, role := range op.weightRoles() {
			name := op.Weights[role]
			if !g.vb.Has(name) {
				return nil, fmt.Errorf("native graph %q: operator %q weight %q (%s) not found in weights file", def.Name, op.Name, name, role)
			}
		}

		g.ops = append(g.ops, graph.OperatorRecord{
			Name:    op.Name,
			Type:    op.Type,
			Inputs:  append([]string(nil), op.Inputs...),
			Outputs: []string{op.Name},
			Weights: op.weightRoles(),
		})
	}

	return g, nil
}

func (g *Graph) Name() string { return g.def.Name }

func (g *Graph) Operators() []graph.OperatorRecord {
	return append([]graph.OperatorRecord(nil), g.ops...)
}

func (g *Graph) Inputs() []graph.InputSpec {
	out := make([]graph.InputSpec, len(g.def.Inputs))
	for i, in := range g.def.Inputs {
		out[i] = graph.InputSpec{Name: in.Name, Shape: append([]int64(nil), in.Shape...)}
	}

	return out
}

// Weights decodes the parameters of one operator, named by role.
func (g *Graph) Weights(op string) ([]graph.Weight, error) {
	def, ok := g.lookup(op)
	if !ok {
		return nil, fmt.Errorf("native graph %q: unknown operator %q", g.def.Name, op)
	}

	ws, err := g.weights(def)
	if err != nil {
		return nil, err
	}

	out := make([]graph.Weight, 0, len(ws))
	for _, role := range def.weightRoles() {
		out = append(out, graph.Weight{Name: role, Tensor: ws[role]})
	}

	return out, nil
}

// Forward runs one batch. Intermediate values are released as soon as their
// last consumer has run.
func (g *Graph) Forward(ctx context.Context, batch graph.Batch, hooks graph.Hooks) error {
	values := make(map[string]*tensor.Tensor, len(g.def.Inputs))

	for _, in := range g.def.Inputs {
		t, ok := batch.Inputs[in.Name]
		if !ok {
			return fmt.Errorf("native graph %q: batch %d is missing input %q", g.def.Name, batch.Index, in.Name)
		}

		values[in.Name] = t
	}

	remaining := make(map[string]int, len(g.uses))
	for k, v := range g.uses {
		remaining[k] = v
	}

	for _, op := range g.def.Operators {
		if err := ctx.Err(); err != nil {
			return err
		}

		out, err := g.runOp(ctx, op, values, hooks)
		if err != nil {
			return &graph.ExecError{Op: op.Name, Err: err}
		}

		if hooks.OnActivation != nil {
			if err := hooks.OnActivation(op.Name, out); err != nil {
				return &graph.ExecError{Op: op.Name, Err: err}
			}
		}

		if remaining[op.Name] > 0 {
			values[op.Name] = out
		}

		for _, in := range op.Inputs {
			remaining[in]--
			if remaining[in] == 0 {
				delete(values, in)
			}
		}
	}

	return nil
}

func (g *Graph) runOp(ctx context.Context, op OperatorDef, values map[string]*tensor.Tensor, hooks graph.Hooks) (*tensor.Tensor, error) {
	in := make([]*tensor.Tensor, len(op.Inputs))

	for i, name := range op.Inputs {
		t, ok := values[name]
		if !ok {
			return nil, fmt.Errorf("input %q is not available", name)
		}

		in[i] = t
	}

	ws, err := g.weights(op)
	if err != nil {
		return nil, err
	}

	var out *tensor.Tensor

	d, err := profile.Op(ctx, op.Name, func(context.Context) error {
		var kerr error
		out, kerr = kernels[op.Type].run(op, in, ws)

		return kerr
	})
	if err != nil {
		return nil, err
	}

	if hooks.OnDuration != nil {
		hooks.OnDuration(op.Name, d)
	}

	return out, nil
}

func (g *Graph) weights(op OperatorDef) (map[string]*tensor.Tensor, error) {
	if len(op.Weights) == 0 {
		return nil, nil
	}

	if cached, ok := g.cache.Load(op.Name); ok {
		return cached.(map[string]*tensor.Tensor), nil
	}

	out := make(map[string]*tensor.Tensor, len(op.Weights))

	for role, name := range op.Weights {
		t, err := g.vb.Tensor(name)
		if err != nil {
			return nil, fmt.Errorf("native graph %q: weight %s of %q: %w", g.def.Name, role, op.Name, err)
		}

		out[role] = t
	}

	if g.opts.CacheWeights {
		g.cache.Store(op.Name, out)
	}

	return out, nil
}

func (g *Graph) lookup(name string) (OperatorDef, bool) {
	for _, op := range g.def.Operators {
		if op.Name == name {
			return op, true
		}
	}

	return OperatorDef{}, false
}

// Close releases the weights file.
func (g *Graph) Close() error {
	g.cache.Clear()

	if g.vb == nil {
		return nil
	}

	return g.vb.Close()
}
