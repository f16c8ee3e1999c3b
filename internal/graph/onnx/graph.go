//go:build !windows

// Package onnx executes models exported as one ONNX file per operator stage
// through ONNX Runtime, so every stage boundary is an observable operator.
package onnx

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	ort "github.com/shota3506/onnxruntime-purego/onnxruntime"

	"github.com/example/go-opdiag/internal/config"
	"github.com/example/go-opdiag/internal/graph"
	"github.com/example/go-opdiag/internal/profile"
	"github.com/example/go-opdiag/internal/runtime/tensor"
	"github.com/example/go-opdiag/internal/safetensors"
)

type Options struct {
	Runtime    config.RuntimeConfig
	APIVersion uint32
}

// Graph implements graph.Inspectable on top of ORT sessions.
type Graph struct {
	manifest *Manifest
	runtime  *ort.Runtime
	env      *ort.Env
	sessions []*ort.Session
	store    *safetensors.Store
	ops      []graph.OperatorRecord
	uses     map[string]int
}

var _ graph.Inspectable = (*Graph)(nil)

// Open loads the manifest, the ORT library and one session per stage.
func Open(manifestPath string, opts Options) (*Graph, error) {
	m, err := LoadManifest(manifestPath)
	if err != nil {
		return nil, err
	}

	info, err := DetectRuntime(opts.Runtime)
	if err != nil {
		return nil, fmt.Errorf("onnx graph %q: %w", m.Name, err)
	}

	if opts.APIVersion == 0 {
		opts.APIVersion = 23
	}

	g := &Graph{
		manifest: m,
		ops:      m.Records(),
		uses:     make(map[string]int),
	}

	for _, op := range g.ops {
		for _, in := range op.Inputs {
			g.uses[in]++
		}
	}

	g.runtime, err = ort.NewRuntime(info.LibraryPath, opts.APIVersion)
	if err != nil {
		return nil, fmt.Errorf("onnx graph %q: ort runtime: %w", m.Name, err)
	}

	g.env, err = g.runtime.NewEnv("opdiag-"+m.Name, ort.LoggingLevelWarning)
	if err != nil {
		g.Close()
		return nil, fmt.Errorf("onnx graph %q: ort env: %w", m.Name, err)
	}

	for _, s := range m.Stages {
		session, err := g.runtime.NewSession(g.env, s.Path, nil)
		if err != nil {
			g.Close()
			return nil, fmt.Errorf("onnx graph %q: ort session for %q (%s): %w", m.Name, s.Name, s.Path, err)
		}

		g.sessions = append(g.sessions, session)
	}

	if wpath := m.WeightsPath(); wpath != "" {
		g.store, err = safetensors.OpenStore(wpath, safetensors.StoreOptions{})
		if err != nil {
			g.Close()
			return nil, fmt.Errorf("onnx graph %q: %w", m.Name, err)
		}
	}

	if err := g.checkWeights(); err != nil {
		g.Close()
		return nil, err
	}

	slog.Info("loaded onnx graph", "name", m.Name, "path", manifestPath, "stages", len(m.Stages), "ort", info.LibraryPath, "ort_version", info.Version)

	return g, nil
}

func (g *Graph) checkWeights() error {
	for _, s := range g.manifest.Stages {
		for _, role := range s.weightRoles() {
			if g.store == nil || !g.store.Has(s.Weights[role]) {
				return fmt.Errorf("onnx graph %q: stage %q weight %q (%s) not found in weights file", g.manifest.Name, s.Name, s.Weights[role], role)
			}
		}
	}

	return nil
}

func (g *Graph) Name() string { return g.manifest.Name }

func (g *Graph) Operators() []graph.OperatorRecord {
	return append([]graph.OperatorRecord(nil), g.ops...)
}

func (g *Graph) Inputs() []graph.InputSpec { return g.manifest.InputSpecs() }

func (g *Graph) Weights(op string) ([]graph.Weight, error) {
	idx := g.stageIndex(op)
	if idx < 0 {
		return nil, fmt.Errorf("onnx graph %q: unknown operator %q", g.manifest.Name, op)
	}

	s := g.manifest.Stages[idx]
	out := make([]graph.Weight, 0, len(s.Weights))

	for _, role := range s.weightRoles() {
		st, err := g.store.Tensor(s.Weights[role])
		if err != nil {
			return nil, fmt.Errorf("onnx graph %q: weight %s of %q: %w", g.manifest.Name, role, op, err)
		}

		t, err := tensor.Wrap(st.Data, st.Shape)
		if err != nil {
			return nil, err
		}

		out = append(out, graph.Weight{Name: role, Tensor: t})
	}

	return out, nil
}

// Forward runs the stages in order. Values are released after their last
// consumer.
func (g *Graph) Forward(ctx context.Context, batch graph.Batch, hooks graph.Hooks) error {
	values := make(map[string]*tensor.Tensor, len(g.manifest.Inputs))

	for _, in := range g.manifest.Inputs {
		t, ok := batch.Inputs[in.Name]
		if !ok {
			return fmt.Errorf("onnx graph %q: batch %d is missing input %q", g.manifest.Name, batch.Index, in.Name)
		}

		values[in.Name] = t
	}

	remaining := make(map[string]int, len(g.uses))
	for k, v := range g.uses {
		remaining[k] = v
	}

	for i, s := range g.manifest.Stages {
		if err := ctx.Err(); err != nil {
			return err
		}

		out, err := g.runStage(ctx, i, values, hooks)
		if err != nil {
			return &graph.ExecError{Op: s.Name, Err: err}
		}

		if hooks.OnActivation != nil {
			if err := hooks.OnActivation(s.Name, out); err != nil {
				return &graph.ExecError{Op: s.Name, Err: err}
			}
		}

		if remaining[s.Name] > 0 {
			values[s.Name] = out
		}

		for _, v := range s.Inputs {
			remaining[v]--
			if remaining[v] == 0 {
				delete(values, v)
			}
		}
	}

	return nil
}

func (g *Graph) runStage(ctx context.Context, idx int, values map[string]*tensor.Tensor, hooks graph.Hooks) (*tensor.Tensor, error) {
	s := g.manifest.Stages[idx]

	inputs := make(map[string]*ort.Value, len(s.Inputs))
	defer closeORTValues(inputs)

	for sessionInput, valueName := range s.Inputs {
		t, ok := values[valueName]
		if !ok {
			return nil, fmt.Errorf("input %q is not available", valueName)
		}

		v, err := ort.NewTensorValue(g.runtime, t.RawData(), t.Shape())
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", sessionInput, err)
		}

		inputs[sessionInput] = v
	}

	var outputs map[string]*ort.Value

	d, err := profile.Op(ctx, s.Name, func(ctx context.Context) error {
		var rerr error
		outputs, rerr = g.sessions[idx].Run(ctx, inputs)

		return rerr
	})
	if err != nil {
		return nil, fmt.Errorf("run: %w", err)
	}
	defer closeORTValues(outputs)

	if hooks.OnDuration != nil {
		hooks.OnDuration(s.Name, d)
	}

	v, err := selectOutput(s, outputs)
	if err != nil {
		return nil, err
	}

	return ortToTensor(v)
}

func selectOutput(s StageInfo, outputs map[string]*ort.Value) (*ort.Value, error) {
	if s.Output != "" {
		v, ok := outputs[s.Output]
		if !ok {
			return nil, fmt.Errorf("session has no output %q (outputs: %s)", s.Output, outputNames(outputs))
		}

		return v, nil
	}

	if len(outputs) != 1 {
		return nil, fmt.Errorf("session has %d outputs (%s); set \"output\" in the manifest", len(outputs), outputNames(outputs))
	}

	for _, v := range outputs {
		return v, nil
	}

	return nil, nil
}

func ortToTensor(v *ort.Value) (*tensor.Tensor, error) {
	elemType, err := v.GetTensorElementType()
	if err != nil {
		return nil, fmt.Errorf("get element type: %w", err)
	}

	if elemType != ort.ONNXTensorElementDataTypeFloat {
		return nil, fmt.Errorf("unsupported ORT element type %d (want float32)", elemType)
	}

	data, shape, err := ort.GetTensorData[float32](v)
	if err != nil {
		return nil, err
	}

	return tensor.New(data, shape)
}

func outputNames(outputs map[string]*ort.Value) string {
	names := make([]string, 0, len(outputs))
	for n := range outputs {
		names = append(names, n)
	}

	sort.Strings(names)

	return strings.Join(names, ",")
}

func closeORTValues(vals map[string]*ort.Value) {
	for _, v := range vals {
		if v != nil {
			v.Close()
		}
	}
}

func (g *Graph) stageIndex(name string) int {
	for i, s := range g.manifest.Stages {
		if s.Name == name {
			return i
		}
	}

	return -1
}

// Close releases all ORT resources. Safe to call multiple times.
func (g *Graph) Close() error {
	for _, s := range g.sessions {
		s.Close()
	}

	g.sessions = nil

	if g.env != nil {
		g.env.Close()
		g.env = nil
	}

	var err error

	if g.runtime != nil {
		err = g.runtime.Close()
		g.runtime = nil
	}

	if g.store != nil {
		if cerr := g.store.Close(); err == nil {
			err = cerr
		}

		g.store = nil
	}

	return err
}
