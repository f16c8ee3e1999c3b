package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/example/go-opdiag/internal/graph"
	"github.com/example/go-opdiag/internal/runtime/tensor"
)

// FakeGraph is a scripted graph.Inspectable for tests. Forward emits the
// activation and duration of every operator in Ops order.
type FakeGraph struct {
	GraphName string
	Ops       []graph.OperatorRecord
	In        []graph.InputSpec

	// Acts maps operator name to its activation. ActFn, when set, takes
	// precedence and may vary the activation by batch.
	Acts  map[string]*tensor.Tensor
	ActFn func(op string, batch graph.Batch) *tensor.Tensor

	Params    map[string][]graph.Weight
	Durations map[string]time.Duration

	// FailAt makes Forward fail when it reaches that operator.
	FailAt string

	forwards atomic.Int64
	closed   atomic.Bool
}

// NewFakeGraph builds a graph whose operators are named by ops, each with
// a one-dimensional activation.
func NewFakeGraph(name string, acts map[string][]float32, ops ...string) *FakeGraph {
	g := &FakeGraph{
		GraphName: name,
		In:        []graph.InputSpec{{Name: "x", Shape: []int64{1}}},
		Acts:      make(map[string]*tensor.Tensor, len(acts)),
		Params:    map[string][]graph.Weight{},
		Durations: map[string]time.Duration{},
	}

	for _, op := range ops {
		g.Ops = append(g.Ops, graph.OperatorRecord{Name: op, Type: "fake"})
	}

	for op, data := range acts {
		g.Acts[op] = MustTensor(data, []int64{int64(len(data))})
	}

	return g
}

// MustTensor wraps tensor.New and panics on error.
func MustTensor(data []float32, shape []int64) *tensor.Tensor {
	t, err := tensor.New(data, shape)
	if err != nil {
		panic(err)
	}

	return t
}

func (g *FakeGraph) Name() string                      { return g.GraphName }
func (g *FakeGraph) Operators() []graph.OperatorRecord { return g.Ops }
func (g *FakeGraph) Inputs() []graph.InputSpec         { return g.In }

// Forwards reports how many forward passes ran.
func (g *FakeGraph) Forwards() int { return int(g.forwards.Load()) }

func (g *FakeGraph) Closed() bool { return g.closed.Load() }

func (g *FakeGraph) Weights(op string) ([]graph.Weight, error) {
	return g.Params[op], nil
}

func (g *FakeGraph) Forward(ctx context.Context, batch graph.Batch, hooks graph.Hooks) error {
	g.forwards.Add(1)

	for _, op := range g.Ops {
		if err := ctx.Err(); err != nil {
			return err
		}

		if op.Name == g.FailAt {
			return &graph.ExecError{Op: op.Name, Err: errors.New("scripted failure")}
		}

		act := g.Acts[op.Name]
		if g.ActFn != nil {
			act = g.ActFn(op.Name, batch)
		}

		if act != nil && hooks.OnActivation != nil {
			if err := hooks.OnActivation(op.Name, act); err != nil {
				return fmt.Errorf("fake graph %s: %w", g.GraphName, err)
			}
		}

		if hooks.OnDuration != nil {
			hooks.OnDuration(op.Name, g.Durations[op.Name])
		}
	}

	return nil
}

func (g *FakeGraph) Close() error {
	g.closed.Store(true)
	return nil
}
