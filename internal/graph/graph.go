// Package graph defines the capability interface every model backend exposes
// to the diagnosis core, plus helpers for aligning operators and preparing
// calibration batches.
package graph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/go-opdiag/internal/runtime/tensor"
)

// Role distinguishes the two kinds of tensors an operator owns.
type Role string

const (
	RoleActivation Role = "activation"
	RoleWeight     Role = "weight"
)

// Source tells which graph a tensor came from.
type Source string

const (
	SourceOriginal  Source = "original"
	SourceQuantized Source = "quantized"
)

// OperatorRecord describes one computation node. Name is unique within a
// graph.
type OperatorRecord struct {
	Name    string   `json:"name"`
	Type    string   `json:"type"`
	Inputs  []string `json:"inputs,omitempty"`
	Outputs []string `json:"outputs,omitempty"`
	Weights []string `json:"weights,omitempty"`
}

// InputSpec is a graph input and its static shape. A dimension < 1 is
// dynamic.
type InputSpec struct {
	Name  string
	Shape []int64
}

// Weight is one named parameter of an operator.
type Weight struct {
	Name   string
	Tensor *tensor.Tensor
}

// Batch is one set of graph inputs keyed by input name.
type Batch struct {
	Index  int
	Inputs map[string]*tensor.Tensor
}

// Hooks are invoked by Forward as operators execute. Either field may be
// nil. Tensors passed to OnActivation are never mutated by the backend after
// the call, so receivers may keep them. A non-nil error from OnActivation
// aborts the forward pass.
type Hooks struct {
	OnActivation func(op string, t *tensor.Tensor) error
	OnDuration   func(op string, d time.Duration)
}

// Inspectable is implemented by every backend.
type Inspectable interface {
	Name() string
	// Operators returns the operators in execution order.
	Operators() []OperatorRecord
	Inputs() []InputSpec
	// Weights loads the parameters of one operator on demand. Operators
	// without parameters return an empty slice.
	Weights(op string) ([]Weight, error)
	Forward(ctx context.Context, batch Batch, hooks Hooks) error
	Close() error
}

// ExecError reports the operator that failed during Forward.
type ExecError struct {
	Op  string
	Err error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("operator %q: %v", e.Op, e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }

// FailedOperator returns the operator named by an *ExecError in err's chain.
func FailedOperator(err error) (string, bool) {
	var ee *ExecError
	if errors.As(err, &ee) {
		return ee.Op, true
	}

	return "", false
}

// CommonOperators returns the operators of a whose names also appear in b, in
// a's order.
func CommonOperators(a, b []OperatorRecord) []OperatorRecord {
	inB := make(map[string]struct{}, len(b))
	for _, op := range b {
		inB[op.Name] = struct{}{}
	}

	out := make([]OperatorRecord, 0, len(a))
	for _, op := range a {
		if _, ok := inB[op.Name]; ok {
			out = append(out, op)
		}
	}

	return out
}

// FilterOperators keeps the operators named in names. An empty filter keeps
// everything.
func FilterOperators(ops []OperatorRecord, names []string) []OperatorRecord {
	if len(names) == 0 {
		return ops
	}

	keep := make(map[string]struct{}, len(names))
	for _, n := range names {
		keep[n] = struct{}{}
	}

	out := make([]OperatorRecord, 0, len(names))
	for _, op := range ops {
		if _, ok := keep[op.Name]; ok {
			out = append(out, op)
		}
	}

	return out
}

// OperatorNames returns the names of ops as a set.
func OperatorNames(ops []OperatorRecord) map[string]struct{} {
	out := make(map[string]struct{}, len(ops))
	for _, op := range ops {
		out[op.Name] = struct{}{}
	}

	return out
}
