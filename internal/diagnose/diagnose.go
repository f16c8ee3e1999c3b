// Package diagnose is the entry point of a diagnosis run. It aligns the two
// graphs, collects and ranks per-operator accuracy metrics, profiles
// per-operator latency and assembles the report.
package diagnose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/go-opdiag/internal/collect"
	"github.com/example/go-opdiag/internal/graph"
	"github.com/example/go-opdiag/internal/profile"
	"github.com/example/go-opdiag/internal/rank"
	"github.com/example/go-opdiag/internal/report"
)

var (
	// ErrGraphAlignment means no operator could be paired between the graphs.
	ErrGraphAlignment = errors.New("graph alignment failure")
	// ErrInference means a forward pass failed or was aborted.
	ErrInference = errors.New("inference failure")
)

// OpError is a fatal diagnosis error. Kind is ErrGraphAlignment or
// ErrInference; Op is empty when the failure is not tied to one operator.
type OpError struct {
	Op   string
	Kind error
	Err  error
}

func (e *OpError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("diagnose: %v: %v", e.Kind, e.Err)
	}

	return fmt.Sprintf("diagnose: %v at operator %q: %v", e.Kind, e.Op, e.Err)
}

func (e *OpError) Unwrap() []error { return []error{e.Kind, e.Err} }

// Input carries the graphs and calibration batches. Quantized may be nil for
// a performance-only run, in which case Original is profiled.
type Input struct {
	Original  graph.Inspectable
	Quantized graph.Inspectable
	Batches   []graph.Batch
}

type Options struct {
	Mode report.Mode
	// Operators restricts the run to these names. Empty means all.
	Operators []string
	// Roles restricts the accuracy tables. Empty means both.
	Roles []graph.Role
	// Workers bounds concurrent statistics folds. Zero means GOMAXPROCS.
	Workers int
	// Iterations and Warmup apply to profiling only.
	Iterations int
	Warmup     int
}

// Run executes one diagnosis. On any fatal error it returns a nil report.
func Run(ctx context.Context, in Input, opts Options) (*report.Report, error) {
	mode := opts.Mode
	if mode == "" {
		mode = report.ModeBoth
	}

	if !mode.Accuracy() && !mode.Performance() {
		return nil, fmt.Errorf("diagnose: unknown mode %q", mode)
	}

	if len(in.Batches) == 0 {
		return nil, errors.New("diagnose: at least one input batch is required")
	}

	rep := report.New(mode)
	rep.Batches = len(in.Batches)

	if in.Original != nil {
		rep.Original = in.Original.Name()
	}

	if in.Quantized != nil {
		rep.Quantized = in.Quantized.Name()
	}

	start := time.Now()

	slog.Info("diagnosis started", "run_id", rep.RunID, "mode", mode, "batches", len(in.Batches))

	if mode.Accuracy() {
		if err := accuracy(ctx, in, opts, rep); err != nil {
			return nil, err
		}
	}

	if mode.Performance() {
		if err := performance(ctx, in, opts, rep); err != nil {
			return nil, err
		}
	}

	slog.Info("diagnosis finished", "run_id", rep.RunID, "duration", time.Since(start))

	return rep, nil
}

func accuracy(ctx context.Context, in Input, opts Options, rep *report.Report) error {
	if in.Original == nil || in.Quantized == nil {
		return errors.New("diagnose: accuracy mode needs both an original and a quantized graph")
	}

	common := graph.CommonOperators(in.Original.Operators(), in.Quantized.Operators())
	if len(common) == 0 {
		return &OpError{
			Kind: ErrGraphAlignment,
			Err:  fmt.Errorf("graphs %q and %q share no operator names", in.Original.Name(), in.Quantized.Name()),
		}
	}

	ops := graph.FilterOperators(common, opts.Operators)
	if len(ops) == 0 {
		return &OpError{
			Kind: ErrGraphAlignment,
			Err:  fmt.Errorf("operator filter matched none of %d paired operators", len(common)),
		}
	}

	slog.Debug("aligned operators", "paired", len(common), "selected", len(ops))

	c := collect.New(in.Original, in.Quantized, ops, collect.Options{
		Workers: opts.Workers,
		Roles:   opts.Roles,
	})

	res, err := c.Collect(ctx, in.Batches)
	if err != nil {
		return inferenceError(err)
	}

	if res.Activations != nil {
		rep.Activations = rank.Table(graph.RoleActivation, res.Activations)
	}

	if res.Weights != nil {
		rep.Weights = rank.Table(graph.RoleWeight, res.Weights)
	}

	return nil
}

func performance(ctx context.Context, in Input, opts Options, rep *report.Report) error {
	target := in.Quantized
	if target == nil {
		target = in.Original
	}

	if target == nil {
		return errors.New("diagnose: performance mode needs a graph")
	}

	iterations := max(opts.Iterations, 1)
	warmup := max(opts.Warmup, 0)

	var keep map[string]struct{}
	if len(opts.Operators) > 0 {
		keep = graph.OperatorNames(graph.FilterOperators(target.Operators(), opts.Operators))
		if len(keep) == 0 {
			return &OpError{
				Kind: ErrGraphAlignment,
				Err:  fmt.Errorf("operator filter matched none of the %d operators of %q", len(target.Operators()), target.Name()),
			}
		}
	}

	rec := profile.NewRecorder()
	perIteration := make([]time.Duration, 0, iterations)

	for i := range warmup + iterations {
		measured := i >= warmup

		var hooks graph.Hooks

		if measured {
			observe := rec.Observe(i - warmup)
			hooks.OnDuration = func(op string, d time.Duration) {
				if keep != nil {
					if _, ok := keep[op]; !ok {
						return
					}
				}

				observe(op, d)
			}
		}

		iterStart := time.Now()

		for _, batch := range in.Batches {
			if err := target.Forward(ctx, batch, hooks); err != nil {
				return inferenceError(fmt.Errorf("profile %q (iteration %d, batch %d): %w", target.Name(), i, batch.Index, err))
			}
		}

		if measured {
			perIteration = append(perIteration, time.Since(iterStart))
		} else {
			slog.Debug("warmup iteration done", "iteration", i)
		}
	}

	rep.Profiling = &report.ProfileTable{
		Graph:        target.Name(),
		Rows:         rec.Aggregates(),
		Iterations:   iterations,
		Warmup:       warmup,
		PerIteration: profile.ComputeStats(perIteration),
	}

	return nil
}

func inferenceError(err error) error {
	op, _ := graph.FailedOperator(err)
	return &OpError{Op: op, Kind: ErrInference, Err: err}
}
