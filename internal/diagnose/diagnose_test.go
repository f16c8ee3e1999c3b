package diagnose

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/example/go-opdiag/internal/graph"
	"github.com/example/go-opdiag/internal/report"
	"github.com/example/go-opdiag/internal/stats"
	"github.com/example/go-opdiag/internal/testutil"
)

func batches(n int) []graph.Batch {
	out := make([]graph.Batch, n)
	for i := range out {
		out[i].Index = i
	}

	return out
}

func opNames(rows []report.MetricRow) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.Operator.Name
	}

	return out
}

func TestRun_AccuracyShapeMismatchScenario(t *testing.T) {
	orig := testutil.NewFakeGraph("orig", map[string][]float32{
		"A": {1, 2, 3},
		"B": {1, 2, 3},
		"C": {1, 2, 3},
	}, "A", "B", "C")
	quant := testutil.NewFakeGraph("quant", map[string][]float32{
		"A": {2, 2, 2},
		"B": {1, 2, 3, 4},
		"C": {1, 2, 3},
	}, "A", "B", "C")

	rep, err := Run(context.Background(), Input{Original: orig, Quantized: quant, Batches: batches(1)}, Options{
		Mode:  report.ModeAccuracy,
		Roles: []graph.Role{graph.RoleActivation},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if rep.Profiling != nil || rep.Weights != nil {
		t.Fatal("accuracy-only activation run produced extra tables")
	}

	if diff := cmp.Diff([]string{"A", "C", "B"}, opNames(rep.Activations.Rows)); diff != "" {
		t.Fatalf("activation order mismatch (-want +got):\n%s", diff)
	}

	rows := rep.Activations.Rows
	if rows[0].Metrics.MSE != 2 || rows[1].Metrics.MSE != 0 {
		t.Errorf("MSEs = %v, %v; want 2, 0", rows[0].Metrics.MSE, rows[1].Metrics.MSE)
	}

	if !errors.Is(rows[2].Err, stats.ErrShapeMismatch) {
		t.Errorf("B err = %v; want ErrShapeMismatch", rows[2].Err)
	}

	if rep.Activations.Unavailable() != 1 {
		t.Errorf("Unavailable = %d; want 1", rep.Activations.Unavailable())
	}

	if rep.RunID == "" || rep.Original != "orig" || rep.Quantized != "quant" {
		t.Errorf("report header = %q/%q/%q", rep.RunID, rep.Original, rep.Quantized)
	}
}

func TestRun_PerformanceScenario(t *testing.T) {
	g := testutil.NewFakeGraph("model", nil, "opX", "opY")
	g.Durations["opX"] = 6 * time.Millisecond
	g.Durations["opY"] = 3 * time.Millisecond

	rep, err := Run(context.Background(), Input{Original: g, Batches: batches(1)}, Options{
		Mode:       report.ModePerformance,
		Iterations: 2,
		Warmup:     1,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if rep.Activations != nil || rep.Weights != nil {
		t.Fatal("performance run produced accuracy tables")
	}

	prof := rep.Profiling
	if prof == nil || prof.Graph != "model" || prof.Iterations != 2 || prof.Warmup != 1 {
		t.Fatalf("profiling = %+v", prof)
	}

	if g.Forwards() != 3 {
		t.Errorf("forwards = %d; want 3 (1 warmup + 2 measured)", g.Forwards())
	}

	if len(prof.Rows) != 2 || prof.Rows[0].Operator != "opX" || prof.Rows[1].Operator != "opY" {
		t.Fatalf("rows = %+v; want [opX opY]", prof.Rows)
	}

	x := prof.Rows[0]
	if x.Total != 12*time.Millisecond || x.Count != 2 || x.Mean != 6*time.Millisecond {
		t.Errorf("opX = %+v; want total 12ms count 2 mean 6ms", x)
	}
}

func TestRun_PerformanceOperatorFilterAndQuantizedTarget(t *testing.T) {
	orig := testutil.NewFakeGraph("orig", nil, "a", "b")
	quant := testutil.NewFakeGraph("quant", nil, "a", "a_qdq", "b")

	rep, err := Run(context.Background(), Input{Original: orig, Quantized: quant, Batches: batches(2)}, Options{
		Mode:      report.ModePerformance,
		Operators: []string{"a_qdq"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if rep.Profiling.Graph != "quant" {
		t.Errorf("profiled graph = %q; want quant", rep.Profiling.Graph)
	}

	if len(rep.Profiling.Rows) != 1 || rep.Profiling.Rows[0].Operator != "a_qdq" || rep.Profiling.Rows[0].Count != 2 {
		t.Fatalf("rows = %+v; want a_qdq counted once per batch", rep.Profiling.Rows)
	}

	if orig.Forwards() != 0 {
		t.Errorf("original graph ran %d times in performance mode", orig.Forwards())
	}
}

func TestRun_BothModes(t *testing.T) {
	acts := map[string][]float32{"fc": {1, 2}}
	orig := testutil.NewFakeGraph("orig", acts, "fc")
	quant := testutil.NewFakeGraph("quant", acts, "fc")
	orig.Params["fc"] = []graph.Weight{{Name: "w", Tensor: testutil.MustTensor([]float32{1}, []int64{1})}}
	quant.Params["fc"] = []graph.Weight{{Name: "w", Tensor: testutil.MustTensor([]float32{0.5}, []int64{1})}}

	rep, err := Run(context.Background(), Input{Original: orig, Quantized: quant, Batches: batches(1)}, Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if rep.Mode != report.ModeBoth {
		t.Errorf("Mode = %q; want both", rep.Mode)
	}

	if rep.Activations == nil || rep.Weights == nil || rep.Profiling == nil {
		t.Fatalf("missing tables: %+v", rep)
	}

	if got := rep.Weights.Rows[0].Metrics.MSE; got != 0.25 {
		t.Errorf("weight MSE = %v; want 0.25", got)
	}

	if len(rep.MetricTables()) != 2 {
		t.Errorf("MetricTables len = %d; want 2", len(rep.MetricTables()))
	}
}

func TestRun_GraphAlignmentFailure(t *testing.T) {
	orig := testutil.NewFakeGraph("orig", nil, "a")
	quant := testutil.NewFakeGraph("quant", nil, "b")

	rep, err := Run(context.Background(), Input{Original: orig, Quantized: quant, Batches: batches(1)}, Options{Mode: report.ModeAccuracy})
	if rep != nil {
		t.Fatal("want nil report on alignment failure")
	}

	if !errors.Is(err, ErrGraphAlignment) {
		t.Fatalf("err = %v; want ErrGraphAlignment", err)
	}

	var opErr *OpError
	if !errors.As(err, &opErr) || opErr.Kind != ErrGraphAlignment {
		t.Fatalf("err = %#v; want *OpError", err)
	}

	both := testutil.NewFakeGraph("both", nil, "a")
	if _, err := Run(context.Background(), Input{Original: orig, Quantized: both, Batches: batches(1)}, Options{
		Mode:      report.ModeAccuracy,
		Operators: []string{"zzz"},
	}); !errors.Is(err, ErrGraphAlignment) {
		t.Fatalf("filter err = %v; want ErrGraphAlignment", err)
	}
}

func TestRun_PerformanceFilterMatchingNothing(t *testing.T) {
	g := testutil.NewFakeGraph("g", nil, "a", "b")

	rep, err := Run(context.Background(), Input{Original: g, Batches: batches(1)}, Options{
		Mode:      report.ModePerformance,
		Operators: []string{"zzz"},
	})
	if rep != nil {
		t.Fatal("want nil report when the filter selects nothing")
	}

	if !errors.Is(err, ErrGraphAlignment) {
		t.Fatalf("err = %v; want ErrGraphAlignment", err)
	}

	if g.Forwards() != 0 {
		t.Errorf("graph ran %d times with an empty selection", g.Forwards())
	}
}

func TestRun_InferenceFailureReturnsNoReport(t *testing.T) {
	acts := map[string][]float32{"a": {1}, "b": {2}}
	orig := testutil.NewFakeGraph("orig", acts, "a", "b")
	quant := testutil.NewFakeGraph("quant", acts, "a", "b")
	orig.FailAt = "b"

	rep, err := Run(context.Background(), Input{Original: orig, Quantized: quant, Batches: batches(1)}, Options{Mode: report.ModeBoth})
	if rep != nil {
		t.Fatal("want nil report on inference failure")
	}

	var opErr *OpError
	if !errors.As(err, &opErr) {
		t.Fatalf("err = %v; want *OpError", err)
	}

	if opErr.Op != "b" || !errors.Is(err, ErrInference) {
		t.Fatalf("OpError = %+v; want op b, kind ErrInference", opErr)
	}

	if !strings.Contains(err.Error(), `operator "b"`) {
		t.Errorf("error text %q should name the operator", err.Error())
	}
}

func TestRun_PerformanceInferenceFailure(t *testing.T) {
	g := testutil.NewFakeGraph("g", nil, "a")
	g.FailAt = "a"

	_, err := Run(context.Background(), Input{Original: g, Batches: batches(1)}, Options{Mode: report.ModePerformance})
	if !errors.Is(err, ErrInference) {
		t.Fatalf("err = %v; want ErrInference", err)
	}
}

func TestRun_InputValidation(t *testing.T) {
	g := testutil.NewFakeGraph("g", nil, "a")

	tests := []struct {
		name string
		in   Input
		opts Options
	}{
		{"no batches", Input{Original: g, Quantized: g}, Options{}},
		{"bad mode", Input{Original: g, Quantized: g, Batches: batches(1)}, Options{Mode: "fast"}},
		{"accuracy without quantized", Input{Original: g, Batches: batches(1)}, Options{Mode: report.ModeAccuracy}},
		{"performance without graph", Input{Batches: batches(1)}, Options{Mode: report.ModePerformance}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rep, err := Run(context.Background(), tt.in, tt.opts); err == nil || rep != nil {
				t.Fatalf("Run = %v, %v; want error", rep, err)
			}
		})
	}
}
