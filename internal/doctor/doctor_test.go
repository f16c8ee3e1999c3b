package doctor_test

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/example/go-opdiag/internal/doctor"
	"github.com/example/go-opdiag/internal/graph"
	"github.com/example/go-opdiag/internal/safetensors"
	"github.com/example/go-opdiag/internal/testutil"
)

var errLibNotFound = errors.New("unable to detect ONNX Runtime library path")

func hasFailureContaining(failures []string, sub string) bool {
	for _, f := range failures {
		if strings.Contains(f, sub) {
			return true
		}
	}

	return false
}

// opener serves fake graphs by path.
func opener(graphs map[string]*testutil.FakeGraph) doctor.OpenFunc {
	return func(path string) (graph.Inspectable, error) {
		g, ok := graphs[path]
		if !ok {
			return nil, fmt.Errorf("open %s: no such file", path)
		}

		return g, nil
	}
}

func pairedGraphs() map[string]*testutil.FakeGraph {
	orig := testutil.NewFakeGraph("fp32", nil, "fc1", "relu", "fc2")
	quant := testutil.NewFakeGraph("int8", nil, "fc1", "fc1_qdq", "relu", "fc2")
	orig.Ops[0].Weights = []string{"bias", "weight"}

	return map[string]*testutil.FakeGraph{"fp32.yaml": orig, "int8.yaml": quant}
}

// ---------------------------------------------------------------------------
// all-pass scenario
// ---------------------------------------------------------------------------

func TestRun_AllChecksPass(t *testing.T) {
	graphs := pairedGraphs()

	var out strings.Builder
	result := doctor.Run(doctor.Config{
		ORTVersion:     func() (string, error) { return "1.23.2", nil },
		Open:           opener(graphs),
		OriginalGraph:  "fp32.yaml",
		QuantizedGraph: "int8.yaml",
	}, &out)

	if result.Failed() {
		t.Fatalf("expected all checks to pass; failures: %v", result.Failures())
	}

	for _, want := range []string{"onnx runtime: 1.23.2", "fp32 (3 operators, 2 weights)", "3 common operators"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}

	if !graphs["fp32.yaml"].Closed() || !graphs["int8.yaml"].Closed() {
		t.Error("graphs were not closed")
	}
}

// ---------------------------------------------------------------------------
// runtime
// ---------------------------------------------------------------------------

func TestRun_ORTMissingFails(t *testing.T) {
	var out strings.Builder
	result := doctor.Run(doctor.Config{
		ORTVersion: func() (string, error) { return "", errLibNotFound },
	}, &out)

	if !result.Failed() || !hasFailureContaining(result.Failures(), "onnx runtime") {
		t.Fatalf("failures = %v; want onnx runtime failure", result.Failures())
	}

	if !strings.Contains(out.String(), doctor.FailMark) {
		t.Errorf("output should contain %s:\n%s", doctor.FailMark, out.String())
	}
}

func TestRun_ORTVersion(t *testing.T) {
	tests := []struct {
		ver     string
		wantErr bool
	}{
		{"1.23.0", false},
		{"1.24.1", false},
		{"unknown", false},
		{"1.16.3", true},
		{"2.0.0", true},
		{"abc", true},
	}

	for _, tt := range tests {
		t.Run(tt.ver, func(t *testing.T) {
			var out strings.Builder
			result := doctor.Run(doctor.Config{
				ORTVersion: func() (string, error) { return tt.ver, nil },
			}, &out)

			if result.Failed() != tt.wantErr {
				t.Fatalf("Failed() = %v; want %v (%v)", result.Failed(), tt.wantErr, result.Failures())
			}
		})
	}
}

func TestRun_SkipORT(t *testing.T) {
	var out strings.Builder
	result := doctor.Run(doctor.Config{
		SkipORT:    true,
		ORTVersion: func() (string, error) { t.Fatal("ORTVersion called despite SkipORT"); return "", nil },
	}, &out)

	if result.Failed() {
		t.Fatalf("unexpected failures: %v", result.Failures())
	}

	if !strings.Contains(out.String(), "skipped") {
		t.Errorf("output should mention skipped:\n%s", out.String())
	}
}

// ---------------------------------------------------------------------------
// graphs
// ---------------------------------------------------------------------------

func TestRun_GraphMissingFails(t *testing.T) {
	var out strings.Builder
	result := doctor.Run(doctor.Config{
		SkipORT:        true,
		Open:           opener(pairedGraphs()),
		OriginalGraph:  "fp32.yaml",
		QuantizedGraph: "missing.yaml",
	}, &out)

	if !hasFailureContaining(result.Failures(), "quantized graph") {
		t.Fatalf("failures = %v; want quantized graph failure", result.Failures())
	}

	if strings.Contains(out.String(), "graph alignment") {
		t.Error("alignment should not be checked when a graph failed to open")
	}
}

func TestRun_GraphAlignmentFails(t *testing.T) {
	graphs := map[string]*testutil.FakeGraph{
		"a.yaml": testutil.NewFakeGraph("a", nil, "x"),
		"b.yaml": testutil.NewFakeGraph("b", nil, "y"),
	}

	var out strings.Builder
	result := doctor.Run(doctor.Config{
		SkipORT:        true,
		Open:           opener(graphs),
		OriginalGraph:  "a.yaml",
		QuantizedGraph: "b.yaml",
	}, &out)

	if !hasFailureContaining(result.Failures(), "graph alignment") {
		t.Fatalf("failures = %v; want graph alignment failure", result.Failures())
	}
}

func TestRun_NoBackend(t *testing.T) {
	var out strings.Builder
	result := doctor.Run(doctor.Config{SkipORT: true, OriginalGraph: "fp32.yaml"}, &out)

	if !hasFailureContaining(result.Failures(), "no backend") {
		t.Fatalf("failures = %v", result.Failures())
	}
}

// ---------------------------------------------------------------------------
// inputs
// ---------------------------------------------------------------------------

func TestRun_InputsFile(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "inputs.safetensors")

	err := safetensors.WriteFile(good, []safetensors.Tensor{
		{Name: "0/x", Shape: []int64{1}, Data: []float32{1}},
		{Name: "1/x", Shape: []int64{1}, Data: []float32{2}},
	})
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	var out strings.Builder
	result := doctor.Run(doctor.Config{
		SkipORT:       true,
		Open:          opener(pairedGraphs()),
		OriginalGraph: "fp32.yaml",
		InputsFile:    good,
	}, &out)

	if result.Failed() {
		t.Fatalf("unexpected failures: %v", result.Failures())
	}

	if !strings.Contains(out.String(), "(2 batches)") {
		t.Errorf("output should report 2 batches:\n%s", out.String())
	}

	out.Reset()
	result = doctor.Run(doctor.Config{
		SkipORT:       true,
		Open:          opener(pairedGraphs()),
		OriginalGraph: "fp32.yaml",
		InputsFile:    filepath.Join(dir, "missing.safetensors"),
	}, &out)

	if !hasFailureContaining(result.Failures(), "inputs file") {
		t.Fatalf("failures = %v; want inputs file failure", result.Failures())
	}
}

func TestResult_AddFailure(t *testing.T) {
	var r doctor.Result
	r.AddFailure("external")

	if !r.Failed() || r.Failures()[0] != "external" {
		t.Fatalf("Failures = %v", r.Failures())
	}
}
