package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"

	"github.com/example/go-opdiag/internal/config"
	"github.com/example/go-opdiag/internal/graph"
	"github.com/example/go-opdiag/internal/profile"
	"github.com/example/go-opdiag/internal/report"
	"github.com/example/go-opdiag/internal/stats"
	"github.com/example/go-opdiag/internal/testutil"
)

func TestRenderMetricTable(t *testing.T) {
	table := &report.MetricTable{
		Role: graph.RoleActivation,
		Rows: []report.MetricRow{
			{
				Operator: graph.OperatorRecord{Name: "conv", Type: "conv1d"},
				Metrics: stats.MetricSet{
					MSE:       12.5,
					HasMSE:    true,
					Summary:   stats.Summary{Mean: 1, Std: 2, Min: -3, Max: 4},
					Quantized: stats.Summary{Mean: 1.5, Std: 2.5},
				},
			},
			{
				Operator: graph.OperatorRecord{Name: "fc"},
				Metrics:  stats.MetricSet{MSE: 0.5, HasMSE: true},
			},
			{
				Operator: graph.OperatorRecord{Name: "reshape", Type: "reshape"},
				Err:      stats.ErrShapeMismatch,
			},
		},
	}

	var buf bytes.Buffer
	renderMetricTable(&buf, table, 0)

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 5 {
		t.Fatalf("got %d lines, want 5:\n%s", len(lines), buf.String())
	}

	if lines[0] != "activation accuracy: 3 operators, 1 unavailable" {
		t.Errorf("title = %q", lines[0])
	}

	for i, want := range [][]string{
		{"OPERATOR", "TYPE", "MSE", "Q MEAN", "NOTE"},
		{"conv", "conv1d", "12.5", "1.5", "2.5", "-3"},
		{"fc", "-", "0.5"},
		{"reshape", "shape mismatch"},
	} {
		for _, cell := range want {
			if !strings.Contains(lines[i+1], cell) {
				t.Errorf("line %d = %q, missing %q", i+1, lines[i+1], cell)
			}
		}
	}
}

func TestRenderMetricTable_Top(t *testing.T) {
	table := &report.MetricTable{Role: graph.RoleWeight}
	for _, name := range []string{"a", "b", "c"} {
		table.Rows = append(table.Rows, report.MetricRow{
			Operator: graph.OperatorRecord{Name: name, Type: "linear"},
			Metrics:  stats.MetricSet{HasMSE: true},
		})
	}

	var buf bytes.Buffer
	renderMetricTable(&buf, table, 2)

	out := buf.String()
	if strings.Contains(out, "NOTE") {
		t.Errorf("NOTE column without unavailable rows:\n%s", out)
	}

	if !strings.HasSuffix(out, "(1 more)\n") {
		t.Errorf("missing truncation line:\n%s", out)
	}
}

func TestRenderProfileTable(t *testing.T) {
	p := &report.ProfileTable{
		Graph:      "g",
		Iterations: 3,
		Warmup:     1,
		Rows: []profile.Aggregate{
			{Operator: "fc1", Total: 3 * time.Millisecond, Count: 3, Mean: time.Millisecond, Min: 900 * time.Microsecond, Max: 1100 * time.Microsecond, Share: 0.75},
			{Operator: "act", Total: time.Millisecond, Count: 3, Mean: 333 * time.Microsecond, Min: 300 * time.Microsecond, Max: 400 * time.Microsecond, Share: 0.25},
		},
		PerIteration: profile.Stats{Min: 1300 * time.Microsecond, Max: 1400 * time.Microsecond, Mean: 1333333 * time.Nanosecond},
	}

	var buf bytes.Buffer
	renderProfileTable(&buf, p)

	out := buf.String()
	for _, want := range []string{
		"profile g: 3 iterations (1 warmup), per iteration mean 1.333ms min 1.3ms max 1.4ms",
		"SHARE %",
		"75.0",
		"25.0",
		"900µs",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	if strings.Index(out, "fc1") > strings.Index(out, "act") {
		t.Errorf("rows reordered:\n%s", out)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{1500 * time.Nanosecond, "1.5µs"},
		{1234567 * time.Nanosecond, "1.235ms"},
		{2 * time.Second, "2s"},
	}

	for _, tt := range tests {
		if got := formatDuration(tt.in); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestWriteInspect(t *testing.T) {
	g := testutil.NewFakeGraph("fake", nil, "a", "b")

	var buf bytes.Buffer
	if err := writeInspect(&buf, config.FormatTable, g); err != nil {
		t.Fatalf("table: %v", err)
	}

	if !strings.Contains(buf.String(), "graph fake: 2 operators") {
		t.Errorf("table output = %q", buf.String())
	}

	buf.Reset()

	if err := writeInspect(&buf, config.FormatJSON, g); err != nil {
		t.Fatalf("json: %v", err)
	}

	var got inspectOutput
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}

	names := make([]string, len(got.Operators))
	for i, op := range got.Operators {
		names[i] = op.Name
	}

	if diff := cmp.Diff([]string{"a", "b"}, names); diff != "" {
		t.Errorf("operators mismatch (-want +got):\n%s", diff)
	}

	if got.Name != "fake" || len(got.Inputs) != 1 || got.Inputs[0].Name != "x" {
		t.Errorf("got %+v", got)
	}
}

func TestDoctorConfig_NativeSkipsORT(t *testing.T) {
	cfg := writeGraphs(t)

	dcfg := doctorConfig(cfg)
	if !dcfg.SkipORT {
		t.Error("native backend should skip the ONNX Runtime check")
	}

	g, err := dcfg.Open(cfg.Paths.OriginalGraph)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer g.Close()

	if g.Name() != "mlp" {
		t.Errorf("Name() = %q, want mlp", g.Name())
	}
}
