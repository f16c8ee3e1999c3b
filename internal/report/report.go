// Package report holds the structured result of a diagnosis run. It never
// formats text; renderers and exporters consume it.
package report

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/example/go-opdiag/internal/graph"
	"github.com/example/go-opdiag/internal/profile"
	"github.com/example/go-opdiag/internal/stats"
)

// Mode selects which tables a run produces.
type Mode string

const (
	ModeAccuracy    Mode = "accuracy"
	ModePerformance Mode = "performance"
	ModeBoth        Mode = "both"
)

func (m Mode) Accuracy() bool    { return m == ModeAccuracy || m == ModeBoth }
func (m Mode) Performance() bool { return m == ModePerformance || m == ModeBoth }

// MetricRow is one operator in an accuracy table. A row with a non-nil Err
// is unavailable and its Metrics are zero.
type MetricRow struct {
	Operator graph.OperatorRecord
	Metrics  stats.MetricSet
	Err      error
}

func (r MetricRow) Available() bool { return r.Err == nil }

// Reason returns a short label for an unavailable row.
func (r MetricRow) Reason() string {
	switch {
	case r.Err == nil:
		return ""
	case errors.Is(r.Err, stats.ErrShapeMismatch):
		return "shape mismatch"
	case errors.Is(r.Err, stats.ErrEmptyTensor):
		return "empty tensor"
	case errors.Is(r.Err, stats.ErrNonFinite):
		return "non-finite values"
	default:
		return r.Err.Error()
	}
}

// MetricTable is an ordered accuracy table for one role.
type MetricTable struct {
	Role graph.Role
	Rows []MetricRow
}

// Unavailable counts rows without metrics.
func (t *MetricTable) Unavailable() int {
	n := 0

	for _, r := range t.Rows {
		if !r.Available() {
			n++
		}
	}

	return n
}

// ProfileTable is the ordered latency table.
type ProfileTable struct {
	Graph        string
	Rows         []profile.Aggregate
	Iterations   int
	Warmup       int
	PerIteration profile.Stats
}

// Report is the outcome of one diagnosis invocation. Tables that were not
// requested are nil.
type Report struct {
	RunID       string
	CreatedAt   time.Time
	Mode        Mode
	Original    string
	Quantized   string
	Batches     int
	Activations *MetricTable
	Weights     *MetricTable
	Profiling   *ProfileTable
}

func New(mode Mode) *Report {
	return &Report{
		RunID:     uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		Mode:      mode,
	}
}

// MetricTables returns the non-nil accuracy tables, activations first.
func (r *Report) MetricTables() []*MetricTable {
	var out []*MetricTable

	if r.Activations != nil {
		out = append(out, r.Activations)
	}

	if r.Weights != nil {
		out = append(out, r.Weights)
	}

	return out
}
