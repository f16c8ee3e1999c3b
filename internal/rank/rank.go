// Package rank orders per-operator metrics so the largest quantization error
// comes first.
package rank

import (
	"fmt"
	"math"
	"sort"

	"github.com/example/go-opdiag/internal/graph"
	"github.com/example/go-opdiag/internal/report"
)

// Rank returns a sorted copy of rows: MSE descending, rows without a defined
// MSE last, ties by operator name ascending. A NaN MSE counts as undefined.
// Nothing is dropped.
func Rank(rows []report.MetricRow) []report.MetricRow {
	out := append([]report.MetricRow(nil), rows...)

	sort.SliceStable(out, func(i, j int) bool {
		return less(out[i], out[j])
	})

	return out
}

// Table ranks rows into a table for one role.
func Table(role graph.Role, rows []report.MetricRow) *report.MetricTable {
	return &report.MetricTable{Role: role, Rows: Rank(rows)}
}

func less(a, b report.MetricRow) bool {
	aDef, bDef := defined(a), defined(b)

	switch {
	case aDef && !bDef:
		return true
	case !aDef && bDef:
		return false
	case aDef && a.Metrics.MSE != b.Metrics.MSE:
		return a.Metrics.MSE > b.Metrics.MSE
	}

	return a.Operator.Name < b.Operator.Name
}

func defined(r report.MetricRow) bool {
	return r.Available() && r.Metrics.HasMSE && !math.IsNaN(r.Metrics.MSE)
}

// Top returns at most k leading rows. k <= 0 returns all rows.
func Top(rows []report.MetricRow, k int) []report.MetricRow {
	if k <= 0 || k >= len(rows) {
		return rows
	}

	return rows[:k]
}

// CheckMaxMSE returns an error naming the first ranked operator whose MSE
// exceeds threshold. A threshold <= 0 disables the gate.
func CheckMaxMSE(tables []*report.MetricTable, threshold float64) error {
	if threshold <= 0 {
		return nil
	}

	for _, t := range tables {
		for _, r := range t.Rows {
			if defined(r) && r.Metrics.MSE > threshold {
				return fmt.Errorf("%s MSE of %q is %.6g, exceeds threshold %.6g", t.Role, r.Operator.Name, r.Metrics.MSE, threshold)
			}
		}
	}

	return nil
}
