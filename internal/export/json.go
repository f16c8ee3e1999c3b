// Package export writes diagnosis reports to machine-readable sinks.
package export

import (
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"time"

	json "github.com/goccy/go-json"

	"github.com/example/go-opdiag/internal/profile"
	"github.com/example/go-opdiag/internal/report"
	"github.com/example/go-opdiag/internal/stats"
)

type jsonReport struct {
	RunID       string        `json:"run_id"`
	CreatedAt   time.Time     `json:"created_at"`
	Mode        report.Mode   `json:"mode"`
	Original    string        `json:"original,omitempty"`
	Quantized   string        `json:"quantized,omitempty"`
	Batches     int           `json:"batches"`
	Activations *jsonMetrics  `json:"activations,omitempty"`
	Weights     *jsonMetrics  `json:"weights,omitempty"`
	Profiling   *jsonProfiles `json:"profiling,omitempty"`
}

type jsonMetrics struct {
	Role        string          `json:"role"`
	Unavailable int             `json:"unavailable"`
	Rows        []jsonMetricRow `json:"rows"`
}

type jsonMetricRow struct {
	Operator  string       `json:"operator"`
	Type      string       `json:"type,omitempty"`
	MSE       *jsonFloat   `json:"mse,omitempty"`
	Original  *jsonSummary `json:"original,omitempty"`
	Quantized *jsonSummary `json:"quantized,omitempty"`
	Error     string       `json:"error,omitempty"`
}

type jsonSummary struct {
	Min      jsonFloat `json:"min"`
	Max      jsonFloat `json:"max"`
	Mean     jsonFloat `json:"mean"`
	Std      jsonFloat `json:"std"`
	Variance jsonFloat `json:"variance"`
	Count    int64     `json:"count"`
}

// jsonFloat encodes NaN and infinities as null.
type jsonFloat float64

func (f jsonFloat) MarshalJSON() ([]byte, error) {
	v := float64(f)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return []byte("null"), nil
	}

	return strconv.AppendFloat(nil, v, 'g', -1, 64), nil
}

type jsonProfiles struct {
	Graph        string           `json:"graph"`
	Iterations   int              `json:"iterations"`
	Warmup       int              `json:"warmup"`
	PerIteration jsonStats        `json:"per_iteration"`
	Rows         []jsonProfileRow `json:"rows"`
}

type jsonStats struct {
	MinNS  int64 `json:"min_ns"`
	MaxNS  int64 `json:"max_ns"`
	MeanNS int64 `json:"mean_ns"`
}

type jsonProfileRow struct {
	Operator string  `json:"operator"`
	TotalNS  int64   `json:"total_ns"`
	Count    int     `json:"count"`
	MeanNS   int64   `json:"mean_ns"`
	MinNS    int64   `json:"min_ns"`
	MaxNS    int64   `json:"max_ns"`
	Share    jsonFloat `json:"share"`
}

// WriteJSON writes r as indented JSON. Unavailable rows carry an "error"
// field instead of metrics.
func WriteJSON(w io.Writer, r *report.Report) error {
	data, err := json.MarshalIndent(toJSON(r), "", "  ")
	if err != nil {
		return fmt.Errorf("export: encode report: %w", err)
	}

	data = append(data, '\n')

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("export: write report: %w", err)
	}

	return nil
}

func WriteJSONFile(path string, r *report.Report) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}

	if err := WriteJSON(f, r); err != nil {
		_ = f.Close()
		return err
	}

	return f.Close()
}

func toJSON(r *report.Report) jsonReport {
	out := jsonReport{
		RunID:       r.RunID,
		CreatedAt:   r.CreatedAt,
		Mode:        r.Mode,
		Original:    r.Original,
		Quantized:   r.Quantized,
		Batches:     r.Batches,
		Activations: metricsJSON(r.Activations),
		Weights:     metricsJSON(r.Weights),
	}

	if p := r.Profiling; p != nil {
		out.Profiling = &jsonProfiles{
			Graph:        p.Graph,
			Iterations:   p.Iterations,
			Warmup:       p.Warmup,
			PerIteration: statsJSON(p.PerIteration),
			Rows:         make([]jsonProfileRow, len(p.Rows)),
		}

		for i, a := range p.Rows {
			out.Profiling.Rows[i] = jsonProfileRow{
				Operator: a.Operator,
				TotalNS:  a.Total.Nanoseconds(),
				Count:    a.Count,
				MeanNS:   a.Mean.Nanoseconds(),
				MinNS:    a.Min.Nanoseconds(),
				MaxNS:    a.Max.Nanoseconds(),
				Share:    jsonFloat(a.Share),
			}
		}
	}

	return out
}

func metricsJSON(t *report.MetricTable) *jsonMetrics {
	if t == nil {
		return nil
	}

	out := &jsonMetrics{
		Role:        string(t.Role),
		Unavailable: t.Unavailable(),
		Rows:        make([]jsonMetricRow, len(t.Rows)),
	}

	for i, row := range t.Rows {
		jr := jsonMetricRow{Operator: row.Operator.Name, Type: row.Operator.Type}

		if !row.Available() {
			jr.Error = row.Reason()
		} else {
			if row.Metrics.HasMSE {
				mse := jsonFloat(row.Metrics.MSE)
				jr.MSE = &mse
			}

			jr.Original = summaryJSON(row.Metrics.Summary)

			if row.Metrics.Quantized.Count > 0 {
				jr.Quantized = summaryJSON(row.Metrics.Quantized)
			}
		}

		out.Rows[i] = jr
	}

	return out
}

func summaryJSON(s stats.Summary) *jsonSummary {
	return &jsonSummary{
		Min:      jsonFloat(s.Min),
		Max:      jsonFloat(s.Max),
		Mean:     jsonFloat(s.Mean),
		Std:      jsonFloat(s.Std),
		Variance: jsonFloat(s.Variance),
		Count:    s.Count,
	}
}

func statsJSON(s profile.Stats) jsonStats {
	return jsonStats{MinNS: s.Min.Nanoseconds(), MaxNS: s.Max.Nanoseconds(), MeanNS: s.Mean.Nanoseconds()}
}
