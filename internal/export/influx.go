package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/example/go-opdiag/internal/config"
	"github.com/example/go-opdiag/internal/report"
)

const (
	MeasurementProfile  = "opdiag_profile"
	MeasurementAccuracy = "opdiag_accuracy"
)

// PointWriter is the subset of api.WriteAPIBlocking the sink needs.
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// InfluxSink writes one point per profiling row and per available metric row.
type InfluxSink struct {
	client influxdb2.Client
	writer PointWriter
}

// NewInfluxSink connects to cfg.URL and checks the server's health.
func NewInfluxSink(ctx context.Context, cfg config.InfluxConfig) (*InfluxSink, error) {
	if cfg.URL == "" {
		return nil, errors.New("export: influx url is empty")
	}

	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("export: influx health check: %w", err)
	}

	if health.Status != "pass" {
		client.Close()
		return nil, fmt.Errorf("export: influx health status %q", health.Status)
	}

	slog.Info("connected to influxdb", "url", cfg.URL, "org", cfg.Org, "bucket", cfg.Bucket)

	return &InfluxSink{client: client, writer: client.WriteAPIBlocking(cfg.Org, cfg.Bucket)}, nil
}

// NewInfluxSinkWithWriter builds a sink around an existing writer.
func NewInfluxSinkWithWriter(w PointWriter) *InfluxSink {
	return &InfluxSink{writer: w}
}

func (s *InfluxSink) Write(ctx context.Context, r *report.Report) error {
	points := Points(r)
	if len(points) == 0 {
		return nil
	}

	if err := s.writer.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("export: write %d points: %w", len(points), err)
	}

	slog.Debug("wrote influx points", "run_id", r.RunID, "points", len(points))

	return nil
}

func (s *InfluxSink) Close() {
	if s.client != nil {
		s.client.Close()
	}
}

// Points converts a report into line-protocol points stamped with the
// report's creation time.
func Points(r *report.Report) []*write.Point {
	var points []*write.Point

	ts := r.CreatedAt

	for _, t := range r.MetricTables() {
		for _, row := range t.Rows {
			if !row.Available() {
				continue
			}

			fields := map[string]any{"count": row.Metrics.Summary.Count}

			setFinite(fields, "mean", row.Metrics.Summary.Mean)
			setFinite(fields, "std", row.Metrics.Summary.Std)
			setFinite(fields, "variance", row.Metrics.Summary.Variance)
			setFinite(fields, "min", row.Metrics.Summary.Min)
			setFinite(fields, "max", row.Metrics.Summary.Max)

			if row.Metrics.HasMSE {
				setFinite(fields, "mse", row.Metrics.MSE)
			}

			points = append(points, influxdb2.NewPoint(MeasurementAccuracy, map[string]string{
				"op":     row.Operator.Name,
				"role":   string(t.Role),
				"run_id": r.RunID,
			}, fields, ts))
		}
	}

	if p := r.Profiling; p != nil {
		for _, a := range p.Rows {
			points = append(points, influxdb2.NewPoint(MeasurementProfile, map[string]string{
				"op":     a.Operator,
				"graph":  p.Graph,
				"run_id": r.RunID,
			}, map[string]any{
				"total_ns": a.Total.Nanoseconds(),
				"mean_ns":  a.Mean.Nanoseconds(),
				"min_ns":   a.Min.Nanoseconds(),
				"max_ns":   a.Max.Nanoseconds(),
				"count":    int64(a.Count),
				"share":    a.Share,
			}, ts))
		}
	}

	return points
}

// setFinite skips NaN and infinities, which line protocol cannot carry.
func setFinite(fields map[string]any, key string, v float64) {
	if !math.IsNaN(v) && !math.IsInf(v, 0) {
		fields[key] = v
	}
}
