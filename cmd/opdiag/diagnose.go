package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/example/go-opdiag/internal/config"
	"github.com/example/go-opdiag/internal/diagnose"
	"github.com/example/go-opdiag/internal/export"
	"github.com/example/go-opdiag/internal/graph"
	"github.com/example/go-opdiag/internal/rank"
	"github.com/example/go-opdiag/internal/report"
)

func newDiagnoseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "diagnose",
		Short: "Compare original and quantized graphs operator by operator",
		Long: "Runs the original and quantized graphs on the same inputs, ranks operators by\n" +
			"activation and weight MSE and profiles per-operator latency. --diagnosis-mode\n" +
			"selects accuracy, performance or both.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			return runDiagnosis(ctx, cfg, report.Mode(cfg.Diagnosis.Mode), cmd.OutOrStdout())
		},
	}
}

func newProfileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "profile",
		Short: "Profile per-operator latency of one graph",
		Long: "Shortcut for diagnose --diagnosis-mode performance. The quantized graph is\n" +
			"profiled when set, the original otherwise.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			return runDiagnosis(ctx, cfg, report.ModePerformance, cmd.OutOrStdout())
		},
	}
}

// runDiagnosis opens the configured graphs, runs one diagnosis and writes the
// report to w and the configured sinks.
func runDiagnosis(ctx context.Context, cfg config.Config, mode report.Mode, w io.Writer) error {
	if mode.Accuracy() && (cfg.Paths.OriginalGraph == "" || cfg.Paths.QuantizedGraph == "") {
		return errors.New("accuracy diagnosis needs --original and --quantized")
	}

	if cfg.Paths.OriginalGraph == "" && cfg.Paths.QuantizedGraph == "" {
		return errors.New("profiling needs --original or --quantized")
	}

	in, err := openInput(cfg)
	if err != nil {
		return err
	}
	defer closeInput(in)

	rep, err := diagnose.Run(ctx, in, diagnose.Options{
		Mode:       mode,
		Operators:  cfg.Diagnosis.Operators,
		Roles:      toRoles(cfg.Diagnosis.Roles),
		Workers:    cfg.Diagnosis.Workers,
		Iterations: cfg.Diagnosis.Iterations,
		Warmup:     cfg.Diagnosis.Warmup,
	})
	if err != nil {
		return err
	}

	if err := writeReport(ctx, cfg, rep, w); err != nil {
		return err
	}

	return rank.CheckMaxMSE(rep.MetricTables(), cfg.Output.MaxMSE)
}

func openInput(cfg config.Config) (diagnose.Input, error) {
	var in diagnose.Input

	if cfg.Paths.OriginalGraph != "" {
		g, err := openGraph(cfg, cfg.Paths.OriginalGraph)
		if err != nil {
			return in, fmt.Errorf("open original graph: %w", err)
		}

		in.Original = g
	}

	if cfg.Paths.QuantizedGraph != "" {
		g, err := openGraph(cfg, cfg.Paths.QuantizedGraph)
		if err != nil {
			closeInput(in)
			return in, fmt.Errorf("open quantized graph: %w", err)
		}

		in.Quantized = g
	}

	ref := in.Original
	if ref == nil {
		ref = in.Quantized
	}

	batches, err := loadBatches(cfg, ref)
	if err != nil {
		closeInput(in)
		return in, err
	}

	in.Batches = batches

	return in, nil
}

func closeInput(in diagnose.Input) {
	for _, g := range []graph.Inspectable{in.Original, in.Quantized} {
		if g == nil {
			continue
		}

		if err := g.Close(); err != nil {
			slog.Warn("close graph", "graph", g.Name(), "error", err)
		}
	}
}

func writeReport(ctx context.Context, cfg config.Config, rep *report.Report, w io.Writer) error {
	switch cfg.Output.Format {
	case config.FormatJSON:
		if err := export.WriteJSON(w, rep); err != nil {
			return err
		}
	default:
		renderReport(w, rep, cfg.Output.Top)
	}

	if cfg.Output.JSONPath != "" {
		if err := export.WriteJSONFile(cfg.Output.JSONPath, rep); err != nil {
			return err
		}

		slog.Info("wrote json report", "path", cfg.Output.JSONPath)
	}

	if cfg.Influx.URL != "" {
		sink, err := export.NewInfluxSink(ctx, cfg.Influx)
		if err != nil {
			return err
		}
		defer sink.Close()

		if err := sink.Write(ctx, rep); err != nil {
			return err
		}

		slog.Info("wrote influx points", "url", cfg.Influx.URL, "bucket", cfg.Influx.Bucket)
	}

	return nil
}
