package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/go-opdiag/internal/config"
	"github.com/example/go-opdiag/internal/doctor"
	"github.com/example/go-opdiag/internal/graph"
	"github.com/example/go-opdiag/internal/graph/onnx"
)

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run runtime, graph and inputs checks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(w, "backend: %s\n", cfg.Runtime.Backend)

			result := doctor.Run(doctorConfig(cfg), w)
			if result.Failed() {
				return fmt.Errorf("doctor: %d check(s) failed", len(result.Failures()))
			}

			return nil
		},
	}
}

func doctorConfig(cfg config.Config) doctor.Config {
	return doctor.Config{
		ORTVersion: func() (string, error) {
			info, err := onnx.DetectRuntime(cfg.Runtime)
			if err != nil {
				return "", err
			}

			return info.Version, nil
		},
		SkipORT: cfg.Runtime.Backend != config.BackendONNX,
		Open: func(path string) (graph.Inspectable, error) {
			return openGraph(cfg, path)
		},
		OriginalGraph:  cfg.Paths.OriginalGraph,
		QuantizedGraph: cfg.Paths.QuantizedGraph,
		InputsFile:     cfg.Paths.Inputs,
	}
}
