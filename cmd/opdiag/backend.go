package main

import (
	"fmt"

	"github.com/example/go-opdiag/internal/config"
	"github.com/example/go-opdiag/internal/graph"
	"github.com/example/go-opdiag/internal/graph/native"
	"github.com/example/go-opdiag/internal/graph/onnx"
)

// openGraph opens path with the configured backend.
func openGraph(cfg config.Config, path string) (graph.Inspectable, error) {
	if path == "" {
		return nil, fmt.Errorf("graph path is empty")
	}

	switch cfg.Runtime.Backend {
	case config.BackendNative:
		g, err := native.Open(path, native.Options{CacheWeights: cfg.Runtime.CacheWeights})
		if err != nil {
			return nil, err
		}

		return g, nil
	case config.BackendONNX:
		g, err := onnx.Open(path, onnx.Options{Runtime: cfg.Runtime})
		if err != nil {
			return nil, err
		}

		return g, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Runtime.Backend)
	}
}

// loadBatches reads the configured inputs file, or draws seeded random
// batches from the graph's input specs when none is set.
func loadBatches(cfg config.Config, g graph.Inspectable) ([]graph.Batch, error) {
	if cfg.Paths.Inputs != "" {
		return graph.LoadBatches(cfg.Paths.Inputs, g.Inputs())
	}

	return graph.RandomBatches(g.Inputs(), cfg.Diagnosis.RandomBatches, cfg.Diagnosis.Seed)
}

func toRoles(names []string) []graph.Role {
	out := make([]graph.Role, 0, len(names))
	for _, n := range names {
		out = append(out, graph.Role(n))
	}

	return out
}
