//go:build windows

package onnx

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/go-opdiag/internal/config"
	"github.com/example/go-opdiag/internal/graph"
)

type Options struct {
	Runtime    config.RuntimeConfig
	APIVersion uint32
}

// Graph is unavailable in windows builds.
type Graph struct {
	manifest *Manifest
}

var errUnsupported = errors.New("onnx graph: ONNX Runtime backend is unavailable on windows")

// Open validates the manifest and then reports the backend as unavailable.
func Open(manifestPath string, _ Options) (*Graph, error) {
	m, err := LoadManifest(manifestPath)
	if err != nil {
		return nil, err
	}

	return nil, fmt.Errorf("%w (graph %q)", errUnsupported, m.Name)
}

func (g *Graph) Name() string                           { return g.manifest.Name }
func (g *Graph) Operators() []graph.OperatorRecord      { return g.manifest.Records() }
func (g *Graph) Inputs() []graph.InputSpec              { return g.manifest.InputSpecs() }
func (g *Graph) Weights(string) ([]graph.Weight, error) { return nil, errUnsupported }
func (g *Graph) Close() error                           { return nil }

func (g *Graph) Forward(context.Context, graph.Batch, graph.Hooks) error {
	return errUnsupported
}
