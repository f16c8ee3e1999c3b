package onnx

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/example/go-opdiag/internal/graph"
)

// Manifest describes a model split into one ONNX file per operator stage.
// Stages run in order; each stage's output is named after the stage.
type Manifest struct {
	Name    string      `json:"name"`
	Weights string      `json:"weights,omitempty"`
	Inputs  []InputInfo `json:"inputs"`
	Stages  []StageInfo `json:"stages"`
	baseDir string
}

type InputInfo struct {
	Name  string  `json:"name"`
	Shape []int64 `json:"shape"`
}

// StageInfo is one operator. Inputs binds each session input name to a graph
// input or an earlier stage. Output selects the session output to capture and
// may be empty when the session has exactly one.
type StageInfo struct {
	Name     string            `json:"name"`
	Type     string            `json:"type"`
	Filename string            `json:"filename"`
	Inputs   map[string]string `json:"inputs"`
	Output   string            `json:"output,omitempty"`
	Weights  map[string]string `json:"weights,omitempty"`
	Path     string            `json:"-"`
}

func LoadManifest(path string) (*Manifest, error) {
	if path == "" {
		return nil, errors.New("onnx graph: manifest path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("onnx graph: read manifest: %w", err)
	}

	m, err := ParseManifest(data, filepath.Dir(path))
	if err != nil {
		return nil, err
	}

	for i := range m.Stages {
		if _, err := os.Stat(m.Stages[i].Path); err != nil {
			return nil, fmt.Errorf("onnx graph %q: session file for %q: %w", m.Name, m.Stages[i].Name, err)
		}
	}

	return m, nil
}

// ParseManifest decodes and validates a manifest. Relative filenames are
// resolved against baseDir.
func ParseManifest(data []byte, baseDir string) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("onnx graph: decode manifest: %w", err)
	}

	m.baseDir = baseDir

	if err := m.validate(); err != nil {
		return nil, err
	}

	for i := range m.Stages {
		m.Stages[i].Path = m.resolve(m.Stages[i].Filename)

		slog.Debug("onnx stage", "graph", m.Name, "op", m.Stages[i].Name, "path", m.Stages[i].Path, "inputs", strings.Join(m.Stages[i].inputNames(), ","))
	}

	return &m, nil
}

// WeightsPath returns the resolved weights file, or "" when there is none.
func (m *Manifest) WeightsPath() string {
	if m.Weights == "" {
		return ""
	}

	return m.resolve(m.Weights)
}

func (m *Manifest) resolve(name string) string {
	if filepath.IsAbs(name) {
		return filepath.Clean(name)
	}

	return filepath.Clean(filepath.Join(m.baseDir, name))
}

func (m *Manifest) validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return errors.New("onnx graph: manifest has empty name")
	}

	if len(m.Stages) == 0 {
		return fmt.Errorf("onnx graph %q: manifest has no stages", m.Name)
	}

	known := make(map[string]bool, len(m.Inputs)+len(m.Stages))

	for _, in := range m.Inputs {
		if in.Name == "" {
			return fmt.Errorf("onnx graph %q: input with empty name", m.Name)
		}

		if known[in.Name] {
			return fmt.Errorf("onnx graph %q: duplicate input %q", m.Name, in.Name)
		}

		known[in.Name] = true
	}

	for i, s := range m.Stages {
		switch {
		case s.Name == "":
			return fmt.Errorf("onnx graph %q: stage %d has empty name", m.Name, i)
		case known[s.Name]:
			return fmt.Errorf("onnx graph %q: duplicate name %q", m.Name, s.Name)
		case s.Filename == "":
			return fmt.Errorf("onnx graph %q: stage %q has empty filename", m.Name, s.Name)
		case len(s.Inputs) == 0:
			return fmt.Errorf("onnx graph %q: stage %q has no inputs", m.Name, s.Name)
		}

		for _, sessionInput := range s.inputNames() {
			value := s.Inputs[sessionInput]
			if !known[value] {
				return fmt.Errorf("onnx graph %q: stage %q reads %q before it is defined", m.Name, s.Name, value)
			}
		}

		for role, name := range s.Weights {
			if role == "" || name == "" {
				return fmt.Errorf("onnx graph %q: stage %q has an empty weight binding", m.Name, s.Name)
			}
		}

		known[s.Name] = true
	}

	return nil
}

// inputNames returns the session input names in sorted order.
func (s StageInfo) inputNames() []string {
	names := make([]string, 0, len(s.Inputs))
	for n := range s.Inputs {
		names = append(names, n)
	}

	sort.Strings(names)

	return names
}

func (s StageInfo) weightRoles() []string {
	roles := make([]string, 0, len(s.Weights))
	for r := range s.Weights {
		roles = append(roles, r)
	}

	sort.Strings(roles)

	return roles
}

// Records returns the operator records in stage order.
func (m *Manifest) Records() []graph.OperatorRecord {
	out := make([]graph.OperatorRecord, len(m.Stages))

	for i, s := range m.Stages {
		inputs := make([]string, 0, len(s.Inputs))
		for _, n := range s.inputNames() {
			inputs = append(inputs, s.Inputs[n])
		}

		out[i] = graph.OperatorRecord{
			Name:    s.Name,
			Type:    s.Type,
			Inputs:  inputs,
			Outputs: []string{s.Name},
			Weights: s.weightRoles(),
		}
	}

	return out
}

func (m *Manifest) InputSpecs() []graph.InputSpec {
	out := make([]graph.InputSpec, len(m.Inputs))
	for i, in := range m.Inputs {
		out[i] = graph.InputSpec{Name: in.Name, Shape: append([]int64(nil), in.Shape...)}
	}

	return out
}
