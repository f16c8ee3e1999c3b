package native

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Definition is the YAML form of a native graph.
type Definition struct {
	Name    string `yaml:"name"`
	Weights string `yaml:"weights"`
	// WeightsPrefix is prepended (dot-joined) to every weight name, so one
	// file can hold the parameters of several graphs.
	WeightsPrefix string        `yaml:"weights_prefix,omitempty"`
	Inputs        []InputDef    `yaml:"inputs"`
	Operators     []OperatorDef `yaml:"operators"`
}

type InputDef struct {
	Name  string  `yaml:"name"`
	Shape []int64 `yaml:"shape"`
}

// OperatorDef is one node. Its single output is named after the node.
// Weights maps a parameter role (weight, bias) to a tensor name in the
// weights file.
type OperatorDef struct {
	Name    string            `yaml:"name"`
	Type    string            `yaml:"type"`
	Inputs  []string          `yaml:"inputs"`
	Weights map[string]string `yaml:"weights,omitempty"`
	Attrs   map[string]any    `yaml:"attrs,omitempty"`
}

// LoadDefinition reads and validates a YAML graph definition.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("native graph: read %s: %w", path, err)
	}

	def, err := ParseDefinition(data)
	if err != nil {
		return nil, fmt.Errorf("%w (file %s)", err, path)
	}

	return def, nil
}

func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("native graph: parse definition: %w", err)
	}

	if err := def.Validate(); err != nil {
		return nil, err
	}

	return &def, nil
}

// Validate checks names, operator types, arity and that every input refers
// to a graph input or an earlier operator.
func (d *Definition) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return errors.New("native graph: definition has empty name")
	}

	if len(d.Operators) == 0 {
		return fmt.Errorf("native graph %q: no operators", d.Name)
	}

	known := make(map[string]struct{}, len(d.Inputs)+len(d.Operators))

	for _, in := range d.Inputs {
		if in.Name == "" {
			return fmt.Errorf("native graph %q: input with empty name", d.Name)
		}

		if _, dup := known[in.Name]; dup {
			return fmt.Errorf("native graph %q: duplicate input %q", d.Name, in.Name)
		}

		known[in.Name] = struct{}{}
	}

	for i, op := range d.Operators {
		if op.Name == "" {
			return fmt.Errorf("native graph %q: operator %d has empty name", d.Name, i)
		}

		if _, dup := known[op.Name]; dup {
			return fmt.Errorf("native graph %q: duplicate name %q", d.Name, op.Name)
		}

		spec, ok := kernels[op.Type]
		if !ok {
			return fmt.Errorf("native graph %q: operator %q has unknown type %q (known: %s)", d.Name, op.Name, op.Type, strings.Join(KnownTypes(), ", "))
		}

		if err := spec.check(op); err != nil {
			return fmt.Errorf("native graph %q: operator %q: %w", d.Name, op.Name, err)
		}

		for _, in := range op.Inputs {
			if _, ok := known[in]; !ok {
				return fmt.Errorf("native graph %q: operator %q reads %q before it is defined", d.Name, op.Name, in)
			}
		}

		known[op.Name] = struct{}{}
	}

	return nil
}

// weightRoles returns the parameter roles of op in sorted order.
func (op OperatorDef) weightRoles() []string {
	roles := make([]string, 0, len(op.Weights))
	for r := range op.Weights {
		roles = append(roles, r)
	}

	sort.Strings(roles)

	return roles
}

func attrInt(attrs map[string]any, key string, def int) (int, error) {
	v, ok := attrs[key]
	if !ok {
		return def, nil
	}

	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("attr %q must be an integer, got %v", key, n)
		}

		return int(n), nil
	default:
		return 0, fmt.Errorf("attr %q must be an integer, got %T", key, v)
	}
}

func attrFloat(attrs map[string]any, key string, def float64) (float64, error) {
	v, ok := attrs[key]
	if !ok {
		return def, nil
	}

	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	default:
		return 0, fmt.Errorf("attr %q must be a number, got %T", key, v)
	}
}

func attrString(attrs map[string]any, key, def string) (string, error) {
	v, ok := attrs[key]
	if !ok {
		return def, nil
	}

	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("attr %q must be a string, got %T", key, v)
	}

	return s, nil
}
