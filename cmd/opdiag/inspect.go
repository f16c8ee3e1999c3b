package main

import (
	"errors"
	"io"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/example/go-opdiag/internal/config"
	"github.com/example/go-opdiag/internal/graph"
)

type inspectOutput struct {
	Name      string                 `json:"name"`
	Inputs    []inspectInput         `json:"inputs"`
	Operators []graph.OperatorRecord `json:"operators"`
}

type inspectInput struct {
	Name  string  `json:"name"`
	Shape []int64 `json:"shape"`
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect [graph]",
		Short: "List the operators of a graph",
		Long:  "Lists operators in execution order. Defaults to the configured original graph.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			path := cfg.Paths.OriginalGraph
			if len(args) == 1 {
				path = args[0]
			}

			if path == "" {
				return errors.New("inspect needs a graph path argument or --original")
			}

			g, err := openGraph(cfg, path)
			if err != nil {
				return err
			}
			defer g.Close()

			return writeInspect(cmd.OutOrStdout(), cfg.Output.Format, g)
		},
	}
}

func writeInspect(w io.Writer, format string, g graph.Inspectable) error {
	if format != config.FormatJSON {
		renderOperators(w, g)
		return nil
	}

	out := inspectOutput{Name: g.Name(), Operators: g.Operators()}
	for _, in := range g.Inputs() {
		out.Inputs = append(out.Inputs, inspectInput{Name: in.Name, Shape: in.Shape})
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}

	_, err = w.Write(append(data, '\n'))

	return err
}
