// Package doctor provides preflight checks for a diagnosis run.
package doctor

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/example/go-opdiag/internal/graph"
)

// PassMark and FailMark are the prefix symbols printed for each check result.
const (
	PassMark = "✓"
	FailMark = "✗"
)

// MinORTMinor is the lowest ONNX Runtime 1.x minor release whose C API
// version the onnx backend requests.
const MinORTMinor = 23

// VersionFunc returns a version string or an error if the component is unavailable.
type VersionFunc func() (string, error)

// OpenFunc opens a graph. Opening validates the definition and checks that
// every declared operator weight exists.
type OpenFunc func(path string) (graph.Inspectable, error)

// Config holds injectable dependencies for each doctor check.
type Config struct {
	// ORTVersion reports the detected ONNX Runtime version.
	ORTVersion VersionFunc
	// SkipORT skips the runtime check (native backend).
	SkipORT bool
	// Open loads graphs for the graph checks.
	Open OpenFunc
	// OriginalGraph and QuantizedGraph are checked when non-empty.
	OriginalGraph  string
	QuantizedGraph string
	// InputsFile is checked against the original graph's inputs when set.
	InputsFile string
}

// Result collects the outcome of all checks.
type Result struct {
	failures []string
}

// Failed returns true if any check failed.
func (r *Result) Failed() bool { return len(r.failures) > 0 }

// Failures returns the list of failure messages.
func (r *Result) Failures() []string { return append([]string(nil), r.failures...) }

// AddFailure appends an external failure message to the result.
func (r *Result) AddFailure(msg string) { r.failures = append(r.failures, msg) }

func (r *Result) fail(msg string) { r.failures = append(r.failures, msg) }

// Run executes all configured checks and writes human-readable output to w.
// Each check line is prefixed with PassMark or FailMark.
func Run(cfg Config, w io.Writer) Result {
	var res Result

	// ---- ONNX Runtime -----------------------------------------------------
	if cfg.SkipORT {
		fmt.Fprintf(w, "%s onnx runtime: skipped\n", PassMark)
	} else {
		ver, err := cfg.ORTVersion()
		if err != nil {
			res.fail(fmt.Sprintf("onnx runtime: %v", err))
			fmt.Fprintf(w, "%s onnx runtime: not found (%v)\n", FailMark, err)
		} else if verErr := checkORTVersion(ver); verErr != nil {
			res.fail(fmt.Sprintf("onnx runtime: %v", verErr))
			fmt.Fprintf(w, "%s onnx runtime %s: %v\n", FailMark, ver, verErr)
		} else {
			fmt.Fprintf(w, "%s onnx runtime: %s\n", PassMark, ver)
		}
	}

	// ---- graphs -----------------------------------------------------------
	orig := checkGraph(&res, w, cfg.Open, "original graph", cfg.OriginalGraph)
	if orig != nil {
		defer orig.Close()
	}

	quant := checkGraph(&res, w, cfg.Open, "quantized graph", cfg.QuantizedGraph)
	if quant != nil {
		defer quant.Close()
	}

	if orig != nil && quant != nil {
		common := graph.CommonOperators(orig.Operators(), quant.Operators())
		if len(common) == 0 {
			res.fail("graph alignment: no operator names in common")
			fmt.Fprintf(w, "%s graph alignment: no operator names in common\n", FailMark)
		} else {
			fmt.Fprintf(w, "%s graph alignment: %d common operators (%d original, %d quantized)\n",
				PassMark, len(common), len(orig.Operators()), len(quant.Operators()))
		}
	}

	// ---- inputs -----------------------------------------------------------
	if cfg.InputsFile != "" {
		switch {
		case orig == nil:
			res.fail(fmt.Sprintf("inputs file %q: no original graph to check against", cfg.InputsFile))
			fmt.Fprintf(w, "%s inputs file %s: no original graph to check against\n", FailMark, cfg.InputsFile)
		default:
			batches, err := graph.LoadBatches(cfg.InputsFile, orig.Inputs())
			if err != nil {
				res.fail(fmt.Sprintf("inputs file %q: %v", cfg.InputsFile, err))
				fmt.Fprintf(w, "%s inputs file %s: %v\n", FailMark, cfg.InputsFile, err)
			} else {
				fmt.Fprintf(w, "%s inputs file: %s (%d batches)\n", PassMark, cfg.InputsFile, len(batches))
			}
		}
	}

	return res
}

func checkGraph(res *Result, w io.Writer, open OpenFunc, label, path string) graph.Inspectable {
	if path == "" {
		fmt.Fprintf(w, "%s %s: not configured\n", PassMark, label)
		return nil
	}

	if open == nil {
		res.fail(fmt.Sprintf("%s %q: no backend", label, path))
		fmt.Fprintf(w, "%s %s %s: no backend\n", FailMark, label, path)

		return nil
	}

	g, err := open(path)
	if err != nil {
		res.fail(fmt.Sprintf("%s %q: %v", label, path, err))
		fmt.Fprintf(w, "%s %s %s: %v\n", FailMark, label, path, err)

		return nil
	}

	weights := 0
	for _, op := range g.Operators() {
		weights += len(op.Weights)
	}

	fmt.Fprintf(w, "%s %s: %s (%d operators, %d weights)\n", PassMark, label, g.Name(), len(g.Operators()), weights)

	return g
}

// checkORTVersion returns an error if ver is not 1.x with x >= MinORTMinor.
// An undetermined version passes.
func checkORTVersion(ver string) error {
	if ver == "" || ver == "unknown" {
		return nil
	}

	major, minor, err := parseMajorMinor(ver)
	if err != nil {
		return fmt.Errorf("cannot parse %q: %w", ver, err)
	}

	if major != 1 {
		return fmt.Errorf("requires ONNX Runtime 1.x, got %d", major)
	}

	if minor < MinORTMinor {
		return fmt.Errorf("requires ONNX Runtime >=1.%d, got 1.%d", MinORTMinor, minor)
	}

	return nil
}

func parseMajorMinor(ver string) (major, minor int, err error) {
	parts := strings.SplitN(ver, ".", 3)
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("unexpected version format %q", ver)
	}

	major, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("bad major in %q: %w", ver, err)
	}

	minor, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("bad minor in %q: %w", ver, err)
	}

	return major, minor, nil
}
