package config

import (
	"fmt"
	"log/slog"
	"strings"
)

const (
	BackendNative = "native"
	BackendONNX   = "onnx"
)

const (
	ModeAccuracy    = "accuracy"
	ModePerformance = "performance"
	ModeBoth        = "both"
)

const (
	RoleActivation = "activation"
	RoleWeight     = "weight"
)

const (
	FormatTable = "table"
	FormatJSON  = "json"
)

func NormalizeBackend(raw string) (string, error) {
	backend := strings.ToLower(strings.TrimSpace(raw))
	if backend == "" {
		backend = BackendNative
	}

	switch backend {
	case BackendNative, BackendONNX:
		return backend, nil
	case "yaml", "safetensors":
		return BackendNative, nil
	case "ort", "onnxruntime":
		return BackendONNX, nil
	default:
		return "", fmt.Errorf("invalid backend %q (expected %s|%s)", raw, BackendNative, BackendONNX)
	}
}

func NormalizeMode(raw string) (string, error) {
	mode := strings.ToLower(strings.TrimSpace(raw))
	if mode == "" {
		return ModeBoth, nil
	}

	switch mode {
	case ModeAccuracy, ModePerformance, ModeBoth:
		return mode, nil
	case "acc":
		return ModeAccuracy, nil
	case "perf":
		return ModePerformance, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected %s|%s|%s)", raw, ModeAccuracy, ModePerformance, ModeBoth)
	}
}

// NormalizeRoles lower-cases, de-duplicates and validates roles. Plural forms
// are accepted. An empty list selects both roles.
func NormalizeRoles(raw []string) ([]string, error) {
	seen := make(map[string]bool, 2)
	out := make([]string, 0, 2)

	for _, r := range raw {
		role := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(r)), "s")
		if role == "" {
			continue
		}

		if role != RoleActivation && role != RoleWeight {
			return nil, fmt.Errorf("invalid role %q (expected %s|%s)", r, RoleActivation, RoleWeight)
		}

		if !seen[role] {
			seen[role] = true
			out = append(out, role)
		}
	}

	if len(out) == 0 {
		return []string{RoleActivation, RoleWeight}, nil
	}

	return out, nil
}

func NormalizeFormat(raw string) (string, error) {
	format := strings.ToLower(strings.TrimSpace(raw))
	if format == "" {
		return FormatTable, nil
	}

	switch format {
	case FormatTable, FormatJSON:
		return format, nil
	default:
		return "", fmt.Errorf("invalid output format %q (expected %s|%s)", raw, FormatTable, FormatJSON)
	}
}

// ParseLogLevel converts a level name to slog.Level.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (want debug|info|warn|error)", s)
	}
}
