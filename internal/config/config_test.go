package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/spf13/pflag"
)

// fakeBinder wraps a pflag.FlagSet to satisfy the flagBinder interface.
type fakeBinder struct {
	fs *pflag.FlagSet
}

func (f *fakeBinder) Flags() *pflag.FlagSet { return f.fs }

func newFlagBinder(t *testing.T, defaults Config, args ...string) *fakeBinder {
	t.Helper()

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs, defaults)

	if err := fs.Parse(args); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	return &fakeBinder{fs: fs}
}

// --- DefaultConfig ---

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Runtime.Backend != BackendNative {
		t.Errorf("Runtime.Backend = %q; want %q", cfg.Runtime.Backend, BackendNative)
	}

	if cfg.Diagnosis.Mode != ModeBoth {
		t.Errorf("Diagnosis.Mode = %q; want %q", cfg.Diagnosis.Mode, ModeBoth)
	}

	if cfg.Diagnosis.Workers != 4 || cfg.Diagnosis.Iterations != 10 || cfg.Diagnosis.Warmup != 2 {
		t.Errorf("Diagnosis = %+v; want workers 4, iterations 10, warmup 2", cfg.Diagnosis)
	}

	if cfg.Output.Format != FormatTable || cfg.Output.Top != 20 {
		t.Errorf("Output = %+v", cfg.Output)
	}

	if cfg.Output.MaxMSE != 0 {
		t.Errorf("Output.MaxMSE = %v; want 0 (gate disabled)", cfg.Output.MaxMSE)
	}
}

// --- Normalize* ---

func TestNormalizeBackend(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"native", "native", BackendNative, false},
		{"onnx", "onnx", BackendONNX, false},
		{"uppercase", "ONNX", BackendONNX, false},
		{"ort alias", "ort", BackendONNX, false},
		{"safetensors alias", " safetensors ", BackendNative, false},
		{"empty defaults to native", "", BackendNative, false},
		{"invalid", "tflite", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeBackend(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("NormalizeBackend(%q) = %q, nil; want error", tt.input, got)
				}

				return
			}

			if err != nil {
				t.Fatalf("NormalizeBackend(%q) unexpected error: %v", tt.input, err)
			}

			if got != tt.want {
				t.Errorf("NormalizeBackend(%q) = %q; want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestNormalizeMode(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{"accuracy", ModeAccuracy, false},
		{"Performance", ModePerformance, false},
		{"perf", ModePerformance, false},
		{"", ModeBoth, false},
		{"fast", "", true},
	}

	for _, tt := range tests {
		got, err := NormalizeMode(tt.input)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("NormalizeMode(%q) = %q, %v; want %q (err %v)", tt.input, got, err, tt.want, tt.wantErr)
		}
	}
}

func TestNormalizeRoles(t *testing.T) {
	tests := []struct {
		name    string
		input   []string
		want    []string
		wantErr bool
	}{
		{"empty selects both", nil, []string{RoleActivation, RoleWeight}, false},
		{"plural and case", []string{"Weights"}, []string{RoleWeight}, false},
		{"deduplicated", []string{"activation", "activations", "weight"}, []string{RoleActivation, RoleWeight}, false},
		{"invalid", []string{"gradient"}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeRoles(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("NormalizeRoles(%v) = %v; want error", tt.input, got)
				}

				return
			}

			if err != nil {
				t.Fatalf("NormalizeRoles(%v) error = %v", tt.input, err)
			}

			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("NormalizeRoles(%v) mismatch (-want +got):\n%s", tt.input, diff)
			}
		})
	}
}

func TestNormalizeFormat(t *testing.T) {
	if got, err := NormalizeFormat("JSON"); err != nil || got != FormatJSON {
		t.Errorf("NormalizeFormat(JSON) = %q, %v", got, err)
	}

	if _, err := NormalizeFormat("csv"); err == nil {
		t.Error("NormalizeFormat(csv) = nil error; want error")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"", slog.LevelInfo, false},
		{"WARNING", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		got, err := ParseLogLevel(tt.input)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, %v; want %v (err %v)", tt.input, got, err, tt.want, tt.wantErr)
		}
	}
}

// --- RegisterFlags ---

func TestRegisterFlags(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs, DefaultConfig())

	checks := []struct {
		flag string
		want string
	}{
		{"runtime-backend", "native"},
		{"diagnosis-mode", "both"},
		{"diagnosis-roles", "[activation,weight]"},
		{"output-top", "20"},
		{"log-level", "info"},
		{"ort-lib", ""},
	}

	for _, c := range checks {
		f := fs.Lookup(c.flag)
		if f == nil {
			t.Errorf("flag %q not registered", c.flag)
			continue
		}

		if f.DefValue != c.want {
			t.Errorf("flag %q default = %q; want %q", c.flag, f.DefValue, c.want)
		}
	}
}

// --- Load ---

func TestLoad_Defaults(t *testing.T) {
	defaults := DefaultConfig()

	cfg, err := Load(LoadOptions{
		Cmd:      newFlagBinder(t, defaults),
		Defaults: defaults,
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if diff := cmp.Diff(defaults, cfg, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("Load() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_FlagOverride(t *testing.T) {
	defaults := DefaultConfig()

	cfg, err := Load(LoadOptions{
		Cmd: newFlagBinder(t, defaults,
			"--runtime-backend=ONNX",
			"--diagnosis-workers=8",
			"--diagnosis-roles=weights",
			"--log-level=debug",
			"--output-max-mse=0.5",
		),
		Defaults: defaults,
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Runtime.Backend != BackendONNX {
		t.Errorf("Runtime.Backend = %q; want %q", cfg.Runtime.Backend, BackendONNX)
	}

	if cfg.Diagnosis.Workers != 8 {
		t.Errorf("Diagnosis.Workers = %d; want 8", cfg.Diagnosis.Workers)
	}

	if diff := cmp.Diff([]string{RoleWeight}, cfg.Diagnosis.Roles); diff != "" {
		t.Errorf("Diagnosis.Roles mismatch (-want +got):\n%s", diff)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q; want %q", cfg.LogLevel, "debug")
	}

	if cfg.Output.MaxMSE != 0.5 {
		t.Errorf("Output.MaxMSE = %v; want 0.5", cfg.Output.MaxMSE)
	}
}

func TestLoad_AliasFlags(t *testing.T) {
	defaults := DefaultConfig()

	cfg, err := Load(LoadOptions{
		Cmd:      newFlagBinder(t, defaults, "--original=a.yaml", "--quantized=b.yaml", "--ort-lib=/opt/libort.so"),
		Defaults: defaults,
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Paths.OriginalGraph != "a.yaml" || cfg.Paths.QuantizedGraph != "b.yaml" {
		t.Errorf("Paths = %+v; want a.yaml / b.yaml", cfg.Paths)
	}

	if cfg.Runtime.ORTLibraryPath != "/opt/libort.so" {
		t.Errorf("ORTLibraryPath = %q; want /opt/libort.so", cfg.Runtime.ORTLibraryPath)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("OPDIAG_LOG_LEVEL", "warn")
	t.Setenv("OPDIAG_DIAGNOSIS_ITERATIONS", "3")
	t.Setenv("OPDIAG_ORT_LIB", "/env/libonnxruntime.so")
	t.Setenv("INFLUXDB_TOKEN", "secret")

	cfg, err := Load(LoadOptions{Defaults: DefaultConfig()})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q; want %q", cfg.LogLevel, "warn")
	}

	if cfg.Diagnosis.Iterations != 3 {
		t.Errorf("Diagnosis.Iterations = %d; want 3", cfg.Diagnosis.Iterations)
	}

	if cfg.Runtime.ORTLibraryPath != "/env/libonnxruntime.so" {
		t.Errorf("ORTLibraryPath = %q", cfg.Runtime.ORTLibraryPath)
	}

	if cfg.Influx.Token != "secret" {
		t.Errorf("Influx.Token = %q; want secret", cfg.Influx.Token)
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	cfgFile := filepath.Join(t.TempDir(), "opdiag.yaml")

	content := `
log_level: error
paths:
  original_graph: models/fp32.yaml
  quantized_graph: models/int8.yaml
diagnosis:
  mode: accuracy
  workers: 16
  operators: [fc1, fc2]
output:
  format: json
`
	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	defaults := DefaultConfig()

	cfg, err := Load(LoadOptions{
		Cmd:        newFlagBinder(t, defaults, "--diagnosis-workers=2"),
		ConfigFile: cfgFile,
		Defaults:   defaults,
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.LogLevel != "error" {
		t.Errorf("LogLevel = %q; want %q", cfg.LogLevel, "error")
	}

	if cfg.Paths.OriginalGraph != "models/fp32.yaml" || cfg.Paths.QuantizedGraph != "models/int8.yaml" {
		t.Errorf("Paths = %+v", cfg.Paths)
	}

	if cfg.Diagnosis.Mode != ModeAccuracy {
		t.Errorf("Diagnosis.Mode = %q; want accuracy", cfg.Diagnosis.Mode)
	}

	// An explicit flag beats the file.
	if cfg.Diagnosis.Workers != 2 {
		t.Errorf("Diagnosis.Workers = %d; want 2", cfg.Diagnosis.Workers)
	}

	if diff := cmp.Diff([]string{"fc1", "fc2"}, cfg.Diagnosis.Operators); diff != "" {
		t.Errorf("Diagnosis.Operators mismatch (-want +got):\n%s", diff)
	}

	if cfg.Output.Format != FormatJSON {
		t.Errorf("Output.Format = %q; want json", cfg.Output.Format)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"backend", []string{"--runtime-backend=tflite"}},
		{"mode", []string{"--diagnosis-mode=fast"}},
		{"roles", []string{"--diagnosis-roles=gradient"}},
		{"workers", []string{"--diagnosis-workers=0"}},
		{"iterations", []string{"--diagnosis-iterations=0"}},
		{"warmup", []string{"--diagnosis-warmup=-1"}},
		{"max mse", []string{"--output-max-mse=-1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defaults := DefaultConfig()

			if _, err := Load(LoadOptions{Cmd: newFlagBinder(t, defaults, tt.args...), Defaults: defaults}); err == nil {
				t.Errorf("Load(%v) = nil error; want error", tt.args)
			}
		})
	}
}

func TestLoad_InvalidConfigFile(t *testing.T) {
	cfgFile := filepath.Join(t.TempDir(), "bad.yaml")

	if err := os.WriteFile(cfgFile, []byte(":\t:bad yaml:::"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := Load(LoadOptions{ConfigFile: cfgFile, Defaults: DefaultConfig()}); err == nil {
		t.Error("Load() = nil; want error for invalid config file")
	}
}

func TestLoad_MissingExplicitConfigFile(t *testing.T) {
	_, err := Load(LoadOptions{
		ConfigFile: "/nonexistent/path/opdiag.yaml",
		Defaults:   DefaultConfig(),
	})
	if err == nil {
		t.Error("Load() = nil; want error for missing explicit config file")
	}
}
