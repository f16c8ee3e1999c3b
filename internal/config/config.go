package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	LogLevel  string          `mapstructure:"log_level"`
	LogFormat string          `mapstructure:"log_format"`
	Paths     PathsConfig     `mapstructure:"paths"`
	Diagnosis DiagnosisConfig `mapstructure:"diagnosis"`
	Runtime   RuntimeConfig   `mapstructure:"runtime"`
	Output    OutputConfig    `mapstructure:"output"`
	Influx    InfluxConfig    `mapstructure:"influx"`
}

type PathsConfig struct {
	OriginalGraph  string `mapstructure:"original_graph"`
	QuantizedGraph string `mapstructure:"quantized_graph"`
	// Inputs is a safetensors file of calibration batches. Empty means
	// random batches are generated from the graph's input specs.
	Inputs string `mapstructure:"inputs"`
}

type DiagnosisConfig struct {
	Mode          string   `mapstructure:"mode"`
	Operators     []string `mapstructure:"operators"`
	Roles         []string `mapstructure:"roles"`
	Workers       int      `mapstructure:"workers"`
	Iterations    int      `mapstructure:"iterations"`
	Warmup        int      `mapstructure:"warmup"`
	RandomBatches int      `mapstructure:"random_batches"`
	Seed          int64    `mapstructure:"seed"`
}

type RuntimeConfig struct {
	Backend        string `mapstructure:"backend"`
	TensorWorkers  int    `mapstructure:"tensor_workers"`
	CacheWeights   bool   `mapstructure:"cache_weights"`
	ORTLibraryPath string `mapstructure:"ort_library_path"`
	ORTVersion     string `mapstructure:"ort_version"`
}

type OutputConfig struct {
	Format   string  `mapstructure:"format"`
	Top      int     `mapstructure:"top"`
	JSONPath string  `mapstructure:"json_path"`
	MaxMSE   float64 `mapstructure:"max_mse"`
}

// InfluxConfig enables the InfluxDB sink when URL is set.
type InfluxConfig struct {
	URL    string `mapstructure:"url"`
	Token  string `mapstructure:"token"`
	Org    string `mapstructure:"org"`
	Bucket string `mapstructure:"bucket"`
}

type LoadOptions struct {
	Cmd        flagBinder
	ConfigFile string
	Defaults   Config
}

type flagBinder interface {
	Flags() *pflag.FlagSet
}

func DefaultConfig() Config {
	return Config{
		LogLevel:  "info",
		LogFormat: "text",
		Diagnosis: DiagnosisConfig{
			Mode:          ModeBoth,
			Roles:         []string{RoleActivation, RoleWeight},
			Workers:       4,
			Iterations:    10,
			Warmup:        2,
			RandomBatches: 1,
			Seed:          1,
		},
		Runtime: RuntimeConfig{
			Backend:       BackendNative,
			TensorWorkers: 4,
		},
		Output: OutputConfig{
			Format: FormatTable,
			Top:    20,
		},
		Influx: InfluxConfig{
			Org:    "opdiag",
			Bucket: "opdiag",
		},
	}
}

func RegisterFlags(fs *pflag.FlagSet, defaults Config) {
	fs.String("log-level", defaults.LogLevel, "Log level (debug|info|warn|error)")
	fs.String("log-format", defaults.LogFormat, "Log format (text|json)")
	fs.String("paths-original-graph", defaults.Paths.OriginalGraph, "Path to the original graph")
	fs.String("original", defaults.Paths.OriginalGraph, "Path to the original graph (alias for --paths-original-graph)")
	fs.String("paths-quantized-graph", defaults.Paths.QuantizedGraph, "Path to the quantized graph")
	fs.String("quantized", defaults.Paths.QuantizedGraph, "Path to the quantized graph (alias for --paths-quantized-graph)")
	fs.String("paths-inputs", defaults.Paths.Inputs, "Safetensors file with calibration batches")
	fs.String("diagnosis-mode", defaults.Diagnosis.Mode, "Diagnosis mode (accuracy|performance|both)")
	fs.StringSlice("diagnosis-operators", defaults.Diagnosis.Operators, "Restrict the report to these operators")
	fs.StringSlice("diagnosis-roles", defaults.Diagnosis.Roles, "Tensor roles to compare (activation,weight)")
	fs.Int("diagnosis-workers", defaults.Diagnosis.Workers, "Concurrent statistics workers")
	fs.Int("diagnosis-iterations", defaults.Diagnosis.Iterations, "Measured profiling passes per batch")
	fs.Int("diagnosis-warmup", defaults.Diagnosis.Warmup, "Unrecorded warmup passes before profiling")
	fs.Int("diagnosis-random-batches", defaults.Diagnosis.RandomBatches, "Random batches to generate when no inputs file is given")
	fs.Int64("diagnosis-seed", defaults.Diagnosis.Seed, "Seed for random batches")
	fs.String("runtime-backend", defaults.Runtime.Backend, "Graph backend (native|onnx)")
	fs.Int("runtime-tensor-workers", defaults.Runtime.TensorWorkers, "Worker goroutines for native tensor kernels")
	fs.Bool("runtime-cache-weights", defaults.Runtime.CacheWeights, "Keep decoded weights in memory between passes")
	fs.String("runtime-ort-library-path", defaults.Runtime.ORTLibraryPath, "Path to ONNX Runtime shared library")
	fs.String("ort-lib", defaults.Runtime.ORTLibraryPath, "Path to ONNX Runtime shared library (alias for --runtime-ort-library-path)")
	fs.String("runtime-ort-version", defaults.Runtime.ORTVersion, "Expected ONNX Runtime version")
	fs.String("output-format", defaults.Output.Format, "Report format (table|json)")
	fs.Int("output-top", defaults.Output.Top, "Rows per table (0 = all)")
	fs.String("output-json-path", defaults.Output.JSONPath, "Also write the JSON report to this file")
	fs.Float64("output-max-mse", defaults.Output.MaxMSE, "Fail when any operator MSE exceeds this value (0 = off)")
	fs.String("influx-url", defaults.Influx.URL, "InfluxDB URL; empty disables the sink")
	fs.String("influx-org", defaults.Influx.Org, "InfluxDB organization")
	fs.String("influx-bucket", defaults.Influx.Bucket, "InfluxDB bucket")
}

func Load(opts LoadOptions) (Config, error) {
	v := viper.New()

	setDefaults(v, opts.Defaults)

	if opts.Cmd != nil {
		if err := bindFlags(v, opts.Cmd.Flags()); err != nil {
			return Config{}, err
		}
	}

	v.SetEnvPrefix("OPDIAG")
	replacer := strings.NewReplacer("-", "_", ".", "_", "__", "_")
	v.SetEnvKeyReplacer(replacer)

	if err := v.BindEnv("runtime.ort_library_path", "OPDIAG_ORT_LIB", "ORT_LIBRARY_PATH"); err != nil {
		return Config{}, fmt.Errorf("bind ort env vars: %w", err)
	}

	if err := v.BindEnv("influx.token", "OPDIAG_INFLUX_TOKEN", "INFLUXDB_TOKEN"); err != nil {
		return Config{}, fmt.Errorf("bind influx env vars: %w", err)
	}

	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)

		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("opdiag")
		v.AddConfigPath(".")

		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c *Config) normalize() error {
	var err error

	if c.Runtime.Backend, err = NormalizeBackend(c.Runtime.Backend); err != nil {
		return err
	}

	if c.Diagnosis.Mode, err = NormalizeMode(c.Diagnosis.Mode); err != nil {
		return err
	}

	if c.Diagnosis.Roles, err = NormalizeRoles(c.Diagnosis.Roles); err != nil {
		return err
	}

	if c.Output.Format, err = NormalizeFormat(c.Output.Format); err != nil {
		return err
	}

	switch {
	case c.Diagnosis.Workers < 1:
		return fmt.Errorf("diagnosis.workers must be >= 1, got %d", c.Diagnosis.Workers)
	case c.Diagnosis.Iterations < 1:
		return fmt.Errorf("diagnosis.iterations must be >= 1, got %d", c.Diagnosis.Iterations)
	case c.Diagnosis.Warmup < 0:
		return fmt.Errorf("diagnosis.warmup must be >= 0, got %d", c.Diagnosis.Warmup)
	case c.Output.MaxMSE < 0:
		return fmt.Errorf("output.max_mse must be >= 0, got %v", c.Output.MaxMSE)
	}

	return nil
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("log_level", c.LogLevel)
	v.SetDefault("log_format", c.LogFormat)
	v.SetDefault("paths.original_graph", c.Paths.OriginalGraph)
	v.SetDefault("paths.quantized_graph", c.Paths.QuantizedGraph)
	v.SetDefault("paths.inputs", c.Paths.Inputs)
	v.SetDefault("diagnosis.mode", c.Diagnosis.Mode)
	v.SetDefault("diagnosis.operators", c.Diagnosis.Operators)
	v.SetDefault("diagnosis.roles", c.Diagnosis.Roles)
	v.SetDefault("diagnosis.workers", c.Diagnosis.Workers)
	v.SetDefault("diagnosis.iterations", c.Diagnosis.Iterations)
	v.SetDefault("diagnosis.warmup", c.Diagnosis.Warmup)
	v.SetDefault("diagnosis.random_batches", c.Diagnosis.RandomBatches)
	v.SetDefault("diagnosis.seed", c.Diagnosis.Seed)
	v.SetDefault("runtime.backend", c.Runtime.Backend)
	v.SetDefault("runtime.tensor_workers", c.Runtime.TensorWorkers)
	v.SetDefault("runtime.cache_weights", c.Runtime.CacheWeights)
	v.SetDefault("runtime.ort_library_path", c.Runtime.ORTLibraryPath)
	v.SetDefault("runtime.ort_version", c.Runtime.ORTVersion)
	v.SetDefault("output.format", c.Output.Format)
	v.SetDefault("output.top", c.Output.Top)
	v.SetDefault("output.json_path", c.Output.JSONPath)
	v.SetDefault("output.max_mse", c.Output.MaxMSE)
	v.SetDefault("influx.url", c.Influx.URL)
	v.SetDefault("influx.token", c.Influx.Token)
	v.SetDefault("influx.org", c.Influx.Org)
	v.SetDefault("influx.bucket", c.Influx.Bucket)
}

// flagKeys maps each config key to the flags that set it. When more than one
// flag is registered for a key, the first one that was changed wins.
var flagKeys = []struct {
	key   string
	flags []string
}{
	{"log_level", []string{"log-level"}},
	{"log_format", []string{"log-format"}},
	{"paths.original_graph", []string{"paths-original-graph", "original"}},
	{"paths.quantized_graph", []string{"paths-quantized-graph", "quantized"}},
	{"paths.inputs", []string{"paths-inputs"}},
	{"diagnosis.mode", []string{"diagnosis-mode"}},
	{"diagnosis.operators", []string{"diagnosis-operators"}},
	{"diagnosis.roles", []string{"diagnosis-roles"}},
	{"diagnosis.workers", []string{"diagnosis-workers"}},
	{"diagnosis.iterations", []string{"diagnosis-iterations"}},
	{"diagnosis.warmup", []string{"diagnosis-warmup"}},
	{"diagnosis.random_batches", []string{"diagnosis-random-batches"}},
	{"diagnosis.seed", []string{"diagnosis-seed"}},
	{"runtime.backend", []string{"runtime-backend"}},
	{"runtime.tensor_workers", []string{"runtime-tensor-workers"}},
	{"runtime.cache_weights", []string{"runtime-cache-weights"}},
	{"runtime.ort_library_path", []string{"runtime-ort-library-path", "ort-lib"}},
	{"runtime.ort_version", []string{"runtime-ort-version"}},
	{"output.format", []string{"output-format"}},
	{"output.top", []string{"output-top"}},
	{"output.json_path", []string{"output-json-path"}},
	{"output.max_mse", []string{"output-max-mse"}},
	{"influx.url", []string{"influx-url"}},
	{"influx.org", []string{"influx-org"}},
	{"influx.bucket", []string{"influx-bucket"}},
}

// bindFlags binds flags to their dotted keys so that flags, env and the
// config file all resolve through the same key.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for _, fk := range flagKeys {
		var flag *pflag.Flag

		for _, name := range fk.flags {
			f := fs.Lookup(name)
			if f == nil {
				continue
			}

			if flag == nil || (f.Changed && !flag.Changed) {
				flag = f
			}
		}

		if flag == nil {
			continue
		}

		if err := v.BindPFlag(fk.key, flag); err != nil {
			return fmt.Errorf("bind flag %s: %w", flag.Name, err)
		}
	}

	return nil
}
