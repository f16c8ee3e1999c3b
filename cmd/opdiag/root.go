package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/example/go-opdiag/internal/config"
	"github.com/example/go-opdiag/internal/profile"
	"github.com/example/go-opdiag/internal/runtime/tensor"
)

var (
	cfgFile    string
	envFile    string
	cpuProfile string
	activeCfg  config.Config
	stopCPU    func()
)

func NewRootCmd() *cobra.Command {
	defaults := config.DefaultConfig()

	cmd := &cobra.Command{
		Use:           "opdiag",
		Short:         "Per-operator accuracy and latency diagnosis for quantized graphs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadEnvFile(envFile); err != nil {
				return err
			}

			loaded, err := config.Load(config.LoadOptions{
				Cmd:        cmd,
				ConfigFile: cfgFile,
				Defaults:   defaults,
			})
			if err != nil {
				return err
			}

			activeCfg = loaded
			setupLogger(loaded.LogLevel, loaded.LogFormat)
			tensor.SetWorkers(loaded.Runtime.TensorWorkers)

			return startCPUProfile(cpuProfile)
		},
		PersistentPostRunE: func(_ *cobra.Command, _ []string) error {
			stopCPUProfile()
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Optional config file (yaml|toml|json)")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional .env file loaded before reading the environment")
	cmd.PersistentFlags().StringVar(&cpuProfile, "cpuprofile", "", "Write a pprof CPU profile to this file")
	config.RegisterFlags(cmd.PersistentFlags(), defaults)

	cmd.AddCommand(newDiagnoseCmd())
	cmd.AddCommand(newProfileCmd())
	cmd.AddCommand(newInspectCmd())
	cmd.AddCommand(newDoctorCmd())

	return cmd
}

// loadEnvFile loads KEY=VALUE pairs without overriding the environment.
// A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}

	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}

		return fmt.Errorf("load env file %s: %w", path, err)
	}

	return nil
}

// setupLogger configures the process-wide slog default logger.
func setupLogger(levelStr, format string) {
	slog.SetDefault(newLogger(os.Stderr, levelStr, format))
}

func newLogger(w io.Writer, levelStr, format string) *slog.Logger {
	lvl, err := config.ParseLogLevel(levelStr)
	if err != nil {
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}

	if format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}

	return slog.New(slog.NewJSONHandler(w, opts))
}

func startCPUProfile(path string) error {
	if path == "" {
		return nil
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("cpu profile: %w", err)
	}

	stop, err := profile.StartCPUProfile(f)
	if err != nil {
		_ = f.Close()
		return err
	}

	stopCPU = func() {
		stop()
		_ = f.Close()
		slog.Info("wrote cpu profile", "path", path)
	}

	return nil
}

func stopCPUProfile() {
	if stopCPU != nil {
		stopCPU()
		stopCPU = nil
	}
}

func requireConfig() (config.Config, error) {
	if activeCfg.Runtime.Backend == "" {
		return config.Config{}, fmt.Errorf("configuration not loaded")
	}

	return activeCfg, nil
}
