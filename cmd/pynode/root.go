package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/caffeineduck/pynode/engine"
	"github.com/caffeineduck/pynode/internal/config"
	"github.com/caffeineduck/pynode/internal/logging"
	"github.com/caffeineduck/pynode/language/python"
	"github.com/caffeineduck/pynode/session"
	"github.com/caffeineduck/pynode/worker"
	"github.com/spf13/cobra"
	"github.com/tetratelabs/wazero"
)

var rootCmd = &cobra.Command{
	Use:   "pynode [file]",
	Short: "Python sandbox with interactive input",
	Long: `pynode - Run Python programs in a WebAssembly interpreter.

The interpreter is loaded from an engine base URL (http, https, file, or a
local directory) and each program runs in a disposable worker. Programs
may call input(): answers come from --stdin lines first, then from the
terminal. Ctrl+C stops a run and replaces its worker.`,
	Args: cobra.MaximumNArgs(1),
	Run:  runRun, // Default to run command behavior
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	addPersistentFlags(rootCmd)

	// Add run-specific flags to root (for default command)
	addRunFlags(rootCmd)
}

func addPersistentFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String("config", "", "Config file (default: $PYNODE_CONFIG or user config dir)")
	flags.String("engine-url", "", "Engine base URL or directory serving python.wasm")
	flags.String("memory", "", "Memory limit: 16mb, 64mb, 256mb, 1gb")
	flags.Bool("no-cache", false, "Disable compilation cache")
	flags.String("worker", "", "Worker mode: inprocess, process")
	flags.String("log-level", "", "Log level: debug, info, warn, error")
	flags.String("log-format", "", "Log format: text, json")
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Root().PersistentFlags()

	path, _ := flags.GetString("config")
	if path == "" {
		path = config.DefaultPath()
	} else {
		// Worker processes inherit the environment.
		os.Setenv("PYNODE_CONFIG", path)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if v, _ := flags.GetString("engine-url"); v != "" {
		cfg.Engine.BaseURL = v
	}
	if v, _ := flags.GetString("memory"); v != "" {
		cfg.Engine.Memory = v
	}
	if v, _ := flags.GetBool("no-cache"); v {
		cfg.Engine.CacheDir = ""
	}
	if v, _ := flags.GetString("worker"); v != "" {
		cfg.Worker.Mode = config.WorkerMode(v)
	}
	if v, _ := flags.GetString("log-level"); v != "" {
		cfg.Logging.Level = config.LogLevel(v)
	}
	if v, _ := flags.GetString("log-format"); v != "" {
		cfg.Logging.Format = config.LogFormat(v)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setup loads the config and builds a logger on w. The closer may be nil.
func setup(cmd *cobra.Command, w io.Writer) (*config.Config, *slog.Logger, io.Closer) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	logger, closer, err := logging.NewFromConfig(cfg.Logging, w)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return cfg, logger, closer
}

// evaluators returns a constructor for fresh engines that share one
// compilation cache. Call release once no engine is in use.
func evaluators(cfg *config.Config) (newEval func() (worker.Evaluator, error), release func(), err error) {
	var cache wazero.CompilationCache
	if cfg.Engine.CacheDir != "" {
		cache, err = engine.NewCompilationCache(cfg.Engine.CacheDir)
		if err != nil {
			return nil, nil, err
		}
	} else {
		cache = wazero.NewCompilationCache()
	}

	opts := []engine.Option{engine.WithCompilationCache(cache)}
	if pages := engine.ParseMemoryLimit(cfg.Engine.Memory); pages > 0 {
		opts = append(opts, engine.WithMemoryLimit(pages))
	}
	if cfg.Engine.MaxAssetSize > 0 {
		opts = append(opts, engine.WithMaxAssetSize(cfg.Engine.MaxAssetSize))
	}
	for k, v := range cfg.Engine.Env {
		opts = append(opts, engine.WithEnv(k, v))
	}
	lang := python.New(python.Options{AssetName: cfg.Engine.Asset})

	newEval = func() (worker.Evaluator, error) {
		return engine.New(lang, opts...), nil
	}
	release = func() { engine.CloseCache(cache) }
	return newEval, release, nil
}

// newFactory returns the worker factory selected by cfg.Worker.Mode.
func newFactory(cfg *config.Config, logger *slog.Logger) (session.Factory, func(), error) {
	if cfg.Worker.Mode == config.WorkerProcess {
		exe, err := os.Executable()
		if err != nil {
			return nil, nil, fmt.Errorf("locate executable: %w", err)
		}
		args := []string{"worker", "--log-level", string(cfg.Logging.Level), "--log-format", string(cfg.Logging.Format)}
		if cfg.Engine.Memory != "" {
			args = append(args, "--memory", cfg.Engine.Memory)
		}
		if cfg.Engine.CacheDir == "" {
			args = append(args, "--no-cache")
		}
		return session.Process{Path: exe, Args: args, Logger: logger}, func() {}, nil
	}

	newEval, release, err := evaluators(cfg)
	if err != nil {
		return nil, nil, err
	}
	return session.InProcess(newEval, worker.WithLogger(logger)), release, nil
}
