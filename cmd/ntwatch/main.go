// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mbeema/ntwatch/pkg/agent"
	"github.com/mbeema/ntwatch/pkg/config"
	"github.com/mbeema/ntwatch/pkg/discovery"
	"github.com/mbeema/ntwatch/pkg/hook"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath  string
		configDir   string
		logLevel    string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "path to configuration file")
	flag.StringVar(&configDir, "config-dir", "", "path to config directory (multi-file mode with auto-reload)")
	flag.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flag.BoolVar(&showVersion, "version", false, "show version and exit")
	flag.Usage = usage
	flag.Parse()

	if showVersion {
		fmt.Printf("ntwatch %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg, err := loadAny(configDir, configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "trace":
			os.Exit(runTrace(cfg, args[1:], os.Stdout, os.Stderr))
		case "ps":
			os.Exit(runPS(cfg, args[1:], os.Stdout, os.Stderr))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			usage()
			os.Exit(2)
		}
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting ntwatch agent",
		zap.String("version", version),
		zap.String("commit", commit),
	)

	a, err := agent.New(cfg, logger)
	if err != nil {
		logger.Fatal("failed to create agent", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.Start(ctx); err != nil {
		logger.Fatal("failed to start agent", zap.Error(err))
	}

	// Watch the config directory, or the single config file when one was
	// given explicitly.
	var watcher *config.Watcher
	watchPath := configDir
	if watchPath == "" {
		watchPath = configPath
	}
	if watchPath != "" {
		watcher = config.NewWatcher(watchPath, func(newCfg *config.Config, changedFile string) {
			if err := a.Reload(newCfg); err != nil {
				logger.Error("failed to apply reloaded config",
					zap.String("file", changedFile),
					zap.Error(err),
				)
			}
		}, logger)
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("config watcher unavailable, use SIGHUP to reload", zap.Error(err))
			watcher = nil
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)

	for {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", zap.String("signal", sig.String()))
			if watcher != nil {
				watcher.Stop()
			}

			shutdownDone := make(chan struct{})
			go func() {
				if err := a.Stop(); err != nil {
					logger.Error("error during shutdown", zap.Error(err))
				}
				close(shutdownDone)
			}()

			select {
			case <-shutdownDone:
				logger.Info("ntwatch agent stopped")
			case <-time.After(30 * time.Second):
				logger.Error("shutdown timed out after 30s, forcing exit")
				os.Exit(1)
			}
			return

		case <-hupCh:
			logger.Info("received SIGHUP, reloading configuration")
			newCfg, err := loadAny(configDir, configPath)
			if err != nil {
				logger.Error("failed to reload config", zap.Error(err))
				continue
			}
			if err := a.Reload(newCfg); err != nil {
				logger.Error("failed to apply new config", zap.Error(err))
			} else {
				logger.Info("configuration reloaded successfully")
			}
		}
	}
}

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "usage: ntwatch [flags]                 run the agent\n")
	fmt.Fprintf(out, "       ntwatch [flags] trace start|stop|status\n")
	fmt.Fprintf(out, "       ntwatch [flags] ps PATTERN...\n\nflags:\n")
	flag.PrintDefaults()
}

// runTrace toggles on-demand tracing through the control file of a running
// agent.
func runTrace(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		fmt.Fprintln(stderr, "usage: ntwatch trace start|stop|status")
		return 2
	}

	ctrl, err := hook.OpenControlFile(cfg.Hook.ControlDir())
	if err != nil {
		fmt.Fprintf(stderr, "%v (is the agent running?)\n", err)
		return 1
	}
	defer ctrl.Close()

	switch args[0] {
	case "start":
		err = ctrl.Enable()
	case "stop":
		err = ctrl.Disable()
	case "status":
	default:
		fmt.Fprintf(stderr, "unknown trace action %q\n", args[0])
		return 2
	}
	if err != nil {
		fmt.Fprintf(stderr, "trace %s: %v\n", args[0], err)
		return 1
	}

	on, err := ctrl.IsEnabled()
	if err != nil {
		fmt.Fprintf(stderr, "read control file: %v\n", err)
		return 1
	}
	state := "dormant"
	if on {
		state = "active"
	}
	fmt.Fprintf(stdout, "tracing %s (%s)\n", state, ctrl.Path())
	return 0
}

// runPS lists running processes whose name matches any pattern.
func runPS(cfg *config.Config, patterns []string, stdout, stderr io.Writer) int {
	if len(patterns) == 0 {
		fmt.Fprintln(stderr, "usage: ntwatch ps PATTERN...")
		return 2
	}

	d := discovery.NewDiscoverer(cfg.Discovery.CacheTTL, zap.NewNop())
	pids := d.ScanProcesses(patterns)
	if pids == nil {
		fmt.Fprintln(stderr, "no usable pattern or process list unavailable")
		return 1
	}
	for _, pid := range pids {
		info := d.Lookup(pid)
		if info == nil {
			continue
		}
		fmt.Fprintf(stdout, "%7d %7d  %s\n", info.PID, info.ParentPID, info.Name)
	}
	return 0
}

func loadAny(configDir, configPath string) (*config.Config, error) {
	if configDir != "" {
		return config.LoadDir(configDir)
	}
	return loadConfig(configPath)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaults := []string{
		"configs/ntwatch.yaml",
		"/etc/ntwatch/ntwatch.yaml",
		"/etc/ntwatch.yaml",
	}
	for _, p := range defaults {
		if _, err := os.Stat(p); err == nil {
			return config.Load(p)
		}
	}

	cfg := config.DefaultConfig()
	cfg.ApplyEnvOverrides()
	return cfg, cfg.Validate()
}

func newLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Encoding:         "console",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	return cfg.Build()
}
