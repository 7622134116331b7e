// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration shared by the ntwatch agent and the
// in-process interception layer.
type Config struct {
	ServiceName string          `yaml:"service_name" env:"NTWATCH_SERVICE_NAME"`
	LogLevel    string          `yaml:"log_level" env:"NTWATCH_LOG_LEVEL"`
	Hook        HookConfig      `yaml:"hook"`
	Intercept   InterceptConfig `yaml:"intercept"`
	Discovery   DiscoveryConfig `yaml:"discovery"`
	Redaction   RedactionConfig `yaml:"redaction"`
	Exporters   ExportersConfig `yaml:"exporters"`
	Health      HealthConfig    `yaml:"health"`
}

// HookConfig configures the agent socket and control file.
type HookConfig struct {
	SocketPath string `yaml:"socket_path"`
	OnDemand   bool   `yaml:"on_demand"` // Start dormant; activate via 'ntwatch trace start'
}

// ControlDir is the directory holding the control file, next to the socket.
func (h *HookConfig) ControlDir() string {
	return filepath.Dir(h.SocketPath)
}

// InterceptConfig configures the in-process dispatchers.
type InterceptConfig struct {
	SecondaryModule string        `yaml:"secondary_module"` // module whose object-model API gets the second hook tier
	StackDepth      int           `yaml:"stack_depth"`      // frames kept per record (0 = maximum)
	LogRecords      *bool         `yaml:"log_records"`      // write records to the local log (default: true)
	LogStacks       bool          `yaml:"log_stacks"`
	ForwardToAgent  bool          `yaml:"forward_to_agent"` // ship records over hook.socket_path
	StatsInterval   time.Duration `yaml:"stats_interval"`   // dispatcher counter reports to the agent (0 = only on close)
}

// LogRecordsEnabled returns whether records go to the local log.
// Defaults to true when not explicitly set.
func (i *InterceptConfig) LogRecordsEnabled() bool {
	if i.LogRecords == nil {
		return true
	}
	return *i.LogRecords
}

// DiscoveryConfig configures process-name enrichment in the agent.
type DiscoveryConfig struct {
	Enabled  bool          `yaml:"enabled"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// RedactionConfig configures scrubbing of path and command-line arguments
// before export.
type RedactionConfig struct {
	Enabled bool            `yaml:"enabled"`
	Rules   []RedactionRule `yaml:"rules"`
}

// RedactionRule is a user-supplied pattern applied after the built-in ones.
type RedactionRule struct {
	Name        string `yaml:"name"`
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
}

type ExportersConfig struct {
	OTLP   OTLPConfig   `yaml:"otlp"`
	Stdout StdoutConfig `yaml:"stdout"`
}

type OTLPConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"`
	Insecure    bool              `yaml:"insecure"`
	Compression string            `yaml:"compression"` // "gzip" (default) or "none"
	Headers     map[string]string `yaml:"headers"`
}

type StdoutConfig struct {
	Enabled bool   `yaml:"enabled"`
	Format  string `yaml:"format"` // "text" or "json"
}

// HealthConfig configures the health HTTP server.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    string `yaml:"port" env:"NTWATCH_HEALTH_PORT"` // e.g. ":8687"
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName: "ntwatch",
		LogLevel:    "info",
		Hook: HookConfig{
			SocketPath: "/var/run/ntwatch/hook.sock",
		},
		Intercept: InterceptConfig{
			SecondaryModule: "ole32.dll",
			StackDepth:      8,
			ForwardToAgent:  true,
			StatsInterval:   30 * time.Second,
		},
		Discovery: DiscoveryConfig{
			Enabled:  true,
			CacheTTL: 5 * time.Minute,
		},
		Redaction: RedactionConfig{
			Enabled: true,
		},
		Exporters: ExportersConfig{
			OTLP: OTLPConfig{
				Enabled:  false,
				Endpoint: "localhost:4317",
				Insecure: true,
			},
			Stdout: StdoutConfig{
				Enabled: true,
				Format:  "text",
			},
		},
		Health: HealthConfig{
			Enabled: true,
			Port:    ":8687",
		},
	}
}

// LoadDir loads YAML files from a directory and merges them into a single
// Config. Expected files:
//   - base.yaml      → service_name, log_level, hook, health, discovery, redaction
//   - intercept.yaml → intercept
//   - exporters.yaml → exporters
//
// Missing files are silently ignored (defaults apply).
func LoadDir(dir string) (*Config, error) {
	cfg := DefaultConfig()

	for _, f := range []string{"base.yaml", "intercept.yaml", "exporters.yaml"} {
		if err := loadFileInto(filepath.Join(dir, f), cfg); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// loadFileInto reads a YAML file and unmarshals it into an existing Config,
// overwriting only the fields present in the file.
func loadFileInto(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// ApplyEnvOverrides reads NTWATCH_* environment variables and applies them
// to the config, overriding YAML values.
func (c *Config) ApplyEnvOverrides() {
	envOverrides := map[string]func(string){
		"NTWATCH_SERVICE_NAME":               func(v string) { c.ServiceName = v },
		"NTWATCH_LOG_LEVEL":                  func(v string) { c.LogLevel = v },
		"NTWATCH_HEALTH_PORT":                func(v string) { c.Health.Port = v },
		"NTWATCH_HOOK_SOCKET_PATH":           func(v string) { c.Hook.SocketPath = v },
		"NTWATCH_EXPORTERS_OTLP_ENDPOINT":    func(v string) { c.Exporters.OTLP.Endpoint = v },
		"NTWATCH_INTERCEPT_SECONDARY_MODULE": func(v string) { c.Intercept.SecondaryModule = v },
		"NTWATCH_INTERCEPT_STACK_DEPTH": func(v string) {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				c.Intercept.StackDepth = n
			}
		},
	}

	boolOverrides := map[string]*bool{
		"NTWATCH_HOOK_ON_DEMAND":           &c.Hook.OnDemand,
		"NTWATCH_HEALTH_ENABLED":           &c.Health.Enabled,
		"NTWATCH_DISCOVERY_ENABLED":        &c.Discovery.Enabled,
		"NTWATCH_REDACTION_ENABLED":        &c.Redaction.Enabled,
		"NTWATCH_EXPORTERS_OTLP_ENABLED":   &c.Exporters.OTLP.Enabled,
		"NTWATCH_EXPORTERS_STDOUT_ENABLED": &c.Exporters.Stdout.Enabled,
		"NTWATCH_INTERCEPT_FORWARD":        &c.Intercept.ForwardToAgent,
	}

	for envKey, setter := range envOverrides {
		if val := os.Getenv(envKey); val != "" {
			setter(val)
		}
	}

	for envKey, target := range boolOverrides {
		if val := os.Getenv(envKey); val != "" {
			*target = parseBool(val)
		}
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes"
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of debug, info, warn, error")
	}

	if c.Hook.SocketPath == "" {
		return fmt.Errorf("hook.socket_path is required")
	}

	if c.Intercept.StackDepth < 0 {
		return fmt.Errorf("intercept.stack_depth must not be negative")
	}
	if c.Intercept.StatsInterval < 0 {
		return fmt.Errorf("intercept.stats_interval must not be negative")
	}

	if c.Exporters.OTLP.Enabled && c.Exporters.OTLP.Endpoint == "" {
		return fmt.Errorf("exporters.otlp.endpoint is required when OTLP is enabled")
	}
	switch c.Exporters.OTLP.Compression {
	case "", "gzip", "none":
	default:
		return fmt.Errorf("exporters.otlp.compression must be 'gzip' or 'none'")
	}

	if c.Exporters.Stdout.Enabled && c.Exporters.Stdout.Format != "text" && c.Exporters.Stdout.Format != "json" {
		return fmt.Errorf("exporters.stdout.format must be 'text' or 'json'")
	}

	if c.Discovery.Enabled && c.Discovery.CacheTTL < time.Second {
		return fmt.Errorf("discovery.cache_ttl must be at least 1s")
	}

	for _, r := range c.Redaction.Rules {
		if _, err := regexp.Compile(r.Pattern); err != nil {
			return fmt.Errorf("redaction rule %q: %w", r.Name, err)
		}
	}

	if c.Health.Enabled && c.Health.Port == "" {
		return fmt.Errorf("health.port is required when health is enabled")
	}

	return nil
}
