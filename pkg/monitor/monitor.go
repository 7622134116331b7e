// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package monitor assembles the in-process half of ntwatch: the trace
// pipeline, the on-demand switch, the secondary-tier bootstrap and the
// dispatchers that the installer binds over the native entry points.
package monitor

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/mbeema/ntwatch/pkg/capture"
	"github.com/mbeema/ntwatch/pkg/config"
	"github.com/mbeema/ntwatch/pkg/hook"
	"github.com/mbeema/ntwatch/pkg/intercept"
	"github.com/mbeema/ntwatch/pkg/module"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ConfigEnv names the environment variable holding the config file path
// for a monitored process.
const ConfigEnv = "NTWATCH_CONFIG"

// Options configures New.
type Options struct {
	Config    *config.Config
	Originals intercept.Trampolines

	// Installer installs the secondary hook tier. Nil means the bootstrap
	// only reports whether the secondary module is present.
	Installer intercept.SecondaryInstaller
	// Resolver finds loaded modules. Nil uses module.System().
	Resolver module.Resolver
	Logger   *zap.Logger

	// Sinks receive records in addition to the configured ones.
	Sinks []capture.Sink
}

// Monitor owns everything a monitored process needs to trace itself.
type Monitor struct {
	logger    *zap.Logger
	hooks     *intercept.Hooks
	bootstrap *intercept.Bootstrap
	sender    *hook.Sender
	control   *hook.ControlFile

	statsInterval time.Duration
}

// dormant is the switch used when on-demand tracing is configured but the
// agent's control file cannot be attached.
type dormant struct{}

func (dormant) Enabled() bool { return false }

// New builds the dispatchers. The returned Monitor's Hooks are ready to be
// bound over the native entry points.
func New(opts Options) (*Monitor, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Monitor{logger: logger, statsInterval: cfg.Intercept.StatsInterval}

	var sinks capture.MultiSink
	if cfg.Intercept.LogRecordsEnabled() {
		sinks = append(sinks, capture.NewLogSink(logger.Named("trace"), zapcore.InfoLevel, cfg.Intercept.LogStacks))
	}
	if cfg.Intercept.ForwardToAgent {
		m.sender = hook.NewSender(cfg.Hook.SocketPath)
		sinks = append(sinks, m.sender)
	}
	sinks = append(sinks, opts.Sinks...)

	var sink capture.Sink = sinks
	if len(sinks) == 0 {
		sink = capture.Discard
	}
	pipeline := capture.NewPipeline(sink, cfg.Intercept.StackDepth)

	hookOpts := []intercept.Option{}
	if cfg.Hook.OnDemand {
		cf, err := hook.AttachControlFile(cfg.Hook.ControlDir())
		if err != nil {
			logger.Warn("control file unavailable, tracing stays dormant",
				zap.String("dir", cfg.Hook.ControlDir()),
				zap.Error(err),
			)
			hookOpts = append(hookOpts, intercept.WithSwitch(dormant{}))
		} else {
			m.control = cf
			hookOpts = append(hookOpts, intercept.WithSwitch(cf))
		}
	}

	m.bootstrap = intercept.NewBootstrap(intercept.BootstrapConfig{
		Module:    cfg.Intercept.SecondaryModule,
		Resolver:  opts.Resolver,
		Installer: opts.Installer,
		Logger:    logger,
		OnAttempt: m.reportBootstrap,
	})
	hookOpts = append(hookOpts, intercept.WithBootstrap(m.bootstrap))

	hooks, err := intercept.New(opts.Originals, pipeline, logger, hookOpts...)
	if err != nil {
		m.closeSender()
		if m.control != nil {
			m.control.Close()
		}
		return nil, fmt.Errorf("build dispatchers: %w", err)
	}
	m.hooks = hooks

	logger.Info("monitor ready",
		zap.Int("pid", os.Getpid()),
		zap.Bool("forward", m.sender != nil),
		zap.Bool("on_demand", cfg.Hook.OnDemand),
		zap.String("secondary_module", cfg.Intercept.SecondaryModule),
	)
	return m, nil
}

// Hooks returns the dispatchers.
func (m *Monitor) Hooks() *intercept.Hooks {
	return m.hooks
}

// Bootstrap returns the secondary-tier bootstrap.
func (m *Monitor) Bootstrap() *intercept.Bootstrap {
	return m.bootstrap
}

func (m *Monitor) reportBootstrap(out intercept.BootstrapOutcome) {
	if m.sender == nil {
		return
	}
	r := hook.BootstrapReport{
		Module:    out.Module,
		Found:     out.Found,
		Installed: out.Installed,
	}
	if out.Err != nil {
		r.Error = out.Err.Error()
	}
	if err := m.sender.ReportBootstrap(r); err != nil {
		m.logger.Debug("bootstrap report not delivered", zap.Error(err))
	}
}

// StatsReport snapshots every dispatcher's counters.
func (m *Monitor) StatsReport() hook.StatsReport {
	sites := m.hooks.Stats()
	r := hook.StatsReport{Sites: make([]hook.SiteCounters, 0, len(sites))}
	for _, s := range sites {
		r.Sites = append(r.Sites, hook.SiteCounters{
			API:        s.Name,
			Calls:      s.Calls,
			Traced:     s.Traced,
			Suppressed: s.Suppressed,
			Dormant:    s.Dormant,
			Failed:     s.Failed,
		})
	}
	return r
}

// ReportStats sends the dispatcher counters to the agent. It is a no-op
// when records are not forwarded.
func (m *Monitor) ReportStats() error {
	if m.sender == nil {
		return nil
	}
	return m.sender.ReportStats(m.StatsReport())
}

// Run reports dispatcher counters every intercept.stats_interval until ctx
// is done. With no interval or no agent it just waits for ctx.
func (m *Monitor) Run(ctx context.Context) {
	if m.sender == nil || m.statsInterval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(m.statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := m.ReportStats(); err != nil {
				m.logger.Debug("stats report not delivered", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) closeSender() error {
	if m.sender == nil {
		return nil
	}
	return m.sender.Close()
}

// Close logs per-dispatcher counters, sends a final stats report and
// releases the agent socket. The
// control file stays attached because dispatchers may still be bound and
// consult it; the sender redials if a record arrives after Close.
func (m *Monitor) Close() error {
	for _, s := range m.hooks.Stats() {
		if s.Calls == 0 {
			continue
		}
		m.logger.Info("dispatcher stats",
			zap.String("api", s.Name),
			zap.Int64("calls", s.Calls),
			zap.Int64("traced", s.Traced),
			zap.Int64("suppressed", s.Suppressed),
			zap.Int64("dormant", s.Dormant),
			zap.Int64("failed", s.Failed),
		)
	}
	if err := m.ReportStats(); err != nil {
		m.logger.Debug("final stats report not delivered", zap.Error(err))
	}
	return m.closeSender()
}

// LoadConfig loads the monitored process's configuration from the file
// named by NTWATCH_CONFIG, or defaults plus NTWATCH_* overrides.
func LoadConfig() (*config.Config, error) {
	if path := os.Getenv(ConfigEnv); path != "" {
		return config.Load(path)
	}
	cfg := config.DefaultConfig()
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}
