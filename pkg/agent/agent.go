// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package agent is the out-of-process collector: it receives trace records
// and bootstrap reports from monitored processes, enriches them, and
// exports them.
package agent

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbeema/ntwatch/pkg/capture"
	"github.com/mbeema/ntwatch/pkg/config"
	"github.com/mbeema/ntwatch/pkg/discovery"
	"github.com/mbeema/ntwatch/pkg/export"
	"github.com/mbeema/ntwatch/pkg/health"
	"github.com/mbeema/ntwatch/pkg/hook"
	"github.com/mbeema/ntwatch/pkg/redact"
	"go.uber.org/zap"
)

const recordQueueSize = 8192

// ProcessState is what the agent knows about one monitored process.
type ProcessState struct {
	PID       uint32                `json:"pid"`
	Name      string                `json:"name,omitempty"`
	Bootstrap *hook.BootstrapReport `json:"bootstrap,omitempty"`
	Records   int64                 `json:"records"`
	Sites     []hook.SiteCounters   `json:"sites,omitempty"`
	LastSeen  time.Time             `json:"last_seen"`
}

// Agent wires hook transport, discovery, redaction, export and health
// together.
// Hook callbacks only enqueue; enrichment and export run on the dispatch
// goroutine so a slow collector never blocks the socket readers.
type Agent struct {
	cfg    atomic.Pointer[config.Config]
	logger *zap.Logger

	hookMgr      *hook.Manager
	discoverer   atomic.Pointer[discovery.Discoverer]
	redactor     atomic.Pointer[redact.Redactor]
	exporter     atomic.Pointer[export.Manager]
	healthStats  *health.Stats
	healthServer *health.Server

	recordCh chan *capture.Record

	procMu sync.Mutex
	procs  map[uint32]*ProcessState

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	buildExporter func(*config.Config) (*export.Manager, error)
}

// New creates an agent from configuration.
func New(cfg *config.Config, logger *zap.Logger) (*Agent, error) {
	a := &Agent{
		logger:      logger,
		healthStats: health.NewStats(),
		recordCh:    make(chan *capture.Record, recordQueueSize),
		procs:       make(map[uint32]*ProcessState),
	}
	a.cfg.Store(cfg)
	a.buildExporter = a.newExporter

	exp, err := a.buildExporter(cfg)
	if err != nil {
		return nil, fmt.Errorf("create export manager: %w", err)
	}
	a.exporter.Store(exp)

	if cfg.Discovery.Enabled {
		a.discoverer.Store(discovery.NewDiscoverer(cfg.Discovery.CacheTTL, logger))
	}
	a.redactor.Store(newRedactor(&cfg.Redaction, logger))

	a.hookMgr = hook.NewManager(cfg.Hook.SocketPath, cfg.Hook.OnDemand, hook.Callbacks{
		OnTrace:     a.onTrace,
		OnBootstrap: a.onBootstrap,
		OnStats:     a.onStats,
	}, logger)

	if cfg.Health.Enabled {
		a.healthServer = health.NewServer(cfg.Health.Port, "dev", a.healthStats, logger)
		a.healthServer.SetStatusFunc(a.status)
	}

	return a, nil
}

func newRedactor(cfg *config.RedactionConfig, logger *zap.Logger) *redact.Redactor {
	var extra []redact.Rule
	for _, r := range cfg.Rules {
		compiled, err := regexp.Compile(r.Pattern)
		if err != nil {
			logger.Warn("invalid redaction rule pattern", zap.String("name", r.Name), zap.Error(err))
			continue
		}
		extra = append(extra, redact.Rule{
			Name:        r.Name,
			Pattern:     compiled,
			Replacement: r.Replacement,
		})
	}
	return redact.New(cfg.Enabled, extra)
}

func (a *Agent) managerConfig(cfg *config.Config) *export.ManagerConfig {
	return &export.ManagerConfig{
		Exporters:   &cfg.Exporters,
		ServiceName: cfg.ServiceName,
		OnExport: func(n int) {
			a.healthStats.RecordsExported.Add(int64(n))
		},
		OnFailure: func(n int) {
			a.healthStats.ExportErrors.Add(1)
			a.healthStats.RecordsDropped.Add(int64(n))
		},
	}
}

func (a *Agent) newExporter(cfg *config.Config) (*export.Manager, error) {
	return export.NewManager(a.managerConfig(cfg), a.logger)
}

// Start begins receiving and exporting.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.ctx = ctx
	a.cancel = cancel

	if err := a.exporter.Load().Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("start export manager: %w", err)
	}

	a.wg.Add(2)
	go a.dispatchLoop(ctx)
	go a.cleanupLoop(ctx)

	if err := a.hookMgr.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("start hook manager: %w", err)
	}

	if a.healthServer != nil {
		if err := a.healthServer.Start(ctx); err != nil {
			a.logger.Warn("health server unavailable", zap.Error(err))
		} else {
			a.healthServer.SetReady(true)
		}
	}

	cfg := a.cfg.Load()
	a.logger.Info("agent started",
		zap.String("socket", cfg.Hook.SocketPath),
		zap.Bool("on_demand", cfg.Hook.OnDemand),
		zap.Bool("discovery", cfg.Discovery.Enabled),
	)
	return nil
}

func (a *Agent) onTrace(_ hook.Header, rec *capture.Record) {
	a.healthStats.CountAPI(rec.API)
	select {
	case a.recordCh <- rec:
	default:
		a.healthStats.RecordsDropped.Add(1)
		a.logger.Debug("record queue full, dropping record", zap.String("api", rec.API))
	}
}

func (a *Agent) onBootstrap(hdr hook.Header, r *hook.BootstrapReport) {
	a.healthStats.BootstrapReports.Add(1)
	if r.Installed {
		a.healthStats.ObjectModelHooked.Add(1)
	}

	a.procMu.Lock()
	ps := a.process(hdr.PID)
	ps.Bootstrap = r
	a.procMu.Unlock()

	fields := []zap.Field{
		zap.Uint32("pid", hdr.PID),
		zap.String("module", r.Module),
		zap.Bool("found", r.Found),
		zap.Bool("installed", r.Installed),
	}
	if r.Error != "" {
		fields = append(fields, zap.String("error", r.Error))
	}
	a.logger.Info("secondary hook bootstrap", fields...)
}

func (a *Agent) onStats(hdr hook.Header, r *hook.StatsReport) {
	t := r.Totals()
	a.healthStats.SetDispatch(hdr.PID, health.DispatchCounts{
		Calls:      t.Calls,
		Traced:     t.Traced,
		Suppressed: t.Suppressed,
		Dormant:    t.Dormant,
		Failed:     t.Failed,
	})

	a.procMu.Lock()
	a.process(hdr.PID).Sites = r.Sites
	a.procMu.Unlock()
}

// process must be called with procMu held.
func (a *Agent) process(pid uint32) *ProcessState {
	ps, ok := a.procs[pid]
	if !ok {
		ps = &ProcessState{PID: pid}
		a.procs[pid] = ps
	}
	ps.LastSeen = time.Now()
	return ps
}

func (a *Agent) dispatchLoop(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case rec := <-a.recordCh:
			a.processRecord(rec)
		case <-ctx.Done():
			for {
				select {
				case rec := <-a.recordCh:
					a.processRecord(rec)
				default:
					return
				}
			}
		}
	}
}

// processRecord enriches, redacts and exports a single record.
func (a *Agent) processRecord(rec *capture.Record) {
	if d := a.discoverer.Load(); d != nil {
		d.Enrich(rec)
	}
	a.redactor.Load().RedactRecord(rec)

	a.procMu.Lock()
	ps := a.process(rec.PID)
	ps.Records++
	if name := rec.Attrs[discovery.AttrProcessName]; name != "" {
		ps.Name = name
	}
	a.procMu.Unlock()

	if a.exporter.Load().ExportRecord(rec) {
		a.healthStats.RecordsQueued.Add(1)
	} else {
		a.healthStats.RecordsDropped.Add(1)
	}
}

func (a *Agent) cleanupLoop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.cleanup(10 * time.Minute)
		case <-ctx.Done():
			return
		}
	}
}

func (a *Agent) cleanup(idle time.Duration) {
	_, malformed := a.hookMgr.Counts()
	a.healthStats.RecordsMalformed.Store(malformed)

	expired := 0
	if d := a.discoverer.Load(); d != nil {
		expired = d.CleanExpired()
	}

	cutoff := time.Now().Add(-idle)
	a.procMu.Lock()
	idleProcs := 0
	for pid, ps := range a.procs {
		if ps.LastSeen.Before(cutoff) {
			delete(a.procs, pid)
			a.healthStats.ForgetProcess(pid)
			idleProcs++
		}
	}
	a.procMu.Unlock()

	if expired > 0 || idleProcs > 0 {
		a.logger.Debug("cleanup",
			zap.Int("discovery_expired", expired),
			zap.Int("idle_processes", idleProcs),
		)
	}
}

// Processes returns a snapshot of known monitored processes.
func (a *Agent) Processes() []ProcessState {
	a.procMu.Lock()
	defer a.procMu.Unlock()
	out := make([]ProcessState, 0, len(a.procs))
	for _, ps := range a.procs {
		out = append(out, *ps)
	}
	return out
}

func (a *Agent) status() map[string]any {
	exported, dropped, failed := a.exporter.Load().Stats()
	return map[string]any{
		"tracing_enabled": a.TracingEnabled(),
		"export": map[string]int64{
			"exported": exported,
			"dropped":  dropped,
			"failed":   failed,
		},
		"processes": a.Processes(),
	}
}

// EnableTracing turns tracing on in every monitored process.
func (a *Agent) EnableTracing() error { return a.hookMgr.EnableTracing() }

// DisableTracing makes every monitored process's dispatchers pass-through.
func (a *Agent) DisableTracing() error { return a.hookMgr.DisableTracing() }

// TracingEnabled reports the control file state.
func (a *Agent) TracingEnabled() bool { return a.hookMgr.IsTracingEnabled() }

// Stop shuts every subsystem down. The hook socket closes first, then the
// dispatch loop drains its queue into the export manager, which flushes
// before its exporters shut down.
func (a *Agent) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.healthServer != nil {
		a.healthServer.SetReady(false)
		a.healthServer.Stop()
	}

	a.hookMgr.Stop()

	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()

	exp := a.exporter.Load()
	exp.Stop()

	exported, dropped, failed := exp.Stats()
	received, malformed := a.hookMgr.Counts()
	a.logger.Info("agent stopped",
		zap.Int64("datagrams", received),
		zap.Int64("malformed", malformed),
		zap.Int64("records_exported", exported),
		zap.Int64("records_dropped", dropped),
		zap.Int64("batches_failed", failed),
		zap.Int64("bootstrap_reports", a.healthStats.BootstrapReports.Load()),
	)
	return nil
}

// Reload applies new configuration. Exporters are rebuilt when their
// settings change, discovery is toggled, and the on-demand state is
// pushed to the control file. Socket and health address changes need a
// restart.
func (a *Agent) Reload(cfg *config.Config) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	oldCfg := a.cfg.Load()

	if cfg.Hook.SocketPath != oldCfg.Hook.SocketPath {
		a.logger.Warn("hook.socket_path change requires restart",
			zap.String("current", oldCfg.Hook.SocketPath),
			zap.String("configured", cfg.Hook.SocketPath),
		)
	}
	if cfg.Health.Port != oldCfg.Health.Port || cfg.Health.Enabled != oldCfg.Health.Enabled {
		a.logger.Warn("health server changes require restart")
	}

	if !reflect.DeepEqual(cfg.Exporters, oldCfg.Exporters) || cfg.ServiceName != oldCfg.ServiceName {
		if err := a.swapExporter(cfg); err != nil {
			return err
		}
	}
	a.cfg.Store(cfg)

	switch {
	case cfg.Discovery.Enabled && (!oldCfg.Discovery.Enabled || cfg.Discovery.CacheTTL != oldCfg.Discovery.CacheTTL):
		a.discoverer.Store(discovery.NewDiscoverer(cfg.Discovery.CacheTTL, a.logger))
	case !cfg.Discovery.Enabled:
		a.discoverer.Store(nil)
	}

	if !reflect.DeepEqual(cfg.Redaction, oldCfg.Redaction) {
		a.redactor.Store(newRedactor(&cfg.Redaction, a.logger))
	}

	if cfg.Hook.OnDemand != oldCfg.Hook.OnDemand {
		var err error
		if cfg.Hook.OnDemand {
			err = a.hookMgr.DisableTracing()
		} else {
			err = a.hookMgr.EnableTracing()
		}
		if err != nil {
			a.logger.Warn("failed to apply on_demand", zap.Error(err))
		}
	}

	a.logger.Info("configuration reloaded",
		zap.Bool("otlp", cfg.Exporters.OTLP.Enabled),
		zap.Bool("stdout", cfg.Exporters.Stdout.Enabled),
		zap.Bool("discovery", cfg.Discovery.Enabled),
		zap.Bool("redaction", cfg.Redaction.Enabled),
		zap.Bool("on_demand", cfg.Hook.OnDemand),
	)
	return nil
}

// swapExporter must be called with mu held.
func (a *Agent) swapExporter(cfg *config.Config) error {
	next, err := a.buildExporter(cfg)
	if err != nil {
		return fmt.Errorf("create export manager: %w", err)
	}
	if a.ctx != nil {
		if err := next.Start(a.ctx); err != nil {
			return fmt.Errorf("start export manager: %w", err)
		}
	}
	prev := a.exporter.Swap(next)
	prev.Stop()
	return nil
}
