// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbeema/ntwatch/pkg/capture"
	"github.com/mbeema/ntwatch/pkg/config"
	"go.uber.org/zap"
)

// Exporter is the interface for trace record exporters.
type Exporter interface {
	ExportRecords(ctx context.Context, records []*capture.Record) error
	Shutdown(ctx context.Context) error
}

const (
	defaultBatchSize     = 512
	defaultFlushInterval = 2 * time.Second
	defaultChannelSize   = 8192

	maxRetries     = 3
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 5 * time.Second
	backoffFactor  = 2.0
	exportTimeout  = 10 * time.Second
)

// Manager batches trace records and fans each batch out to every exporter.
type Manager struct {
	logger    *zap.Logger
	exporters []Exporter

	recordCh chan *capture.Record

	exportedCount atomic.Int64
	dropCount     atomic.Int64
	failCount     atomic.Int64

	batchSize     int
	flushInterval time.Duration
	onExport      func(batch int)
	onFailure     func(batch int)

	circuitBreaker *CircuitBreaker

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// ManagerConfig holds the configuration needed to create a Manager.
type ManagerConfig struct {
	Exporters     *config.ExportersConfig
	ServiceName   string
	BatchSize     int
	FlushInterval time.Duration

	// OnExport is called with the batch size once a batch is delivered by
	// at least one exporter.
	OnExport func(batch int)
	// OnFailure is called with the batch size once per batch that no
	// exporter delivered, after retries or because the circuit is open.
	OnFailure func(batch int)
}

// NewManager creates a new export manager from configuration. An OTLP
// exporter that cannot be created is logged and skipped.
func NewManager(mc *ManagerConfig, logger *zap.Logger) (*Manager, error) {
	var exporters []Exporter
	cfg := mc.Exporters

	if cfg.OTLP.Enabled {
		exp, err := NewOTLPExporter(&cfg.OTLP, mc.ServiceName, logger)
		if err != nil {
			logger.Warn("failed to create OTLP exporter", zap.Error(err))
		} else {
			exporters = append(exporters, exp)
		}
	}

	if cfg.Stdout.Enabled {
		exporters = append(exporters, NewStdoutExporter(cfg.Stdout.Format, logger))
	}

	m := newManager(mc, logger, exporters)
	return m, nil
}

// NewManagerWithExporters creates a manager over explicit exporters.
func NewManagerWithExporters(mc *ManagerConfig, logger *zap.Logger, exporters ...Exporter) *Manager {
	return newManager(mc, logger, exporters)
}

func newManager(mc *ManagerConfig, logger *zap.Logger, exporters []Exporter) *Manager {
	m := &Manager{
		logger:         logger,
		exporters:      exporters,
		recordCh:       make(chan *capture.Record, defaultChannelSize),
		batchSize:      defaultBatchSize,
		flushInterval:  defaultFlushInterval,
		circuitBreaker: NewCircuitBreaker(5, 30*time.Second),
		stopCh:         make(chan struct{}),
	}
	if mc != nil {
		if mc.BatchSize > 0 {
			m.batchSize = mc.BatchSize
		}
		if mc.FlushInterval > 0 {
			m.flushInterval = mc.FlushInterval
		}
		m.onExport = mc.OnExport
		m.onFailure = mc.OnFailure
	}
	m.circuitBreaker.OnStateChange(func(from, to CircuitState) {
		logger.Warn("export circuit breaker state change",
			zap.Stringer("from", from),
			zap.Stringer("to", to),
		)
	})
	return m
}

// Start begins the batch export goroutine. It runs until Stop: cancelling
// ctx does not stop it, so records queued before Stop are still flushed.
func (m *Manager) Start(ctx context.Context) error {
	m.wg.Add(1)
	go m.processRecords(context.WithoutCancel(ctx))

	m.logger.Info("export manager started",
		zap.Int("exporters", len(m.exporters)),
		zap.Int("batch_size", m.batchSize),
		zap.Duration("flush_interval", m.flushInterval),
	)
	return nil
}

// Stop flushes remaining records and shuts down exporters.
func (m *Manager) Stop() error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), exportTimeout)
	defer cancel()

	for _, exp := range m.exporters {
		if err := exp.Shutdown(ctx); err != nil {
			m.logger.Error("exporter shutdown error", zap.Error(err))
		}
	}

	m.logger.Info("export manager stopped",
		zap.Int64("records_exported", m.exportedCount.Load()),
		zap.Int64("dropped", m.dropCount.Load()),
		zap.Int64("failed", m.failCount.Load()),
	)
	return nil
}

// ExportRecord queues a record for export. It reports false when the queue
// is full and the record was dropped.
func (m *Manager) ExportRecord(rec *capture.Record) bool {
	select {
	case m.recordCh <- rec:
		return true
	default:
		m.dropCount.Add(1)
		m.logger.Warn("record channel full, dropping record", zap.String("api", rec.API))
		return false
	}
}

func (m *Manager) processRecords(ctx context.Context) {
	defer m.wg.Done()

	batch := make([]*capture.Record, 0, m.batchSize)
	ticker := time.NewTicker(m.flushInterval)
	defer ticker.Stop()

	drain := func(flushCtx context.Context) {
		for {
			select {
			case rec := <-m.recordCh:
				batch = append(batch, rec)
			default:
				if len(batch) > 0 {
					m.flush(flushCtx, batch)
				}
				return
			}
		}
	}

	for {
		select {
		case rec := <-m.recordCh:
			batch = append(batch, rec)
			if len(batch) >= m.batchSize {
				m.flush(ctx, batch)
				batch = make([]*capture.Record, 0, m.batchSize)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				m.flush(ctx, batch)
				batch = make([]*capture.Record, 0, m.batchSize)
			}

		case <-m.stopCh:
			drain(ctx)
			return
		}
	}
}

// flush hands one batch to every exporter. The batch counts as exported
// when at least one exporter delivered it.
func (m *Manager) flush(ctx context.Context, records []*capture.Record) {
	n := len(records)
	if len(m.exporters) == 0 {
		m.dropCount.Add(int64(n))
		return
	}

	delivered := false
	for _, exp := range m.exporters {
		exp := exp
		if m.retryExport(ctx, func(expCtx context.Context) error {
			return exp.ExportRecords(expCtx, records)
		}) {
			delivered = true
		} else {
			m.failCount.Add(1)
		}
	}

	if !delivered {
		if m.onFailure != nil {
			m.onFailure(n)
		}
		return
	}
	m.exportedCount.Add(int64(n))
	if m.onExport != nil {
		m.onExport(n)
	}
}

// retryExport attempts an export with exponential backoff and circuit
// breaker. It reports whether the batch was delivered.
func (m *Manager) retryExport(ctx context.Context, exportFn func(context.Context) error) bool {
	if !m.circuitBreaker.Allow() {
		m.logger.Debug("circuit breaker open, dropping batch")
		return false
	}

	backoff := initialBackoff

	for attempt := 0; attempt <= maxRetries; attempt++ {
		exportCtx, cancel := context.WithTimeout(ctx, exportTimeout)
		err := exportFn(exportCtx)
		cancel()

		if err == nil {
			m.circuitBreaker.RecordSuccess()
			return true
		}

		m.circuitBreaker.RecordFailure()

		if attempt == maxRetries || !m.circuitBreaker.Allow() {
			m.logger.Error("export failed after retries",
				zap.Int("attempts", attempt+1),
				zap.Error(err),
			)
			return false
		}

		m.logger.Warn("export failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return false
		}

		backoff = time.Duration(math.Min(
			float64(backoff)*backoffFactor,
			float64(maxBackoff),
		))
	}
	return false
}

// Stats returns export statistics: records delivered by at least one
// exporter, records dropped at the queue or for lack of exporters, and
// per-exporter batch failures.
func (m *Manager) Stats() (exported, dropped, failed int64) {
	return m.exportedCount.Load(), m.dropCount.Load(), m.failCount.Load()
}

// QueueDepth returns the current queue fill level.
func (m *Manager) QueueDepth() int {
	return len(m.recordCh)
}
