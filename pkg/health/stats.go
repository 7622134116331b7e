// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package health

import (
	"runtime"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Stats tracks self-monitoring counters for the agent.
type Stats struct {
	startTime time.Time

	RecordsReceived   atomic.Int64
	RecordsQueued     atomic.Int64
	RecordsExported   atomic.Int64
	RecordsDropped    atomic.Int64
	RecordsMalformed  atomic.Int64
	ExportErrors      atomic.Int64
	BootstrapReports  atomic.Int64
	ObjectModelHooked atomic.Int64

	mu       sync.Mutex
	byAPI    map[string]int64
	dispatch map[uint32]DispatchCounts
	retired  DispatchCounts
}

// DispatchCounts are dispatcher counters reported by monitored processes.
type DispatchCounts struct {
	Calls      int64 `json:"calls"`
	Traced     int64 `json:"traced"`
	Suppressed int64 `json:"suppressed"`
	Dormant    int64 `json:"dormant"`
	Failed     int64 `json:"failed"`
}

func (d *DispatchCounts) add(o DispatchCounts) {
	d.Calls += o.Calls
	d.Traced += o.Traced
	d.Suppressed += o.Suppressed
	d.Dormant += o.Dormant
	d.Failed += o.Failed
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{
		startTime: time.Now(),
		byAPI:     make(map[string]int64),
		dispatch:  make(map[uint32]DispatchCounts),
	}
}

// Uptime returns agent uptime.
func (s *Stats) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// CountAPI records one received trace record for the named entry point.
func (s *Stats) CountAPI(api string) {
	s.RecordsReceived.Add(1)
	s.mu.Lock()
	s.byAPI[api]++
	s.mu.Unlock()
}

// SetDispatch replaces the cumulative dispatcher counters of pid.
func (s *Stats) SetDispatch(pid uint32, d DispatchCounts) {
	s.mu.Lock()
	s.dispatch[pid] = d
	s.mu.Unlock()
}

// ForgetProcess stops tracking pid. Its last counters stay in the totals.
func (s *Stats) ForgetProcess(pid uint32) {
	s.mu.Lock()
	if d, ok := s.dispatch[pid]; ok {
		s.retired.add(d)
		delete(s.dispatch, pid)
	}
	s.mu.Unlock()
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	UptimeSeconds     float64          `json:"uptime_seconds"`
	Goroutines        int              `json:"goroutines"`
	MemoryRSSBytes    uint64           `json:"memory_rss_bytes"`
	RecordsReceived   int64            `json:"records_received"`
	RecordsQueued     int64            `json:"records_queued"`
	RecordsExported   int64            `json:"records_exported"`
	RecordsDropped    int64            `json:"records_dropped"`
	RecordsMalformed  int64            `json:"records_malformed"`
	ExportErrors      int64            `json:"export_errors"`
	BootstrapReports  int64            `json:"bootstrap_reports"`
	ObjectModelHooked int64            `json:"object_model_hooked"`
	ByAPI             map[string]int64 `json:"by_api"`
	Dispatch          DispatchCounts   `json:"dispatch"`
}

// Snapshot returns current stats.
func (s *Stats) Snapshot() Snapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	s.mu.Lock()
	byAPI := make(map[string]int64, len(s.byAPI))
	for k, v := range s.byAPI {
		byAPI[k] = v
	}
	dispatch := s.retired
	for _, d := range s.dispatch {
		dispatch.add(d)
	}
	s.mu.Unlock()

	return Snapshot{
		UptimeSeconds:     s.Uptime().Seconds(),
		Goroutines:        runtime.NumGoroutine(),
		MemoryRSSBytes:    memStats.Sys,
		RecordsReceived:   s.RecordsReceived.Load(),
		RecordsQueued:     s.RecordsQueued.Load(),
		RecordsExported:   s.RecordsExported.Load(),
		RecordsDropped:    s.RecordsDropped.Load(),
		RecordsMalformed:  s.RecordsMalformed.Load(),
		ExportErrors:      s.ExportErrors.Load(),
		BootstrapReports:  s.BootstrapReports.Load(),
		ObjectModelHooked: s.ObjectModelHooked.Load(),
		ByAPI:             byAPI,
		Dispatch:          dispatch,
	}
}

// PrometheusMetrics returns stats in Prometheus text exposition format.
func (s *Stats) PrometheusMetrics() string {
	return prometheusFormat(s.Snapshot())
}

func prometheusFormat(snap Snapshot) string {
	var b []byte
	b = appendMetric(b, "ntwatch_agent_uptime_seconds", "gauge", "Agent uptime in seconds", snap.UptimeSeconds)
	b = appendMetric(b, "ntwatch_agent_goroutines", "gauge", "Number of goroutines", float64(snap.Goroutines))
	b = appendMetric(b, "ntwatch_agent_memory_rss_bytes", "gauge", "Memory usage in bytes", float64(snap.MemoryRSSBytes))
	b = appendMetric(b, "ntwatch_records_received_total", "counter", "Total trace records received", float64(snap.RecordsReceived))
	b = appendMetric(b, "ntwatch_records_queued_total", "counter", "Total trace records queued for export", float64(snap.RecordsQueued))
	b = appendMetric(b, "ntwatch_records_exported_total", "counter", "Total trace records delivered by an exporter", float64(snap.RecordsExported))
	b = appendMetric(b, "ntwatch_records_dropped_total", "counter", "Total trace records dropped", float64(snap.RecordsDropped))
	b = appendMetric(b, "ntwatch_records_malformed_total", "counter", "Total malformed hook messages", float64(snap.RecordsMalformed))
	b = appendMetric(b, "ntwatch_export_errors_total", "counter", "Total failed export batches", float64(snap.ExportErrors))
	b = appendMetric(b, "ntwatch_bootstrap_reports_total", "counter", "Total bootstrap reports received", float64(snap.BootstrapReports))
	b = appendMetric(b, "ntwatch_object_model_hooked", "gauge", "Processes whose object model hooks are installed", float64(snap.ObjectModelHooked))
	b = appendMetric(b, "ntwatch_dispatch_calls_total", "counter", "Intercepted calls reported by monitored processes", float64(snap.Dispatch.Calls))
	b = appendMetric(b, "ntwatch_dispatch_traced_total", "counter", "Intercepted calls traced", float64(snap.Dispatch.Traced))
	b = appendMetric(b, "ntwatch_dispatch_suppressed_total", "counter", "Nested intercepted calls forwarded without tracing", float64(snap.Dispatch.Suppressed))
	b = appendMetric(b, "ntwatch_dispatch_dormant_total", "counter", "Intercepted calls forwarded while tracing was off", float64(snap.Dispatch.Dormant))
	b = appendMetric(b, "ntwatch_dispatch_failed_total", "counter", "Intercepted calls whose trace capture failed", float64(snap.Dispatch.Failed))

	if len(snap.ByAPI) > 0 {
		apis := make([]string, 0, len(snap.ByAPI))
		for api := range snap.ByAPI {
			apis = append(apis, api)
		}
		sort.Strings(apis)

		const name = "ntwatch_records_by_api_total"
		b = append(b, "# HELP "+name+" Trace records received per entry point\n"...)
		b = append(b, "# TYPE "+name+" counter\n"...)
		for _, api := range apis {
			b = append(b, name+`{api="`...)
			b = append(b, api...)
			b = append(b, `"} `...)
			b = strconv.AppendInt(b, snap.ByAPI[api], 10)
			b = append(b, '\n')
		}
	}
	return string(b)
}

func appendMetric(b []byte, name, typ, help string, value float64) []byte {
	b = append(b, "# HELP "...)
	b = append(b, name...)
	b = append(b, ' ')
	b = append(b, help...)
	b = append(b, '\n')
	b = append(b, "# TYPE "...)
	b = append(b, name...)
	b = append(b, ' ')
	b = append(b, typ...)
	b = append(b, '\n')
	b = append(b, name...)
	b = append(b, ' ')
	b = strconv.AppendFloat(b, value, 'f', -1, 64)
	b = append(b, '\n')
	return b
}
