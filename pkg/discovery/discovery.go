// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package discovery resolves process identities for trace records received
// by the agent.
package discovery

import (
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mbeema/ntwatch/pkg/capture"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// Attribute keys set by Enrich.
const (
	AttrProcessName       = "process.name"
	AttrProcessExe        = "process.executable.path"
	AttrParentPID         = "process.parent_pid"
	AttrTargetProcessName = "target.process.name"
)

// ProcessInfo holds what is known about one process.
type ProcessInfo struct {
	PID          uint32
	Name         string
	Exe          string
	Cmdline      string
	ParentPID    uint32
	DiscoveredAt time.Time
}

// LookupFunc fetches process details from the OS.
type LookupFunc func(pid uint32) (*ProcessInfo, error)

// Discoverer caches process identities with a TTL. PIDs are reused by the
// OS, so entries expire rather than living for the agent's lifetime.
type Discoverer struct {
	logger *zap.Logger
	ttl    time.Duration
	lookup LookupFunc
	now    func() time.Time

	mu    sync.RWMutex
	cache map[uint32]*ProcessInfo
}

// NewDiscoverer creates a discoverer backed by gopsutil.
func NewDiscoverer(ttl time.Duration, logger *zap.Logger) *Discoverer {
	return NewDiscovererWithLookup(ttl, lookupProcess, logger)
}

// NewDiscovererWithLookup creates a discoverer with a custom lookup.
func NewDiscovererWithLookup(ttl time.Duration, lookup LookupFunc, logger *zap.Logger) *Discoverer {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Discoverer{
		logger: logger,
		ttl:    ttl,
		lookup: lookup,
		now:    time.Now,
		cache:  make(map[uint32]*ProcessInfo),
	}
}

// Lookup returns process information for pid, or nil when the process
// cannot be inspected.
func (d *Discoverer) Lookup(pid uint32) *ProcessInfo {
	if pid == 0 {
		return nil
	}

	d.mu.RLock()
	info, ok := d.cache[pid]
	d.mu.RUnlock()
	if ok && d.now().Sub(info.DiscoveredAt) < d.ttl {
		return info
	}

	info, err := d.lookup(pid)
	if err != nil || info == nil {
		d.logger.Debug("process lookup failed", zap.Uint32("pid", pid), zap.Error(err))
		return nil
	}
	info.DiscoveredAt = d.now()

	d.mu.Lock()
	d.cache[pid] = info
	d.mu.Unlock()
	return info
}

// ProcessName returns the executable name for pid, or "pid-N".
func (d *Discoverer) ProcessName(pid uint32) string {
	if info := d.Lookup(pid); info != nil && info.Name != "" {
		return info.Name
	}
	return "pid-" + strconv.FormatUint(uint64(pid), 10)
}

// Enrich adds the calling process identity to rec and, for calls that name
// another process by id, the target's name.
func (d *Discoverer) Enrich(rec *capture.Record) {
	if info := d.Lookup(rec.PID); info != nil {
		if info.Name != "" {
			rec.SetAttr(AttrProcessName, info.Name)
		}
		if info.Exe != "" {
			rec.SetAttr(AttrProcessExe, info.Exe)
		}
		if info.ParentPID != 0 {
			rec.SetAttr(AttrParentPID, strconv.FormatUint(uint64(info.ParentPID), 10))
		}
	}

	if v, ok := rec.Arg("UniqueProcess"); ok {
		target, err := strconv.ParseUint(v, 10, 32)
		if err != nil || target == 0 {
			return
		}
		if info := d.Lookup(uint32(target)); info != nil && info.Name != "" {
			rec.SetAttr(AttrTargetProcessName, info.Name)
		}
	}
}

// ScanProcesses returns the PIDs of running processes whose name matches any
// of patterns. Invalid patterns are logged and skipped; nil is returned
// when no pattern is usable.
func (d *Discoverer) ScanProcesses(patterns []string) []uint32 {
	var res []*regexp.Regexp
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			d.logger.Warn("invalid process pattern", zap.String("pattern", p), zap.Error(err))
			continue
		}
		res = append(res, re)
	}
	if len(res) == 0 {
		return nil
	}

	procs, err := process.Processes()
	if err != nil {
		d.logger.Warn("list processes failed", zap.Error(err))
		return nil
	}

	var pids []uint32
	for _, p := range procs {
		name, err := p.Name()
		if err != nil {
			continue
		}
		for _, re := range res {
			if re.MatchString(name) {
				pids = append(pids, uint32(p.Pid))
				break
			}
		}
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	return pids
}

// InvalidateCache removes a PID from the cache.
func (d *Discoverer) InvalidateCache(pid uint32) {
	d.mu.Lock()
	delete(d.cache, pid)
	d.mu.Unlock()
}

// CleanExpired removes cache entries older than the TTL.
func (d *Discoverer) CleanExpired() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	removed := 0
	for pid, info := range d.cache {
		if now.Sub(info.DiscoveredAt) >= d.ttl {
			delete(d.cache, pid)
			removed++
		}
	}
	return removed
}

// CacheSize returns the number of cached processes.
func (d *Discoverer) CacheSize() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.cache)
}

func lookupProcess(pid uint32) (*ProcessInfo, error) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, err
	}

	info := &ProcessInfo{PID: pid}
	if name, err := proc.Name(); err == nil {
		info.Name = name
	}
	if exe, err := proc.Exe(); err == nil {
		info.Exe = exe
		if info.Name == "" {
			info.Name = filepath.Base(exe)
		}
	}
	if cmdline, err := proc.Cmdline(); err == nil {
		info.Cmdline = strings.TrimSpace(cmdline)
	}
	if ppid, err := proc.Ppid(); err == nil && ppid > 0 {
		info.ParentPID = uint32(ppid)
	}
	return info, nil
}
