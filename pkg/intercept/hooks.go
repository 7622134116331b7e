// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package intercept implements the dispatchers that replace the native
// process/thread management entry points.
//
// Every dispatcher follows the same protocol:
//
//  1. If the calling execution context is already inside a dispatcher, skip
//     straight to forwarding.
//  2. Acquire the context's guard.
//  3. Snapshot the arguments by value, capture the stack, emit a record.
//  4. Release the guard and call the original implementation with the
//     unmodified arguments, returning its result verbatim.
//
// Observation is best-effort. A failing or panicking tracer never reaches
// the caller and never prevents step 4.
package intercept

import (
	"fmt"
	"sync/atomic"

	"github.com/mbeema/ntwatch/pkg/capture"
	"github.com/mbeema/ntwatch/pkg/ntapi"
	"go.uber.org/zap"
)

// Trampolines holds the pristine implementation of each entry point,
// resolved once by the installer before any dispatcher runs.
type Trampolines struct {
	NtCreateUserProcess ntapi.NtCreateUserProcessFunc
	NtCreateThread      ntapi.NtCreateThreadFunc
	NtCreateThreadEx    ntapi.NtCreateThreadExFunc
	NtSuspendThread     ntapi.NtSuspendThreadFunc
	NtResumeThread      ntapi.NtResumeThreadFunc
	NtOpenProcess       ntapi.NtOpenProcessFunc
	NtTerminateProcess  ntapi.NtTerminateProcessFunc
	NtContinue          ntapi.NtContinueFunc
}

func (t *Trampolines) missing() []string {
	var out []string
	check := func(name string, nilFn bool) {
		if nilFn {
			out = append(out, name)
		}
	}
	check(ntapi.NameNtCreateUserProcess, t.NtCreateUserProcess == nil)
	check(ntapi.NameNtCreateThread, t.NtCreateThread == nil)
	check(ntapi.NameNtCreateThreadEx, t.NtCreateThreadEx == nil)
	check(ntapi.NameNtSuspendThread, t.NtSuspendThread == nil)
	check(ntapi.NameNtResumeThread, t.NtResumeThread == nil)
	check(ntapi.NameNtOpenProcess, t.NtOpenProcess == nil)
	check(ntapi.NameNtTerminateProcess, t.NtTerminateProcess == nil)
	check(ntapi.NameNtContinue, t.NtContinue == nil)
	return out
}

// Switch gates observation at runtime. When Enabled reports false the
// dispatchers forward without tracing.
type Switch interface {
	Enabled() bool
}

// Hooks is the set of dispatchers. Its methods have the same signatures as
// the trampolines, so a method value is a drop-in replacement for the
// native entry point.
type Hooks struct {
	orig      Trampolines
	tracer    capture.Tracer
	sw        Switch
	bootstrap *Bootstrap
	logger    *zap.Logger

	sites map[string]*site
}

// Option configures Hooks.
type Option func(*Hooks)

// WithSwitch installs an on-demand tracing switch.
func WithSwitch(sw Switch) Option {
	return func(h *Hooks) { h.sw = sw }
}

// WithBootstrap arms the lazy secondary-hook installation run from
// NtContinue.
func WithBootstrap(b *Bootstrap) Option {
	return func(h *Hooks) { h.bootstrap = b }
}

// New builds the dispatchers. Every trampoline must be set.
func New(orig Trampolines, tracer capture.Tracer, logger *zap.Logger, opts ...Option) (*Hooks, error) {
	if missing := orig.missing(); len(missing) > 0 {
		return nil, fmt.Errorf("missing original implementation for %v", missing)
	}
	if tracer == nil {
		return nil, fmt.Errorf("tracer is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	h := &Hooks{
		orig:   orig,
		tracer: tracer,
		logger: logger,
		sites:  make(map[string]*site, len(ntapi.EntryPoints)),
	}
	for _, name := range ntapi.EntryPoints {
		h.sites[name] = &site{name: name}
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Binding pairs a dispatcher with the original it wraps, for the
// installer that redirects the entry point.
type Binding struct {
	Name       string
	Dispatcher any
	Original   any
}

// Bindings returns one binding per intercepted entry point.
func (h *Hooks) Bindings() []Binding {
	return []Binding{
		{ntapi.NameNtCreateUserProcess, ntapi.NtCreateUserProcessFunc(h.NtCreateUserProcess), h.orig.NtCreateUserProcess},
		{ntapi.NameNtCreateThread, ntapi.NtCreateThreadFunc(h.NtCreateThread), h.orig.NtCreateThread},
		{ntapi.NameNtCreateThreadEx, ntapi.NtCreateThreadExFunc(h.NtCreateThreadEx), h.orig.NtCreateThreadEx},
		{ntapi.NameNtSuspendThread, ntapi.NtSuspendThreadFunc(h.NtSuspendThread), h.orig.NtSuspendThread},
		{ntapi.NameNtResumeThread, ntapi.NtResumeThreadFunc(h.NtResumeThread), h.orig.NtResumeThread},
		{ntapi.NameNtOpenProcess, ntapi.NtOpenProcessFunc(h.NtOpenProcess), h.orig.NtOpenProcess},
		{ntapi.NameNtTerminateProcess, ntapi.NtTerminateProcessFunc(h.NtTerminateProcess), h.orig.NtTerminateProcess},
		{ntapi.NameNtContinue, ntapi.NtContinueFunc(h.NtContinue), h.orig.NtContinue},
	}
}

// SiteStats is a point-in-time view of one dispatcher's counters.
type SiteStats struct {
	Name       string
	Calls      int64
	Traced     int64
	Suppressed int64 // nested calls on a context already inside
	Dormant    int64 // skipped because the switch was off
	Failed     int64 // observation errors and panics
}

// Stats returns counters for every dispatcher, in entry point order.
func (h *Hooks) Stats() []SiteStats {
	out := make([]SiteStats, 0, len(h.sites))
	for _, name := range ntapi.EntryPoints {
		s := h.sites[name]
		out = append(out, SiteStats{
			Name:       name,
			Calls:      s.calls.Load(),
			Traced:     s.traced.Load(),
			Suppressed: s.suppressed.Load(),
			Dormant:    s.dormant.Load(),
			Failed:     s.failed.Load(),
		})
	}
	return out
}

type site struct {
	name string

	calls      atomic.Int64
	traced     atomic.Int64
	suppressed atomic.Int64
	dormant    atomic.Int64
	failed     atomic.Int64
}
