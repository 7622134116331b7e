// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package intercept

import (
	"fmt"
	"sync/atomic"

	"github.com/mbeema/ntwatch/pkg/module"
	"go.uber.org/zap"
)

// DefaultSecondaryModule hosts the object-model API layer hooked by the
// secondary tier.
const DefaultSecondaryModule = "ole32.dll"

// SecondaryInstaller installs the second hook tier into the secondary
// module. install=false asks it to remove the hooks again.
type SecondaryInstaller interface {
	InstallHooks(install bool) error
}

// InstallerFunc adapts a function to SecondaryInstaller.
type InstallerFunc func(install bool) error

// InstallHooks calls f.
func (f InstallerFunc) InstallHooks(install bool) error {
	return f(install)
}

// BootstrapOutcome describes the single bootstrap attempt.
type BootstrapOutcome struct {
	Module    string
	Found     bool
	Handle    module.Handle
	Installed bool
	Err       error
}

// Bootstrap is a one-shot, process-wide trigger for the secondary hook
// tier. It moves NOT_ATTEMPTED -> ATTEMPTED exactly once, whatever the
// lookup outcome, and never retries.
type Bootstrap struct {
	module    string
	resolver  module.Resolver
	installer SecondaryInstaller
	logger    *zap.Logger
	onAttempt func(BootstrapOutcome)

	attempted atomic.Bool
	outcome   atomic.Pointer[BootstrapOutcome]
}

// BootstrapConfig configures NewBootstrap.
type BootstrapConfig struct {
	Module    string // default DefaultSecondaryModule
	Resolver  module.Resolver
	Installer SecondaryInstaller
	Logger    *zap.Logger
	// OnAttempt, if set, is told about the outcome once the attempt
	// finishes.
	OnAttempt func(BootstrapOutcome)
}

// NewBootstrap creates an armed bootstrap.
func NewBootstrap(cfg BootstrapConfig) *Bootstrap {
	b := &Bootstrap{
		module:    cfg.Module,
		resolver:  cfg.Resolver,
		installer: cfg.Installer,
		logger:    cfg.Logger,
		onAttempt: cfg.OnAttempt,
	}
	if b.module == "" {
		b.module = DefaultSecondaryModule
	}
	if b.resolver == nil {
		b.resolver = module.System()
	}
	if b.logger == nil {
		b.logger = zap.NewNop()
	}
	return b
}

// Run performs the attempt if no caller has claimed it yet. Concurrent
// callers race on a compare-and-set; exactly one wins, the rest return
// immediately without waiting.
func (b *Bootstrap) Run() {
	if b == nil || !b.attempted.CompareAndSwap(false, true) {
		return
	}

	out := BootstrapOutcome{Module: b.module}
	defer func() {
		if r := recover(); r != nil {
			out.Installed = false
			out.Err = fmt.Errorf("secondary installer panicked: %v", r)
			b.logger.Warn("secondary hook installation failed", zap.String("module", b.module), zap.Error(out.Err))
		}
		b.finish(out)
	}()

	out.Handle, out.Found = b.resolver.Resolve(b.module)
	if !out.Found {
		b.logger.Info("secondary module not loaded, object model not hooked", zap.String("module", b.module))
		return
	}
	if b.installer == nil {
		b.logger.Info("secondary module loaded but no installer configured", zap.String("module", b.module))
		return
	}

	if err := b.installer.InstallHooks(true); err != nil {
		out.Err = err
		b.logger.Warn("secondary hook installation failed", zap.String("module", b.module), zap.Error(err))
		return
	}
	out.Installed = true
	b.logger.Info("hooked object model",
		zap.String("module", b.module),
		zap.Uintptr("base", uintptr(out.Handle)),
	)
}

func (b *Bootstrap) finish(out BootstrapOutcome) {
	b.outcome.Store(&out)
	if b.onAttempt != nil {
		func() {
			defer func() { recover() }()
			b.onAttempt(out)
		}()
	}
}

// Attempted reports whether the attempt has been claimed.
func (b *Bootstrap) Attempted() bool {
	return b != nil && b.attempted.Load()
}

// Outcome returns the result of the attempt once it has finished.
func (b *Bootstrap) Outcome() (BootstrapOutcome, bool) {
	if b == nil {
		return BootstrapOutcome{}, false
	}
	out := b.outcome.Load()
	if out == nil {
		return BootstrapOutcome{}, false
	}
	return *out, true
}
