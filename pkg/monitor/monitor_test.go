package monitor

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mbeema/ntwatch/pkg/capture"
	"github.com/mbeema/ntwatch/pkg/config"
	"github.com/mbeema/ntwatch/pkg/guard"
	"github.com/mbeema/ntwatch/pkg/hook"
	"github.com/mbeema/ntwatch/pkg/intercept"
	"github.com/mbeema/ntwatch/pkg/module"
	"github.com/mbeema/ntwatch/pkg/ntapi"
	"go.uber.org/zap"
)

func passthrough() intercept.Trampolines {
	ok := ntapi.StatusSuccess
	return intercept.Trampolines{
		NtCreateUserProcess: func(context.Context, *ntapi.Handle, *ntapi.Handle, ntapi.AccessMask, ntapi.AccessMask,
			*ntapi.ObjectAttributes, *ntapi.ObjectAttributes, uint32, uint32, uintptr, *ntapi.PSCreateInfo, *ntapi.PSAttributeList) ntapi.NTStatus {
			return ok
		},
		NtCreateThread: func(context.Context, *ntapi.Handle, ntapi.AccessMask, *ntapi.ObjectAttributes,
			ntapi.Handle, *ntapi.ClientID, *ntapi.ContextRecord, *ntapi.InitialTEB, bool) ntapi.NTStatus {
			return ok
		},
		NtCreateThreadEx: func(context.Context, *ntapi.Handle, ntapi.AccessMask, *ntapi.ObjectAttributes,
			ntapi.Handle, uintptr, uintptr, uint32, uintptr, uintptr, uintptr, *ntapi.PSAttributeList) ntapi.NTStatus {
			return ok
		},
		NtSuspendThread:    func(context.Context, ntapi.Handle, *uint32) ntapi.NTStatus { return ok },
		NtResumeThread:     func(context.Context, ntapi.Handle, *uint32) ntapi.NTStatus { return ok },
		NtTerminateProcess: func(context.Context, ntapi.Handle, ntapi.NTStatus) ntapi.NTStatus { return ok },
		NtContinue:         func(context.Context, *ntapi.ContextRecord, bool) ntapi.NTStatus { return ok },
		NtOpenProcess: func(_ context.Context, ph *ntapi.Handle, _ ntapi.AccessMask, _ *ntapi.ObjectAttributes, _ *ntapi.ClientID) ntapi.NTStatus {
			*ph = 0x1c4
			return ok
		},
	}
}

func siteStats(h *intercept.Hooks, name string) intercept.SiteStats {
	for _, s := range h.Stats() {
		if s.Name == name {
			return s
		}
	}
	return intercept.SiteStats{}
}

func TestMonitorForwardsToAgent(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "hook.sock")

	traces := make(chan *capture.Record, 4)
	boots := make(chan *hook.BootstrapReport, 1)
	stats := make(chan *hook.StatsReport, 4)
	agent := hook.NewManager(sock, true, hook.Callbacks{
		OnTrace:     func(_ hook.Header, rec *capture.Record) { traces <- rec },
		OnBootstrap: func(_ hook.Header, r *hook.BootstrapReport) { boots <- r },
		OnStats: func(_ hook.Header, r *hook.StatsReport) {
			select {
			case stats <- r:
			default:
			}
		},
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := agent.Start(ctx); err != nil {
		t.Fatalf("agent Start: %v", err)
	}
	defer agent.Stop()

	cfg := config.DefaultConfig()
	cfg.Hook.SocketPath = sock
	cfg.Hook.OnDemand = true
	cfg.Intercept.StatsInterval = 0
	f := false
	cfg.Intercept.LogRecords = &f

	var installs atomic.Int32
	m, err := New(Options{
		Config:    cfg,
		Originals: passthrough(),
		Resolver:  module.Static{"ole32.dll": 0x7ff80000},
		Installer: intercept.InstallerFunc(func(install bool) error {
			if install {
				installs.Add(1)
			}
			return nil
		}),
		Logger: zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	h := m.Hooks()
	callCtx := guard.NewContext()
	var ph ntapi.Handle
	cid := &ntapi.ClientID{UniqueProcess: 4}

	// Dormant: forwarded but not traced.
	if st := h.NtOpenProcess(callCtx, &ph, ntapi.ProcessVMWrite, nil, cid); st != ntapi.StatusSuccess || ph != 0x1c4 {
		t.Fatalf("dormant call = %v, handle 0x%x", st, ph)
	}
	if s := siteStats(h, ntapi.NameNtOpenProcess); s.Dormant != 1 || s.Traced != 0 {
		t.Errorf("dormant stats = %+v", s)
	}

	if err := agent.EnableTracing(); err != nil {
		t.Fatalf("EnableTracing: %v", err)
	}
	h.NtOpenProcess(callCtx, &ph, ntapi.ProcessVMWrite, nil, cid)

	select {
	case rec := <-traces:
		if rec.API != ntapi.NameNtOpenProcess {
			t.Errorf("API = %q", rec.API)
		}
		if v, _ := rec.Arg("DesiredAccess"); v != "0x20" {
			t.Errorf("DesiredAccess = %q", v)
		}
		if v, _ := rec.Arg("UniqueProcess"); v != "4" {
			t.Errorf("UniqueProcess = %q", v)
		}
		if rec.PID != uint32(os.Getpid()) {
			t.Errorf("PID = %d", rec.PID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("trace not received")
	}

	h.NtContinue(callCtx, &ntapi.ContextRecord{}, false)
	h.NtContinue(callCtx, &ntapi.ContextRecord{}, false)

	select {
	case r := <-boots:
		if r.Module != "ole32.dll" || !r.Found || !r.Installed || r.Error != "" {
			t.Errorf("bootstrap report = %+v", r)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("bootstrap report not received")
	}
	if installs.Load() != 1 {
		t.Errorf("installer ran %d times, want 1", installs.Load())
	}

	if err := m.ReportStats(); err != nil {
		t.Fatalf("ReportStats: %v", err)
	}
	select {
	case r := <-stats:
		var open hook.SiteCounters
		for _, s := range r.Sites {
			if s.API == ntapi.NameNtOpenProcess {
				open = s
			}
		}
		if open.Calls != 2 || open.Dormant != 1 || open.Traced != 1 {
			t.Errorf("NtOpenProcess counters = %+v", open)
		}
		if len(r.Sites) != 8 {
			t.Errorf("report has %d sites, want 8", len(r.Sites))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stats report not received")
	}
}

func TestMonitorRunReportsStats(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "hook.sock")

	stats := make(chan *hook.StatsReport, 16)
	agent := hook.NewManager(sock, false, hook.Callbacks{
		OnStats: func(_ hook.Header, r *hook.StatsReport) {
			select {
			case stats <- r:
			default:
			}
		},
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := agent.Start(ctx); err != nil {
		t.Fatalf("agent Start: %v", err)
	}
	defer agent.Stop()

	cfg := config.DefaultConfig()
	cfg.Hook.SocketPath = sock
	cfg.Intercept.StatsInterval = 10 * time.Millisecond
	f := false
	cfg.Intercept.LogRecords = &f

	m, err := New(Options{
		Config:    cfg,
		Originals: passthrough(),
		Resolver:  module.Static{},
		Logger:    zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	var prev uint32
	m.Hooks().NtSuspendThread(guard.NewContext(), 0x44, &prev)

	runCtx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(runCtx)
		close(done)
	}()

	select {
	case r := <-stats:
		if got := r.Totals(); got.Calls != 1 || got.Traced != 1 {
			t.Errorf("totals = %+v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("periodic stats report not received")
	}

	stop()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestMonitorWithoutControlFileStaysDormant(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Hook.SocketPath = filepath.Join(t.TempDir(), "missing", "hook.sock")
	cfg.Hook.OnDemand = true
	cfg.Intercept.ForwardToAgent = false

	var emitted atomic.Int32
	m, err := New(Options{
		Config:    cfg,
		Originals: passthrough(),
		Resolver:  module.Static{},
		Sinks: []capture.Sink{capture.SinkFunc(func(context.Context, *capture.Record) error {
			emitted.Add(1)
			return nil
		})},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	var prev uint32
	m.Hooks().NtSuspendThread(guard.NewContext(), 0x44, &prev)
	if emitted.Load() != 0 {
		t.Error("missing control file should leave tracing dormant")
	}
}

func TestMonitorAlwaysOn(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Intercept.ForwardToAgent = false

	var got []string
	m, err := New(Options{
		Config:    cfg,
		Originals: passthrough(),
		Resolver:  module.Static{},
		Logger:    zap.NewNop(),
		Sinks: []capture.Sink{capture.SinkFunc(func(_ context.Context, rec *capture.Record) error {
			got = append(got, rec.API)
			return nil
		})},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := guard.NewContext()
	var prev uint32
	m.Hooks().NtSuspendThread(ctx, 0x44, &prev)
	m.Hooks().NtResumeThread(ctx, 0x44, &prev)
	m.Hooks().NtContinue(ctx, nil, false)

	want := []string{ntapi.NameNtSuspendThread, ntapi.NameNtResumeThread, ntapi.NameNtContinue}
	if len(got) != len(want) {
		t.Fatalf("traced %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("record %d = %s, want %s", i, got[i], want[i])
		}
	}

	out, ok := m.Bootstrap().Outcome()
	if !ok || out.Found {
		t.Errorf("bootstrap outcome = %+v, %v; want attempted and not found", out, ok)
	}

	if err := m.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestNewRejectsMissingOriginals(t *testing.T) {
	orig := passthrough()
	orig.NtContinue = nil
	if _, err := New(Options{Originals: orig}); err == nil {
		t.Fatal("expected error for missing original")
	}
}

func TestLoadConfig(t *testing.T) {
	t.Setenv(ConfigEnv, "")
	t.Setenv("NTWATCH_INTERCEPT_STACK_DEPTH", "4")
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Intercept.StackDepth != 4 {
		t.Errorf("StackDepth = %d, want 4", cfg.Intercept.StackDepth)
	}

	path := filepath.Join(t.TempDir(), "ntwatch.yaml")
	if err := os.WriteFile(path, []byte("intercept:\n  secondary_module: combase.dll\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(ConfigEnv, path)
	cfg, err = LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig(file): %v", err)
	}
	if cfg.Intercept.SecondaryModule != "combase.dll" {
		t.Errorf("SecondaryModule = %q", cfg.Intercept.SecondaryModule)
	}
}
