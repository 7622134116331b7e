package intercept

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/mbeema/ntwatch/pkg/guard"
	"github.com/mbeema/ntwatch/pkg/module"
	"github.com/mbeema/ntwatch/pkg/ntapi"
	"go.uber.org/zap"
)

type countingResolver struct {
	calls atomic.Int64
	found bool
	asked atomic.Value
}

func (r *countingResolver) Resolve(name string) (module.Handle, bool) {
	r.calls.Add(1)
	r.asked.Store(name)
	if r.found {
		return 0x7ff800000000, true
	}
	return 0, false
}

type countingInstaller struct {
	calls   atomic.Int64
	install atomic.Bool
	err     error
}

func (i *countingInstaller) InstallHooks(install bool) error {
	i.calls.Add(1)
	i.install.Store(install)
	return i.err
}

func TestContinueBootstrapsOnce(t *testing.T) {
	for _, found := range []bool{true, false} {
		res := &countingResolver{found: found}
		inst := &countingInstaller{}
		var outcomes []BootstrapOutcome
		b := NewBootstrap(BootstrapConfig{
			Resolver:  res,
			Installer: inst,
			Logger:    zap.NewNop(),
			OnAttempt: func(o BootstrapOutcome) { outcomes = append(outcomes, o) },
		})

		native := &fakeNative{}
		h := newTestHooks(t, native, &recorder{}, WithBootstrap(b))

		ctx := guard.NewContext()
		for i := 0; i < 5; i++ {
			h.NtContinue(ctx, &ntapi.ContextRecord{}, false)
		}

		if got := res.calls.Load(); got != 1 {
			t.Errorf("found=%v: %d module lookups, want 1", found, got)
		}
		if res.asked.Load() != DefaultSecondaryModule {
			t.Errorf("looked up %v, want %s", res.asked.Load(), DefaultSecondaryModule)
		}
		wantInstalls := int64(0)
		if found {
			wantInstalls = 1
		}
		if got := inst.calls.Load(); got != wantInstalls {
			t.Errorf("found=%v: %d installs, want %d", found, got, wantInstalls)
		}
		if found && !inst.install.Load() {
			t.Error("installer should be asked to install")
		}
		if len(outcomes) != 1 || outcomes[0].Found != found || outcomes[0].Installed != found {
			t.Errorf("found=%v: outcomes = %+v", found, outcomes)
		}
		if native.count(ntapi.NameNtContinue) != 5 {
			t.Errorf("NtContinue forwarded %d times, want 5", native.count(ntapi.NameNtContinue))
		}
	}
}

func TestBootstrapRunsWhileGuardInside(t *testing.T) {
	res := &countingResolver{}
	b := NewBootstrap(BootstrapConfig{Resolver: res})
	h := newTestHooks(t, &fakeNative{}, &recorder{}, WithBootstrap(b))

	ctx := guard.NewContext()
	g, _ := guard.From(ctx)
	g.Acquire()
	h.NtContinue(ctx, nil, true)
	g.Release()

	if res.calls.Load() != 1 {
		t.Error("bootstrap must not be gated by the reentrancy guard")
	}
}

func TestBootstrapConcurrentSingleAttempt(t *testing.T) {
	res := &countingResolver{found: true}
	inst := &countingInstaller{}
	b := NewBootstrap(BootstrapConfig{Resolver: res, Installer: inst})

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			b.Run()
		}()
	}
	close(start)
	wg.Wait()

	if res.calls.Load() != 1 || inst.calls.Load() != 1 {
		t.Errorf("lookups=%d installs=%d, want 1 each", res.calls.Load(), inst.calls.Load())
	}
}

func TestBootstrapInstallerFailure(t *testing.T) {
	errInstall := errors.New("patch failed")
	b := NewBootstrap(BootstrapConfig{
		Resolver:  &countingResolver{found: true},
		Installer: &countingInstaller{err: errInstall},
	})
	b.Run()
	b.Run()

	out, ok := b.Outcome()
	if !ok {
		t.Fatal("outcome should be available after Run")
	}
	if !out.Found || out.Installed || !errors.Is(out.Err, errInstall) {
		t.Errorf("outcome = %+v", out)
	}
}

func TestBootstrapInstallerPanic(t *testing.T) {
	b := NewBootstrap(BootstrapConfig{
		Resolver:  &countingResolver{found: true},
		Installer: InstallerFunc(func(bool) error { panic("bad patch") }),
	})
	b.Run()

	out, ok := b.Outcome()
	if !ok || out.Installed || out.Err == nil {
		t.Errorf("outcome = %+v, %v", out, ok)
	}
}

func TestBootstrapNoInstaller(t *testing.T) {
	b := NewBootstrap(BootstrapConfig{Resolver: module.Static{"ole32.dll": 1}})
	if b.Attempted() {
		t.Fatal("fresh bootstrap should not be attempted")
	}
	b.Run()
	out, _ := b.Outcome()
	if !b.Attempted() || !out.Found || out.Installed {
		t.Errorf("outcome = %+v", out)
	}
}

func TestNilBootstrap(t *testing.T) {
	var b *Bootstrap
	b.Run()
	if b.Attempted() {
		t.Error("nil bootstrap never attempts")
	}
	if _, ok := b.Outcome(); ok {
		t.Error("nil bootstrap has no outcome")
	}
}
