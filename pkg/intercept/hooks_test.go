package intercept

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/mbeema/ntwatch/pkg/capture"
	"github.com/mbeema/ntwatch/pkg/guard"
	"github.com/mbeema/ntwatch/pkg/ntapi"
	"go.uber.org/zap"
)

// recorder collects emitted records and lets a test hook into Emit.
type recorder struct {
	mu      sync.Mutex
	records []*capture.Record
	onEmit  func(ctx context.Context, rec *capture.Record) error
}

func (r *recorder) Emit(ctx context.Context, rec *capture.Record) error {
	r.mu.Lock()
	r.records = append(r.records, rec)
	fn := r.onEmit
	r.mu.Unlock()
	if fn != nil {
		return fn(ctx, rec)
	}
	return nil
}

func (r *recorder) all() []*capture.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*capture.Record(nil), r.records...)
}

func (r *recorder) count(api string) int {
	n := 0
	for _, rec := range r.all() {
		if rec.API == api {
			n++
		}
	}
	return n
}

// fakeNative counts calls and returns canned results, writing output
// parameters the way the native entry points do.
type fakeNative struct {
	mu    sync.Mutex
	calls map[string]int
}

func (f *fakeNative) hit(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[name]++
}

func (f *fakeNative) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeNative) trampolines() Trampolines {
	return Trampolines{
		NtCreateUserProcess: func(_ context.Context, ph, th *ntapi.Handle, _, _ ntapi.AccessMask,
			_, _ *ntapi.ObjectAttributes, _, _ uint32, _ uintptr, ci *ntapi.PSCreateInfo, _ *ntapi.PSAttributeList) ntapi.NTStatus {
			f.hit(ntapi.NameNtCreateUserProcess)
			*ph, *th = 0x100, 0x104
			ci.State = 7
			return ntapi.StatusSuccess
		},
		NtCreateThread: func(_ context.Context, th *ntapi.Handle, _ ntapi.AccessMask, _ *ntapi.ObjectAttributes,
			_ ntapi.Handle, cid *ntapi.ClientID, _ *ntapi.ContextRecord, _ *ntapi.InitialTEB, _ bool) ntapi.NTStatus {
			f.hit(ntapi.NameNtCreateThread)
			*th = 0x200
			cid.UniqueThread = 0x2a
			return ntapi.StatusSuccess
		},
		NtCreateThreadEx: func(_ context.Context, th *ntapi.Handle, _ ntapi.AccessMask, _ *ntapi.ObjectAttributes,
			ph ntapi.Handle, _, _ uintptr, _ uint32, _, _, _ uintptr, _ *ntapi.PSAttributeList) ntapi.NTStatus {
			f.hit(ntapi.NameNtCreateThreadEx)
			if ph == 0 {
				return ntapi.StatusInvalidHandle
			}
			*th = 0x300
			return ntapi.StatusSuccess
		},
		NtSuspendThread: func(_ context.Context, _ ntapi.Handle, prev *uint32) ntapi.NTStatus {
			f.hit(ntapi.NameNtSuspendThread)
			if prev != nil {
				*prev = 1
			}
			return ntapi.StatusSuccess
		},
		NtResumeThread: func(_ context.Context, _ ntapi.Handle, prev *uint32) ntapi.NTStatus {
			f.hit(ntapi.NameNtResumeThread)
			if prev != nil {
				*prev = 2
			}
			return ntapi.StatusSuccess
		},
		NtOpenProcess: func(_ context.Context, ph *ntapi.Handle, access ntapi.AccessMask, _ *ntapi.ObjectAttributes, cid *ntapi.ClientID) ntapi.NTStatus {
			f.hit(ntapi.NameNtOpenProcess)
			if cid == nil {
				return ntapi.StatusInvalidParameter
			}
			if cid.UniqueProcess == 4 && access&ntapi.ProcessVMWrite != 0 {
				return ntapi.StatusAccessDenied
			}
			*ph = 0x1c4
			return ntapi.StatusSuccess
		},
		NtTerminateProcess: func(_ context.Context, _ ntapi.Handle, _ ntapi.NTStatus) ntapi.NTStatus {
			f.hit(ntapi.NameNtTerminateProcess)
			return ntapi.StatusProcessIsTerminating
		},
		NtContinue: func(_ context.Context, _ *ntapi.ContextRecord, _ bool) ntapi.NTStatus {
			f.hit(ntapi.NameNtContinue)
			return ntapi.StatusSuccess
		},
	}
}

type staticSwitch bool

func (s staticSwitch) Enabled() bool { return bool(s) }

func newTestHooks(t *testing.T, native *fakeNative, sink capture.Sink, opts ...Option) *Hooks {
	t.Helper()
	h, err := New(native.trampolines(), capture.NewPipeline(sink, 0), zap.NewNop(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h
}

func TestNewRequiresAllTrampolines(t *testing.T) {
	tr := (&fakeNative{}).trampolines()
	tr.NtContinue = nil
	tr.NtOpenProcess = nil

	_, err := New(tr, capture.NewPipeline(nil, 0), zap.NewNop())
	if err == nil {
		t.Fatal("expected error for missing trampolines")
	}
	for _, name := range []string{"NtContinue", "NtOpenProcess"} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("error %q should name %s", err, name)
		}
	}
}

func TestNewRequiresTracer(t *testing.T) {
	if _, err := New((&fakeNative{}).trampolines(), nil, nil); err == nil {
		t.Fatal("expected error for nil tracer")
	}
}

func TestOpenProcessScenario(t *testing.T) {
	native := &fakeNative{}
	rec := &recorder{}
	h := newTestHooks(t, native, rec)

	var handle ntapi.Handle
	oa := &ntapi.ObjectAttributes{Length: 48}
	cid := &ntapi.ClientID{UniqueProcess: 4}

	status := h.NtOpenProcess(guard.NewContext(), &handle, 0x1000, oa, cid)

	if status != ntapi.StatusSuccess {
		t.Errorf("status = %v, want STATUS_SUCCESS", status)
	}
	if handle != 0x1c4 {
		t.Errorf("handle = %#x, want 0x1c4", handle)
	}
	if native.count(ntapi.NameNtOpenProcess) != 1 {
		t.Errorf("original called %d times, want 1", native.count(ntapi.NameNtOpenProcess))
	}

	records := rec.all()
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	r := records[0]
	if v, _ := r.Arg("DesiredAccess"); v != "0x1000" {
		t.Errorf("DesiredAccess = %q, want 0x1000", v)
	}
	if v, _ := r.Arg("UniqueProcess"); v != "4" {
		t.Errorf("UniqueProcess = %q, want 4", v)
	}
	msg := r.Message()
	if !strings.Contains(msg, "0x1000") || !strings.Contains(msg, "UniqueProcess: 4") {
		t.Errorf("message %q should contain access and pid", msg)
	}
	if r.Caller == 0 {
		t.Error("caller return address not captured")
	}
	frames := r.Stack.Frames()
	if len(frames) == 0 || !strings.Contains(frames[0], "TestOpenProcessScenario") {
		t.Errorf("stack should start at the dispatcher's caller, got %v", frames)
	}
}

func TestOpenProcessNilClientID(t *testing.T) {
	native := &fakeNative{}
	rec := &recorder{}
	h := newTestHooks(t, native, rec)

	var handle ntapi.Handle
	status := h.NtOpenProcess(guard.NewContext(), &handle, ntapi.ProcessQueryLimitedInfo, nil, nil)
	if status != ntapi.StatusInvalidParameter {
		t.Errorf("status = %v, want STATUS_INVALID_PARAMETER", status)
	}
	if v, _ := rec.all()[0].Arg("UniqueProcess"); v != "<nil>" {
		t.Errorf("UniqueProcess = %q, want <nil>", v)
	}
}

// callAll invokes every dispatcher once and returns the statuses and
// output parameters observed by the caller.
type callResult struct {
	statuses []ntapi.NTStatus
	handles  []ntapi.Handle
	counts   []uint32
	state    uint32
	tid      ntapi.Handle
}

func callAll(ctx context.Context, t Trampolines) callResult {
	var res callResult
	var ph, th, h1, h2, h3 ntapi.Handle
	ci := &ntapi.PSCreateInfo{}
	cid := &ntapi.ClientID{}
	var prevS, prevR uint32
	attrs := &ntapi.PSAttributeList{Attributes: []ntapi.PSAttribute{
		{Attribute: ntapi.PSAttributeImageName, Value: `\??\C:\Windows\System32\cmd.exe`},
	}}

	res.statuses = []ntapi.NTStatus{
		t.NtCreateUserProcess(ctx, &ph, &th, ntapi.ProcessAllAccess, 0x1fffff, nil, nil, 0, 0, 0, ci, attrs),
		t.NtCreateThread(ctx, &h1, 0x1fffff, nil, ntapi.CurrentProcess, cid, &ntapi.ContextRecord{}, &ntapi.InitialTEB{}, true),
		t.NtCreateThreadEx(ctx, &h2, 0x1fffff, nil, ntapi.CurrentProcess, 0x401000, 0, 0, 0, 0, 0, nil),
		t.NtCreateThreadEx(ctx, &h3, 0x1fffff, nil, 0, 0x401000, 0, 0, 0, 0, 0, nil),
		t.NtSuspendThread(ctx, h1, &prevS),
		t.NtResumeThread(ctx, h1, &prevR),
		t.NtOpenProcess(ctx, &h3, ntapi.ProcessVMWrite, &ntapi.ObjectAttributes{}, &ntapi.ClientID{UniqueProcess: 4}),
		t.NtTerminateProcess(ctx, ntapi.CurrentProcess, 0),
		t.NtContinue(ctx, &ntapi.ContextRecord{Rip: 0x401000}, false),
	}
	res.handles = []ntapi.Handle{ph, th, h1, h2, h3}
	res.counts = []uint32{prevS, prevR}
	res.state = ci.State
	res.tid = cid.UniqueThread
	return res
}

func sameResult(t *testing.T, label string, got, want callResult) {
	t.Helper()
	for i := range want.statuses {
		if got.statuses[i] != want.statuses[i] {
			t.Errorf("%s: status[%d] = %v, want %v", label, i, got.statuses[i], want.statuses[i])
		}
	}
	for i := range want.handles {
		if got.handles[i] != want.handles[i] {
			t.Errorf("%s: handle[%d] = %#x, want %#x", label, i, got.handles[i], want.handles[i])
		}
	}
	for i := range want.counts {
		if got.counts[i] != want.counts[i] {
			t.Errorf("%s: count[%d] = %d, want %d", label, i, got.counts[i], want.counts[i])
		}
	}
	if got.state != want.state || got.tid != want.tid {
		t.Errorf("%s: out params (%d, %#x), want (%d, %#x)", label, got.state, got.tid, want.state, want.tid)
	}
}

func TestTransparency(t *testing.T) {
	want := callAll(guard.NewContext(), (&fakeNative{}).trampolines())

	failing := capture.SinkFunc(func(context.Context, *capture.Record) error {
		return errors.New("sink down")
	})
	panicking := capture.SinkFunc(func(context.Context, *capture.Record) error {
		panic("sink exploded")
	})

	tests := []struct {
		name string
		sink capture.Sink
		opts []Option
	}{
		{"tracing enabled", &recorder{}, nil},
		{"tracing dormant", &recorder{}, []Option{WithSwitch(staticSwitch(false))}},
		{"sink fails", failing, nil},
		{"sink panics", panicking, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			native := &fakeNative{}
			h := newTestHooks(t, native, tt.sink, tt.opts...)

			got := callAll(guard.NewContext(), Trampolines{
				NtCreateUserProcess: h.NtCreateUserProcess,
				NtCreateThread:      h.NtCreateThread,
				NtCreateThreadEx:    h.NtCreateThreadEx,
				NtSuspendThread:     h.NtSuspendThread,
				NtResumeThread:      h.NtResumeThread,
				NtOpenProcess:       h.NtOpenProcess,
				NtTerminateProcess:  h.NtTerminateProcess,
				NtContinue:          h.NtContinue,
			})
			sameResult(t, tt.name, got, want)

			for _, name := range ntapi.EntryPoints {
				wantCalls := 1
				if name == ntapi.NameNtCreateThreadEx {
					wantCalls = 2
				}
				if c := native.count(name); c != wantCalls {
					t.Errorf("%s forwarded %d times, want %d", name, c, wantCalls)
				}
			}
		})
	}
}

func TestDormantSwitchSkipsTracing(t *testing.T) {
	native := &fakeNative{}
	rec := &recorder{}
	h := newTestHooks(t, native, rec, WithSwitch(staticSwitch(false)))

	h.NtSuspendThread(guard.NewContext(), 0x10, nil)

	if len(rec.all()) != 0 {
		t.Error("dormant switch should suppress records")
	}
	if native.count(ntapi.NameNtSuspendThread) != 1 {
		t.Error("dormant dispatcher must still forward")
	}
	st := h.Stats()[3]
	if st.Name != ntapi.NameNtSuspendThread || st.Dormant != 1 || st.Traced != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestReentrancySuppression(t *testing.T) {
	native := &fakeNative{}
	rec := &recorder{}
	h := newTestHooks(t, native, rec)

	var nestedStatus ntapi.NTStatus
	var nestedPrev uint32
	rec.onEmit = func(ctx context.Context, r *capture.Record) error {
		if r.API != ntapi.NameNtOpenProcess {
			return nil
		}
		// The sink itself suspends a thread on the same execution context.
		nestedStatus = h.NtSuspendThread(ctx, 0x44, &nestedPrev)
		return nil
	}

	var handle ntapi.Handle
	status := h.NtOpenProcess(guard.NewContext(), &handle, 0x1000, nil, &ntapi.ClientID{UniqueProcess: 8})

	if status != ntapi.StatusSuccess {
		t.Errorf("outer status = %v", status)
	}
	if nestedStatus != ntapi.StatusSuccess || nestedPrev != 1 {
		t.Errorf("nested call not forwarded: status=%v prev=%d", nestedStatus, nestedPrev)
	}
	if native.count(ntapi.NameNtSuspendThread) != 1 {
		t.Error("nested call should reach its original")
	}
	if rec.count(ntapi.NameNtSuspendThread) != 0 {
		t.Error("nested call on an INSIDE context must not be traced")
	}
	if rec.count(ntapi.NameNtOpenProcess) != 1 {
		t.Error("outer call should be traced once")
	}

	for _, st := range h.Stats() {
		if st.Name == ntapi.NameNtSuspendThread && st.Suppressed != 1 {
			t.Errorf("suppressed = %d, want 1", st.Suppressed)
		}
	}
}

func TestPerContextIsolation(t *testing.T) {
	native := &fakeNative{}
	rec := &recorder{}
	h := newTestHooks(t, native, rec)

	insideA := make(chan struct{})
	releaseA := make(chan struct{})
	rec.onEmit = func(_ context.Context, r *capture.Record) error {
		if r.API == ntapi.NameNtSuspendThread {
			close(insideA)
			<-releaseA
		}
		return nil
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.NtSuspendThread(guard.NewContext(), 0xa, nil)
	}()

	<-insideA
	// Context A is INSIDE; context B must still trace.
	h.NtResumeThread(guard.NewContext(), 0xb, nil)
	close(releaseA)
	wg.Wait()

	if rec.count(ntapi.NameNtSuspendThread) != 1 || rec.count(ntapi.NameNtResumeThread) != 1 {
		t.Errorf("each context should emit its own record, got %d suspend / %d resume",
			rec.count(ntapi.NameNtSuspendThread), rec.count(ntapi.NameNtResumeThread))
	}
}

func TestContextWithoutGuardIsFreshContext(t *testing.T) {
	native := &fakeNative{}
	rec := &recorder{}
	h := newTestHooks(t, native, rec)

	h.NtResumeThread(context.Background(), 1, nil)
	h.NtResumeThread(context.Background(), 2, nil)

	if rec.count(ntapi.NameNtResumeThread) != 2 {
		t.Errorf("got %d records, want 2", rec.count(ntapi.NameNtResumeThread))
	}
}

func TestGuardReleasedOnAllPaths(t *testing.T) {
	tests := []struct {
		name string
		emit func(context.Context, *capture.Record) error
	}{
		{"success", func(context.Context, *capture.Record) error { return nil }},
		{"emit error", func(context.Context, *capture.Record) error { return errors.New("boom") }},
		{"emit panic", func(context.Context, *capture.Record) error { panic("boom") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			native := &fakeNative{}
			rec := &recorder{onEmit: tt.emit}
			h := newTestHooks(t, native, rec)

			ctx := guard.NewContext()
			h.NtTerminateProcess(ctx, 0x10, 0)

			g, _ := guard.From(ctx)
			if g.IsInside() {
				t.Fatal("guard left INSIDE after dispatcher returned")
			}

			rec.mu.Lock()
			rec.onEmit = nil
			rec.mu.Unlock()
			h.NtTerminateProcess(ctx, 0x10, 0)

			if got := rec.count(ntapi.NameNtTerminateProcess); got != 2 {
				t.Errorf("second call should trace normally, got %d records", got)
			}
			if native.count(ntapi.NameNtTerminateProcess) != 2 {
				t.Error("both calls must forward")
			}
		})
	}
}

func TestStatsCountFailures(t *testing.T) {
	native := &fakeNative{}
	rec := &recorder{onEmit: func(context.Context, *capture.Record) error { return errors.New("down") }}
	h := newTestHooks(t, native, rec)

	h.NtResumeThread(guard.NewContext(), 1, nil)

	for _, st := range h.Stats() {
		if st.Name != ntapi.NameNtResumeThread {
			continue
		}
		if st.Calls != 1 || st.Failed != 1 || st.Traced != 0 {
			t.Errorf("stats = %+v", st)
		}
	}
}

func TestBindings(t *testing.T) {
	h := newTestHooks(t, &fakeNative{}, &recorder{})

	bindings := h.Bindings()
	if len(bindings) != len(ntapi.EntryPoints) {
		t.Fatalf("got %d bindings, want %d", len(bindings), len(ntapi.EntryPoints))
	}
	for i, b := range bindings {
		if b.Name != ntapi.EntryPoints[i] {
			t.Errorf("binding %d = %s, want %s", i, b.Name, ntapi.EntryPoints[i])
		}
		if b.Dispatcher == nil || b.Original == nil {
			t.Errorf("binding %s incomplete", b.Name)
		}
	}

	open, ok := bindings[5].Dispatcher.(ntapi.NtOpenProcessFunc)
	if !ok {
		t.Fatalf("NtOpenProcess dispatcher has type %T", bindings[5].Dispatcher)
	}
	var handle ntapi.Handle
	if st := open(guard.NewContext(), &handle, 0x400, nil, &ntapi.ClientID{UniqueProcess: 12}); st != ntapi.StatusSuccess {
		t.Errorf("status = %v", st)
	}
}
