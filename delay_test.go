package detours

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/k2io/detours/config"
	"github.com/k2io/detours/internal/modwatch"
)

func TestDelayAttachOnNotify(t *testing.T) {
	e := newTestEngine(t)
	f := newFunction(framePrologue)
	var cell uintptr
	detour := detourStub()

	var results []DelayResult
	err := e.DelayAttach(CodeCell(&cell), detour, "libfoo.so", "foo", func(r DelayResult) {
		results = append(results, r)
	})
	if err != nil {
		t.Fatal(err)
	}
	if e.Delayed() != 1 || len(results) != 0 {
		t.Fatalf("delayed %d, results %d", e.Delayed(), len(results))
	}

	if err := e.NotifyModuleLoaded(&StaticModule{ModuleName: "libbar.so"}); err != nil {
		t.Fatal(err)
	}
	if e.Delayed() != 1 {
		t.Fatal("unrelated module resolved the hook")
	}

	mod := &StaticModule{ModuleName: "libfoo.so", Symbols: map[string]uintptr{"foo": f.addr}}
	if err := e.NotifyModuleLoaded(mod); err != nil {
		t.Fatal(err)
	}
	if e.Delayed() != 0 || len(results) != 1 {
		t.Fatalf("delayed %d, results %d", e.Delayed(), len(results))
	}
	r := results[0]
	if r.Err != nil || r.Target != f.addr || r.Trampoline == 0 || r.Trampoline != cell {
		t.Errorf("result %+v, cell %#x", r, cell)
	}
	if h, ok := e.Lookup(f.addr); !ok || h.State != Attached || h.Detour != detour {
		t.Errorf("hook %+v", h)
	}
}

func TestDelayAttachLoadedModule(t *testing.T) {
	e := newTestEngine(t)
	f := newFunction(goPrologue)
	mod := &StaticModule{ModuleName: "libfoo.so", Symbols: map[string]uintptr{"foo": f.addr}}
	if err := e.NotifyModuleLoaded(mod); err != nil {
		t.Fatal(err)
	}

	var cell uintptr
	var got *DelayResult
	err := e.DelayAttach(CodeCell(&cell), detourStub(), "libfoo.so", "foo", func(r DelayResult) { got = &r })
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Err != nil || cell == f.addr || cell == 0 {
		t.Errorf("result %+v, cell %#x", got, cell)
	}
}

func TestDelayAttachMissingFunction(t *testing.T) {
	e := newTestEngine(t)
	var cell uintptr
	var got DelayResult
	if err := e.DelayAttach(CodeCell(&cell), detourStub(), "libfoo.so", "missing", func(r DelayResult) { got = r }); err != nil {
		t.Fatal(err)
	}
	err := e.NotifyModuleLoaded(&StaticModule{ModuleName: "libfoo.so"})
	if !errors.Is(err, ErrNotFound) || !errors.Is(got.Err, ErrNotFound) {
		t.Errorf("notify %v, result %v", err, got.Err)
	}
	if got.Target != 0 || got.Trampoline != 0 || cell != 0 {
		t.Errorf("result %+v, cell %#x", got, cell)
	}
	if e.Delayed() != 0 {
		t.Error("failed hook still queued")
	}
}

func TestDelayAttachWaitsForOpenTransaction(t *testing.T) {
	e := newTestEngine(t)
	f := newFunction(framePrologue)
	var cell uintptr
	calls := 0
	if err := e.DelayAttach(CodeCell(&cell), detourStub(), "libfoo.so", "foo", func(DelayResult) { calls++ }); err != nil {
		t.Fatal(err)
	}
	if err := e.Begin(true); err != nil {
		t.Fatal(err)
	}
	mod := &StaticModule{ModuleName: "libfoo.so", Symbols: map[string]uintptr{"foo": f.addr}}
	if err := e.NotifyModuleLoaded(mod); !errors.Is(err, ErrAlreadyOpen) {
		t.Errorf("notify with an open transaction = %v", err)
	}
	if calls != 0 || e.Delayed() != 1 || cell != 0 {
		t.Fatalf("calls %d, delayed %d, cell %#x", calls, e.Delayed(), cell)
	}
	if err := e.Abort(); err != nil {
		t.Fatal(err)
	}
	if err := e.NotifyModuleLoaded(mod); err != nil {
		t.Fatal(err)
	}
	if calls != 1 || e.Delayed() != 0 {
		t.Errorf("calls %d, delayed %d", calls, e.Delayed())
	}
}

func TestDelayAttachFailureKeepsCell(t *testing.T) {
	e := newTestEngine(t)
	hlt := newFunction([]byte{0xf4})
	mod := &StaticModule{ModuleName: "libfoo.so", Symbols: map[string]uintptr{"halt": hlt.addr}}
	if err := e.NotifyModuleLoaded(mod); err != nil {
		t.Fatal(err)
	}

	cell := uintptr(0x1234)
	var got DelayResult
	err := e.DelayAttach(CodeCell(&cell), detourStub(), "libfoo.so", "halt", func(r DelayResult) { got = r })
	if KindOf(err) != KindUnrelocatableInstruction || got.Err == nil {
		t.Fatalf("DelayAttach = %v, result %v", err, got.Err)
	}
	if cell != 0x1234 {
		t.Errorf("cell = %#x after a failed attach", cell)
	}

	fn := func() {}
	before := FuncPC(fn)
	if err := e.DelayAttach(FuncCell(&fn), detourStub(), "libfoo.so", "halt", nil); err == nil {
		t.Fatal("attach of hlt succeeded")
	}
	if FuncPC(fn) != before {
		t.Errorf("func cell now runs %#x", FuncPC(fn))
	}
	if e.Regions() != 0 || len(e.Hooks()) != 0 {
		t.Error("failed attach left a hook")
	}
}

func TestDelayAttachInvalid(t *testing.T) {
	e := newTestEngine(t)
	var cell uintptr
	tests := map[string]error{
		"nil cell":    e.DelayAttach(CodeCell(nil), 1, "m", "f", nil),
		"no detour":   e.DelayAttach(CodeCell(&cell), 0, "m", "f", nil),
		"no module":   e.DelayAttach(CodeCell(&cell), 1, "", "f", nil),
		"no function": e.DelayAttach(CodeCell(&cell), 1, "m", "", nil),
		"nil notify":  e.NotifyModuleLoaded(nil),
	}
	for name, err := range tests {
		if !errors.Is(err, ErrInvalidParameter) {
			t.Errorf("%s: %v", name, err)
		}
	}
	if err := e.Shutdown(); err != nil {
		t.Fatal(err)
	}
	if err := e.DelayAttach(CodeCell(&cell), 1, "m", "f", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("after shutdown: %v", err)
	}
}

func TestStaticModule(t *testing.T) {
	m := &StaticModule{ModuleName: "m", Symbols: map[string]uintptr{"f": 0x10, "zero": 0}}
	if addr, err := m.Lookup("f"); err != nil || addr != 0x10 {
		t.Errorf("Lookup(f) = %#x, %v", addr, err)
	}
	for _, name := range []string{"zero", "g"} {
		if _, err := m.Lookup(name); err == nil {
			t.Errorf("Lookup(%s) succeeded", name)
		}
	}
}

func TestWatchPlugins(t *testing.T) {
	dir := t.TempDir()
	f := newFunction(framePrologue)
	e := newTestEngine(t, func(c *config.Config) {
		c.Delay.PluginDir = dir
		c.Delay.Debounce = 10 * time.Millisecond
	})
	e.pluginOpener = func(path string) (modwatch.Plugin, error) {
		return &StaticModule{ModuleName: filepath.Base(path), Symbols: map[string]uintptr{"foo": f.addr}}, nil
	}

	var cell uintptr
	done := make(chan DelayResult, 1)
	if err := e.DelayAttach(CodeCell(&cell), detourStub(), "libfoo.so", "foo", func(r DelayResult) { done <- r }); err != nil {
		t.Fatal(err)
	}
	stop, err := e.WatchPlugins(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer stop()
	if err := os.WriteFile(filepath.Join(dir, "libfoo.so"), []byte("elf"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case r := <-done:
		if r.Err != nil || r.Trampoline == 0 {
			t.Errorf("result %+v", r)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("plugin never reported")
	}
}

func TestWatchPluginsNeedsDir(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.WatchPlugins(context.Background()); !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("WatchPlugins = %v", err)
	}
}
