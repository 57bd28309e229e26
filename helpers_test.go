package detours

import (
	"testing"
	"unsafe"

	"go.uber.org/zap/zaptest"

	"github.com/k2io/detours/config"
	"github.com/k2io/detours/internal/region/regiontest"
	"github.com/k2io/detours/internal/textmem"
	"github.com/k2io/detours/internal/threadctl"
)

// Go stack check prologue: cmp rsp, [r14+0x10]; jbe +0x2a; push rbp
var goPrologue = []byte{0x49, 0x3b, 0x66, 0x10, 0x76, 0x2a, 0x55, 0x48, 0x89, 0xe5}

// push rbp; mov rbp, rsp; sub rsp, 0x10
var framePrologue = []byte{0x55, 0x48, 0x89, 0xe5, 0x48, 0x83, 0xec, 0x10}

type fakeController struct {
	threads []threadctl.Snapshot
	// slots are the saved pcs of parked goroutines
	slots     []*uintptr
	freezeErr error
	setErr    error
	moved     map[int]uintptr
	freezes   int
	resumes   int
}

func (c *fakeController) Freeze() (threadctl.Frozen, error) {
	if c.freezeErr != nil {
		return nil, c.freezeErr
	}
	c.freezes++
	if c.moved == nil {
		c.moved = make(map[int]uintptr)
	}
	return &fakeFrozen{c: c}, nil
}

type fakeFrozen struct {
	c *fakeController
}

func (f *fakeFrozen) Threads() []threadctl.Snapshot {
	return f.c.threads
}

func (f *fakeFrozen) Walk(visit func(slot *uintptr) bool) {
	for _, s := range f.c.slots {
		if !visit(s) {
			return
		}
	}
}

func (f *fakeFrozen) SetPC(tid int, pc uintptr) error {
	if f.c.setErr != nil {
		return f.c.setErr
	}
	f.c.moved[tid] = pc
	return nil
}

func (f *fakeFrozen) Resume() error {
	f.c.resumes++
	return nil
}

type testEngine struct {
	*Engine
	slab *regiontest.Slab
	ctl  *fakeController
}

func newTestEngine(t *testing.T, modify ...func(*config.Config)) *testEngine {
	t.Helper()
	cfg := config.DefaultConfig()
	for _, m := range modify {
		m(cfg)
	}
	slab := regiontest.NewSlab(1<<20, 64<<10)
	ctl := &fakeController{}
	e, err := New(cfg, zaptest.NewLogger(t),
		WithMapper(slab),
		WithProtector(textmem.Writable{}),
		WithThreadController(ctl),
	)
	if err != nil {
		t.Fatal(err)
	}
	return &testEngine{Engine: e, slab: slab, ctl: ctl}
}

// function is fake code in ordinary memory: it is patched but never run.
type function struct {
	buf  []byte
	addr uintptr
	// cell holds the code address the way a caller's pointer would
	cell uintptr
}

func newFunction(prologue []byte) *function {
	buf := make([]byte, 64)
	for i := range buf {
		buf[i] = 0xcc
	}
	copy(buf, prologue)
	addr := uintptr(unsafe.Pointer(&buf[0]))
	return &function{buf: buf, addr: addr, cell: addr}
}

func (f *function) Cell() Cell {
	return CodeCell(&f.cell)
}

func (f *function) bytes(n int) []byte {
	return append([]byte(nil), f.buf[:n]...)
}

// parkedAt returns goroutine pc slots holding pcs.
func parkedAt(pcs ...uintptr) []*uintptr {
	slots := make([]*uintptr, len(pcs))
	for i, pc := range pcs {
		slots[i] = new(uintptr)
		*slots[i] = pc
	}
	return slots
}

var stubs [][]byte

// detourStub is an address detours can point at.
func detourStub() uintptr {
	buf := make([]byte, 16)
	stubs = append(stubs, buf)
	return uintptr(unsafe.Pointer(&buf[0]))
}
