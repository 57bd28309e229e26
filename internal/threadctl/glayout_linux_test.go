//go:build linux && go1.23 && !go1.27

package threadctl

import (
	"testing"
	"unsafe"
)

var testLayout = gLayout{stack: 0, sched: 16, status: 56, sp: 0, pc: 8, bp: 16}

// heap keeps fake goroutines off the test's stack, which may move.
var heap [][]uintptr

// fakeG builds a g parked with two frames. It returns the g and its stack.
func fakeG(status uintptr) (g, stack []uintptr) {
	stack = make([]uintptr, 16)
	g = make([]uintptr, 8)
	heap = append(heap, stack, g)
	at := func(i int) uintptr { return uintptr(unsafe.Pointer(&stack[i])) }
	stack[2], stack[3] = at(6), 0x1111
	stack[6], stack[7] = 0, 0x2222
	g[0], g[1] = at(0), at(0)+16*8
	g[2] = at(1)
	g[3] = 0x3333
	g[4] = at(2)
	g[7] = status
	return g, stack
}

func walk(l *gLayout, g []uintptr, visit func(slot *uintptr) bool) []uintptr {
	var seen []uintptr
	l.walkG(uintptr(unsafe.Pointer(&g[0])), func(slot *uintptr) bool {
		seen = append(seen, *slot)
		return visit(slot)
	})
	return seen
}

func TestWalkG(t *testing.T) {
	all := func(*uintptr) bool { return true }
	for _, status := range []uintptr{gRunnable, gWaiting, gWaiting | gScan, gPreempted, gSyscall} {
		g, _ := fakeG(status)
		seen := walk(&testLayout, g, all)
		if len(seen) != 3 || seen[0] != 0x3333 || seen[1] != 0x1111 || seen[2] != 0x2222 {
			t.Errorf("status %#x: saw %#x", status, seen)
		}
	}
	for _, status := range []uintptr{0, 2, 6} {
		g, _ := fakeG(status)
		if seen := walk(&testLayout, g, all); len(seen) != 0 {
			t.Errorf("status %d: saw %#x", status, seen)
		}
	}
}

func TestWalkGStopsAndMoves(t *testing.T) {
	g, stack := fakeG(gWaiting)
	seen := walk(&testLayout, g, func(slot *uintptr) bool {
		if *slot == 0x1111 {
			*slot = 0x9999
			return false
		}
		return true
	})
	if len(seen) != 2 {
		t.Errorf("walk went on after stop: %#x", seen)
	}
	if stack[3] != 0x9999 {
		t.Errorf("return address = %#x, want it moved", stack[3])
	}
}

func TestWalkGLeavesTheStack(t *testing.T) {
	g, stack := fakeG(gWaiting)
	// a frame pointer past the top ends the walk
	stack[6] = g[1] + 64
	stack[7] = 0x2222
	seen := walk(&testLayout, g, func(*uintptr) bool { return true })
	if len(seen) != 3 {
		t.Errorf("saw %#x", seen)
	}
	g[4] = g[1]
	if seen := walk(&testLayout, g, func(*uintptr) bool { return true }); len(seen) != 1 {
		t.Errorf("bp outside the stack: saw %#x", seen)
	}
}

func TestLayoutCheck(t *testing.T) {
	good, _ := fakeG(gWaiting)
	runnable, _ := fakeG(gRunnable)
	addr := func(g []uintptr) uintptr { return uintptr(unsafe.Pointer(&g[0])) }
	if err := testLayout.check([]uintptr{addr(good), addr(runnable)}); err != nil {
		t.Errorf("check = %v", err)
	}

	badSP, _ := fakeG(gWaiting)
	badSP[2] = badSP[1]
	noFrames, _ := fakeG(gWaiting)
	noFrames[4] = 0
	badStatus, _ := fakeG(0x50)
	for name, g := range map[string][]uintptr{"sp": badSP, "frames": noFrames, "status": badStatus} {
		if err := testLayout.check([]uintptr{addr(g)}); err == nil {
			t.Errorf("%s: check passed", name)
		}
	}
}
