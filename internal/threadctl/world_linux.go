//go:build linux && go1.23 && !go1.27

// Copyright (C) 2022 K2 Cyber Security Inc.

package threadctl

import (
	"fmt"
	"os"
	"reflect"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"unsafe"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	symbols "github.com/k2io/detours/internal/objSymbols"
)

type worldStop struct {
	reason           uint8
	startedStopping  int64
	finishedStopping int64
	stoppingCPUTime  int64
}

// stopTheWorld and startTheWorld call the runtime functions of the same
// name. They are found by symbol rather than linkname, which newer
// linkers refuse for runtime internals.
var (
	stopTheWorld  func(reason uint8) worldStop
	startTheWorld func(w worldStop)

	// allgsAddr is the address of runtime.allgs, every g ever created
	allgsAddr uintptr
	layout    gLayout

	resolveOnce sync.Once
	resolveErr  error
)

type funcval struct {
	fn uintptr
}

func resolveRuntime() error {
	resolveOnce.Do(func() {
		path, err := os.Executable()
		if err != nil {
			resolveErr = err
			return
		}
		tab, err := symbols.Read(path)
		if err != nil {
			resolveErr = err
			return
		}
		anchor := reflect.ValueOf(resolveRuntime).Pointer()
		fn := runtime.FuncForPC(anchor)
		if fn == nil {
			resolveErr = fmt.Errorf("no function at %#x", anchor)
			return
		}
		self, ok := tab.Lookup(fn.Name())
		if !ok {
			resolveErr = fmt.Errorf("%s not in the symbol table", fn.Name())
			return
		}
		bias := anchor - self.Addr
		pcs := make([]uintptr, 2)
		for i, name := range []string{"runtime.stopTheWorld", "runtime.startTheWorld"} {
			s, ok := tab.Lookup(name)
			if !ok || !s.Func {
				resolveErr = fmt.Errorf("%s not in the symbol table", name)
				return
			}
			pcs[i] = s.Addr + bias
		}
		gs, ok := tab.Lookup("runtime.allgs")
		if !ok || gs.Func {
			resolveErr = fmt.Errorf("runtime.allgs not in the symbol table")
			return
		}
		allgsAddr = gs.Addr + bias
		if layout, err = dwarfLayout(path); err != nil {
			layout = builtinLayout
		}
		*(*unsafe.Pointer)(unsafe.Pointer(&stopTheWorld)) = unsafe.Pointer(&funcval{fn: pcs[0]})
		*(*unsafe.Pointer)(unsafe.Pointer(&startTheWorld)) = unsafe.Pointer(&funcval{fn: pcs[1]})
	})
	return resolveErr
}

func allgs() []uintptr {
	return *(*[]uintptr)(unsafe.Pointer(allgsAddr))
}

const (
	syscallBufSize = 256
	// a thread still running right after the stop is usually on its way
	// to sleep
	runningRetries = 64
)

var atFDCWD = unix.AT_FDCWD

// WorldStopper freezes the process by stopping every P of the Go
// scheduler. Goroutines park at safe points, async preemption included, and
// Walk reaches the pcs they resume at. OS threads outside the scheduler are
// sampled; one that is still running is reported as not Known.
type WorldStopper struct {
	logger *zap.Logger
	proc   *process.Process
	// one freeze at a time
	mu sync.Mutex
}

// NewWorldStopper returns a Controller for the calling process.
func NewWorldStopper(logger *zap.Logger) (*WorldStopper, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := resolveRuntime(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	if err := checkLayout(); err != nil {
		return nil, fmt.Errorf("%w: goroutine layout: %v", ErrUnsupported, err)
	}
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	return &WorldStopper{logger: logger, proc: p}, nil
}

func checkLayout() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	stop := stopTheWorld(0)
	err := layout.check(allgs())
	startTheWorld(stop)
	return err
}

type worldFrozen struct {
	w       *WorldStopper
	stop    worldStop
	snaps   []Snapshot
	resumed bool
}

// Freeze stops the world. Everything the stopped section needs is
// allocated up front: allocating while the world is stopped may try to
// start a GC, which would deadlock on the world semaphore.
func (w *WorldStopper) Freeze() (Frozen, error) {
	threads, err := w.proc.Threads()
	if err != nil {
		return nil, fmt.Errorf("%w: list threads: %v", ErrUnsupported, err)
	}
	tids := make([]int, 0, len(threads))
	for tid := range threads {
		tids = append(tids, int(tid))
	}
	sort.Ints(tids)

	pid := strconv.Itoa(os.Getpid())
	paths := make([][]byte, len(tids))
	for i, tid := range tids {
		paths[i] = []byte("/proc/" + pid + "/task/" + strconv.Itoa(tid) + "/syscall\x00")
	}
	buf := make([]byte, syscallBufSize)
	f := &worldFrozen{w: w, snaps: make([]Snapshot, len(tids))}

	w.mu.Lock()
	runtime.LockOSThread()
	self := unix.Gettid()
	f.stop = stopTheWorld(0)
	for i, tid := range tids {
		s := Snapshot{TID: tid, Self: tid == self}
		if !s.Self {
			s.PC, s.Known, s.Exited = readPC(paths[i], buf)
		}
		f.snaps[i] = s
	}
	for try := 0; try < runningRetries && f.running(); try++ {
		unix.RawSyscall(unix.SYS_SCHED_YIELD, 0, 0, 0)
		for i := range f.snaps {
			s := &f.snaps[i]
			if s.Self || s.Known || s.Exited {
				continue
			}
			s.PC, s.Known, s.Exited = readPC(paths[i], buf)
		}
	}
	return f, nil
}

func (f *worldFrozen) running() bool {
	for _, s := range f.snaps {
		if !s.Self && !s.Known && !s.Exited {
			return true
		}
	}
	return false
}

func readPC(path, buf []byte) (pc uintptr, known, exited bool) {
	fd, _, errno := unix.Syscall6(unix.SYS_OPENAT, uintptr(atFDCWD),
		uintptr(unsafe.Pointer(&path[0])), uintptr(unix.O_RDONLY|unix.O_CLOEXEC), 0, 0, 0)
	if errno == unix.ENOENT || errno == unix.ESRCH {
		return 0, false, true
	}
	if errno != 0 {
		return 0, false, false
	}
	n, err := unix.Read(int(fd), buf)
	unix.Close(int(fd))
	if err != nil || n <= 0 {
		return 0, false, false
	}
	pc, known = parseSyscall(buf[:n])
	return pc, known, false
}

func (f *worldFrozen) Threads() []Snapshot {
	return f.snaps
}

// Walk visits the goroutines that are not running. The caller's own
// goroutine is running and is skipped.
func (f *worldFrozen) Walk(visit func(slot *uintptr) bool) {
	if f.resumed {
		return
	}
	for _, g := range allgs() {
		if g != 0 && !layout.walkG(g, visit) {
			return
		}
	}
}

func (f *worldFrozen) SetPC(tid int, pc uintptr) error {
	return ErrSetPC
}

func (f *worldFrozen) Resume() error {
	if f.resumed {
		return ErrResumed
	}
	f.resumed = true
	startTheWorld(f.stop)
	runtime.UnlockOSThread()
	f.w.mu.Unlock()
	f.w.logger.Debug("world restarted", zap.Int("threads", len(f.snaps)))
	return nil
}
