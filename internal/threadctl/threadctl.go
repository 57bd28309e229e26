// Package threadctl freezes the other threads of the process while code is
// being patched and reports where each of them stopped.
package threadctl

import (
	"errors"
)

var (
	// ErrSetPC means the program counter of a frozen thread can not be changed
	ErrSetPC = errors.New("cannot set program counter of another thread")
	// ErrUnsupported means threads can not be frozen on this platform
	ErrUnsupported = errors.New("thread control unsupported")
	// ErrResumed means Resume was already called
	ErrResumed = errors.New("threads already resumed")
	// ErrRunning means a thread was still running after the freeze
	ErrRunning = errors.New("thread could not be suspended")
)

// Snapshot is where one thread was when the process was frozen.
type Snapshot struct {
	TID int
	PC  uintptr
	// Known is false when the thread was running and its pc could not be read.
	Known bool
	// Exited marks a thread that went away between listing and freezing.
	Exited bool
	// Self marks the thread that did the freezing.
	Self bool
}

// Frozen is a set of suspended threads. Resume must be called exactly once.
type Frozen interface {
	Threads() []Snapshot
	SetPC(tid int, pc uintptr) error
	Resume() error
}

// Stacks is implemented by a Frozen that also sees the pcs parked
// goroutines will resume at. Walk calls visit with the address of each such
// pc: the saved pc of every goroutine that is not running and the return
// address of each of its frames. It stops when visit returns false. visit
// may store through slot to move the goroutine.
type Stacks interface {
	Walk(visit func(slot *uintptr) bool)
}

// Controller freezes threads.
type Controller interface {
	Freeze() (Frozen, error)
}

// Nop is a Controller that freezes nothing.
type Nop struct{}

func (Nop) Freeze() (Frozen, error) {
	return &nopFrozen{}, nil
}

type nopFrozen struct {
	resumed bool
}

func (*nopFrozen) Threads() []Snapshot {
	return nil
}

func (*nopFrozen) SetPC(int, uintptr) error {
	return ErrSetPC
}

func (f *nopFrozen) Resume() error {
	if f.resumed {
		return ErrResumed
	}
	f.resumed = true
	return nil
}

// parseSyscall reads the pc out of /proc/<pid>/task/<tid>/syscall. The file
// holds "running", or the syscall number, its arguments, the stack pointer
// and the pc, or "-1 sp pc" for a thread blocked outside a syscall. It does
// not allocate since it runs while the world is stopped.
func parseSyscall(b []byte) (uintptr, bool) {
	end := len(b)
	for end > 0 && (b[end-1] == '\n' || b[end-1] == ' ') {
		end--
	}
	start := end
	for start > 0 && b[start-1] != ' ' {
		start--
	}
	if start == 0 {
		// a single field is "running"
		return 0, false
	}
	f := b[start:end]
	if len(f) < 3 || f[0] != '0' || f[1] != 'x' {
		return 0, false
	}
	var pc uintptr
	for _, c := range f[2:] {
		var d byte
		switch {
		case c >= '0' && c <= '9':
			d = c - '0'
		case c >= 'a' && c <= 'f':
			d = c - 'a' + 10
		case c >= 'A' && c <= 'F':
			d = c - 'A' + 10
		default:
			return 0, false
		}
		pc = pc<<4 | uintptr(d)
	}
	return pc, true
}
