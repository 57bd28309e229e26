//go:build linux && go1.23 && !go1.27

package threadctl

import (
	"debug/dwarf"
	"debug/elf"
	"fmt"
	"unsafe"
)

// goroutine states, as runtime/runtime2.go numbers them
const (
	gRunnable  = 1
	gSyscall   = 3
	gWaiting   = 4
	gPreempted = 9
	gScan      = 0x1000
	gMaxStatus = 15

	maxFrames = 1 << 12
)

// gLayout holds the offsets of the runtime.g fields a stack walk reads.
type gLayout struct {
	stack  uintptr // stack.lo, stack.hi follows
	sched  uintptr
	status uintptr
	// within gobuf
	sp, pc, bp uintptr
}

// dwarfLayout reads the layout of runtime.g from the debug info of the
// executable at path.
func dwarfLayout(path string) (gLayout, error) {
	f, err := elf.Open(path)
	if err != nil {
		return gLayout{}, err
	}
	defer f.Close()
	d, err := f.DWARF()
	if err != nil {
		return gLayout{}, err
	}
	g, err := members(d, "runtime.g", "stack", "sched", "atomicstatus")
	if err != nil {
		return gLayout{}, err
	}
	buf, err := members(d, "runtime.gobuf", "sp", "pc", "bp")
	if err != nil {
		return gLayout{}, err
	}
	return gLayout{
		stack:  g["stack"],
		sched:  g["sched"],
		status: g["atomicstatus"],
		sp:     buf["sp"],
		pc:     buf["pc"],
		bp:     buf["bp"],
	}, nil
}

// members returns the offsets of the named fields of struct typ.
func members(d *dwarf.Data, typ string, fields ...string) (map[string]uintptr, error) {
	r := d.Reader()
	for {
		e, err := r.Next()
		if err != nil {
			return nil, err
		}
		if e == nil {
			return nil, fmt.Errorf("type %s not in the debug info", typ)
		}
		if e.Tag != dwarf.TagStructType || e.Val(dwarf.AttrName) != typ {
			if e.Tag != dwarf.TagCompileUnit && e.Children {
				r.SkipChildren()
			}
			continue
		}
		off := make(map[string]uintptr)
		for e.Children {
			m, err := r.Next()
			if err != nil {
				return nil, err
			}
			if m == nil || m.Tag == 0 {
				break
			}
			name, _ := m.Val(dwarf.AttrName).(string)
			if loc, ok := m.Val(dwarf.AttrDataMemberLoc).(int64); ok {
				off[name] = uintptr(loc)
			}
		}
		for _, f := range fields {
			if _, ok := off[f]; !ok {
				return nil, fmt.Errorf("%s has no field %s", typ, f)
			}
		}
		return off, nil
	}
}

func word(addr uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(addr))
}

func word32(addr uintptr) uint32 {
	return *(*uint32)(unsafe.Pointer(addr))
}

// walkG visits the saved pc and the return addresses of the goroutine at
// g. It reports false when visit asked to stop.
func (l *gLayout) walkG(g uintptr, visit func(slot *uintptr) bool) bool {
	switch word32(g+l.status) &^ gScan {
	case gRunnable, gSyscall, gWaiting, gPreempted:
	default:
		return true
	}
	lo, hi := word(g+l.stack), word(g+l.stack+8)
	sched := g + l.sched
	if !visit((*uintptr)(unsafe.Pointer(sched + l.pc))) {
		return false
	}
	bp := word(sched + l.bp)
	for n := 0; n < maxFrames && bp >= lo && bp+16 <= hi && bp%8 == 0; n++ {
		if !visit((*uintptr)(unsafe.Pointer(bp + 8))) {
			return false
		}
		next := word(bp)
		if next <= bp {
			break
		}
		bp = next
	}
	return true
}

// check rejects a layout that does not fit the goroutines in gs. It must
// run with the world stopped.
func (l *gLayout) check(gs []uintptr) error {
	waiting, framed := 0, 0
	for _, g := range gs {
		st := word32(g+l.status) &^ gScan
		if st > gMaxStatus {
			return fmt.Errorf("goroutine %#x has status %d", g, st)
		}
		if st != gWaiting {
			continue
		}
		waiting++
		lo, hi := word(g+l.stack), word(g+l.stack+8)
		sp, bp := word(g+l.sched+l.sp), word(g+l.sched+l.bp)
		if lo >= hi || sp < lo || sp >= hi {
			return fmt.Errorf("goroutine %#x saved sp %#x outside [%#x, %#x)", g, sp, lo, hi)
		}
		if bp == 0 {
			continue
		}
		if bp < lo || bp >= hi {
			return fmt.Errorf("goroutine %#x saved bp %#x outside [%#x, %#x)", g, bp, lo, hi)
		}
		framed++
	}
	if waiting > 0 && framed == 0 {
		return fmt.Errorf("no parked goroutine has a frame pointer")
	}
	return nil
}
