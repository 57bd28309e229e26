package trampoline

import (
	"fmt"
	"sort"

	"github.com/k2io/detours/internal/disasm"
	"github.com/k2io/detours/internal/region"
)

const (
	// relayOff is where the detour relay lives inside a slot.
	relayOff = region.SlotSize - 16
	// codeLimit bounds relocated code plus the jump back.
	codeLimit = relayOff
)

// Align pairs the offset of an instruction in the target with the offset
// of its copy in the trampoline.
type Align struct {
	Target     int
	Trampoline int
}

// Trampoline is a built stub: relocated prologue, jump back, and the relay
// used to reach a detour that is out of rel32 reach of the target.
type Trampoline struct {
	Addr   uintptr
	Target uintptr
	Detour uintptr
	Relay  uintptr
	// CodeLen is the size of the relocated instructions in the trampoline.
	CodeLen int
	// Restore is what the target held before the patch.
	Restore []byte
	// Patch is what the target holds while the hook is attached.
	Patch  []byte
	Aligns []Align
	Slot   *region.Slot

	// backLen is the size of the jump back that follows the code.
	backLen int
	// exits are far jump sites inside the code and where they lead.
	exits map[int]uintptr
	image []byte
}

// Image is the full slot content.
func (t *Trampoline) Image() []byte {
	return t.image
}

// Resume is the address execution continues at in the target.
func (t *Trampoline) Resume() uintptr {
	return t.Target + uintptr(len(t.Restore))
}

// ToTrampoline maps a pc inside the overwritten target bytes to the
// equivalent pc in the trampoline.
func (t *Trampoline) ToTrampoline(pc uintptr) (uintptr, bool) {
	if pc < t.Target || pc >= t.Target+uintptr(len(t.Restore)) {
		return 0, false
	}
	off := int(pc - t.Target)
	for _, a := range t.Aligns {
		if a.Target == off {
			return t.Addr + uintptr(a.Trampoline), true
		}
	}
	return 0, false
}

// ToTarget maps a pc inside the trampoline to where the same work
// continues once the trampoline is gone.
func (t *Trampoline) ToTarget(pc uintptr) (uintptr, bool) {
	if pc == t.Relay {
		return t.Detour, true
	}
	if !t.ContainsCode(pc) {
		return 0, false
	}
	off := int(pc - t.Addr)
	for _, a := range t.Aligns {
		if a.Trampoline == off {
			return t.Target + uintptr(a.Target), true
		}
	}
	if to, ok := t.exits[off]; ok {
		return to, true
	}
	return 0, false
}

// ContainsCode reports whether pc is inside the relocated code or the jump
// back that follows it.
func (t *Trampoline) ContainsCode(pc uintptr) bool {
	return pc >= t.Addr && pc < t.Addr+uintptr(t.CodeLen+t.backLen)
}

type piece struct {
	in   disasm.Inst
	off  int
	size int
	// far is set when the branch target needs the inline redirect
	far bool
}

// Emit lays the plan out for a slot at base. It has no side effects.
func Emit(p *Plan, base, detour uintptr) (*Trampoline, error) {
	pieces := make([]piece, 0, len(p.Insts))
	off := 0
	for _, in := range p.Insts {
		pe := piece{in: in, off: off, size: in.Len}
		if in.Kind == disasm.Branch && !p.internal(in.Target) {
			disp := int64(in.Target) - int64(base+uintptr(off+in.Len))
			if !fits(disp, in.DispLen) {
				pe.far = true
				pe.size = farSize(in)
			}
		}
		pieces = append(pieces, pe)
		off += pe.size
	}
	codeLen := off

	t := &Trampoline{
		Addr:    base,
		Target:  p.Target,
		Detour:  detour,
		Relay:   base + relayOff,
		CodeLen: codeLen,
		Restore: append([]byte(nil), p.Original...),
		exits:   make(map[int]uintptr),
	}
	image := make([]byte, region.SlotSize)
	fill(image, opINT3)

	src := p.Original
	for _, pe := range pieces {
		in := pe.in
		t.Aligns = append(t.Aligns, Align{Target: int(in.PC - p.Target), Trampoline: pe.off})
		dst := image[pe.off : pe.off+pe.size]
		o := int(in.PC - p.Target)
		raw := src[o : o+in.Len]
		next := base + uintptr(pe.off+in.Len)

		switch {
		case in.Kind == disasm.Ordinary:
			copy(dst, raw)
		case pe.far:
			if err := emitFar(dst, raw, in); err != nil {
				return nil, err
			}
			if in.Flow == disasm.FlowCondJump {
				// the skip jump continues with the next instruction
				t.Aligns = append(t.Aligns, Align{
					Target:     int(in.Next() - p.Target),
					Trampoline: pe.off + in.Len,
				})
				t.exits[pe.off+in.Len+condSkipSize] = in.Target
			}
		default:
			dest := in.Target
			if in.Kind == disasm.Branch && p.internal(dest) {
				j := sort.Search(len(pieces), func(k int) bool { return pieces[k].in.PC >= dest })
				if j == len(pieces) || pieces[j].in.PC != dest {
					return nil, fmt.Errorf("%w: %s jumps into the middle of an instruction", ErrUnrelocatable, in)
				}
				dest = base + uintptr(pieces[j].off)
			}
			copy(dst, raw)
			if !disasm.PutDisp(dst[in.DispOff:], in.DispLen, int64(dest)-int64(next)) {
				return nil, fmt.Errorf("%w: %s can not reach %#x from %#x", ErrUnrelocatable, in, dest, next)
			}
		}
	}

	if !p.Terminal {
		back := jumpTo(base+uintptr(codeLen), p.Target+uintptr(p.Code))
		copy(image[codeLen:], back)
		t.Aligns = append(t.Aligns, Align{Target: p.Code, Trampoline: codeLen})
		t.backLen = len(back)
		codeLen += len(back)
	}
	if codeLen > codeLimit {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, codeLen)
	}
	copy(image[relayOff:], farJump(detour))

	// the patch goes straight to the detour when it can
	to := detour
	if _, ok := jumpRel32(p.Target, detour); !ok {
		to = t.Relay
	}
	patch, ok := jumpRel32(p.Target, to)
	if !ok {
		return nil, fmt.Errorf("%w: relay at %#x out of reach of %#x", ErrUnrelocatable, t.Relay, p.Target)
	}
	t.Patch = make([]byte, p.Len)
	fill(t.Patch, opINT3)
	copy(t.Patch, patch)
	t.image = image
	return t, nil
}

// Build emits the plan into slot and writes it.
func Build(p *Plan, slot *region.Slot, detour uintptr) (*Trampoline, error) {
	t, err := Emit(p, slot.Addr, detour)
	if err != nil {
		return nil, err
	}
	if err := slot.Write(t.image); err != nil {
		return nil, err
	}
	t.Slot = slot
	return t, nil
}

func farSize(in disasm.Inst) int {
	switch in.Flow {
	case disasm.FlowCall:
		return farCallSize
	case disasm.FlowJump:
		return farJumpSize
	}
	return in.Len + condSkipSize + farJumpSize
}

// emitFar rewrites a branch whose target is out of reach. Conditional
// branches keep their condition and hop onto a far jump that follows them.
func emitFar(dst, raw []byte, in disasm.Inst) error {
	switch in.Flow {
	case disasm.FlowCall:
		copy(dst, farCall(in.Target))
	case disasm.FlowJump:
		copy(dst, farJump(in.Target))
	case disasm.FlowCondJump:
		copy(dst, raw)
		if !disasm.PutDisp(dst[in.DispOff:], in.DispLen, condSkipSize) {
			return fmt.Errorf("%w: %s", ErrUnrelocatable, in)
		}
		dst[in.Len], dst[in.Len+1] = opJMPRel8, farJumpSize
		copy(dst[in.Len+condSkipSize:], farJump(in.Target))
	default:
		return fmt.Errorf("%w: %s", ErrUnrelocatable, in)
	}
	return nil
}

func fits(disp int64, width int) bool {
	switch width {
	case 1:
		return disp >= -128 && disp <= 127
	case 2:
		return disp >= -1<<15 && disp <= 1<<15-1
	case 4:
		return disp >= -1<<31 && disp <= 1<<31-1
	}
	return false
}
