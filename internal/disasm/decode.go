// Package disasm decodes single x86-64 instructions and classifies them by
// how they behave when copied to a different address.
package disasm

import (
	"encoding/binary"
	"errors"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// MaxInstLen is the architectural limit of an x86 instruction.
const MaxInstLen = 15

var (
	// ErrTruncated means the buffer ended inside an instruction
	ErrTruncated = errors.New("truncated instruction")
	// ErrUnsupported means the instruction can not be moved
	ErrUnsupported = errors.New("unsupported instruction")
)

// Kind classifies an instruction for relocation purposes.
type Kind uint8

const (
	// Ordinary instructions can be copied byte for byte.
	Ordinary Kind = iota
	// Branch instructions carry a relative jump or call displacement.
	Branch
	// PCRelative instructions address memory relative to the next instruction.
	PCRelative
	// Unsupported instructions must not be relocated.
	Unsupported
)

func (k Kind) String() string {
	switch k {
	case Ordinary:
		return "ordinary"
	case Branch:
		return "branch"
	case PCRelative:
		return "pc-relative"
	case Unsupported:
		return "unsupported"
	}
	return "unknown"
}

// Flow describes how an instruction transfers control.
type Flow uint8

const (
	FlowNone Flow = iota
	FlowCall
	FlowJump
	FlowCondJump
	FlowReturn
	// FlowIndirect is a jump or call through a register or memory.
	FlowIndirect
	FlowTrap
)

// Inst is one decoded instruction. It is a value; decode again rather than
// mutating it.
type Inst struct {
	PC     uintptr
	Len    int
	Kind   Kind
	Flow   Flow
	Op     x86asm.Op
	Target uintptr
	// DispOff and DispLen locate the pc-relative displacement inside the
	// instruction bytes; both are zero for Ordinary instructions.
	DispOff int
	DispLen int
	// Reason is set for Unsupported instructions.
	Reason string

	text string
}

// Next is the address of the following instruction.
func (i Inst) Next() uintptr {
	return i.PC + uintptr(i.Len)
}

// Terminal reports whether execution never falls through to Next.
func (i Inst) Terminal() bool {
	switch i.Flow {
	case FlowJump, FlowReturn, FlowTrap:
		return true
	case FlowIndirect:
		return i.Op == x86asm.JMP
	}
	return false
}

// Disp returns the signed displacement stored in the instruction bytes.
func (i Inst) Disp(code []byte) int64 {
	return readDisp(code[i.DispOff:], i.DispLen)
}

func (i Inst) String() string {
	return i.text
}

// Decode decodes the instruction at the start of code, which is assumed to
// live at address pc. Unsupported encodings that x86asm cannot decode are
// reported with Kind Unsupported and a nil error as long as the buffer was
// long enough to tell.
func Decode(code []byte, pc uintptr) (Inst, error) {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		if len(code) < MaxInstLen && errors.Is(err, x86asm.ErrTruncated) {
			return Inst{PC: pc}, ErrTruncated
		}
		return Inst{PC: pc, Len: 1, Kind: Unsupported, Flow: FlowTrap, Reason: err.Error(), text: "(bad)"}, nil
	}
	if inst.Op == 0 {
		// x86asm stops at a prefix it can not complete without an error
		if len(code) < MaxInstLen {
			return Inst{PC: pc}, ErrTruncated
		}
		return Inst{PC: pc, Len: 1, Kind: Unsupported, Flow: FlowTrap, Reason: "no opcode after prefix", text: "(bad)"}, nil
	}
	in := Inst{
		PC:   pc,
		Len:  inst.Len,
		Op:   inst.Op,
		Kind: Ordinary,
		text: inst.String(),
	}
	in.Flow = flowOf(inst)
	if reason := unsupported(inst); reason != "" {
		in.Kind = Unsupported
		in.Reason = reason
		return in, nil
	}
	for _, a := range inst.Args {
		if a == nil {
			break
		}
		switch a := a.(type) {
		case x86asm.Rel:
			in.Kind = Branch
			in.DispOff, in.DispLen = inst.PCRelOff, inst.PCRel
			if in.DispLen == 0 {
				in.DispLen = relWidth(inst)
				in.DispOff = inst.Len - in.DispLen
			}
			in.Target = in.Next() + uintptr(int64(a))
		case x86asm.Mem:
			if a.Base != x86asm.RIP {
				continue
			}
			in.Kind = PCRelative
			in.DispOff, in.DispLen = inst.PCRelOff, inst.PCRel
			if in.DispLen == 0 {
				in.DispOff, in.DispLen = locateDisp(code[:inst.Len], a.Disp), 4
				if in.DispOff < 0 {
					in.Kind = Unsupported
					in.Reason = "rip displacement not found"
					return in, nil
				}
			}
			// x86asm zero-extends a disp32
			in.Target = in.Next() + uintptr(in.Disp(code))
		}
	}
	return in, nil
}

// Walk decodes whole instructions starting at pc until at least minLen bytes
// are covered or a terminal instruction is reached.
func Walk(code []byte, pc uintptr, minLen int) ([]Inst, int, error) {
	var (
		out []Inst
		n   int
	)
	for n < minLen {
		in, err := Decode(code[n:], pc+uintptr(n))
		if err != nil {
			return out, n, err
		}
		out = append(out, in)
		n += in.Len
		if in.Kind == Unsupported || in.Terminal() {
			break
		}
	}
	return out, n, nil
}

func flowOf(inst x86asm.Inst) Flow {
	switch inst.Op {
	case x86asm.CALL, x86asm.JMP:
		if _, ok := inst.Args[0].(x86asm.Rel); !ok {
			return FlowIndirect
		}
		if inst.Op == x86asm.CALL {
			return FlowCall
		}
		return FlowJump
	case x86asm.RET, x86asm.LRET:
		return FlowReturn
	}
	if name := inst.Op.String(); strings.HasPrefix(name, "INT") || strings.HasPrefix(name, "UD") {
		return FlowTrap
	}
	if _, ok := inst.Args[0].(x86asm.Rel); ok {
		return FlowCondJump
	}
	return FlowNone
}

var privileged = map[string]bool{
	"HLT": true, "IN": true, "OUT": true,
	"INSB": true, "INSW": true, "INSD": true,
	"OUTSB": true, "OUTSW": true, "OUTSD": true,
	"CLI": true, "STI": true,
	"LGDT": true, "LIDT": true, "LLDT": true, "LTR": true, "LMSW": true,
	"INVD": true, "WBINVD": true, "INVLPG": true, "WRMSR": true, "RDMSR": true,
	"XBEGIN": true, "XABORT": true,
}

func unsupported(inst x86asm.Inst) string {
	name := inst.Op.String()
	if privileged[name] {
		return "privileged or transactional " + strings.ToLower(name)
	}
	if strings.HasPrefix(name, "INT") {
		return "breakpoint or software interrupt"
	}
	for _, a := range inst.Args {
		if a == nil {
			break
		}
		if r, ok := a.(x86asm.Reg); ok {
			if (r >= x86asm.CR0 && r <= x86asm.CR15) || (r >= x86asm.DR0 && r <= x86asm.DR15) {
				return "control or debug register access"
			}
		}
	}
	return ""
}

func relWidth(inst x86asm.Inst) int {
	switch inst.Op {
	case x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ, x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		return 1
	}
	if inst.Len == 2 {
		return 1
	}
	return 4
}

// locateDisp finds the disp32 of a rip-relative operand. It is followed by
// at most a 4 byte immediate, so the search runs backwards from there.
func locateDisp(code []byte, disp int64) int {
	var want [4]byte
	binary.LittleEndian.PutUint32(want[:], uint32(int32(disp)))
	for off := len(code) - 4; off > 0 && off >= len(code)-8; off-- {
		if string(code[off:off+4]) == string(want[:]) {
			return off
		}
	}
	return -1
}

func readDisp(b []byte, n int) int64 {
	switch n {
	case 1:
		return int64(int8(b[0]))
	case 2:
		return int64(int16(binary.LittleEndian.Uint16(b)))
	case 4:
		return int64(int32(binary.LittleEndian.Uint32(b)))
	}
	return 0
}

// PutDisp stores a displacement of width n into b, reporting false when the
// value does not fit.
func PutDisp(b []byte, n int, v int64) bool {
	switch n {
	case 1:
		if v < -128 || v > 127 {
			return false
		}
		b[0] = byte(int8(v))
	case 2:
		if v < -1<<15 || v > 1<<15-1 {
			return false
		}
		binary.LittleEndian.PutUint16(b, uint16(int16(v)))
	case 4:
		if v < -1<<31 || v > 1<<31-1 {
			return false
		}
		binary.LittleEndian.PutUint32(b, uint32(int32(v)))
	default:
		return false
	}
	return true
}
