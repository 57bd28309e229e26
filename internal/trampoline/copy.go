package trampoline

import (
	"fmt"

	"github.com/k2io/detours/internal/disasm"
)

const (
	// TargetNone is reported for instructions without a static target.
	TargetNone uintptr = 0
	// TargetDynamic is reported for jumps and calls through a register or
	// memory operand.
	TargetDynamic = ^uintptr(0)
)

// Copied describes one instruction moved by CopyInstruction.
type Copied struct {
	Inst disasm.Inst
	// Size is the number of bytes written to dst.
	Size int
	// Extra is Size minus the source length, non-zero when a short branch
	// had to be widened.
	Extra  int
	Target uintptr
}

// CopyInstruction copies the instruction at the start of src (located at
// srcPC) into dst (located at dstPC), fixing pc-relative displacements.
// Short jumps that no longer reach are widened to their rel32 forms. A nil
// dst only decodes.
func CopyInstruction(dst, src []byte, srcPC, dstPC uintptr) (Copied, error) {
	in, err := disasm.Decode(src, srcPC)
	if err != nil {
		return Copied{}, err
	}
	c := Copied{Inst: in, Size: in.Len, Target: TargetNone}
	switch {
	case in.Kind == disasm.Unsupported:
		return c, fmt.Errorf("%w: %s (%s)", ErrUnrelocatable, in, in.Reason)
	case in.Flow == disasm.FlowIndirect:
		c.Target = TargetDynamic
	case in.Kind == disasm.Branch:
		c.Target = in.Target
	}
	if in.Kind == disasm.Ordinary {
		if dst != nil {
			copy(dst, src[:in.Len])
		}
		return c, nil
	}

	raw := src[:in.Len]
	disp := int64(in.Target) - int64(dstPC+uintptr(in.Len))
	if fits(disp, in.DispLen) {
		if dst != nil {
			copy(dst, raw)
			disasm.PutDisp(dst[in.DispOff:], in.DispLen, disp)
		}
		return c, nil
	}

	wide, err := widen(raw, in)
	if err != nil {
		return c, err
	}
	disp = int64(in.Target) - int64(dstPC+uintptr(len(wide)))
	if !fits(disp, 4) {
		return c, fmt.Errorf("%w: %s can not reach %#x from %#x", ErrUnrelocatable, in, in.Target, dstPC)
	}
	disasm.PutDisp(wide[len(wide)-4:], 4, disp)
	c.Size = len(wide)
	c.Extra = len(wide) - in.Len
	if dst != nil {
		copy(dst, wide)
	}
	return c, nil
}

// widen turns JMP rel8 and Jcc rel8 into their rel32 encodings. The
// displacement is left zero.
func widen(raw []byte, in disasm.Inst) ([]byte, error) {
	if in.Kind != disasm.Branch || in.DispLen != 1 || in.Len != 2 {
		return nil, fmt.Errorf("%w: %s displacement can not be widened", ErrUnrelocatable, in)
	}
	switch op := raw[0]; {
	case op == opJMPRel8:
		return []byte{opJMPRel32, 0, 0, 0, 0}, nil
	case op >= 0x70 && op <= 0x7f:
		return []byte{0x0f, 0x80 | (op & 0x0f), 0, 0, 0, 0}, nil
	}
	// JCXZ and LOOP have no long form
	return nil, fmt.Errorf("%w: %s has no rel32 form", ErrUnrelocatable, in)
}
