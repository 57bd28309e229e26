// Package trampoline relocates the first instructions of a function into a
// slot of executable memory so that the function can still be called after
// its entry has been overwritten with a jump.
package trampoline

import (
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/k2io/detours/internal/disasm"
)

var (
	// ErrUnrelocatable means an instruction in the patch window can not be moved
	ErrUnrelocatable = errors.New("unrelocatable instruction")
	// ErrTooSmall means the function ends before the patch window does
	ErrTooSmall = errors.New("function too small to patch")
	// ErrTooLarge means the relocated code does not fit a slot
	ErrTooLarge = errors.New("relocated code exceeds trampoline slot")
)

// Plan is the decode-only half of a build: which instructions move and
// which bytes of the target get overwritten. No memory is touched.
type Plan struct {
	Target uintptr
	Insts  []disasm.Inst
	// Code is the number of target bytes covered by Insts.
	Code int
	// Len is the number of target bytes the patch overwrites. It exceeds
	// Code only when the function ended early and the rest is padding.
	Len int
	// Original holds the first Len bytes of the target as they were when
	// the plan was made.
	Original []byte
	// Terminal is set when the last relocated instruction never falls
	// through, so no jump back is needed.
	Terminal bool
}

// NewPlan decodes code, located at pc, until at least branchSize bytes are
// covered by whole instructions.
func NewPlan(code []byte, pc uintptr, branchSize int) (*Plan, error) {
	insts, n, err := disasm.Walk(code, pc, branchSize)
	if err != nil {
		return nil, fmt.Errorf("%w at %#x: %v", ErrUnrelocatable, pc+uintptr(n), err)
	}
	for _, in := range insts {
		if in.Kind == disasm.Unsupported {
			return nil, fmt.Errorf("%w at %#x: %s (%s)", ErrUnrelocatable, in.PC, in, in.Reason)
		}
	}
	p := &Plan{Target: pc, Insts: insts, Code: n, Len: n}
	if last := insts[len(insts)-1]; last.Terminal() {
		p.Terminal = true
	}
	if n < branchSize {
		if !p.Terminal || len(code) < branchSize {
			return nil, ErrTooSmall
		}
		for _, b := range code[n:branchSize] {
			if !isPadding(b) {
				return nil, fmt.Errorf("%w: %d bytes before %#x", ErrTooSmall, n, pc+uintptr(n))
			}
		}
		p.Len = branchSize
	}
	p.Original = append([]byte(nil), code[:p.Len]...)
	return p, nil
}

// internal reports whether addr falls inside the relocated instructions.
func (p *Plan) internal(addr uintptr) bool {
	return addr >= p.Target && addr < p.Target+uintptr(p.Code)
}

// StackCheck reports whether the plan starts with the stack bound check
// the Go compiler puts in front of functions with a frame: a CMP against
// the goroutine's stack guard and a JBE to a morestack call at the end of
// the function. That call jumps back to the function entry, so a stack
// growth triggered in the trampoline enters the detour a second time.
func (p *Plan) StackCheck() bool {
	for i, in := range p.Insts {
		if in.Op == x86asm.JBE && i > 0 && p.Insts[i-1].Op == x86asm.CMP {
			return true
		}
	}
	return false
}
