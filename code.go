package detours

import (
	"encoding/binary"
	"fmt"
	"reflect"
	"unsafe"

	"github.com/k2io/detours/internal/disasm"
	"github.com/k2io/detours/internal/textmem"
	"github.com/k2io/detours/internal/trampoline"
)

const (
	// TargetNone is the target of an instruction that does not branch.
	TargetNone = trampoline.TargetNone
	// TargetDynamic is the target of a jump or call through a register or
	// memory operand.
	TargetDynamic = trampoline.TargetDynamic
)

// maxThunkHops bounds how many chained jumps CodeFromPointer follows.
const maxThunkHops = 8

// CodeFromPointer skips the jump thunks that may sit in front of the code
// addr refers to: JMP rel32, JMP rel8 and JMP [RIP+disp32] as found in PLT
// stubs, optionally behind ENDBR64.
func CodeFromPointer(addr uintptr) uintptr {
	return codeFromPointer(addr)
}

func codeFromPointer(addr uintptr) uintptr {
	for hops := 0; addr != 0 && hops < maxThunkHops; hops++ {
		b := textmem.Bytes(addr, 16)
		off := 0
		if b[0] == 0xf3 && b[1] == 0x0f && b[2] == 0x1e && b[3] == 0xfa {
			off = 4
		}
		if b[off] == 0xf2 {
			// BND prefix of MPX era PLTs
			off++
		}
		var next uintptr
		switch {
		case b[off] == 0xe9:
			rel := int32(binary.LittleEndian.Uint32(b[off+1:]))
			next = addr + uintptr(off+5) + uintptr(int64(rel))
		case b[off] == 0xeb:
			next = addr + uintptr(off+2) + uintptr(int64(int8(b[off+1])))
		case b[off] == 0xff && b[off+1] == 0x25:
			rel := int32(binary.LittleEndian.Uint32(b[off+2:]))
			slot := addr + uintptr(off+6) + uintptr(int64(rel))
			next = *(*uintptr)(unsafe.Pointer(slot))
		default:
			return addr
		}
		addr = next
	}
	return addr
}

// CopyInstruction copies the instruction at src to dst, fixing its
// pc-relative displacement for the new address. It returns the address of
// the instruction after src, the branch target (TargetNone or
// TargetDynamic when there is no static one) and the number of bytes the
// copy grew by. A zero dst only decodes.
func CopyInstruction(dst, src uintptr) (next, target uintptr, extra int, err error) {
	if src == 0 {
		return 0, 0, 0, newError("copy instruction", KindInvalidParameter, 0, "nil source")
	}
	code := textmem.Bytes(src, disasm.MaxInstLen)
	at := dst
	if at == 0 {
		at = src
	}
	c, err := trampoline.CopyInstruction(nil, code, src, at)
	if err != nil {
		return 0, 0, 0, wrap("copy instruction", src, err)
	}
	if dst != 0 {
		if _, err := trampoline.CopyInstruction(textmem.Bytes(dst, uintptr(c.Size)), code, src, dst); err != nil {
			return 0, 0, 0, wrap("copy instruction", src, err)
		}
	}
	return src + uintptr(c.Inst.Len), c.Target, c.Extra, nil
}

// FuncPC returns the code address of the function value fn.
func FuncPC(fn any) uintptr {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return 0
	}
	return v.Pointer()
}

// MakeFunc returns a function value of type F that runs the code at addr,
// typically a trampoline or the original entry of a table slot. F must be
// a func type whose signature matches the code.
func MakeFunc[F any](code uintptr) F {
	var f F
	if typ := reflect.TypeOf(&f).Elem(); typ.Kind() != reflect.Func {
		panic(fmt.Sprintf("detours: MakeFunc of non-func type %s", typ))
	}
	*(*unsafe.Pointer)(unsafe.Pointer(&f)) = unsafe.Pointer(&funcval{fn: code})
	return f
}
