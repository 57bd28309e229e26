package detours

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/k2io/detours/internal/textmem"
)

func putRel32(b []byte, from, to uintptr) {
	binary.LittleEndian.PutUint32(b, uint32(int32(int64(to)-int64(from))))
}

func TestCodeFromPointer(t *testing.T) {
	code := newFunction(framePrologue)

	jmp32 := newFunction(nil)
	jmp32.buf[0] = 0xe9
	putRel32(jmp32.buf[1:], jmp32.addr+5, code.addr)

	// endbr64; jmp rel8 +0x10; the jump lands on a jmp rel32 to code
	short := newFunction([]byte{0xf3, 0x0f, 0x1e, 0xfa, 0xeb, 0x10})
	short.buf[0x16] = 0xe9
	putRel32(short.buf[0x17:], short.addr+0x1b, code.addr)

	// bnd jmp [rip+0x20] as in a PLT entry
	plt := newFunction([]byte{0xf2, 0xff, 0x25, 0x20, 0x00, 0x00, 0x00})
	binary.LittleEndian.PutUint64(plt.buf[0x27:], uint64(jmp32.addr))

	tests := map[string]struct {
		addr, want uintptr
	}{
		"plain":     {code.addr, code.addr},
		"jmp rel32": {jmp32.addr, code.addr},
		"jmp rel8":  {short.addr, code.addr},
		"plt":       {plt.addr, code.addr},
		"nil":       {0, 0},
	}
	for name, tt := range tests {
		if got := CodeFromPointer(tt.addr); got != tt.want {
			t.Errorf("%s: CodeFromPointer = %#x, want %#x", name, got, tt.want)
		}
	}
}

func TestCodeFromPointerStopsOnLoops(t *testing.T) {
	// jmp $
	loop := newFunction([]byte{0xeb, 0xfe})
	if got := CodeFromPointer(loop.addr); got != loop.addr {
		t.Errorf("CodeFromPointer = %#x, want %#x", got, loop.addr)
	}
}

func TestCopyInstruction(t *testing.T) {
	page := make([]byte, 4096)
	dst := uintptr(unsafe.Pointer(&page[2048]))

	// mov rbp, rsp
	mov := newFunction([]byte{0x48, 0x89, 0xe5})
	next, target, extra, err := CopyInstruction(dst, mov.addr)
	if err != nil {
		t.Fatal(err)
	}
	if next != mov.addr+3 || target != TargetNone || extra != 0 {
		t.Errorf("mov: next %#x target %#x extra %d", next, target, extra)
	}
	if got := textmem.Bytes(dst, 3); string(got) != string(mov.buf[:3]) {
		t.Errorf("mov copied as % x", got)
	}

	// jmp rel8 +0x10 moves too far away for rel8 and is widened
	jmp := newFunction([]byte{0xeb, 0x10})
	next, target, extra, err = CopyInstruction(dst, jmp.addr)
	if err != nil {
		t.Fatal(err)
	}
	if next != jmp.addr+2 || target != jmp.addr+0x12 || extra != 3 {
		t.Errorf("jmp: next %#x target %#x extra %d", next, target, extra)
	}
	out := textmem.Bytes(dst, 5)
	if out[0] != 0xe9 || rel32Target(out, dst) != jmp.addr+0x12 {
		t.Errorf("jmp copied as % x", out)
	}

	// lea rax, [rip-0x10]
	lea := newFunction([]byte{0x48, 0x8d, 0x05, 0xf0, 0xff, 0xff, 0xff})
	if _, _, _, err = CopyInstruction(dst, lea.addr); err != nil {
		t.Fatal(err)
	}
	out = textmem.Bytes(dst, 7)
	disp := int64(int32(binary.LittleEndian.Uint32(out[3:7])))
	if got, want := dst+7+uintptr(disp), lea.addr+7-0x10; got != want {
		t.Errorf("lea copied to reference %#x, want %#x", got, want)
	}

	// call [rip+0]
	ind := newFunction([]byte{0xff, 0x15, 0, 0, 0, 0})
	if _, target, _, err = CopyInstruction(0, ind.addr); err != nil || target != TargetDynamic {
		t.Errorf("indirect call: target %#x, err %v", target, err)
	}
}

func TestCopyInstructionErrors(t *testing.T) {
	if _, _, _, err := CopyInstruction(0, 0); KindOf(err) != KindInvalidParameter {
		t.Errorf("nil source: %v", err)
	}
	hlt := newFunction([]byte{0xf4})
	if _, _, _, err := CopyInstruction(0, hlt.addr); KindOf(err) != KindUnrelocatableInstruction {
		t.Errorf("hlt: %v", err)
	}
}

func add(a, b int) int { return a + b }

func TestFuncPCAndMakeFunc(t *testing.T) {
	pc := FuncPC(add)
	if pc == 0 {
		t.Fatal("FuncPC(add) = 0")
	}
	if FuncPC(nil) != 0 || FuncPC(42) != 0 {
		t.Error("FuncPC of a non-func")
	}
	var nilFunc func()
	if FuncPC(nilFunc) != 0 {
		t.Error("FuncPC of a nil func")
	}
	f := MakeFunc[func(int, int) int](pc)
	if got := f(2, 3); got != 5 {
		t.Errorf("f(2, 3) = %d", got)
	}

	defer func() {
		if recover() == nil {
			t.Error("MakeFunc[int] did not panic")
		}
	}()
	MakeFunc[int](pc)
}
