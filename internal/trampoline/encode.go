package trampoline

import "encoding/binary"

const (
	opJMPRel32  = 0xe9
	opJMPRel8   = 0xeb
	opCALLRel32 = 0xe8
	opINT3      = 0xcc
	opNOP       = 0x90

	// JumpSize is the size of the JMP rel32 written over the target.
	JumpSize = 5
	// farJumpSize is JMP [RIP+0] followed by the 64-bit destination.
	farJumpSize = 14
	// farCallSize is CALL [RIP+2]; JMP +8; abs64.
	farCallSize = 16
	// condSkipSize is the Jcc +2; JMP +14 pair in front of a far jump.
	condSkipSize = 2
)

// jumpRel32 returns JMP rel32 located at from and landing on to. ok is
// false when to is out of rel32 reach.
func jumpRel32(from, to uintptr) (code []byte, ok bool) {
	disp := int64(to) - int64(from+JumpSize)
	if disp < -1<<31 || disp > 1<<31-1 {
		return nil, false
	}
	code = make([]byte, JumpSize)
	code[0] = opJMPRel32
	binary.LittleEndian.PutUint32(code[1:], uint32(int32(disp)))
	return code, true
}

// farJump is JMP [RIP+0]; dq to. It reaches anywhere and clobbers nothing.
func farJump(to uintptr) []byte {
	code := make([]byte, farJumpSize)
	code[0], code[1] = 0xff, 0x25
	binary.LittleEndian.PutUint64(code[6:], uint64(to))
	return code
}

// farCall is CALL [RIP+2]; JMP +8; dq to. The call returns onto the short
// jump, which steps over the stored address.
func farCall(to uintptr) []byte {
	code := make([]byte, farCallSize)
	code[0], code[1] = 0xff, 0x15
	binary.LittleEndian.PutUint32(code[2:], 2)
	code[6], code[7] = opJMPRel8, 8
	binary.LittleEndian.PutUint64(code[8:], uint64(to))
	return code
}

// jumpTo prefers JMP rel32 and falls back to the far form.
func jumpTo(from, to uintptr) []byte {
	if code, ok := jumpRel32(from, to); ok {
		return code
	}
	return farJump(to)
}

func fill(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}

func isPadding(b byte) bool {
	return b == opINT3 || b == opNOP
}
