package threadctl

import (
	"errors"
	"testing"
)

func TestParseSyscall(t *testing.T) {
	tests := []struct {
		name string
		in   string
		pc   uintptr
		ok   bool
	}{
		{"futex", "202 0x4c5e28 0x80 0x0 0x0 0x0 0x0 0x7ffd4c1fbd08 0x46a1e3\n", 0x46a1e3, true},
		{"blocked", "-1 0x7f1c2a5fe6f8 0x7f1c2b1d2f0a\n", 0x7f1c2b1d2f0a, true},
		{"upper hex", "-1 0x10 0xABCDEF", 0xabcdef, true},
		{"running", "running\n", 0, false},
		{"empty", "", 0, false},
		{"garbage", "202 0x1 zz", 0, false},
		{"not hex", "202 0x1 0xg1", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pc, ok := parseSyscall([]byte(tt.in))
			if pc != tt.pc || ok != tt.ok {
				t.Errorf("parseSyscall(%q) = %#x, %v; want %#x, %v", tt.in, pc, ok, tt.pc, tt.ok)
			}
		})
	}
}

func TestNop(t *testing.T) {
	f, err := Nop{}.Freeze()
	if err != nil {
		t.Fatal(err)
	}
	if len(f.Threads()) != 0 {
		t.Errorf("Nop froze %d threads", len(f.Threads()))
	}
	if err := f.SetPC(1, 0x1000); !errors.Is(err, ErrSetPC) {
		t.Errorf("SetPC = %v", err)
	}
	if err := f.Resume(); err != nil {
		t.Fatal(err)
	}
	if err := f.Resume(); !errors.Is(err, ErrResumed) {
		t.Errorf("second Resume = %v", err)
	}
}
