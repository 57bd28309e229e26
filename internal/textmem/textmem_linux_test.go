//go:build linux

package textmem

import (
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"
)

func TestHostUnprotectRestores(t *testing.T) {
	page := unix.Getpagesize()
	mem, err := unix.Mmap(-1, 0, page, unix.PROT_READ|unix.PROT_EXEC, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		t.Skipf("mmap: %v", err)
	}
	defer unix.Munmap(mem)
	addr := uintptr(unsafe.Pointer(&mem[0]))

	h := NewHost()
	restore, err := h.Unprotect(addr+8, 1)
	if err != nil {
		t.Fatal(err)
	}
	if prot := protection(t, addr); prot != Read|Write|Exec {
		t.Errorf("protection while unprotected = %#x", prot)
	}
	mem[8] = 0xc3
	if err := restore(); err != nil {
		t.Fatal(err)
	}
	if prot := protection(t, addr); prot != Read|Exec {
		t.Errorf("protection after restore = %#x", prot)
	}
}

func protection(t *testing.T, addr uintptr) int {
	t.Helper()
	maps, err := readMaps()
	if err != nil {
		t.Fatal(err)
	}
	m, err := Find(maps, addr)
	if err != nil {
		t.Fatal(err)
	}
	return m.Prot
}
