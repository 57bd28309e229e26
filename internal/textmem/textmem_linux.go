//go:build linux

package textmem

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Host changes protection with mprotect(2). The protection each page had
// is read from /proc/self/maps so that Restore puts back exactly that.
type Host struct {
	pageSize uintptr
}

// NewHost returns the Protector for the running process.
func NewHost() *Host {
	return &Host{pageSize: uintptr(unix.Getpagesize())}
}

func (h *Host) Unprotect(addr, size uintptr) (Restore, error) {
	maps, err := readMaps()
	if err != nil {
		return nil, err
	}
	start, length := Pages(addr, size, h.pageSize)
	prots := make([]int, 0, length/h.pageSize)
	for i := uintptr(0); i < length; i += h.pageSize {
		m, err := Find(maps, start+i)
		if err != nil {
			return nil, err
		}
		prots = append(prots, m.Prot)
	}
	for i, prot := range prots {
		page := start + uintptr(i)*h.pageSize
		if err := unix.Mprotect(Bytes(page, h.pageSize), prot|unix.PROT_READ|unix.PROT_WRITE); err != nil {
			return nil, fmt.Errorf("mprotect %#x: %w", page, err)
		}
	}
	return func() error {
		for i, prot := range prots {
			page := start + uintptr(i)*h.pageSize
			if err := unix.Mprotect(Bytes(page, h.pageSize), prot); err != nil {
				return fmt.Errorf("mprotect %#x: %w", page, err)
			}
		}
		return nil
	}, nil
}

func readMaps() ([]Mapping, error) {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseMaps(f)
}
