//go:build linux

package region

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

type mmapMapper struct {
	pageSize int
}

// NewMapper returns the mmap based Mapper of the running host.
func NewMapper() Mapper {
	return &mmapMapper{pageSize: unix.Getpagesize()}
}

func (m *mmapMapper) PageSize() int {
	return m.pageSize
}

func (m *mmapMapper) Map(hint uintptr, size int) (uintptr, error) {
	p, err := unix.MmapPtr(-1, 0, unsafe.Pointer(hint), uintptr(size),
		unix.PROT_READ|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_FIXED_NOREPLACE)
	if err == unix.EEXIST {
		return 0, ErrOccupied
	}
	if err != nil {
		return 0, err
	}
	// kernels before 4.17 treat the flag as a plain hint
	if uintptr(p) != hint {
		_ = unix.MunmapPtr(p, uintptr(size))
		return 0, ErrOccupied
	}
	return hint, nil
}

func (m *mmapMapper) Unmap(addr uintptr, size int) error {
	return unix.MunmapPtr(unsafe.Pointer(addr), uintptr(size))
}

func (m *mmapMapper) Protect(addr uintptr, size int, writable bool) error {
	prot := unix.PROT_READ | unix.PROT_EXEC
	if writable {
		prot |= unix.PROT_WRITE
	}
	return unix.Mprotect(unsafe.Slice((*byte)(unsafe.Pointer(addr)), size), prot)
}
