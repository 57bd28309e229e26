// Package regiontest provides a Mapper backed by ordinary Go memory for
// tests that need slots without mapping executable pages.
package regiontest

import (
	"errors"
	"sync"
	"unsafe"

	"github.com/k2io/detours/internal/region"
)

// ErrDenied is returned by Map when the slab is set to refuse mappings.
var ErrDenied = errors.New("mapping denied")

// Slab hands out mappings from one Go allocated buffer.
type Slab struct {
	buf  []byte
	base uintptr
	end  uintptr

	mu       sync.Mutex
	mapped   map[uintptr]int
	Deny     bool
	Maps     int
	Unmaps   int
	Protects int
}

// NewSlab allocates size bytes aligned to align.
func NewSlab(size, align int) *Slab {
	buf := make([]byte, size+align)
	p := uintptr(unsafe.Pointer(&buf[0]))
	base := (p + uintptr(align) - 1) &^ (uintptr(align) - 1)
	return &Slab{
		buf:    buf,
		base:   base,
		end:    base + uintptr(size),
		mapped: make(map[uintptr]int),
	}
}

// Base is the first mappable address.
func (s *Slab) Base() uintptr { return s.base }

// End is one past the last mappable address.
func (s *Slab) End() uintptr { return s.end }

func (s *Slab) PageSize() int { return 4096 }

func (s *Slab) Map(hint uintptr, size int) (uintptr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Deny {
		return 0, ErrDenied
	}
	if hint < s.base || hint+uintptr(size) > s.end {
		return 0, region.ErrOccupied
	}
	for addr, n := range s.mapped {
		if hint < addr+uintptr(n) && addr < hint+uintptr(size) {
			return 0, region.ErrOccupied
		}
	}
	s.mapped[hint] = size
	s.Maps++
	return hint, nil
}

func (s *Slab) Unmap(addr uintptr, size int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mapped[addr] != size {
		return errors.New("unmap of unknown range")
	}
	delete(s.mapped, addr)
	s.Unmaps++
	return nil
}

func (s *Slab) Protect(addr uintptr, size int, writable bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Protects++
	return nil
}

// Mapped returns the number of live mappings.
func (s *Slab) Mapped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.mapped)
}
