// Package region hands out fixed size trampoline slots from executable
// memory mapped within rel32 reach of the code that will branch into them.
package region

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"go.uber.org/zap"
)

const (
	// SlotSize is the size of one trampoline slot.
	SlotSize = 192
	// DefaultRegionSize is the size of a freshly mapped region.
	DefaultRegionSize = 64 << 10
	// MaxDistance keeps every byte of a region within rel32 reach of the
	// address it was allocated for, with room left for instruction lengths.
	MaxDistance = 1<<31 - 1<<20
	// minAddress is below mmap_min_addr on every supported kernel.
	minAddress = 64 << 10
)

var (
	// ErrNoReachableMemory means no region could be mapped near the target
	ErrNoReachableMemory = errors.New("no reachable executable memory")
	// ErrOccupied is returned by a Mapper when the hinted range is in use
	ErrOccupied = errors.New("address range occupied")
	// ErrForeignSlot means the slot was not handed out by this allocator
	ErrForeignSlot = errors.New("slot not owned by allocator")
)

// Mapper is the host primitive for executable memory. Map must either map
// exactly at hint or fail; mappings start out read+exec.
type Mapper interface {
	Map(hint uintptr, size int) (uintptr, error)
	Unmap(addr uintptr, size int) error
	Protect(addr uintptr, size int, writable bool) error
	PageSize() int
}

// Slot is one trampoline sized piece of a region.
type Slot struct {
	Addr   uintptr
	region *Region
	index  int
	freed  bool
}

// Bytes aliases the slot memory. It is only writable inside Write.
func (s *Slot) Bytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(s.Addr)), SlotSize)
}

// Write copies code to the start of the slot.
func (s *Slot) Write(code []byte) error {
	if len(code) > SlotSize {
		return fmt.Errorf("trampoline of %d bytes exceeds slot size %d", len(code), SlotSize)
	}
	r := s.region
	r.mu.Lock()
	defer r.mu.Unlock()
	page := uintptr(r.mapper.PageSize())
	start := s.Addr &^ (page - 1)
	size := int((s.Addr+SlotSize+page-1)&^(page-1) - start)
	if err := r.mapper.Protect(start, size, true); err != nil {
		return err
	}
	copy(s.Bytes(), code)
	return r.mapper.Protect(start, size, false)
}

// Region is one mapped block with a free list of slots.
type Region struct {
	Base   uintptr
	Size   int
	mapper Mapper

	mu   sync.Mutex
	free []int
	used int
}

func (r *Region) contains(addr uintptr) bool {
	return addr >= r.Base && addr < r.Base+uintptr(r.Size)
}

func (r *Region) take() (*Slot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.free) == 0 {
		return nil, false
	}
	i := r.free[len(r.free)-1]
	r.free = r.free[:len(r.free)-1]
	r.used++
	return &Slot{Addr: r.Base + uintptr(i*SlotSize), region: r, index: i}, true
}

// put returns the slot and reports whether the region is now empty.
func (r *Region) put(s *Slot) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.free = append(r.free, s.index)
	r.used--
	return r.used == 0
}

// Allocator owns all regions of one engine.
type Allocator struct {
	mapper     Mapper
	regionSize int
	logger     *zap.Logger

	mu      sync.RWMutex
	regions []*Region
}

// New returns an allocator mapping regions of regionSize bytes.
func New(m Mapper, regionSize int, logger *zap.Logger) *Allocator {
	if regionSize <= 0 {
		regionSize = DefaultRegionSize
	}
	page := m.PageSize()
	regionSize = (regionSize + page - 1) / page * page
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Allocator{mapper: m, regionSize: regionSize, logger: logger}
}

// Acquire returns a free slot whose every byte is within MaxDistance of near.
func (a *Allocator) Acquire(near uintptr) (*Slot, error) {
	a.mu.RLock()
	for _, r := range a.regions {
		if !a.reachable(near, r.Base) {
			continue
		}
		if s, ok := r.take(); ok {
			a.mu.RUnlock()
			return s, nil
		}
	}
	a.mu.RUnlock()

	r, err := a.mapNear(near)
	if err != nil {
		return nil, err
	}
	s, _ := r.take()
	a.mu.Lock()
	a.regions = append(a.regions, r)
	a.mu.Unlock()
	return s, nil
}

// Release puts the slot back on its region's free list and unmaps the
// region once nothing in it is in use.
func (a *Allocator) Release(s *Slot) error {
	if s == nil || s.region == nil || s.freed {
		return ErrForeignSlot
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := -1
	for i, r := range a.regions {
		if r == s.region {
			idx = i
			break
		}
	}
	if idx < 0 || !s.region.contains(s.Addr) {
		return ErrForeignSlot
	}
	s.freed = true
	if !s.region.put(s) {
		return nil
	}
	a.regions = append(a.regions[:idx], a.regions[idx+1:]...)
	a.logger.Debug("region released", zap.Uintptr("base", s.region.Base))
	return a.mapper.Unmap(s.region.Base, s.region.Size)
}

// Regions returns the number of mapped regions.
func (a *Allocator) Regions() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.regions)
}

// Close unmaps every region, in use or not.
func (a *Allocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var errs []error
	for _, r := range a.regions {
		if err := a.mapper.Unmap(r.Base, r.Size); err != nil {
			errs = append(errs, err)
		}
	}
	a.regions = nil
	return errors.Join(errs...)
}

func (a *Allocator) reachable(near, base uintptr) bool {
	return distance(near, base) <= MaxDistance && distance(near, base+uintptr(a.regionSize)) <= MaxDistance
}

// mapNear probes outwards from near, one region at a time, alternating
// above and below.
func (a *Allocator) mapNear(near uintptr) (*Region, error) {
	size := uintptr(a.regionSize)
	start := near &^ (size - 1)
	if size&(size-1) != 0 {
		start = near - near%size
	}
	for step := uintptr(1); step*size <= MaxDistance; step++ {
		candidates := [2]uintptr{start + step*size, start - step*size}
		if start < step*size {
			candidates[1] = 0
		}
		for _, hint := range candidates {
			if hint < minAddress || hint+size < hint || !a.reachable(near, hint) {
				continue
			}
			base, err := a.mapper.Map(hint, a.regionSize)
			if errors.Is(err, ErrOccupied) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrNoReachableMemory, err)
			}
			a.logger.Debug("region mapped",
				zap.Uintptr("base", base),
				zap.Uintptr("near", near),
				zap.Int("size", a.regionSize),
			)
			return newRegion(base, a.regionSize, a.mapper), nil
		}
	}
	return nil, ErrNoReachableMemory
}

func newRegion(base uintptr, size int, m Mapper) *Region {
	n := size / SlotSize
	r := &Region{Base: base, Size: size, mapper: m, free: make([]int, 0, n)}
	// lowest address handed out first
	for i := n - 1; i >= 0; i-- {
		r.free = append(r.free, i)
	}
	return r
}

func distance(a, b uintptr) uintptr {
	if a > b {
		return a - b
	}
	return b - a
}
