// Package textmem changes the protection of code and table pages so they
// can be patched, and puts the original protection back afterwards.
package textmem

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unsafe"
)

// Protection bits, as in mmap(2).
const (
	Read  = 0x1
	Write = 0x2
	Exec  = 0x4
)

var (
	// ErrUnmapped means an address is not inside any mapping
	ErrUnmapped = errors.New("address not mapped")
	// ErrUnsupported means page protection can not be changed here
	ErrUnsupported = errors.New("page protection unsupported")
)

// Restore puts back the protection an Unprotect call replaced.
type Restore func() error

// Protector makes memory writable.
type Protector interface {
	Unprotect(addr, size uintptr) (Restore, error)
}

// Mapping is one line of /proc/<pid>/maps.
type Mapping struct {
	Start, End uintptr
	Prot       int
	Path       string
}

// Contains reports whether addr is inside m.
func (m Mapping) Contains(addr uintptr) bool {
	return addr >= m.Start && addr < m.End
}

// ParseMaps reads the mappings in the /proc/<pid>/maps format.
func ParseMaps(r io.Reader) ([]Mapping, error) {
	var out []Mapping
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		f := strings.Fields(line)
		if len(f) < 5 {
			return nil, fmt.Errorf("maps: short line %q", line)
		}
		lo, hi, ok := strings.Cut(f[0], "-")
		if !ok {
			return nil, fmt.Errorf("maps: bad range %q", f[0])
		}
		start, err := strconv.ParseUint(lo, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("maps: %w", err)
		}
		end, err := strconv.ParseUint(hi, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("maps: %w", err)
		}
		m := Mapping{Start: uintptr(start), End: uintptr(end), Prot: parsePerms(f[1])}
		if len(f) > 5 {
			m.Path = strings.Join(f[5:], " ")
		}
		out = append(out, m)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func parsePerms(s string) int {
	prot := 0
	for i, c := range s {
		switch {
		case i == 0 && c == 'r':
			prot |= Read
		case i == 1 && c == 'w':
			prot |= Write
		case i == 2 && c == 'x':
			prot |= Exec
		}
	}
	return prot
}

// Find returns the mapping holding addr.
func Find(maps []Mapping, addr uintptr) (Mapping, error) {
	for _, m := range maps {
		if m.Contains(addr) {
			return m, nil
		}
	}
	return Mapping{}, fmt.Errorf("%w: %#x", ErrUnmapped, addr)
}

// Pages returns the page aligned range covering [addr, addr+size).
func Pages(addr, size, pageSize uintptr) (start, length uintptr) {
	start = pageSize * (addr / pageSize)
	length = pageSize * ((addr + size + pageSize - 1 - start) / pageSize)
	return start, length
}

// Bytes views size bytes at addr.
func Bytes(addr, size uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}

// Writable is a Protector for memory that is always writable, such as
// heap buffers standing in for code in tests.
type Writable struct{}

func (Writable) Unprotect(uintptr, uintptr) (Restore, error) {
	return func() error { return nil }, nil
}
