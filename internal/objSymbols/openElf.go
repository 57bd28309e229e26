package symbols

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"
)

type elfFile struct {
	elf *elf.File
}

func openElf(r io.ReaderAt) (rawFile, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, err
	}
	return &elfFile{f}, nil
}

func (e *elfFile) Close() error {
	return e.elf.Close()
}

func (e *elfFile) Symbols() ([]Symbol, error) {
	elfSyms, err := e.elf.Symbols()
	if errors.Is(err, elf.ErrNoSymbols) {
		if !sharedObject(e.elf) {
			// the dynamic table of an executable names only its imports
			return nil, ErrNoSymbols
		}
		elfSyms, err = e.elf.DynamicSymbols()
		if errors.Is(err, elf.ErrNoSymbols) {
			return nil, ErrNoSymbols
		}
	}
	if err != nil {
		return nil, err
	}
	return getElfSyms(elfSyms), nil
}

// sharedObject reports whether f is a library rather than an executable.
// Both are ET_DYN when the executable is position independent; only the
// executable asks for an interpreter.
func sharedObject(f *elf.File) bool {
	if f.Type != elf.ET_DYN {
		return false
	}
	for _, p := range f.Progs {
		if p.Type == elf.PT_INTERP {
			return false
		}
	}
	return true
}

func getElfSyms(stab []elf.Symbol) []Symbol {
	out := make([]Symbol, 0, len(stab))
	for _, k := range stab {
		if k.Section == elf.SHN_UNDEF {
			continue
		}
		out = append(out, Symbol{
			Name: k.Name,
			Addr: uintptr(k.Value),
			Size: k.Size,
			Func: elf.ST_TYPE(k.Info) == elf.STT_FUNC,
		})
	}
	return out
}

// ElfCode returns n bytes of the ELF file in r starting at the link
// address addr, read from the section that holds it.
func ElfCode(r io.ReaderAt, addr uintptr, n int) ([]byte, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	for _, s := range f.Sections {
		if s.Type != elf.SHT_PROGBITS || s.Flags&elf.SHF_ALLOC == 0 {
			continue
		}
		if uint64(addr) < s.Addr || uint64(addr) >= s.Addr+s.Size {
			continue
		}
		if left := s.Addr + s.Size - uint64(addr); uint64(n) > left {
			n = int(left)
		}
		buf := make([]byte, n)
		if _, err := s.ReadAt(buf, int64(uint64(addr)-s.Addr)); err != nil {
			return nil, fmt.Errorf("read %d bytes at %#x: %w", n, addr, err)
		}
		return buf, nil
	}
	return nil, fmt.Errorf("no section holds %#x", addr)
}
