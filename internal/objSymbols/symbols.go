// Package symbols reads the symbol table of an object file.
package symbols

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
)

// ErrNoSymbols means the object file carries no symbol table, as in a
// stripped binary.
var ErrNoSymbols = errors.New("no symbol table")

// Symbol is one named address of an object file, as linked.
type Symbol struct {
	Name string
	Addr uintptr
	Size uint64
	Func bool
}

type rawFile interface {
	Symbols() ([]Symbol, error)
	io.Closer
}

var objType = []func(io.ReaderAt) (rawFile, error){
	openElf,
	openMacho,
	openPE,
}

// Table is the symbol table of one object file.
type Table struct {
	byName map[string]Symbol
	byAddr []Symbol
}

// Read opens the object file name and loads its symbols.
func Read(name string) (*Table, error) {
	r, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return ReadFrom(r)
}

// ReadFrom loads the symbols of the object file in r.
func ReadFrom(r io.ReaderAt) (*Table, error) {
	for _, try := range objType {
		raw, err := try(r)
		if err != nil {
			continue
		}
		syms, err := raw.Symbols()
		raw.Close()
		if err != nil {
			return nil, err
		}
		return newTable(syms), nil
	}
	return nil, fmt.Errorf("unrecognized object file")
}

func newTable(syms []Symbol) *Table {
	t := &Table{byName: make(map[string]Symbol, len(syms))}
	for _, s := range syms {
		if s.Name == "" {
			continue
		}
		t.byName[s.Name] = s
		if s.Func {
			t.byAddr = append(t.byAddr, s)
		}
	}
	sort.Slice(t.byAddr, func(i, j int) bool { return t.byAddr[i].Addr < t.byAddr[j].Addr })
	return t
}

// Lookup finds a symbol by name.
func (t *Table) Lookup(name string) (Symbol, bool) {
	s, ok := t.byName[name]
	return s, ok
}

// Func returns the function symbol containing addr.
func (t *Table) Func(addr uintptr) (Symbol, bool) {
	i := sort.Search(len(t.byAddr), func(i int) bool { return t.byAddr[i].Addr > addr })
	if i == 0 {
		return Symbol{}, false
	}
	s := t.byAddr[i-1]
	if s.Size != 0 && addr >= s.Addr+uintptr(s.Size) {
		return Symbol{}, false
	}
	return s, true
}

// Len is the number of named symbols.
func (t *Table) Len() int {
	return len(t.byName)
}
