package detours

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"runtime"

	symbols "github.com/k2io/detours/internal/objSymbols"
)

// Module is a loaded unit of code whose functions can be found by name.
type Module interface {
	Name() string
	Lookup(symbol string) (uintptr, error)
}

type executable struct {
	name string
	tab  *symbols.Table
	// bias is the load address minus the link address, non-zero for PIE
	bias uintptr
}

// ExecutableModule returns the running binary as a Module. Its symbols come
// from the binary's own symbol table, so a stripped binary has none.
func ExecutableModule() (Module, error) {
	path, err := os.Executable()
	if err != nil {
		return nil, err
	}
	tab, err := symbols.Read(path)
	if err != nil {
		return nil, fmt.Errorf("read symbols of %s: %w", path, err)
	}
	anchor := reflect.ValueOf(ExecutableModule).Pointer()
	fn := runtime.FuncForPC(anchor)
	if fn == nil {
		return nil, fmt.Errorf("no function at %#x", anchor)
	}
	s, ok := tab.Lookup(fn.Name())
	if !ok {
		return nil, fmt.Errorf("%s missing from the symbol table of %s", fn.Name(), path)
	}
	return &executable{name: filepath.Base(path), tab: tab, bias: anchor - s.Addr}, nil
}

func (m *executable) Name() string {
	return m.name
}

func (m *executable) Lookup(symbol string) (uintptr, error) {
	s, ok := m.tab.Lookup(symbol)
	if !ok || s.Addr == 0 {
		return 0, fmt.Errorf("symbol %s not found in %s", symbol, m.name)
	}
	return s.Addr + m.bias, nil
}

// StaticModule is a Module backed by a fixed symbol map. It suits code
// registered by hand, such as functions of a cgo library.
type StaticModule struct {
	ModuleName string
	Symbols    map[string]uintptr
}

func (m *StaticModule) Name() string {
	return m.ModuleName
}

func (m *StaticModule) Lookup(symbol string) (uintptr, error) {
	addr, ok := m.Symbols[symbol]
	if !ok || addr == 0 {
		return 0, fmt.Errorf("symbol %s not found in %s", symbol, m.ModuleName)
	}
	return addr, nil
}
