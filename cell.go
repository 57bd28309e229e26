package detours

import (
	"fmt"
	"reflect"
	"sync/atomic"
	"unsafe"
)

// funcval is the runtime layout behind every func value: a func variable
// holds a pointer to one of these, and fn is the code address.
type funcval struct {
	fn uintptr
}

type cellKind uint8

const (
	cellInvalid cellKind = iota
	cellFunc
	cellCode
)

// Cell is a pointer cell the caller owns and calls through. Attach points
// it at the trampoline so that calling through it runs the original code;
// Detach points it back at the target.
type Cell struct {
	kind cellKind
	ptr  unsafe.Pointer
	typ  reflect.Type
	err  string
}

// FuncCell wraps a func variable. Calling the variable after Attach runs
// the original function.
func FuncCell[F any](f *F) Cell {
	typ := reflect.TypeOf((*F)(nil)).Elem()
	if f == nil {
		return Cell{err: "nil func cell"}
	}
	if typ.Kind() != reflect.Func {
		return Cell{err: fmt.Sprintf("%s is not a func type", typ)}
	}
	return Cell{kind: cellFunc, ptr: unsafe.Pointer(f), typ: typ}
}

// CodeCell wraps a word holding a raw code address.
func CodeCell(p *uintptr) Cell {
	if p == nil {
		return Cell{err: "nil code cell"}
	}
	return Cell{kind: cellCode, ptr: unsafe.Pointer(p)}
}

func (c Cell) valid() error {
	if c.kind == cellInvalid {
		if c.err == "" {
			return fmt.Errorf("zero cell")
		}
		return fmt.Errorf("%s", c.err)
	}
	return nil
}

// Code returns the code address the cell currently holds.
func (c Cell) Code() uintptr {
	switch c.kind {
	case cellFunc:
		fv := (*funcval)(atomic.LoadPointer((*unsafe.Pointer)(c.ptr)))
		if fv == nil {
			return 0
		}
		return fv.fn
	case cellCode:
		return atomic.LoadUintptr((*uintptr)(c.ptr))
	}
	return 0
}

// Type is the func type of a FuncCell, nil otherwise.
func (c Cell) Type() reflect.Type {
	return c.typ
}

// cellValue is what a cell is set to. The funcval is allocated before
// any thread is frozen.
type cellValue struct {
	code uintptr
	fv   *funcval
}

func (c Cell) prepare(code uintptr) cellValue {
	v := cellValue{code: code}
	if c.kind == cellFunc {
		v.fv = &funcval{fn: code}
	}
	return v
}

// load returns what the cell holds now, for store to put back.
func (c Cell) load() cellValue {
	switch c.kind {
	case cellFunc:
		fv := (*funcval)(atomic.LoadPointer((*unsafe.Pointer)(c.ptr)))
		v := cellValue{fv: fv}
		if fv != nil {
			v.code = fv.fn
		}
		return v
	case cellCode:
		return cellValue{code: atomic.LoadUintptr((*uintptr)(c.ptr))}
	}
	return cellValue{}
}

// store writes a prepared value. It does not allocate.
func (c Cell) store(v cellValue) {
	switch c.kind {
	case cellFunc:
		atomic.StorePointer((*unsafe.Pointer)(c.ptr), unsafe.Pointer(v.fv))
	case cellCode:
		atomic.StoreUintptr((*uintptr)(c.ptr), v.code)
	}
}
