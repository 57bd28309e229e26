package detours

import (
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"unsafe"

	"go.uber.org/zap"

	"github.com/k2io/detours/internal/textmem"
)

const ptrSize = int(unsafe.Sizeof(uintptr(0)))

// itabFunOffset is where the method table starts inside a runtime itab:
// interface type, concrete type, hash and padding come first.
const itabFunOffset = 3 * ptrSize

// TableEntry is one slot change of TableHooks. Offset is in bytes from the
// start of the table.
//
// With a non-zero Detour the slot is hooked: its current value is saved in
// *Original and the slot is set to Detour. With a zero Detour the slot is
// unhooked: it is set back to *Original, which is then cleared.
type TableEntry struct {
	Offset   int
	Original *uintptr
	Detour   uintptr
}

// TableHook hooks or unhooks one slot of a table of function pointers.
// Table hooks overwrite a single aligned word and never freeze threads.
func (e *Engine) TableHook(table uintptr, offset int, original *uintptr, detour uintptr) error {
	return e.TableHooks(table, []TableEntry{{Offset: offset, Original: original, Detour: detour}})
}

// TableHooks changes several slots of one table. Every entry is validated
// before any slot is written.
func (e *Engine) TableHooks(table uintptr, entries []TableEntry) error {
	const op = "table hook"
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if table == 0 || table%uintptr(ptrSize) != 0 {
		return newError(op, KindInvalidParameter, table, "table address must be non-nil and pointer aligned")
	}
	if len(entries) == 0 {
		return newError(op, KindInvalidParameter, table, "no entries")
	}

	seen := make(map[int]bool, len(entries))
	for _, en := range entries {
		if en.Offset < 0 || en.Offset%ptrSize != 0 {
			return newError(op, KindInvalidParameter, table, "offset %d is not a pointer aligned slot", en.Offset)
		}
		if seen[en.Offset] {
			return newError(op, KindInvalidParameter, table, "offset %d given twice", en.Offset)
		}
		seen[en.Offset] = true
		if en.Original == nil {
			return newError(op, KindInvalidParameter, table, "offset %d has no original cell", en.Offset)
		}
		slot := table + uintptr(en.Offset)
		cur := atomic.LoadUintptr((*uintptr)(unsafe.Pointer(slot)))
		if en.Detour != 0 {
			if *en.Original != 0 || cur == en.Detour {
				return newError(op, KindTargetAlreadyHooked, slot, "slot at offset %d is already hooked", en.Offset)
			}
		} else if *en.Original == 0 {
			return newError(op, KindInvalidState, slot, "slot at offset %d is not hooked", en.Offset)
		}
	}

	restores := make([]textmem.Restore, 0, len(entries))
	for _, en := range entries {
		slot := table + uintptr(en.Offset)
		r, err := e.mem.Unprotect(slot, uintptr(ptrSize))
		if err != nil {
			e.reprotect(restores)
			return &Error{Op: op, Kind: KindAllocationFailure, Target: slot, Detail: "table not writable", Cause: err}
		}
		restores = append(restores, r)
	}
	for _, en := range entries {
		p := (*uintptr)(unsafe.Pointer(table + uintptr(en.Offset)))
		if en.Detour != 0 {
			*en.Original = atomic.SwapUintptr(p, en.Detour)
		} else {
			atomic.StoreUintptr(p, *en.Original)
			*en.Original = 0
		}
	}
	e.reprotect(restores)
	e.logger.Debug("table slots written", zap.Uintptr("table", table), zap.Int("entries", len(entries)))
	return nil
}

// ClassID names a constructor registered with RegisterClass.
type ClassID string

// InterfaceID names an interface type registered with RegisterInterface.
type InterfaceID string

var registry = struct {
	sync.RWMutex
	classes map[ClassID]func() any
	ifaces  map[InterfaceID]reflect.Type
}{
	classes: make(map[ClassID]func() any),
	ifaces:  make(map[InterfaceID]reflect.Type),
}

// RegisterClass makes create available to ComTableHook under id.
func RegisterClass(id ClassID, create func() any) {
	registry.Lock()
	defer registry.Unlock()
	registry.classes[id] = create
}

// RegisterInterface makes the interface type I available to ComTableHook
// under id.
func RegisterInterface[I any](id InterfaceID) error {
	typ := InterfaceType[I]()
	if typ.Kind() != reflect.Interface || typ.NumMethod() == 0 {
		return newError("register interface", KindInvalidParameter, 0, "%s is not a non-empty interface", typ)
	}
	registry.Lock()
	defer registry.Unlock()
	registry.ifaces[id] = typ
	return nil
}

// InterfaceType returns the reflect.Type of the interface type I.
func InterfaceType[I any]() reflect.Type {
	return reflect.TypeOf((*I)(nil)).Elem()
}

// iface is the runtime layout of a non-empty interface value.
type iface struct {
	tab  unsafe.Pointer
	data unsafe.Pointer
}

// MethodTable returns the address of the method table the runtime uses to
// call the methods of iface on values of obj's dynamic type. Slot i holds
// the i-th method of iface in name order; see MethodOffset.
func MethodTable(obj any, ifaceType reflect.Type) (uintptr, error) {
	const op = "method table"
	if obj == nil || ifaceType == nil || ifaceType.Kind() != reflect.Interface || ifaceType.NumMethod() == 0 {
		return 0, newError(op, KindInvalidParameter, 0, "need an object and a non-empty interface type")
	}
	v := reflect.ValueOf(obj)
	if !v.Type().Implements(ifaceType) {
		return 0, newError(op, KindInvalidParameter, 0, "%s does not implement %s", v.Type(), ifaceType)
	}
	holder := reflect.New(ifaceType)
	holder.Elem().Set(v)
	i := (*iface)(holder.UnsafePointer())
	return uintptr(i.tab) + uintptr(itabFunOffset), nil
}

// MethodOffset returns the byte offset of the named method's slot in a
// method table of ifaceType.
func MethodOffset(ifaceType reflect.Type, name string) (int, error) {
	if ifaceType == nil || ifaceType.Kind() != reflect.Interface {
		return 0, newError("method offset", KindInvalidParameter, 0, "not an interface type")
	}
	m, ok := ifaceType.MethodByName(name)
	if !ok {
		return 0, newError("method offset", KindNotFound, 0, "%s has no method %s", ifaceType, name)
	}
	return m.Index * ptrSize, nil
}

// ComTableHook creates an object of the registered class, finds its method
// table for the registered interface and hooks the slot at offset.
func (e *Engine) ComTableHook(class ClassID, ifaceID InterfaceID, offset int, original *uintptr, detour uintptr) error {
	const op = "com table hook"
	registry.RLock()
	create, okc := registry.classes[class]
	typ, oki := registry.ifaces[ifaceID]
	registry.RUnlock()
	if !okc {
		return newError(op, KindNotFound, 0, "class %q not registered", class)
	}
	if !oki {
		return newError(op, KindNotFound, 0, "interface %q not registered", ifaceID)
	}
	if offset >= typ.NumMethod()*ptrSize {
		return newError(op, KindInvalidParameter, 0, "offset %d past the %d methods of %s", offset, typ.NumMethod(), typ)
	}
	obj := create()
	table, err := MethodTable(obj, typ)
	if err != nil {
		return fmt.Errorf("class %q: %w", class, err)
	}
	return e.TableHook(table, offset, original, detour)
}
