package detours

import (
	"sort"

	"go.uber.org/zap"

	"github.com/k2io/detours/internal/trampoline"
)

// State is where a hook is in its lifecycle.
type State uint8

const (
	Detached State = iota
	PendingAttach
	Attached
	PendingDetach
)

func (s State) String() string {
	switch s {
	case Detached:
		return "detached"
	case PendingAttach:
		return "pending-attach"
	case Attached:
		return "attached"
	case PendingDetach:
		return "pending-detach"
	}
	return "unknown"
}

type hook struct {
	id     uint64
	target uintptr
	detour uintptr
	tramp  *trampoline.Trampoline
	state  State
	// cell is the cell that was pointed at the trampoline
	cell Cell
}

// HookInfo is a snapshot of one inline hook.
type HookInfo struct {
	ID         uint64
	Target     uintptr
	Detour     uintptr
	Trampoline uintptr
	State      State
}

func (h *hook) info() HookInfo {
	return HookInfo{
		ID:         h.id,
		Target:     h.target,
		Detour:     h.detour,
		Trampoline: h.tramp.Addr,
		State:      h.state,
	}
}

// Hooks lists every hook the engine currently tracks, oldest first.
func (e *Engine) Hooks() []HookInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]HookInfo, 0, len(e.byTarget))
	for _, h := range e.byTarget {
		out = append(out, h.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Lookup returns the hook on target, if any.
func (e *Engine) Lookup(target uintptr) (HookInfo, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.byTarget[target]
	if !ok {
		return HookInfo{}, false
	}
	return h.info(), true
}

func (e *Engine) track(h *hook) {
	e.nextID++
	h.id = e.nextID
	e.byTarget[h.target] = h
	e.byTramp[h.tramp.Addr] = h
}

// forget drops the hook and frees its trampoline.
func (e *Engine) forget(h *hook) {
	delete(e.byTarget, h.target)
	delete(e.byTramp, h.tramp.Addr)
	h.state = Detached
	if h.tramp.Slot != nil {
		if err := e.alloc.Release(h.tramp.Slot); err != nil {
			e.logger.Warn("trampoline release failed", zap.Uintptr("target", h.target), zap.Error(err))
		}
	}
}
