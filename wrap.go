package detours

import (
	"fmt"

	"go.uber.org/zap"
)

// Hook is one entry of a batch for InlineHooks and InitInlineHooks.
type Hook struct {
	// FuncName is the symbol InitInlineHooks resolves into Cell.
	FuncName string
	Cell     Cell
	Detour   uintptr
}

// NewHook builds a Hook from a func variable and its detour.
func NewHook[F any](funcName string, target *F, detour F) Hook {
	return Hook{FuncName: funcName, Cell: FuncCell(target), Detour: FuncPC(detour)}
}

// InlineHook attaches (enable) or detaches detour on cell in a transaction
// of its own.
func (e *Engine) InlineHook(enable bool, cell Cell, detour uintptr) error {
	return e.InlineHooks(enable, []Hook{{Cell: cell, Detour: detour}})
}

// InlineHooks attaches or detaches every hook in one transaction. Either
// all of them change or none does.
func (e *Engine) InlineHooks(enable bool, hooks []Hook) error {
	if len(hooks) == 0 {
		return newError("inline hooks", KindInvalidParameter, 0, "no hooks")
	}
	if err := e.Begin(e.cfg.Transaction.SuspendThreads); err != nil {
		return err
	}
	for i, h := range hooks {
		var err error
		if enable {
			err = e.Attach(h.Cell, h.Detour)
		} else {
			err = e.Detach(h.Cell, h.Detour)
		}
		if err != nil {
			if aerr := e.Abort(); aerr != nil {
				e.logger.Warn("abort after failed hook", zap.Error(aerr))
			}
			if h.FuncName != "" {
				return fmt.Errorf("%s: %w", h.FuncName, err)
			}
			if len(hooks) > 1 {
				return fmt.Errorf("hook %d: %w", i, err)
			}
			return err
		}
	}
	return e.Commit()
}

// InitInlineHooks resolves every FuncName in m and stores the address in
// the hook's cell, ready for InlineHooks. No cell is written unless every
// name resolves.
func (e *Engine) InitInlineHooks(m Module, hooks []Hook) error {
	const op = "init inline hooks"
	if m == nil || len(hooks) == 0 {
		return newError(op, KindInvalidParameter, 0, "no module or no hooks")
	}
	values := make([]cellValue, len(hooks))
	for i, h := range hooks {
		if err := h.Cell.valid(); err != nil {
			return &Error{Op: op, Kind: KindInvalidParameter, Detail: h.FuncName, Cause: err}
		}
		if h.FuncName == "" {
			return newError(op, KindInvalidParameter, 0, "hook %d has no function name", i)
		}
		addr, err := m.Lookup(h.FuncName)
		if err != nil {
			return &Error{Op: op, Kind: KindNotFound, Detail: fmt.Sprintf("%s in %s", h.FuncName, m.Name()), Cause: err}
		}
		values[i] = h.Cell.prepare(addr)
	}
	for i, h := range hooks {
		h.Cell.store(values[i])
	}
	return nil
}

// Begin opens a transaction on the Default engine.
func Begin(suspendThreads bool) error {
	return Default().Begin(suspendThreads)
}

// Commit commits the open transaction of the Default engine.
func Commit() error {
	return Default().Commit()
}

// Abort aborts the open transaction of the Default engine.
func Abort() error {
	return Default().Abort()
}

// Attach queues a hook of the function *target onto detour in the open
// transaction of the Default engine. After commit *target calls the
// original function.
func Attach[F any](target *F, detour F) error {
	return Default().Attach(FuncCell(target), FuncPC(detour))
}

// Detach queues the removal of the hook held by *target.
func Detach[F any](target *F, detour F) error {
	return Default().Detach(FuncCell(target), FuncPC(detour))
}

// InlineHook hooks or unhooks *target in a transaction of its own on the
// Default engine.
func InlineHook[F any](enable bool, target *F, detour F) error {
	return Default().InlineHook(enable, FuncCell(target), FuncPC(detour))
}
