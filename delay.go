package detours

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/k2io/detours/internal/modwatch"
)

// DelayResult reports how a delayed hook was resolved.
type DelayResult struct {
	Module   string
	Function string
	// Target is the resolved function, zero if it was not found.
	Target uintptr
	// Trampoline calls the original function, zero on failure.
	Trampoline uintptr
	Err        error
}

type delayedHook struct {
	cell     Cell
	detour   uintptr
	module   string
	function string
	callback func(DelayResult)
}

// DelayAttach hooks function of module once the module is loaded, which
// NotifyModuleLoaded reports. If the module is already known the hook is
// installed right away. callback, which may be nil, receives the outcome;
// state it needs can be captured by the closure.
func (e *Engine) DelayAttach(cell Cell, detour uintptr, module, function string, callback func(DelayResult)) error {
	const op = "delay attach"
	if err := cell.valid(); err != nil {
		return &Error{Op: op, Kind: KindInvalidParameter, Cause: err}
	}
	if detour == 0 || module == "" || function == "" {
		return newError(op, KindInvalidParameter, 0, "detour, module and function are required")
	}
	if e.isClosed() {
		return ErrClosed
	}
	d := &delayedHook{cell: cell, detour: detour, module: module, function: function, callback: callback}

	e.delayMu.Lock()
	m, ok := e.loaded[module]
	if !ok {
		e.delayed = append(e.delayed, d)
		e.delayMu.Unlock()
		e.logger.Debug("hook delayed", zap.String("module", module), zap.String("function", function))
		return nil
	}
	e.delayMu.Unlock()
	return e.resolveDelayed(m, d)
}

// NotifyModuleLoaded records that m is available and installs every
// delayed hook waiting for it. Hooks that fail report through their
// callback; hooks that could not run because a transaction was open stay
// queued for the next notification.
func (e *Engine) NotifyModuleLoaded(m Module) error {
	if m == nil {
		return newError("notify module", KindInvalidParameter, 0, "nil module")
	}
	if e.isClosed() {
		return ErrClosed
	}
	name := m.Name()
	e.delayMu.Lock()
	e.loaded[name] = m
	var ready, rest []*delayedHook
	for _, d := range e.delayed {
		if d.module == name {
			ready = append(ready, d)
		} else {
			rest = append(rest, d)
		}
	}
	e.delayed = rest
	e.delayMu.Unlock()

	e.logger.Debug("module loaded", zap.String("module", name), zap.Int("delayed", len(ready)))
	var errs []error
	for _, d := range ready {
		if err := e.resolveDelayed(m, d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Delayed returns the number of hooks waiting for their module.
func (e *Engine) Delayed() int {
	e.delayMu.Lock()
	defer e.delayMu.Unlock()
	return len(e.delayed)
}

func (e *Engine) resolveDelayed(m Module, d *delayedHook) error {
	res := DelayResult{Module: d.module, Function: d.function}
	addr, err := m.Lookup(d.function)
	if err != nil {
		res.Err = &Error{Op: "delay attach", Kind: KindNotFound, Detail: d.module + "." + d.function, Cause: err}
	} else {
		res.Target = addr
		saved := d.cell.load()
		d.cell.store(d.cell.prepare(addr))
		res.Err = e.InlineHook(true, d.cell, d.detour)
		if res.Err != nil {
			d.cell.store(saved)
		}
		if errors.Is(res.Err, ErrAlreadyOpen) {
			e.delayMu.Lock()
			e.delayed = append(e.delayed, d)
			e.delayMu.Unlock()
			e.logger.Debug("delayed hook waits for the open transaction", zap.String("function", d.function))
			return res.Err
		}
		if res.Err == nil {
			res.Trampoline = d.cell.Code()
		}
	}
	if res.Err != nil {
		e.logger.Warn("delayed hook failed",
			zap.String("module", d.module),
			zap.String("function", d.function),
			zap.Error(res.Err),
		)
	}
	if d.callback != nil {
		d.callback(res)
	}
	return res.Err
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// WatchPlugins opens every shared object that appears in the configured
// plugin directory and reports it to NotifyModuleLoaded, so delayed hooks
// on plugins install themselves. The returned function stops watching.
func (e *Engine) WatchPlugins(ctx context.Context) (func(), error) {
	dir := e.cfg.Delay.PluginDir
	if dir == "" {
		return nil, newError("watch plugins", KindInvalidParameter, 0, "no plugin directory configured")
	}
	if e.isClosed() {
		return nil, ErrClosed
	}
	w := modwatch.New(dir, e.cfg.Delay.Debounce, e.pluginOpener, func(p modwatch.Plugin) error {
		return e.NotifyModuleLoaded(p)
	}, e.logger.Named("modwatch"))
	if err := w.Start(ctx); err != nil {
		return nil, &Error{Op: "watch plugins", Kind: KindNotFound, Detail: dir, Cause: err}
	}
	return w.Stop, nil
}
