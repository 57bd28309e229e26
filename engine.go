// Package detours intercepts calls to functions of the running process.
//
// A hook overwrites the first instructions of a target function with a jump
// to a detour function. The overwritten instructions are relocated into a
// trampoline, so the original behavior stays callable. Hooks are applied in
// transactions: Begin, any number of Attach and Detach calls, then Commit to
// apply all of them at once or Abort to drop them.
//
// Detours must be top-level functions. A redirected call enters the detour
// without a closure context, so closures that capture variables can not be
// used as detours.
package detours

import (
	"sync"

	"go.uber.org/zap"

	"github.com/k2io/detours/config"
	"github.com/k2io/detours/internal/modwatch"
	"github.com/k2io/detours/internal/region"
	"github.com/k2io/detours/internal/textmem"
	"github.com/k2io/detours/internal/threadctl"
)

// Engine owns the hooks, trampolines and the transaction slot of one
// process. Most programs use Default.
type Engine struct {
	logger *zap.Logger
	cfg    *config.Config
	alloc  *region.Allocator
	mapper region.Mapper
	ctl    threadctl.Controller
	mem    textmem.Protector

	mu       sync.Mutex
	tx       *transaction
	closed   bool
	nextID   uint64
	byTarget map[uintptr]*hook
	byTramp  map[uintptr]*hook

	delayMu      sync.Mutex
	delayed      []*delayedHook
	loaded       map[string]Module
	pluginOpener modwatch.Opener
}

// Option customizes an Engine.
type Option func(*Engine)

// WithThreadController replaces the controller used to freeze threads
// during Commit.
func WithThreadController(c threadctl.Controller) Option {
	return func(e *Engine) { e.ctl = c }
}

// WithMapper replaces the source of executable memory for trampolines.
func WithMapper(m region.Mapper) Option {
	return func(e *Engine) { e.mapper = m }
}

// WithPluginOpener replaces how WatchPlugins opens shared objects.
func WithPluginOpener(open func(path string) (Module, error)) Option {
	return func(e *Engine) {
		e.pluginOpener = func(path string) (modwatch.Plugin, error) {
			m, err := open(path)
			if err != nil {
				return nil, err
			}
			return m, nil
		}
	}
}

// WithProtector replaces the page protection primitive used to patch code.
func WithProtector(p textmem.Protector) Option {
	return func(e *Engine) { e.mem = p }
}

// New creates an engine. A nil cfg means config.DefaultConfig and a nil
// logger discards everything.
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, &Error{Op: "new", Kind: KindInvalidParameter, Cause: err}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		logger:   logger,
		cfg:      cfg,
		byTarget: make(map[uintptr]*hook),
		byTramp:  make(map[uintptr]*hook),
		loaded:   make(map[string]Module),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.mapper == nil {
		e.mapper = region.NewMapper()
	}
	if e.mem == nil {
		e.mem = textmem.NewHost()
	}
	if e.ctl == nil {
		ws, err := threadctl.NewWorldStopper(logger)
		if err != nil {
			logger.Warn("thread suspension unavailable", zap.Error(err))
			e.ctl = unavailable{err}
		} else {
			e.ctl = ws
		}
	}
	e.alloc = region.New(e.mapper, cfg.Allocator.RegionSize, logger)
	return e, nil
}

// unavailable fails every freeze with the reason suspension is missing.
type unavailable struct {
	err error
}

func (u unavailable) Freeze() (threadctl.Frozen, error) {
	return nil, u.err
}

var (
	defaultOnce   sync.Once
	defaultEngine *Engine
	defaultErr    error
)

// Default returns the process wide engine, created on first use from the
// default config with environment overrides applied. It logs through
// zap.L().
func Default() *Engine {
	defaultOnce.Do(func() {
		cfg := config.DefaultConfig()
		cfg.ApplyEnvOverrides()
		defaultEngine, defaultErr = New(cfg, zap.L())
		if defaultErr != nil {
			// environment overrides made the config invalid
			defaultEngine, defaultErr = New(config.DefaultConfig(), zap.L())
		}
	})
	return defaultEngine
}

// Regions returns the number of mapped trampoline regions.
func (e *Engine) Regions() int {
	return e.alloc.Regions()
}

// Shutdown aborts any open transaction, detaches every attached hook in one
// transaction, unmaps all trampoline memory and invalidates the engine.
// Every later call returns ErrClosed.
func (e *Engine) Shutdown() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return newError("shutdown", KindClosed, 0, "engine already shut down")
	}
	if e.tx != nil {
		e.rollback(e.tx)
		e.tx = nil
	}

	var err error
	tx := &transaction{suspend: e.cfg.Transaction.SuspendThreads}
	for _, h := range e.byTarget {
		if h.state != Attached {
			continue
		}
		if qerr := e.queueDetach(tx, h, h.cell); qerr != nil {
			err = qerr
		}
	}
	if err == nil && len(tx.changes) > 0 {
		err = e.apply("shutdown", tx)
	} else if err != nil {
		e.rollback(tx)
	}
	if err != nil {
		// leave the engine usable so the caller can retry
		return err
	}

	e.closed = true
	e.delayMu.Lock()
	e.delayed = nil
	e.delayMu.Unlock()
	if cerr := e.alloc.Close(); cerr != nil {
		e.logger.Warn("unmapping trampoline regions failed", zap.Error(cerr))
	}
	e.logger.Info("engine shut down")
	return nil
}
