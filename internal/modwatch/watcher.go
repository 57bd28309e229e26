// Package modwatch loads shared objects dropped into a directory and
// reports each one once it has been opened.
package modwatch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ErrUnsupported is returned by OpenPlugin on builds without plugin support.
var ErrUnsupported = errors.New("plugins not supported by this build")

// Plugin is an opened shared object whose symbols can be looked up.
type Plugin interface {
	Name() string
	Lookup(symbol string) (uintptr, error)
}

// Opener opens the shared object at path.
type Opener func(path string) (Plugin, error)

// Watcher opens every .so file that appears in a directory and hands it to
// onLoad. A file is opened once; later writes to it are ignored.
type Watcher struct {
	dir      string
	debounce time.Duration
	open     Opener
	onLoad   func(Plugin) error
	logger   *zap.Logger

	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	pending  map[string]*time.Timer
	loaded   map[string]bool
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New creates a watcher for dir. A nil open means OpenPlugin.
func New(dir string, debounce time.Duration, open Opener, onLoad func(Plugin) error, logger *zap.Logger) *Watcher {
	if open == nil {
		open = OpenPlugin
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		dir:      dir,
		debounce: debounce,
		open:     open,
		onLoad:   onLoad,
		logger:   logger,
		pending:  make(map[string]*time.Timer),
		loaded:   make(map[string]bool),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start loads the objects already in the directory and then watches it
// until ctx is done or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.dir); err != nil {
		fsw.Close()
		return err
	}

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		fsw.Close()
		return err
	}
	for _, ent := range entries {
		if !ent.IsDir() && isObject(ent.Name()) {
			w.schedule(filepath.Join(w.dir, ent.Name()))
		}
	}

	w.watcher = fsw
	go w.loop(ctx)
	w.logger.Info("plugin watcher started", zap.String("dir", w.dir))
	return nil
}

// Stop shuts down the watcher and waits for its loop to exit. Loads
// already running finish first.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		if w.watcher != nil {
			w.watcher.Close()
			<-w.done
		}
		w.mu.Lock()
		for path, t := range w.pending {
			t.Stop()
			delete(w.pending, path)
		}
		w.mu.Unlock()
	})
}

// Loaded reports whether the object at path has been handed to onLoad.
func (w *Watcher) Loaded(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.loaded[path]
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !isObject(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.logger.Debug("plugin file changed", zap.String("file", filepath.Base(event.Name)))
			w.schedule(event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("plugin watcher error", zap.Error(err))

		case <-ctx.Done():
			return

		case <-w.stopCh:
			return
		}
	}
}

// schedule loads path once no event for it arrived for the debounce period,
// so a file still being copied is not opened half written.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.loaded[path] {
		return
	}
	if t, ok := w.pending[path]; ok {
		t.Stop()
	}
	w.pending[path] = time.AfterFunc(w.debounce, func() {
		w.load(path)
	})
}

func (w *Watcher) load(path string) {
	w.mu.Lock()
	delete(w.pending, path)
	if w.loaded[path] {
		w.mu.Unlock()
		return
	}
	select {
	case <-w.stopCh:
		w.mu.Unlock()
		return
	default:
	}
	w.loaded[path] = true
	w.mu.Unlock()

	p, err := w.open(path)
	if err != nil {
		w.logger.Error("plugin open failed", zap.String("file", path), zap.Error(err))
		w.mu.Lock()
		// a later write retries
		delete(w.loaded, path)
		w.mu.Unlock()
		return
	}
	w.logger.Info("plugin loaded", zap.String("file", path), zap.String("module", p.Name()))
	if err := w.onLoad(p); err != nil {
		w.logger.Warn("plugin hooks failed", zap.String("module", p.Name()), zap.Error(err))
	}
}

func isObject(name string) bool {
	return strings.HasSuffix(name, ".so")
}
