// control/hotreload.go
// Author: momentics <momentics@gmail.com>
//
// Watches the configuration file and installs every valid new version into
// a ConfigStore.

package control

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce is the quiet period after the last file event before the
// configuration is reloaded.
const DefaultDebounce = 200 * time.Millisecond

// Watcher reloads a configuration file on change.
type Watcher struct {
	path     string
	store    *ConfigStore
	debounce time.Duration
	logger   *zap.Logger

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher creates a watcher for path feeding store.
func NewWatcher(path string, store *ConfigStore, debounce time.Duration, logger *zap.Logger) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		path:     filepath.Clean(path),
		store:    store,
		debounce: debounce,
		logger:   logger,
	}
}

// Run watches until ctx is done. The parent directory is watched so that
// editors replacing the file by rename are seen.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}
	defer w.stopTimer()

	w.logger.Info("config watcher started", zap.String("path", w.path), zap.Duration("debounce", w.debounce))
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("config watcher stopped")
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if filepath.Clean(ev.Name) != w.path || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Debug("config file event", zap.String("op", ev.Op.String()))
			w.trigger()
		case err, ok := <-fw.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			w.logger.Error("config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) trigger() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() { _ = w.Reload() })
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}

// Reload loads the file now. An invalid file leaves the current
// configuration in place.
func (w *Watcher) Reload() error {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("config reload rejected", zap.Error(err))
		return err
	}
	if static := StaticChanges(w.store.Get(), cfg); len(static) > 0 {
		w.logger.Warn("config changes need a restart and are ignored", zap.Strings("sections", static))
	}
	w.store.Set(cfg)
	w.logger.Info("config reloaded", zap.String("path", w.path))
	return nil
}
