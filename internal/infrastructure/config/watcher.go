package config

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher hot-reloads the project-local config.yaml and notifies listeners
// with the freshly parsed tree. Only tunables that are safe to change at
// runtime (log level, compaction thresholds) should be applied by listeners.
type Watcher struct {
	watcher   *fsnotify.Watcher
	logger    *zap.Logger
	mu        sync.Mutex
	listeners []func(*Config)
	done      chan struct{}
}

// NewWatcher starts watching the local config file if one exists. Returns
// nil without error when there is nothing to watch.
func NewWatcher(logger *zap.Logger) (*Watcher, error) {
	path := ""
	for _, candidate := range []string{"./config/config.yaml", "./config.yaml"} {
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
			break
		}
	}
	if path == "" {
		return nil, nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// watch the directory: editors replace files on save
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		watcher: fw,
		logger:  logger,
		done:    make(chan struct{}),
	}
	go w.loop(filepath.Base(path))
	return w, nil
}

// OnReload registers a listener invoked with each successfully reloaded
// config.
func (w *Watcher) OnReload(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

// Close stops the watcher.
func (w *Watcher) Close() {
	close(w.done)
	w.watcher.Close()
}

func (w *Watcher) loop(filename string) {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != filename {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load()
			if err != nil {
				w.logger.Warn("Config reload failed", zap.Error(err))
				continue
			}
			w.logger.Info("Config reloaded", zap.String("file", ev.Name))
			w.mu.Lock()
			listeners := make([]func(*Config), len(w.listeners))
			copy(listeners, w.listeners)
			w.mu.Unlock()
			for _, fn := range listeners {
				fn(cfg)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error", zap.Error(err))
		}
	}
}
