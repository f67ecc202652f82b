package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/wudi/oagw/internal/logging"
	"go.uber.org/zap"
)

// Watcher reloads the configuration file when it changes on disk.
type Watcher struct {
	watcher    *fsnotify.Watcher
	loader     *Loader
	configPath string
	onChange   func(*Config)
	debounce   time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	started bool
	done    chan struct{}
}

// NewWatcher creates a watcher for configPath. onChange receives every
// configuration that parses and validates; invalid edits are logged and
// the running configuration stays in place.
func NewWatcher(configPath string, onChange func(*Config)) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:    fsWatcher,
		loader:     NewLoader(),
		configPath: configPath,
		onChange:   onChange,
		debounce:   500 * time.Millisecond,
		done:       make(chan struct{}),
	}, nil
}

// SetDebounce sets the debounce duration for file changes
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// Start begins watching. The directory is watched rather than the file so
// editors that replace the file through a rename are still seen.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.configPath)); err != nil {
		return err
	}
	w.mu.Lock()
	w.started = true
	w.mu.Unlock()
	go w.watch()
	return nil
}

func (w *Watcher) watch() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.configPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Error("config watcher error", zap.Error(err))
		}
	}
}

// schedule collapses a burst of events into one reload.
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() { w.Reload() })
}

// Reload loads the file now and hands a valid result to the callback.
func (w *Watcher) Reload() error {
	cfg, err := w.loader.Load(w.configPath)
	if err != nil {
		logging.Error("failed to reload config",
			zap.String("path", w.configPath),
			zap.Error(err),
		)
		return err
	}
	logging.Info("configuration reloaded", zap.String("path", w.configPath))
	w.onChange(cfg)
	return nil
}

// Stop stops watching for changes
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	started := w.started
	w.mu.Unlock()
	err := w.watcher.Close()
	if started {
		<-w.done
	}
	return err
}
