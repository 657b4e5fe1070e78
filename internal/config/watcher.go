package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// ReloadCallback receives a freshly loaded and validated config.
type ReloadCallback func(cfg *Config)

// WatcherConfig holds configuration for the watcher
type WatcherConfig struct {
	Path string
	// Debounce is how long the file must stay quiet before reloading.
	Debounce time.Duration
	OnReload ReloadCallback
	// OnError is called when a changed file fails to load or validate.
	// The previous config stays in effect.
	OnError func(err error)
}

// Watcher reloads the config file when it changes on disk
type Watcher struct {
	watcher  *fsnotify.Watcher
	loader   *Loader
	path     string
	debounce time.Duration
	onReload ReloadCallback
	onError  func(err error)

	done     chan struct{}
	timer    *time.Timer
	timerMu  sync.Mutex
	stopOnce sync.Once
}

// NewWatcher creates a config watcher
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("config path is required")
	}
	if cfg.OnReload == nil {
		return nil, fmt.Errorf("reload callback is required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 200 * time.Millisecond
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	path := filepath.Clean(cfg.Path)
	return &Watcher{
		watcher:  watcher,
		loader:   NewLoader(path),
		path:     path,
		debounce: cfg.Debounce,
		onReload: cfg.OnReload,
		onError:  cfg.OnError,
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching. The parent directory is watched so editors that
// replace the file by rename are still seen.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	go w.eventLoop()

	log.Info().Str("path", w.path).Msg("Config watcher started")
	return nil
}

// Stop stops the watcher
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() {
		close(w.done)
	})

	w.timerMu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.timerMu.Unlock()

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	log.Info().Msg("Config watcher stopped")
	return nil
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Config watcher error")

		case <-w.done:
			return
		}
	}
}

// schedule restarts the debounce timer.
func (w *Watcher) schedule() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.done:
			return
		default:
			w.reload()
		}
	})
}

func (w *Watcher) reload() {
	cfg, err := w.loader.Load()
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		log.Warn().Err(err).Str("path", w.path).Msg("Ignoring invalid config change")
		if w.onError != nil {
			w.onError(err)
		}
		return
	}

	log.Info().Str("path", w.path).Msg("Config reloaded")
	w.onReload(cfg)
}
