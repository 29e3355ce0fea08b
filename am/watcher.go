package am

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/teranos/tenantpulse/errors"
	"github.com/teranos/tenantpulse/logger"
)

// ConfigWatcher watches a config file for changes and triggers reload callbacks
type ConfigWatcher struct {
	configPath     string
	watcher        *fsnotify.Watcher
	callbacks      []ReloadCallback
	mu             sync.RWMutex
	debounceTimer  *time.Timer
	debouncePeriod time.Duration
	load           func() (*Config, error)
	logger         *zap.SugaredLogger
	done           chan struct{}
}

// ReloadCallback is called with the freshly loaded config
type ReloadCallback func(*Config) error

// NewConfigWatcher creates a watcher on configPath. Reloads go through
// Reset + Load so env overrides keep applying.
func NewConfigWatcher(configPath string, log *zap.SugaredLogger) (*ConfigWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fsnotify watcher")
	}

	// Watch the directory: editors replace files via rename, which drops a file watch
	if err := watcher.Add(filepath.Dir(configPath)); err != nil {
		watcher.Close()
		return nil, errors.Wrapf(err, "failed to watch config file %s", configPath)
	}

	return &ConfigWatcher{
		configPath:     filepath.Clean(configPath),
		watcher:        watcher,
		debouncePeriod: 500 * time.Millisecond,
		load: func() (*Config, error) {
			Reset()
			return Load()
		},
		logger: logger.OrNop(log).Named("am"),
		done:   make(chan struct{}),
	}, nil
}

// OnReload registers a callback to be called when config is reloaded
func (cw *ConfigWatcher) OnReload(callback ReloadCallback) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.callbacks = append(cw.callbacks, callback)
}

// Start begins watching for config file changes
func (cw *ConfigWatcher) Start() {
	go cw.watchLoop()
}

func (cw *ConfigWatcher) watchLoop() {
	defer close(cw.done)
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != cw.configPath {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				cw.logger.Infow("Config watcher detected change",
					logger.FieldPath, event.Name,
					"op", event.Op.String())
				cw.scheduleReload()
			}

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.logger.Warnw("Config watcher error", logger.FieldError, err)
		}
	}
}

// scheduleReload debounces rapid file changes and triggers reload
func (cw *ConfigWatcher) scheduleReload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if cw.debounceTimer != nil {
		cw.debounceTimer.Stop()
	}
	cw.debounceTimer = time.AfterFunc(cw.debouncePeriod, func() {
		if err := cw.reload(); err != nil {
			cw.logger.Errorw("Config reload failed", logger.FieldError, err)
		}
	})
}

// reload loads the configuration and calls all callbacks
func (cw *ConfigWatcher) reload() error {
	newConfig, err := cw.load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if err := newConfig.Validate(); err != nil {
		return errors.Wrap(err, "reloaded config is invalid, keeping previous")
	}

	cw.logger.Infow("Config reloaded", logger.FieldPath, cw.configPath)

	cw.mu.RLock()
	callbacks := make([]ReloadCallback, len(cw.callbacks))
	copy(callbacks, cw.callbacks)
	cw.mu.RUnlock()

	for _, callback := range callbacks {
		if err := callback(newConfig); err != nil {
			cw.logger.Warnw("Config reload callback error", logger.FieldError, err)
		}
	}
	return nil
}

// Stop stops watching for config changes
func (cw *ConfigWatcher) Stop() error {
	cw.mu.Lock()
	if cw.debounceTimer != nil {
		cw.debounceTimer.Stop()
	}
	cw.mu.Unlock()
	err := cw.watcher.Close()
	<-cw.done
	return err
}
