package config

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/moolen/faultline/internal/logging"
)

// ReloadCallback is called when the adapters file is successfully reloaded.
// If the callback returns an error, it is logged but the watcher continues watching.
type ReloadCallback func(config *AdaptersFile) error

// AdaptersWatcherConfig holds configuration for the AdaptersWatcher.
type AdaptersWatcherConfig struct {
	// FilePath is the path to the adapters YAML file to watch
	FilePath string

	// DebounceMillis coalesces change events within this period into one reload.
	// Default: 500ms
	DebounceMillis int
}

// AdaptersWatcher watches the adapters file and triggers reload callbacks
// with debouncing, so an editor's save sequence reloads once.
//
// Invalid files during reload are logged and skipped; the previous valid
// selection policy stays in force.
type AdaptersWatcher struct {
	config   AdaptersWatcherConfig
	callback ReloadCallback
	cancel   context.CancelFunc
	stopped  chan struct{}
	ready    chan struct{} // closed once the fsnotify watcher is initialized
	mu       sync.Mutex
	logger   *logging.Logger

	debounceTimer *time.Timer
}

// NewAdaptersWatcher creates a new watcher for the given file.
// The callback will be invoked when the file changes and the new file is valid.
func NewAdaptersWatcher(config AdaptersWatcherConfig, callback ReloadCallback) (*AdaptersWatcher, error) {
	if config.FilePath == "" {
		return nil, fmt.Errorf("FilePath cannot be empty")
	}
	if callback == nil {
		return nil, fmt.Errorf("callback cannot be nil")
	}
	if config.DebounceMillis == 0 {
		config.DebounceMillis = 500
	}

	return &AdaptersWatcher{
		config:   config,
		callback: callback,
		stopped:  make(chan struct{}),
		ready:    make(chan struct{}),
		logger:   logging.GetLogger("config.watcher"),
	}, nil
}

// Name implements lifecycle.Component.
func (w *AdaptersWatcher) Name() string {
	return "adapters-watcher"
}

// Start loads the initial file, calls the callback and then watches for
// changes in the background. It returns once the watch is established.
func (w *AdaptersWatcher) Start(ctx context.Context) error {
	initialConfig, err := LoadAdaptersFile(w.config.FilePath)
	if err != nil {
		return fmt.Errorf("failed to load initial config: %w", err)
	}

	// Fail fast if the initial file cannot be applied
	if err := w.callback(initialConfig); err != nil {
		return fmt.Errorf("initial callback failed: %w", err)
	}

	w.logger.Info("Loaded initial adapters config from %s", w.config.FilePath)

	// The watch outlives Start's ctx; Stop ends it.
	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.cancel = cancel

	go w.watchLoop(watchCtx)

	select {
	case <-w.ready:
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		return fmt.Errorf("timeout waiting for file watcher to initialize")
	}

	return nil
}

// signalReady safely closes the ready channel exactly once
func (w *AdaptersWatcher) signalReady() {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.ready:
	default:
		close(w.ready)
	}
}

func (w *AdaptersWatcher) watchLoop(ctx context.Context) {
	defer close(w.stopped)
	defer w.signalReady()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Error("Failed to create file watcher: %v", err)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(w.config.FilePath); err != nil {
		w.logger.Error("Failed to watch file %s: %v", w.config.FilePath, err)
		return
	}

	w.logger.Debug("Watching %s for changes (debounce: %dms)", w.config.FilePath, w.config.DebounceMillis)
	w.signalReady()

	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.debounceTimer != nil {
				w.debounceTimer.Stop()
			}
			w.mu.Unlock()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				w.logger.Warn("Watcher events channel closed")
				return
			}

			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			// Atomic saves unlink the old inode; re-add the watch on the new file.
			if event.Op&(fsnotify.Rename|fsnotify.Remove) != 0 {
				time.Sleep(50 * time.Millisecond)
				if err := watcher.Add(w.config.FilePath); err != nil {
					w.logger.Warn("Failed to re-add watch after %s: %v", event.Op, err)
				}
			}
			w.handleFileChange(ctx)

		case err, ok := <-watcher.Errors:
			if !ok {
				w.logger.Warn("Watcher errors channel closed")
				return
			}
			w.logger.Error("Watcher error: %v", err)
		}
	}
}

// handleFileChange resets the debounce timer on each event.
func (w *AdaptersWatcher) handleFileChange(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(
		time.Duration(w.config.DebounceMillis)*time.Millisecond,
		func() { w.reloadConfig(ctx) },
	)
}

func (w *AdaptersWatcher) reloadConfig(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	newConfig, err := LoadAdaptersFile(w.config.FilePath)
	if err != nil {
		w.logger.Warn("Failed to reload adapters config, keeping previous: %v", err)
		return
	}
	if err := w.callback(newConfig); err != nil {
		w.logger.Error("Adapters reload callback failed (continuing to watch): %v", err)
		return
	}
	w.logger.Info("Adapters config reloaded from %s", w.config.FilePath)
}

// Stop stops the watcher and waits up to 5 seconds for the loop to exit.
func (w *AdaptersWatcher) Stop(ctx context.Context) error {
	if w.cancel != nil {
		w.cancel()
	} else {
		return nil
	}

	select {
	case <-w.stopped:
		w.logger.Debug("Adapters watcher stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		return fmt.Errorf("timeout waiting for watcher to stop")
	}
}
