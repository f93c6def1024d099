package config

import (
	"context"
	"crypto/sha256"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatcherCallback receives every successfully reloaded config. It runs on
// the watcher goroutine.
type WatcherCallback func(newCfg *Config)

// Watcher reloads a config file when it changes. fsnotify gives fast
// notification on ordinary filesystems; a content-hash poll catches
// Kubernetes ConfigMap symlink swaps that inotify misses.
type Watcher struct {
	path         string
	dir          string
	callback     WatcherCallback
	logger       *slog.Logger
	debounce     time.Duration
	pollInterval time.Duration

	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
}

// NewWatcher creates a config file watcher. Nothing is watched until Start.
func NewWatcher(path string, callback WatcherCallback, logger *slog.Logger) *Watcher {
	return &Watcher{
		path:         path,
		dir:          filepath.Dir(path),
		callback:     callback,
		logger:       logger,
		debounce:     300 * time.Millisecond,
		pollInterval: 2 * time.Second,
	}
}

// Start watches until ctx is canceled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	// Watch the directory so atomic rename-into-place saves are seen.
	if err := fw.Add(w.dir); err != nil {
		return err
	}

	w.logger.Info("config watcher started", "path", w.path)

	lastHash := hashFile(w.path)
	poll := time.NewTicker(w.pollInterval)
	defer poll.Stop()

	var debounce *time.Timer
	var debounceCh <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			w.logger.Info("config watcher stopped")
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(ev) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.NewTimer(w.debounce)
			debounceCh = debounce.C

		case <-debounceCh:
			debounceCh = nil
			lastHash = hashFile(w.path)
			w.reload()

		case <-poll.C:
			if h := hashFile(w.path); h != lastHash {
				lastHash = h
				w.logger.Debug("config change detected via polling", "path", w.path)
				w.reload()
			}

		case werr, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("config watcher error", "error", werr)
		}
	}
}

// relevant reports whether an fsnotify event concerns the config file.
func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
		return false
	}
	base := filepath.Base(ev.Name)
	return ev.Name == w.path || base == filepath.Base(w.path) || base == "..data"
}

func (w *Watcher) reload() {
	cfg, err := LoadFromPath(w.path)
	if err != nil {
		w.logger.Error("config reload failed, keeping old config", "error", err)
		return
	}
	w.logger.Info("config reloaded", "path", w.path)
	w.callback(cfg)
}

// Stop terminates a running Start. Safe to call more than once.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	if w.cancel != nil {
		w.cancel()
	}
}

// hashFile returns the SHA-256 of the file content, or "" when unreadable.
func hashFile(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return ""
	}
	return string(h.Sum(nil))
}
