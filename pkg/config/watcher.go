package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc receives each successfully reloaded configuration.
type ReloadFunc func(ctx context.Context, cfg *Config)

// Watcher reloads a config file when it changes on disk. The parent directory
// is watched so editors that replace the file by rename are still seen.
// Invalid edits are logged and the previous configuration stays in effect.
type Watcher struct {
	mu       sync.Mutex
	path     string
	watcher  *fsnotify.Watcher
	onChange ReloadFunc
	load     func(string) (*Config, error)
	debounce time.Duration
	running  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	logger   *slog.Logger
}

// NewWatcher creates a watcher for path. Call Start to begin watching.
func NewWatcher(path string, onChange ReloadFunc) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("config: watcher needs a file path")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: resolve %s: %w", path, err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	return &Watcher{
		path:     abs,
		watcher:  fw,
		onChange: onChange,
		load:     Load,
		debounce: 100 * time.Millisecond,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		logger:   slog.Default().With("component", "config"),
	}, nil
}

// Start watches in a background goroutine until ctx is cancelled or Close is
// called. Starting twice is a no-op.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("config: watch %s: %w", filepath.Dir(w.path), err)
	}
	w.running = true
	go w.run(ctx)
	w.logger.InfoContext(ctx, "watching config", "path", w.path)
	return nil
}

// Close stops the watcher and waits for the loop to exit.
func (w *Watcher) Close() error {
	w.mu.Lock()
	running := w.running
	w.running = false
	w.mu.Unlock()
	if running {
		close(w.stopCh)
		<-w.doneCh
	}
	return w.watcher.Close()
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	tick := time.NewTicker(w.debounce / 2)
	defer tick.Stop()
	var pending time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.Now().Add(w.debounce)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WarnContext(ctx, "config watcher error", "error", err)
		case now := <-tick.C:
			if pending.IsZero() || now.Before(pending) {
				continue
			}
			pending = time.Time{}
			w.reload(ctx)
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	cfg, err := w.load(w.path)
	if err != nil {
		w.logger.ErrorContext(ctx, "config reload rejected, keeping previous", "path", w.path, "error", err)
		return
	}
	w.logger.InfoContext(ctx, "config reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(ctx, cfg)
	}
}
