package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Quiet period after the last change before a restart is requested.
const settleDelay = 500 * time.Millisecond

// Watches the configuration file and calls a function once it changes.
// Implements suture.Service.
type Watcher struct {
	path     string       // Watched file.
	onChange func()       // Called after the file settles.
	logger   *slog.Logger // Diagnostics destination.
	delay    time.Duration
}

// Creates a watcher for the file at path.
func NewWatcher(path string, onChange func(), logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{path: filepath.Clean(path), onChange: onChange, logger: logger, delay: settleDelay}
}

// Watches until ctx is cancelled.
//
// The parent directory is watched so that files replaced by rename, as
// editors do, are still noticed.
func (w *Watcher) Serve(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	w.logger.Debug("watching configuration", "path", w.path)

	var settle <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path || ev.Op == fsnotify.Chmod {
				continue
			}
			settle = time.After(w.delay)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("configuration watch error", "error", err)

		case <-settle:
			settle = nil
			w.logger.Info("configuration changed", "path", w.path)
			w.onChange()
		}
	}
}

func (w *Watcher) String() string {
	return "config-watch(" + w.path + ")"
}
