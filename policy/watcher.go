package policy

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// DefaultDebounce is the quiet period after the last file event before a reload.
const DefaultDebounce = 100 * time.Millisecond

// Watcher reloads a Table whenever its policy file changes on disk.
type Watcher struct {
	table    *Table
	path     string
	debounce time.Duration
	logger   log.FieldLogger
}

// NewWatcher creates a watcher for path. A debounce of 0 uses DefaultDebounce.
func NewWatcher(table *Table, path string, debounce time.Duration, logger log.FieldLogger) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = table.logger
	}
	return &Watcher{
		table:    table,
		path:     filepath.Clean(path),
		debounce: debounce,
		logger:   logger.WithField("component", "policy_watcher"),
	}
}

// Run blocks until ctx is cancelled. The parent directory is watched rather
// than the file itself so that editors replacing the file are picked up.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}

	w.logger.WithFields(log.Fields{
		"path":        w.path,
		"debounce_ms": w.debounce.Milliseconds(),
	}).Info("policy watcher started")

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("policy watcher stopped")
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			w.logger.WithField("op", event.Op.String()).Debug("policy file changed")

			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				if err := w.table.Reload(ctx); err == nil {
					w.logger.WithField("version", w.table.Version()).Info("policy reloaded from file change")
				}
			})
			mu.Unlock()

		case err, ok := <-fw.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			w.logger.WithError(err).Warn("policy watcher error")
		}
	}
}
