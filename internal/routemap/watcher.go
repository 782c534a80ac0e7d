package routemap

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceInterval is how long to wait after a change before reloading, so
// editors that write in multiple events trigger one reload.
const debounceInterval = 100 * time.Millisecond

// Watch reloads the map whenever its routes file changes. It blocks until
// ctx is canceled. The parent directory is watched rather than the file
// itself so that rename-over-replace (the usual atomic write) is seen.
func (m *FileMap) Watch(ctx context.Context, logger *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("routemap: create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	dir := filepath.Dir(m.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("routemap: watch %s: %w", dir, err)
	}

	log := logger.With("component", "routemap", "path", m.path)
	log.Info("watching routes file")

	var timer *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(m.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceInterval, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case <-reload:
			if err := m.Reload(); err != nil {
				log.Warn("routes reload failed, keeping previous routes", "err", err)
				continue
			}
			log.Info("routes reloaded")

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("watcher error", "err", err)
		}
	}
}
