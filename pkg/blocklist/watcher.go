package blocklist

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/OmgRod/PiBlock/pkg/logging"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a Store whenever a blocklist file in its directory is
// written, created, renamed or removed. Bursts of events are coalesced.
type Watcher struct {
	dir      string
	store    *Store
	debounce time.Duration
	logger   *logging.Logger
	watcher  *fsnotify.Watcher
}

// NewWatcher starts watching dir. The directory must exist.
func NewWatcher(dir string, store *Store, debounce time.Duration, logger *logging.Logger) (*Watcher, error) {
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("blocklist directory %q not watchable: %w", dir, os.ErrNotExist)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("failed to watch blocklist directory: %w", err)
	}

	return &Watcher{
		dir:      dir,
		store:    store,
		debounce: debounce,
		logger:   logger,
		watcher:  fw,
	}, nil
}

// Run blocks until ctx is cancelled, reloading the store on changes.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() { _ = w.watcher.Close() }()

	w.logger.Info("Blocklist auto-reload started", "dir", w.dir, "debounce", w.debounce)

	timer := time.NewTimer(0)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Blocklist auto-reload stopped")
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !isBlocklistFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				timer.Reset(w.debounce)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("Blocklist watcher error", "error", err)

		case <-timer.C:
			if _, err := w.store.Reload(w.dir); err != nil {
				w.logger.Error("Scheduled blocklist reload failed", "error", err)
			}
		}
	}
}

func isBlocklistFile(name string) bool {
	ok, _ := filepath.Match(FileGlob, filepath.Base(name))
	return ok
}
