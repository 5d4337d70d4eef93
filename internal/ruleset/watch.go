package ruleset

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch starts an fsnotify watcher on path's parent directory and calls
// Load whenever a Write or Create event names path, logging the outcome.
// It is optional ambient convenience: Load alone satisfies the Config
// Store's contract, this only saves an operator from sending a reload
// signal by hand. Watch blocks until ctx is cancelled or the watcher
// fails to start.
func (s *Store) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	target := filepath.Clean(path)
	logger := slog.Default().With("component", "ruleset.Store", "path", path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := s.Load(path); err != nil {
				logger.Error("reload failed, keeping previous snapshot", "error", err)
				continue
			}
			logger.Info("reloaded rules", "mode", s.Current().Mode)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("watch error", "error", err)
		}
	}
}
