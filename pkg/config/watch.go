package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/mvbarbosa/siegsync/internal/logger"
)

// Watch reloads the configuration whenever the file changes and hands
// the result to onChange. It watches the parent directory because most
// editors replace the file by rename, which drops a watch on the file
// itself. Reload failures are logged and skipped; the previous
// configuration stays in effect.
//
// Watch blocks until ctx is canceled.
func Watch(ctx context.Context, configPath string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(configPath)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("config: watch %s: %w", dir, err)
	}
	target := filepath.Clean(configPath)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
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
			cfg, err := Load(configPath)
			if err != nil {
				logger.Warn("config reload failed, keeping previous", "error", err)
				continue
			}
			logger.Info("configuration reloaded", "path", configPath)
			onChange(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", "error", err)
		}
	}
}
