package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watch reloads the configuration file into the store whenever it
// changes, until the context is cancelled. The parent directory is
// watched so editors that replace the file (rename-over) are seen. A
// reload that fails to parse is logged and the previous snapshot kept.
func (s *Store) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	target := filepath.Clean(path)
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
			cfg, err := Load(path)
			if err != nil {
				logrus.Errorf("config reload failed, keeping previous: %v", err)
				continue
			}
			s.Swap(cfg)
			logrus.SetLevel(cfg.LogLevel)
			logrus.Infof("configuration reloaded from %s", path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logrus.Warnf("config watcher error: %v", err)
		}
	}
}
