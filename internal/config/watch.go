package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// debounce absorbs the write+rename bursts editors and atomic savers
// produce for a single logical change.
const debounce = 250 * time.Millisecond

// Watch reloads the config file on change and invokes onChange with
// each successfully validated new config. Invalid intermediate states
// are logged and skipped, keeping the last good config live. The
// watcher stops when ctx is cancelled.
func Watch(ctx context.Context, path string, logger zerolog.Logger, onChange func(Config)) error {
	if path == "" || onChange == nil {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory, not the file: rename-based saves replace
	// the inode and would silently detach a file watch.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		var timer *time.Timer
		target := filepath.Clean(path)
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(debounce, func() {
					cfg, err := Load(path)
					if err != nil {
						logger.Warn().Str("path", path).Err(err).Msg("ignoring invalid config reload")
						return
					}
					logger.Info().Str("path", path).Msg("config reloaded")
					onChange(cfg)
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn().Err(err).Msg("config watcher error")
			}
		}
	}()
	return nil
}
