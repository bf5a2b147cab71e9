package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the config file at filePath whenever it changes and passes the result to
// onChange, until ctx is done. A file that fails to load is logged and skipped, the last
// good config stays in effect.
func Watch(ctx context.Context, filePath string, onChange func(*Config)) error {
	filePath = filepath.Clean(filePath)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("could not create config watcher: %w", err)
	}

	// the directory is watched, editors often replace the file instead of writing to it
	if err := watcher.Add(filepath.Dir(filePath)); err != nil {
		watcher.Close()
		return fmt.Errorf("could not watch config directory of \"%s\": %w", filePath, err)
	}

	go func() {
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}

				if filepath.Clean(event.Name) != filePath {
					continue
				}

				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}

				conf, err := LoadConfig(filePath)
				if err != nil {
					slog.Warn("could not reload config", slog.String("configFilePath", filePath), slog.Any("error", err))
					continue
				}

				slog.Debug("config reloaded", slog.String("configFilePath", filePath))
				onChange(conf)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}

				slog.Warn("config watcher failed", slog.Any("error", err))
			}
		}
	}()

	return nil
}
