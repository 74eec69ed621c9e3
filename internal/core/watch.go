package core

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchConfig watches the config file and invokes onChange with the freshly
// parsed configuration after every write. A file that fails to parse is
// reported and skipped; the previous configuration stays in effect. Editors
// that rename-into-place are handled by watching the directory.
func WatchConfig(ctx context.Context, configPath string, onChange func(*Configuration)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(configPath); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()

		filename := ConfigFilePath(configPath)
		var debounce *time.Timer

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != filename {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				// Editors fire bursts of events per save; reload once.
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(200*time.Millisecond, func() {
					cfg, err := LoadConfig(configPath)
					if err != nil {
						slog.Warn("config changed but failed to load, keeping previous", "error", err)
						return
					}
					slog.Info("config reloaded", "file", filename)
					onChange(cfg)
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "error", err)
			}
		}
	}()

	return nil
}
