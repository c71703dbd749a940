package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// WatchEndpoints watches the endpoints file and invokes onChange with the
// freshly loaded set whenever it is rewritten. Events are debounced because
// editors and atomic renames produce bursts.
func WatchEndpoints(ctx context.Context, path string, onChange func([]EndpointConfig)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch the directory: atomic replace (rename over the file) would drop
	// a watch on the file itself.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()

		var debounce *time.Timer
		fire := func() {
			endpoints, err := LoadEndpoints(path)
			if err != nil {
				log.Error().Err(err).Str("path", path).Msg("Failed to reload endpoints file")
				return
			}
			log.Info().Int("count", len(endpoints)).Msg("Endpoints file reloaded")
			onChange(endpoints)
		}

		for {
			select {
			case <-ctx.Done():
				if debounce != nil {
					debounce.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, fire)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("Endpoints file watcher error")
			}
		}
	}()

	return nil
}
