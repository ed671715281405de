package daemon

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// settingsDebounce collapses editor write bursts into one reload.
const settingsDebounce = 250 * time.Millisecond

// settingsWatcher watches the config root for settings.json changes.
// Watching the directory rather than the file survives atomic replaces.
type settingsWatcher struct {
	path     string
	onChange func()
	logger   *logrus.Entry
}

func newSettingsWatcher(path string, onChange func(), logger *logrus.Entry) *settingsWatcher {
	return &settingsWatcher{path: path, onChange: onChange, logger: logger}
}

func (w *settingsWatcher) run(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.WithError(err).Warn("Settings watcher unavailable")
		return
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		w.logger.WithError(err).Warn("Failed to watch config directory")
		return
	}

	debounce := time.NewTimer(settingsDebounce)
	if !debounce.Stop() {
		<-debounce.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Name != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce.Reset(settingsDebounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Error("Settings watcher error")
		case <-debounce.C:
			w.onChange()
		}
	}
}
