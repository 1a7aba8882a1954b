package engine

import (
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/you/streamscout/internal/config"
)

// WatchOverrides watches the runtime-overrides JSON file and applies it to
// the engine on change, debounced against editor write bursts. Removing and
// re-creating the file (the atomic-rename pattern) keeps the watch alive.
func (e *Engine) WatchOverrides(path string) error {
	if path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return err
	}

	go func() {
		defer w.Close()
		debounce := time.NewTimer(0)
		if !debounce.Stop() {
			<-debounce.C
		}
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					if err := w.Add(ev.Name); err != nil {
						slog.Error("overrides watch re-add", "path", ev.Name, "err", err)
					}
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					if !debounce.Stop() {
						select {
						case <-debounce.C:
						default:
						}
					}
					debounce.Reset(250 * time.Millisecond)
				}
			case <-debounce.C:
				overrides, err := config.LoadOverrides(path)
				if err != nil {
					slog.Error("overrides reload failed", "path", path, "err", err)
					continue
				}
				e.ApplyOverrides(overrides)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Error("overrides watch", "err", err)
			}
		}
	}()

	slog.Info("engine: watching overrides file", "path", path)
	return nil
}
