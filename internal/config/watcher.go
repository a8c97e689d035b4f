package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"modelarena/internal/logging"
)

// Watcher hot-reloads the config file and hands each successfully
// parsed revision to the callback. Only knobs the callback chooses to
// apply change at runtime (log level, challenger policy); everything
// else needs a restart.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// debounce absorbs the editor write-rename-write bursts fsnotify
// reports for a single save.
const debounce = 500 * time.Millisecond

// Watch starts watching path. The callback runs on the watcher
// goroutine; keep it quick.
func Watch(path string, onReload func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	// Watch the directory, not the file: editors replace files on save
	// and the inode-level watch would go stale.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	w := &Watcher{path: path, watcher: fw, done: make(chan struct{})}

	go func() {
		var timer *time.Timer
		var timerC <-chan time.Time
		for {
			select {
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(debounce)
					timerC = timer.C
				} else {
					timer.Reset(debounce)
				}
			case <-timerC:
				cfg, err := Load(path)
				if err != nil {
					logging.Boot("config reload failed: %v", err)
					continue
				}
				logging.Boot("config reloaded from %s", path)
				onReload(cfg)
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				logging.Boot("config watcher error: %v", err)
			case <-w.done:
				return
			}
		}
	}()

	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
