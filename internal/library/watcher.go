package library

import (
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// StartWatcher monitors the downloads root and invalidates the metrics
// cache once events quiesce. New subdirectories are added to the watch set.
func (l *Library) StartWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	if err := addDirectoryTree(watcher, l.root); err != nil {
		watcher.Close()
		return err
	}

	done := make(chan struct{})
	l.mu.Lock()
	l.watchCancel = func() { close(done) }
	l.mu.Unlock()

	go func() {
		defer watcher.Close()

		// Debounce: one invalidation after half a second of quiet.
		var debounce *time.Timer
		kick := func() {
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(500*time.Millisecond, l.invalidate)
		}

		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Create != 0 {
					if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
						addDirectoryTree(watcher, event.Name)
					}
				}
				kick()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.logger.WithError(err).Warn("library watcher error")
			case <-done:
				return
			}
		}
	}()

	l.logger.WithField("root", l.root).Info("library watcher started")
	return nil
}

// StopWatcher shuts the watcher down.
func (l *Library) StopWatcher() {
	l.mu.Lock()
	cancel := l.watchCancel
	l.watchCancel = nil
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func addDirectoryTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}
