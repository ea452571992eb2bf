package mmap

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchRemoval watches path's parent directory and invokes onRemove if path
// is removed or renamed out from under a live mapping. This never changes
// control flow -- it exists purely so an operator manually repairing a
// connection's persisted files after a sequence mismatch (see the "fresh vs
// non-empty PTCP file" open question) leaves a trace in the log instead of
// silently surfacing as a later, harder-to-diagnose mmap error.
func WatchRemoval(path string, onRemove func()) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, err
	}
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Name == path && (ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0) {
					onRemove()
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return w, nil
}
