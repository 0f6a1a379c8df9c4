package workspace

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Change is a file modified outside the service.
type Change struct {
	Name string `json:"name"`
	Op   string `json:"op"`
}

// Watch reports changes to the directory's immediate entries until ctx is
// done. Bookkeeping files are not reported.
func (w *Workspace) Watch(ctx context.Context, fn func(Change)) error {
	if err := w.check(ModeRead); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(w.root); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", w.root, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				name := filepath.Base(ev.Name)
				if isBookkeeping(name) || ev.Op == fsnotify.Chmod {
					continue
				}
				fn(Change{Name: name, Op: opName(ev.Op)})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				w.logger.Warn("workspace watcher error", "error", err)
			}
		}
	}()
	return nil
}

func opName(op fsnotify.Op) string {
	switch {
	case op.Has(fsnotify.Create):
		return "create"
	case op.Has(fsnotify.Remove):
		return "remove"
	case op.Has(fsnotify.Rename):
		return "rename"
	default:
		return "write"
	}
}
