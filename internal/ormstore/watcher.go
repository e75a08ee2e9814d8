package ormstore

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultReloadDebounce = 100 * time.Millisecond

// ModelsWatcher reloads the store's models whenever the models file changes.
// The parent directory is watched so that editors replacing the file by
// rename are noticed.
type ModelsWatcher struct {
	store    *Store
	path     string
	debounce time.Duration
	watcher  *fsnotify.Watcher
}

func NewModelsWatcher(store *Store, path string) (*ModelsWatcher, error) {
	if store == nil || path == "" {
		return nil, ErrInvalidInput
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	return &ModelsWatcher{
		store:    store,
		path:     abs,
		debounce: defaultReloadDebounce,
		watcher:  w,
	}, nil
}

// Run blocks until ctx ends. Reload failures are logged and the previous
// models stay in place.
func (w *ModelsWatcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.store.logger.Warn("models watcher error", "error", err)
		case <-fire:
			fire = nil
			w.reload()
		}
	}
}

func (w *ModelsWatcher) reload() {
	registry, err := LoadRegistry(w.path)
	if err != nil {
		w.store.logger.Error("reload models failed", "path", w.path, "error", err)
		return
	}
	if err := w.store.ReloadModels(registry); err != nil {
		w.store.logger.Error("apply models failed", "path", w.path, "error", err)
	}
}
