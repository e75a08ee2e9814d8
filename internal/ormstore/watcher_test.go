package ormstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestModelsWatcherReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.yaml")
	if err := os.WriteFile(path, []byte(testModelsYAML), 0o644); err != nil {
		t.Fatalf("write models file failed: %v", err)
	}
	registry, err := LoadRegistry(path)
	if err != nil {
		t.Fatalf("load registry failed: %v", err)
	}
	store := newTestStore(t, StoreOptions{Registry: registry})

	watcher, err := NewModelsWatcher(store, path)
	if err != nil {
		t.Fatalf("new watcher failed: %v", err)
	}
	watcher.debounce = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- watcher.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// A broken file keeps the previous models.
	if err := os.WriteFile(path, []byte("models: ["), 0o644); err != nil {
		t.Fatalf("write broken models file failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := len(store.Models()); got != 2 {
		t.Fatalf("expected previous models kept, got %d", got)
	}

	updated := testModelsYAML + `
  res.partner:
    fields:
      name: {type: char}
`
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("write models file failed: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for len(store.Models()) != 3 {
		if time.Now().After(deadline) {
			t.Fatalf("expected reload to add res.partner, got %v", store.Models())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNewModelsWatcherValidatesInput(t *testing.T) {
	if _, err := NewModelsWatcher(nil, "models.yaml"); err == nil {
		t.Fatalf("expected error without store")
	}
	store := newTestStore(t, StoreOptions{})
	if _, err := NewModelsWatcher(store, filepath.Join(t.TempDir(), "missing", "models.yaml")); err == nil {
		t.Fatalf("expected error for missing directory")
	}
}
