package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func startWatcher(t *testing.T, store *FileCredentialStore) (<-chan CredentialEvent, func()) {
	t.Helper()
	watcher, err := NewCredentialWatcher(store, zerolog.Nop())
	if err != nil {
		t.Fatalf("watcher init failed: %v", err)
	}
	events := make(chan CredentialEvent, 8)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		watcher.Run(ctx, func(ev CredentialEvent) { events <- ev })
	}()
	return events, func() {
		cancel()
		watcher.Close()
		<-done
	}
}

func nextEvent(t *testing.T, events <-chan CredentialEvent) CredentialEvent {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for credential event")
		return 0
	}
}

func TestWatcherSeesExternalWriteAndRemove(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileCredentialStore(filepath.Join(dir, "credential"))
	if err != nil {
		t.Fatalf("store init failed: %v", err)
	}
	events, stop := startWatcher(t, store)
	defer stop()

	// Another process logging in.
	if err := store.Save(Credential{Token: "tok", ExpiresAt: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if ev := nextEvent(t, events); ev != CredentialChanged {
		t.Fatalf("event after save = %v, want CredentialChanged", ev)
	}

	// Drain the trailing events from the atomic rename before removing.
	drain := time.After(200 * time.Millisecond)
drained:
	for {
		select {
		case <-events:
		case <-drain:
			break drained
		}
	}

	// Another process logging out.
	if err := store.Clear(); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	for {
		if ev := nextEvent(t, events); ev == CredentialRemoved {
			return
		}
	}
}

func TestWatcherIgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileCredentialStore(filepath.Join(dir, "credential"))
	if err != nil {
		t.Fatalf("store init failed: %v", err)
	}
	events, stop := startWatcher(t, store)
	defer stop()

	if err := writeFileAtomic(filepath.Join(dir, "unrelated"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write sibling: %v", err)
	}
	select {
	case ev := <-events:
		t.Fatalf("unexpected event for sibling file: %v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}
