package storage

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// blobStore is the behavior shared by every implementation.
type blobStore interface {
	Save(ctx context.Context, key string, blob []byte) error
	Load(ctx context.Context, key string) ([]byte, bool, error)
}

func exerciseStore(t *testing.T, store blobStore) {
	t.Helper()
	ctx := context.Background()

	// Missing keys report absence, not an error.
	_, ok, err := store.Load(ctx, "missing")
	if err != nil {
		t.Fatalf("Load of missing key errored: %v", err)
	}
	if ok {
		t.Fatal("Expected missing key to be absent")
	}

	blob := []byte("session payload")
	if err := store.Save(ctx, "session/abc", blob); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	got, ok, err := store.Load(ctx, "session/abc")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !ok || !bytes.Equal(got, blob) {
		t.Errorf("Expected %q, got %q (ok=%v)", blob, got, ok)
	}

	// Overwrites replace the previous blob.
	if err := store.Save(ctx, "session/abc", []byte("v2")); err != nil {
		t.Fatalf("Overwrite failed: %v", err)
	}
	got, _, _ = store.Load(ctx, "session/abc")
	if string(got) != "v2" {
		t.Errorf("Expected overwritten blob, got %q", got)
	}
}

// TestMemoryStore tests the in-memory implementation
func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	exerciseStore(t, store)
	if store.Len() != 1 {
		t.Errorf("Expected 1 stored blob, got %d", store.Len())
	}

	// Mutating a loaded blob must not affect the stored copy.
	got, _, _ := store.Load(context.Background(), "session/abc")
	got[0] = 'X'
	again, _, _ := store.Load(context.Background(), "session/abc")
	if string(again) != "v2" {
		t.Errorf("Expected defensive copy, got %q", again)
	}
}

// TestBoltStore tests the bbolt-backed implementation against a temp file
func TestBoltStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backups.db")
	store, err := NewBoltStore(path)
	if err != nil {
		t.Fatalf("NewBoltStore failed: %v", err)
	}
	exerciseStore(t, store)
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Reopening sees the persisted blob.
	store, err = NewBoltStore(path)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer store.Close()
	got, ok, err := store.Load(context.Background(), "session/abc")
	if err != nil || !ok {
		t.Fatalf("Load after reopen failed: ok=%v err=%v", ok, err)
	}
	if string(got) != "v2" {
		t.Errorf("Expected persisted blob, got %q", got)
	}
}

// TestRedisStore tests the Redis-backed implementation when a server is available
func TestRedisStore(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set; skipping Redis store test")
	}
	store := NewRedisStore(addr, "collab-test:", time.Minute)
	defer store.Close()
	exerciseStore(t, store)
}
