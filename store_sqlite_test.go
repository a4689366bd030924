package replikv

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "replikv.db")
	store, err := NewSQLiteStore(DefaultSQLiteStoreConfig(path))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore_PutGet(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	rec := Record{Value: "v1", VectorClock: VectorClock{"a": 1}, Origin: "a"}
	if err := store.Put(ctx, "p", rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := store.Get(ctx, "p")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.Value != "v1" || got.Origin != "a" || got.VectorClock.Get("a") != 1 {
		t.Errorf("got %+v", got)
	}
}

func TestSQLiteStore_GetMissingReturnsNotFound(t *testing.T) {
	store := newTestSQLiteStore(t)
	_, ok, err := store.Get(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Error("expected ok=false for a path never written")
	}
}

func TestSQLiteStore_PutOverwritesExisting(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	store.Put(ctx, "p", Record{Value: "v1", VectorClock: VectorClock{"a": 1}, Origin: "a"})
	store.Put(ctx, "p", Record{Value: "v2", VectorClock: VectorClock{"a": 2}, Origin: "a"})

	got, _, err := store.Get(ctx, "p")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Value != "v2" {
		t.Errorf("Value = %v, want v2", got.Value)
	}
}

func TestSQLiteStore_Del(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	store.Put(ctx, "p", Record{Value: "v1", VectorClock: VectorClock{"a": 1}, Origin: "a"})
	if err := store.Del(ctx, "p"); err != nil {
		t.Fatalf("Del: %v", err)
	}
	_, ok, err := store.Get(ctx, "p")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Error("expected record gone after Del")
	}
}

func TestSQLiteStore_ScanByPrefix(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	store.Put(ctx, "users/1", Record{Value: "alice", VectorClock: VectorClock{"a": 1}, Origin: "a"})
	store.Put(ctx, "users/2", Record{Value: "bob", VectorClock: VectorClock{"a": 1}, Origin: "a"})
	store.Put(ctx, "orders/1", Record{Value: "widget", VectorClock: VectorClock{"a": 1}, Origin: "a"})

	results, err := store.Scan(ctx, "users")
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replikv.db")
	ctx := context.Background()

	store, err := NewSQLiteStore(DefaultSQLiteStoreConfig(path))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if err := store.Put(ctx, "p", Record{Value: "v1", VectorClock: VectorClock{"a": 1}, Origin: "a"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := NewSQLiteStore(DefaultSQLiteStoreConfig(path))
	if err != nil {
		t.Fatalf("NewSQLiteStore (reopen): %v", err)
	}
	defer reopened.Close()

	got, ok, err := reopened.Get(ctx, "p")
	if err != nil || !ok {
		t.Fatalf("Get after reopen: ok=%v err=%v", ok, err)
	}
	if got.Value != "v1" {
		t.Errorf("Value = %v, want v1", got.Value)
	}
}
