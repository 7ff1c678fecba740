package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"identitycore/internal/infra/persistence/memory"
	"identitycore/pkg/domain"
)

const testBucket domain.Bucket = "identity"

func openStore(t *testing.T, path string) *Store {
	t.Helper()
	store, err := NewStore(path, domain.NewRulesEngine())
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func put(t *testing.T, store *Store, key, value string) {
	t.Helper()
	if _, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		tx.Put(testBucket, []byte(key), []byte(value))
		return nil
	}); err != nil {
		t.Fatalf("put %s: %v", key, err)
	}
}

func rowCount(t *testing.T, store *Store) int {
	t.Helper()
	var n int
	if err := store.DB().QueryRow(`SELECT COUNT(*) FROM kv_state`).Scan(&n); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	return n
}

func TestSQLiteStorePersistAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	store := openStore(t, path)
	put(t, store, "a", "1")
	put(t, store, "b", "2")
	if _, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		tx.Delete(testBucket, []byte("a"))
		tx.Put(testBucket, []byte("b"), []byte("3"))
		return nil
	}); err != nil {
		t.Fatalf("mutate: %v", err)
	}
	_ = store.Close()

	reloaded := openStore(t, path)
	err := reloaded.View(context.Background(), func(v domain.TransactionView) error {
		if _, ok := v.Get(testBucket, []byte("a")); ok {
			t.Fatalf("expected deleted key to stay deleted")
		}
		got, ok := v.Get(testBucket, []byte("b"))
		if !ok || string(got) != "3" {
			t.Fatalf("expected b=3 after reload, got %q (%v)", got, ok)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestSQLiteStoreAppliesMigrations(t *testing.T) {
	store := openStore(t, filepath.Join(t.TempDir(), "nested", "dir", "state.db"))
	var tableName string
	if err := store.DB().QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", "kv_state").Scan(&tableName); err != nil {
		t.Fatalf("lookup kv_state table: %v", err)
	}
	if tableName != "kv_state" {
		t.Fatalf("expected kv_state table, got %s", tableName)
	}
	// reopening must not fail on an already migrated database
	path := store.Path()
	_ = store.Close()
	_ = openStore(t, path)
}

func TestSQLiteStorePersistFailureAbortsCommit(t *testing.T) {
	store := openStore(t, filepath.Join(t.TempDir(), "state.db"))
	put(t, store, "a", "1")
	_ = store.DB().Close()

	if _, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		tx.Put(testBucket, []byte("a"), []byte("2"))
		return nil
	}); err == nil {
		t.Fatalf("expected persist error on closed database")
	}
	_ = store.View(context.Background(), func(v domain.TransactionView) error {
		if got, _ := v.Get(testBucket, []byte("a")); string(got) != "1" {
			t.Fatalf("expected in-memory state unchanged, got %q", got)
		}
		return nil
	})
}

func TestSQLiteStoreImportStateRewritesTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	store := openStore(t, path)
	put(t, store, "a", "1")
	put(t, store, "b", "2")

	snapshot := memory.SnapshotOf([]memory.Mutation{
		{Bucket: testBucket, Key: []byte("c"), Value: []byte("3")},
	})
	if err := store.ImportState(snapshot); err != nil {
		t.Fatalf("import: %v", err)
	}
	if n := rowCount(t, store); n != 1 {
		t.Fatalf("expected 1 row after import, got %d", n)
	}
	_ = store.Close()

	reloaded := openStore(t, path)
	if got := reloaded.Len(testBucket); got != 1 {
		t.Fatalf("expected 1 key after reload, got %d", got)
	}
}

func TestSQLiteStoreImportStateRejectsBadSnapshot(t *testing.T) {
	store := openStore(t, filepath.Join(t.TempDir(), "state.db"))
	put(t, store, "a", "1")
	if err := store.ImportState(memory.Snapshot{Version: 99}); err == nil {
		t.Fatalf("expected unsupported version error")
	}
	if n := rowCount(t, store); n != 1 {
		t.Fatalf("expected table untouched, got %d rows", n)
	}
}
