package fs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"identitycore/internal/blob/core"
)

func newTempStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return store
}

func TestStore_PutGetHeadListDelete(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	const key = "checkpoints/day-1.json"
	info, err := store.Put(ctx, key, bytes.NewReader([]byte(`{"version":1}`)), core.PutOptions{ContentType: "application/json", Metadata: map[string]string{"checkpoint": "day-1"}})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Key != key || info.Size != 13 || info.ETag == "" {
		t.Fatalf("unexpected info %+v", info)
	}
	if _, err := store.Put(ctx, key, bytes.NewReader([]byte("x")), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}

	head, err := store.Head(ctx, key)
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if head.ETag != info.ETag || head.Metadata["checkpoint"] != "day-1" {
		t.Fatalf("head mismatch: %+v", head)
	}
	_, rc, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(body) != `{"version":1}` {
		t.Fatalf("unexpected body %q", body)
	}

	if _, err := store.Put(ctx, "other/x", bytes.NewReader(nil), core.PutOptions{}); err != nil {
		t.Fatalf("put other: %v", err)
	}
	list, err := store.List(ctx, "checkpoints/")
	if err != nil || len(list) != 1 || list[0].Key != key {
		t.Fatalf("list: %v %+v", err, list)
	}

	if ok, err := store.Delete(ctx, key); err != nil || !ok {
		t.Fatalf("delete: %v %v", ok, err)
	}
	if ok, err := store.Delete(ctx, key); err != nil || ok {
		t.Fatalf("second delete: %v %v", ok, err)
	}
	if _, _, err := store.Get(ctx, key); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.Head(ctx, key); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on head, got %v", err)
	}
}

func TestStore_RejectsUnsafeKeys(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	for _, key := range []string{"", "  ", "../escape", "/abs", "a/../../b", "x.meta"} {
		if _, err := store.Put(ctx, key, bytes.NewReader(nil), core.PutOptions{}); !errors.Is(err, core.ErrInvalidKey) {
			t.Fatalf("expected key %q to be rejected, got %v", key, err)
		}
	}
}

func TestStore_DefaultRoot(t *testing.T) {
	store := newTempStore(t)
	if store.Driver() != core.DriverFilesystem {
		t.Fatalf("unexpected driver %s", store.Driver())
	}

	wd, _ := os.Getwd()
	tmp := t.TempDir()
	if err := os.Chdir(tmp); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	defer func() { _ = os.Chdir(wd) }()
	def, err := New("")
	if err != nil {
		t.Fatalf("default root: %v", err)
	}
	if def.Root() != DefaultRoot {
		t.Fatalf("expected default root, got %s", def.Root())
	}
	if _, err := os.Stat(filepath.Join(tmp, DefaultRoot)); err != nil {
		t.Fatalf("expected default root created: %v", err)
	}
}

func TestStore_ConcurrentCreatorsHaveOneWinner(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	const writers = 8
	var wg sync.WaitGroup
	var won atomic.Int32
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Put(ctx, "checkpoints/race.json", bytes.NewReader([]byte{byte('a' + i)}), core.PutOptions{})
			switch {
			case err == nil:
				won.Add(1)
			case !errors.Is(err, core.ErrExists):
				t.Errorf("writer %d: %v", i, err)
			}
		}()
	}
	wg.Wait()
	if won.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", won.Load())
	}
	list, err := store.List(ctx, "")
	if err != nil || len(list) != 1 {
		t.Fatalf("expected a single blob and no temp leftovers: %v %+v", err, list)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("read fail") }

func TestStore_PutReadFailureLeavesNothing(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	if _, err := store.Put(ctx, "k", failingReader{}, core.PutOptions{}); err == nil {
		t.Fatalf("expected read failure")
	}
	if list, _ := store.List(ctx, ""); len(list) != 0 {
		t.Fatalf("expected no blobs, got %+v", list)
	}
	if _, err := store.Head(ctx, "k"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected missing blob, got %v", err)
	}
}
