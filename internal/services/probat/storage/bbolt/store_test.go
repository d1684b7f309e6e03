package bbolt

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
)

func openTempStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "probat.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, path
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(" "); err == nil {
		t.Fatal("expected error")
	}
}

func TestLoadMissingKey(t *testing.T) {
	store, _ := openTempStore(t)
	raw, err := store.Load(context.Background(), "probat_choice_v2")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if raw != nil {
		t.Fatalf("expected nil value, got %q", raw)
	}
}

func TestUpdatePersistsAcrossReopen(t *testing.T) {
	store, path := openTempStore(t)
	ctx := context.Background()

	err := store.Update(ctx, "probat_choice_v2", func(current []byte) ([]byte, error) {
		return []byte(`{"p1":{"label":"b","timestamp":1}}`), nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	raw, err := reopened.Load(ctx, "probat_choice_v2")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(raw) != `{"p1":{"label":"b","timestamp":1}}` {
		t.Fatalf("value = %q", raw)
	}
}

func TestUpdateCallbackErrorRollsBack(t *testing.T) {
	store, _ := openTempStore(t)
	ctx := context.Background()
	if err := store.Update(ctx, "k", func([]byte) ([]byte, error) { return []byte("keep"), nil }); err != nil {
		t.Fatalf("seed: %v", err)
	}

	boom := errors.New("boom")
	err := store.Update(ctx, "k", func([]byte) ([]byte, error) { return []byte("drop"), boom })
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	raw, err := store.Load(ctx, "k")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(raw) != "keep" {
		t.Fatalf("value = %q, want keep", raw)
	}
}

func TestConcurrentUpdatesDoNotLoseWrites(t *testing.T) {
	store, _ := openTempStore(t)
	ctx := context.Background()

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.Update(ctx, "counter", func(current []byte) ([]byte, error) {
				return append(current, 'x'), nil
			})
			if err != nil {
				t.Errorf("update: %v", err)
			}
		}()
	}
	wg.Wait()

	raw, err := store.Load(ctx, "counter")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(raw) != writers {
		t.Fatalf("len = %d, want %d", len(raw), writers)
	}
}

func TestNilStore(t *testing.T) {
	var store *Store
	if err := store.Close(); err != nil {
		t.Fatalf("close nil store: %v", err)
	}
	if _, err := store.Load(context.Background(), "k"); err == nil {
		t.Fatal("expected unconfigured error")
	}
}

func TestRequiresKey(t *testing.T) {
	store, _ := openTempStore(t)
	if _, err := store.Load(context.Background(), ""); err == nil {
		t.Fatal("expected key error")
	}
	if err := store.Update(context.Background(), "", func(b []byte) ([]byte, error) { return b, nil }); err == nil {
		t.Fatal("expected key error")
	}
}
