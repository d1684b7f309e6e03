package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/louisbranch/probat/internal/services/probat/decision"
	"github.com/louisbranch/probat/internal/services/probat/storage"
	"github.com/louisbranch/probat/internal/services/probat/storage/memory"
)

func TestPayloadStoreTrustRules(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	store := storage.NewPayloadStore(memory.New(), storage.WithClock(clock.Now))
	store.Put(ctx, "p1", storage.Payload{Label: "b", Path: "p1/e1.lua", Code: "return {}"})

	tests := []struct {
		name  string
		label decision.Label
		path  string
		want  bool
	}{
		{name: "match", label: "b", path: "p1/e1.lua", want: true},
		{name: "other label", label: "c", path: "p1/e1.lua"},
		{name: "other path", label: "b", path: "p1/e2.lua"},
		{name: "control", label: decision.Control, path: "p1/e1.lua"},
		{name: "empty label", label: "", path: "p1/e1.lua"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := store.Get(ctx, "p1", tt.label, tt.path)
			if ok != tt.want {
				t.Fatalf("ok = %v, want %v", ok, tt.want)
			}
			if ok && got.Code != "return {}" {
				t.Fatalf("code = %q", got.Code)
			}
		})
	}
}

func TestPayloadStoreExpires(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	store := storage.NewPayloadStore(memory.New(), storage.WithClock(clock.Now))
	store.Put(ctx, "p1", storage.Payload{Label: "b", Path: "x.lua", Code: "return {}"})

	clock.Advance(decision.DefaultTTL + time.Millisecond)
	if _, ok := store.Get(ctx, "p1", "b", "x.lua"); ok {
		t.Fatal("expected stale payload to be untrusted")
	}
}

func TestPayloadStoreSkipsControlAndEmptyCode(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	store := storage.NewPayloadStore(backend)

	store.Put(ctx, "p1", storage.Payload{Label: decision.Control, Path: "x.lua", Code: "return {}"})
	if _, updates := backend.Calls(); updates != 0 {
		t.Fatalf("updates = %d, want 0 for control", updates)
	}

	store.Put(ctx, "p1", storage.Payload{Label: "b", Path: "x.lua"})
	if _, ok := store.Get(ctx, "p1", "b", "x.lua"); ok {
		t.Fatal("expected empty code to be untrusted")
	}
}

func TestPayloadStoreCorruptContentIsMiss(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	backend.Set(storage.PayloadStoreKey, []byte("[1,2,3]"))
	store := storage.NewPayloadStore(backend)

	if _, ok := store.Get(ctx, "p1", "b", "x.lua"); ok {
		t.Fatal("expected miss on corrupt content")
	}
	store.Put(ctx, "p1", storage.Payload{Label: "b", Path: "x.lua", Code: "return {}"})
	if _, ok := store.Get(ctx, "p1", "b", "x.lua"); !ok {
		t.Fatal("expected entry after overwrite")
	}
	if store.Failures() == 0 {
		t.Fatal("expected failures to be counted")
	}
}

func TestPayloadStoreNamespacesAreIsolated(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	alice := storage.NewPayloadStore(backend, storage.WithNamespace("alice"))
	bob := storage.NewPayloadStore(backend, storage.WithNamespace("bob"))

	alice.Put(ctx, "p1", storage.Payload{Label: "b", Path: "p1/e1.lua", Code: "return {}"})
	if _, ok := bob.Get(ctx, "p1", "b", "p1/e1.lua"); ok {
		t.Fatal("expected bob not to see alice's payload")
	}
	if raw := backend.Raw("visitor/alice/" + storage.PayloadStoreKey); len(raw) == 0 {
		t.Fatal("expected namespaced key to be written")
	}
	scoped := storage.NewPayloadStore(storage.Scope(backend, "alice"))
	if _, ok := scoped.Get(ctx, "p1", "b", "p1/e1.lua"); !ok {
		t.Fatal("expected scoped backend to read alice's payload")
	}
}
