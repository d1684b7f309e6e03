package storage

import (
	"context"
	"strings"
)

// Fixed store keys inside a visitor namespace.
const (
	ChoiceStoreKey  = "probat_choice_v2"
	PayloadStoreKey = "probat_variant_code_v1"
)

// Backend is visitor-local key/value storage.
//
// Load returns nil, nil for a missing key. Update runs fn with the current
// value (nil when missing) and stores what fn returns, atomically with
// respect to other Update calls on the same backend. An error from fn aborts
// the write.
type Backend interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Update(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) error
	Close() error
}

// NamespacedKey places key inside a visitor namespace. An empty namespace
// leaves key unchanged, which is the single-visitor layout.
func NamespacedKey(namespace, key string) string {
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		return key
	}
	return "visitor/" + namespace + "/" + key
}

// Scope returns a backend that places every key inside the visitor
// namespace. Close closes the shared backend.
func Scope(backend Backend, visitor string) Backend {
	if backend == nil || strings.TrimSpace(visitor) == "" {
		return backend
	}
	return scoped{backend: backend, namespace: visitor}
}

type scoped struct {
	backend   Backend
	namespace string
}

func (s scoped) Load(ctx context.Context, key string) ([]byte, error) {
	return s.backend.Load(ctx, NamespacedKey(s.namespace, key))
}

func (s scoped) Update(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) error {
	return s.backend.Update(ctx, NamespacedKey(s.namespace, key), fn)
}

func (s scoped) Close() error {
	return s.backend.Close()
}
