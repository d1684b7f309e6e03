package storage

import (
	"context"
	"encoding/json"
	"log"
	"sync/atomic"
	"time"

	apperrors "github.com/louisbranch/probat/internal/platform/errors"
	"github.com/louisbranch/probat/internal/services/probat/decision"
)

// options configures both stores.
type options struct {
	namespace string
	ttl       time.Duration
	clock     func() time.Time
}

// Option customizes a store.
type Option func(*options)

// WithNamespace scopes the store to one visitor.
func WithNamespace(namespace string) Option {
	return func(o *options) { o.namespace = namespace }
}

// WithTTL overrides the freshness window. Non-positive values are ignored.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithClock injects the time source.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{ttl: decision.DefaultTTL, clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// mapStore is a JSON object of T persisted under one backend key.
type mapStore[T any] struct {
	backend  Backend
	key      string
	failures atomic.Int64
}

func (s *mapStore[T]) entry(ctx context.Context, id decision.ID) (T, bool) {
	var zero T
	if s.backend == nil {
		return zero, false
	}
	raw, err := s.backend.Load(ctx, s.key)
	if err != nil {
		s.fail(apperrors.Wrap(apperrors.CodeStorageFailure, "load "+s.key, err))
		return zero, false
	}
	entries, err := decodeMap[T](raw)
	if err != nil {
		s.fail(apperrors.Wrap(apperrors.CodeStorageFailure, "decode "+s.key, err))
		return zero, false
	}
	value, ok := entries[string(id)]
	return value, ok
}

func (s *mapStore[T]) put(ctx context.Context, id decision.ID, value T) {
	if s.backend == nil {
		return
	}
	err := s.backend.Update(ctx, s.key, func(current []byte) ([]byte, error) {
		entries, err := decodeMap[T](current)
		if err != nil {
			// Corrupt prior content cannot be merged; start over.
			s.fail(apperrors.Wrap(apperrors.CodeStorageFailure, "discard corrupt "+s.key, err))
			entries = map[string]T{}
		}
		entries[string(id)] = value
		return json.Marshal(entries)
	})
	if err != nil {
		s.fail(apperrors.Wrap(apperrors.CodeStorageFailure, "write "+s.key, err))
	}
}

func (s *mapStore[T]) fail(err error) {
	s.failures.Add(1)
	log.Printf("probat storage: %v", err)
}

func decodeMap[T any](raw []byte) (map[string]T, error) {
	entries := map[string]T{}
	if len(raw) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, err
	}
	if entries == nil {
		// A literal JSON null decodes to a nil map.
		entries = map[string]T{}
	}
	return entries, nil
}
