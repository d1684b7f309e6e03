package storage

import (
	"context"
	"time"

	"github.com/louisbranch/probat/internal/services/probat/decision"
)

// Payload is cached variant code for one identifier.
type Payload struct {
	Label     decision.Label
	Path      string
	Code      string
	FetchedAt time.Time
}

type payloadRecord struct {
	Label     string `json:"label"`
	Path      string `json:"path"`
	Code      string `json:"code"`
	Timestamp int64  `json:"timestamp"`
}

// PayloadStore caches variant code next to the decision that selected it.
type PayloadStore struct {
	store     mapStore[payloadRecord]
	namespace string
	ttl       time.Duration
	clock     func() time.Time
}

// NewPayloadStore builds a payload store over backend.
func NewPayloadStore(backend Backend, opts ...Option) *PayloadStore {
	o := buildOptions(opts)
	return &PayloadStore{
		store:     mapStore[payloadRecord]{backend: Scope(backend, o.namespace), key: PayloadStoreKey},
		namespace: o.namespace,
		ttl:       o.ttl,
		clock:     o.clock,
	}
}

// Namespace returns the visitor namespace the store is scoped to.
func (s *PayloadStore) Namespace() string {
	return s.namespace
}

// Get returns cached code for id only when it can be trusted: it is fresh,
// it was cached for the same non-control label, and for the same path.
func (s *PayloadStore) Get(ctx context.Context, id decision.ID, label decision.Label, path string) (Payload, bool) {
	if label.IsControl() || label == "" {
		return Payload{}, false
	}
	record, ok := s.store.entry(ctx, id)
	if !ok {
		return Payload{}, false
	}
	payload := Payload{
		Label:     decision.Label(record.Label),
		Path:      record.Path,
		Code:      record.Code,
		FetchedAt: time.UnixMilli(record.Timestamp).UTC(),
	}
	if payload.Label != label || payload.Path != path || payload.Code == "" {
		return Payload{}, false
	}
	if s.clock().Sub(payload.FetchedAt) > s.ttl {
		return Payload{}, false
	}
	return payload, true
}

// Put merges p into the stored map. Control payloads are never cached.
func (s *PayloadStore) Put(ctx context.Context, id decision.ID, p Payload) {
	if id == "" || p.Label.IsControl() || p.Label == "" {
		return
	}
	fetchedAt := p.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = s.clock()
	}
	s.store.put(ctx, id, payloadRecord{
		Label:     string(p.Label),
		Path:      p.Path,
		Code:      p.Code,
		Timestamp: fetchedAt.UnixMilli(),
	})
}

// Failures counts storage failures absorbed so far.
func (s *PayloadStore) Failures() int64 {
	return s.store.failures.Load()
}
