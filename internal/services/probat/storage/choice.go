package storage

import (
	"context"
	"time"

	"github.com/louisbranch/probat/internal/services/probat/decision"
)

// choiceRecord is the persisted shape of one decision.
type choiceRecord struct {
	Label        string `json:"label"`
	ExperimentID string `json:"experiment_id,omitempty"`
	Timestamp    int64  `json:"timestamp"`
}

// ChoiceStore maps identifiers to decisions with a freshness window.
type ChoiceStore struct {
	store     mapStore[choiceRecord]
	namespace string
	ttl       time.Duration
	clock     func() time.Time
}

// NewChoiceStore builds a choice store over backend. A nil backend yields a
// store that is always empty, the same as disabled local storage.
func NewChoiceStore(backend Backend, opts ...Option) *ChoiceStore {
	o := buildOptions(opts)
	return &ChoiceStore{
		store:     mapStore[choiceRecord]{backend: Scope(backend, o.namespace), key: ChoiceStoreKey},
		namespace: o.namespace,
		ttl:       o.ttl,
		clock:     o.clock,
	}
}

// Namespace returns the visitor namespace the store is scoped to.
func (s *ChoiceStore) Namespace() string {
	return s.namespace
}

// TTL returns the freshness window.
func (s *ChoiceStore) TTL() time.Duration {
	return s.ttl
}

// Get returns the decision for id when it is still fresh. Stale, missing and
// unreadable entries are all absent.
func (s *ChoiceStore) Get(ctx context.Context, id decision.ID) (decision.Decision, bool) {
	d, ok := s.Last(ctx, id)
	if !ok || !d.Fresh(s.clock(), s.ttl) {
		return decision.Decision{}, false
	}
	return d, true
}

// Last returns the stored decision for id regardless of age. The resolver
// falls back to it when the service is unreachable.
func (s *ChoiceStore) Last(ctx context.Context, id decision.ID) (decision.Decision, bool) {
	record, ok := s.store.entry(ctx, id)
	if !ok || record.Label == "" {
		return decision.Decision{}, false
	}
	return decision.Decision{
		ID:           id,
		Label:        decision.Label(record.Label),
		ExperimentID: record.ExperimentID,
		FetchedAt:    time.UnixMilli(record.Timestamp).UTC(),
		Source:       decision.SourceCache,
	}, true
}

// Put merges d into the stored map. A zero FetchedAt is stamped with now.
func (s *ChoiceStore) Put(ctx context.Context, d decision.Decision) {
	if d.ID == "" {
		return
	}
	fetchedAt := d.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = s.clock()
	}
	label := d.Label
	if label == "" {
		label = decision.Control
	}
	s.store.put(ctx, d.ID, choiceRecord{
		Label:        string(label),
		ExperimentID: d.ExperimentID,
		Timestamp:    fetchedAt.UnixMilli(),
	})
}

// Failures counts storage failures absorbed so far.
func (s *ChoiceStore) Failures() int64 {
	return s.store.failures.Load()
}
