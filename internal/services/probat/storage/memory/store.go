// Package memory provides an in-process storage backend.
//
// It is the backend for tests and for runs that do not need decisions to
// survive a restart. Failure hooks let tests drive the degraded paths.
package memory

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("memory store is closed")

// Store is a map-backed storage backend.
type Store struct {
	mu          sync.Mutex
	items       map[string][]byte
	closed      bool
	loadErr     error
	updateErr   error
	loads       int
	updateCalls int
}

// New returns an empty store.
func New() *Store {
	return &Store{items: make(map[string][]byte)}
}

// Load returns a copy of the value under key.
func (s *Store) Load(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	if s.closed {
		return nil, ErrClosed
	}
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	return clone(s.items[key]), nil
}

// Update applies fn to the value under key while holding the store lock.
func (s *Store) Update(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateCalls++
	if s.closed {
		return ErrClosed
	}
	if s.updateErr != nil {
		return s.updateErr
	}
	next, err := fn(clone(s.items[key]))
	if err != nil {
		return err
	}
	s.items[key] = clone(next)
	return nil
}

// Close marks the store closed. Later calls fail with ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// FailLoads makes every Load return err until called again with nil.
func (s *Store) FailLoads(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadErr = err
}

// FailUpdates makes every Update return err until called again with nil.
func (s *Store) FailUpdates(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateErr = err
}

// Set seeds raw content under key, bypassing failure hooks.
func (s *Store) Set(key string, raw []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = clone(raw)
}

// Raw returns the stored content under key.
func (s *Store) Raw(key string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clone(s.items[key])
}

// Calls reports how many Load and Update calls reached the store.
func (s *Store) Calls() (loads, updates int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads, s.updateCalls
}

func clone(raw []byte) []byte {
	if raw == nil {
		return nil
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	return out
}
