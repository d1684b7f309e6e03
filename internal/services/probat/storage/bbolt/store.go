// Package bbolt provides a BoltDB-backed storage backend.
//
// All keys live in one bucket. Each Update runs in a single write
// transaction, so concurrent read-modify-write sequences never interleave.
package bbolt

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/louisbranch/probat/internal/platform/timeouts"
	"go.etcd.io/bbolt"
)

const localStorageBucket = "local_storage"

var errBucketMissing = errors.New("local storage bucket is missing")

// Store provides a BoltDB-backed storage backend.
type Store struct {
	db *bbolt.DB
}

// Open opens a BoltDB-backed store at the provided path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	db, err := bbolt.Open(cleanPath, 0o600, &bbolt.Options{Timeout: timeouts.StoreOpen})
	if err != nil {
		return nil, fmt.Errorf("open storage db: %w", err)
	}

	store := &Store{db: db}
	if err := store.ensureBucket(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the underlying BoltDB database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Load fetches the value stored under key, or nil when absent.
func (s *Store) Load(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("storage key is required")
	}

	var value []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(localStorageBucket))
		if bucket == nil {
			return errBucketMissing
		}
		// Values are only valid for the life of the transaction.
		if raw := bucket.Get([]byte(key)); raw != nil {
			value = append([]byte(nil), raw...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	return value, nil
}

// Update rewrites the value under key inside one write transaction.
func (s *Store) Update(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("storage key is required")
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(localStorageBucket))
		if bucket == nil {
			return errBucketMissing
		}
		var current []byte
		if raw := bucket.Get([]byte(key)); raw != nil {
			current = append([]byte(nil), raw...)
		}
		next, err := fn(current)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(key), next)
	})
}

func (s *Store) ensureBucket() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(localStorageBucket)); err != nil {
			return fmt.Errorf("create local storage bucket: %w", err)
		}
		return nil
	})
}
