package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"pkb/internal/domain"
	"pkb/internal/port"
)

var (
	bucketMeta        = []byte("meta")
	bucketRuns        = []byte("runs")
	bucketManifestPfx = "manifest:"
)

// StateStore keeps the ingestion manifest, run history and schema info in
// the state database. The embedding cache shares the same file via DB.
type StateStore struct {
	db *bbolt.DB
}

// NewStateStore opens the state database at path.
func NewStateStore(path string) (*StateStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open state db: %w: %w", port.ErrStoreUnavailable, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketMeta, bucketRuns} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &StateStore{db: db}, nil
}

func (s *StateStore) DB() *bbolt.DB {
	return s.db
}

func manifestBucket(collection string) []byte {
	return []byte(bucketManifestPfx + collection)
}

// Load returns the manifest of a collection. A collection never ingested
// has an empty manifest.
func (s *StateStore) Load(ctx context.Context, collection string) (map[string]domain.ManifestEntry, error) {
	entries := make(map[string]domain.ManifestEntry)
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(manifestBucket(collection))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var e domain.ManifestEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return nil // Forces the record to be re-embedded
			}
			entries[string(k)] = e
			return nil
		})
	})
	return entries, err
}

// Put records entries for ids that were upserted successfully.
func (s *StateStore) Put(ctx context.Context, collection string, entries map[string]domain.ManifestEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(manifestBucket(collection))
		if err != nil {
			return err
		}
		for id, e := range entries {
			data, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(id), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Reset forgets everything ingested into a collection.
func (s *StateStore) Reset(ctx context.Context, collection string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketRuns).Delete([]byte(collection)); err != nil {
			return err
		}
		if tx.Bucket(manifestBucket(collection)) == nil {
			return nil
		}
		return tx.DeleteBucket(manifestBucket(collection))
	})
}

// PutRun stores the summary of the latest run for its collection.
func (s *StateStore) PutRun(ctx context.Context, summary domain.RunSummary) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(summary)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketRuns).Put([]byte(summary.Collection), data)
	})
}

// LastRun returns the latest run summary of a collection, if any.
func (s *StateStore) LastRun(ctx context.Context, collection string) (domain.RunSummary, bool, error) {
	var (
		summary domain.RunSummary
		found   bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketRuns).Get([]byte(collection))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &summary)
	})
	return summary, found, err
}

func (s *StateStore) Close() error {
	return s.db.Close()
}

var _ port.Manifest = (*StateStore)(nil)
