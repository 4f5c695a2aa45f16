package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"pkb/internal/domain"
	"pkb/internal/port"
)

var bucketEmbeddings = []byte("embedding_cache")

// BoltPersister keeps cache entries in a bucket of the state database.
type BoltPersister struct {
	db *bbolt.DB
}

// NewBoltPersister creates the cache bucket if needed.
func NewBoltPersister(db *bbolt.DB) (*BoltPersister, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEmbeddings)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create cache bucket: %w", err)
	}
	return &BoltPersister{db: db}, nil
}

func (p *BoltPersister) Get(ctx context.Context, key string) (domain.CacheEntry, bool, error) {
	var (
		entry domain.CacheEntry
		found bool
	)
	err := p.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketEmbeddings).Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		if err := json.Unmarshal(data, &entry); err != nil {
			return fmt.Errorf("%w: %v", port.ErrCacheCorruption, err)
		}
		return nil
	})
	return entry, found, err
}

func (p *BoltPersister) Put(ctx context.Context, key string, entry domain.CacheEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return p.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEmbeddings).Put([]byte(key), data)
	})
}

func (p *BoltPersister) Delete(ctx context.Context, key string) error {
	return p.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEmbeddings).Delete([]byte(key))
	})
}

func (p *BoltPersister) Scan(ctx context.Context, fn func(key string, entry domain.CacheEntry, decodeErr error) error) error {
	return p.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEmbeddings).ForEach(func(k, v []byte) error {
			var entry domain.CacheEntry
			var decodeErr error
			if err := json.Unmarshal(v, &entry); err != nil {
				decodeErr = fmt.Errorf("%w: %v", port.ErrCacheCorruption, err)
			}
			return fn(string(k), entry, decodeErr)
		})
	})
}
