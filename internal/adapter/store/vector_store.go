package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"pkb/internal/domain"
	"pkb/internal/port"
)

var (
	bucketCollections = []byte("collections")
	bucketVectorsPfx  = "vectors:"
)

// handles shares one bbolt file and one lock per path across the process.
var (
	handlesMu sync.Mutex
	handles   = map[string]*boltHandle{}
)

type boltHandle struct {
	path string
	db   *bbolt.DB
	refs int

	mu sync.RWMutex
	// In-memory copy of each loaded collection for brute-force search.
	vectors map[string]map[string]vectorEntry
}

type vectorEntry struct {
	vector   []float32
	metadata map[string]any
}

type storedVector struct {
	Vector   []float32      `json:"v"`
	Text     string         `json:"t,omitempty"`
	Metadata map[string]any `json:"m,omitempty"`
}

// BoltVectorStore implements VectorStore on a single bbolt file.
// Uses brute-force search over an in-memory copy of each collection.
type BoltVectorStore struct {
	h      *boltHandle
	closed bool
}

// NewBoltVectorStore opens (or shares) the vector file at path.
func NewBoltVectorStore(path string) (*BoltVectorStore, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	handlesMu.Lock()
	defer handlesMu.Unlock()

	if h, ok := handles[abs]; ok {
		h.refs++
		return &BoltVectorStore{h: h}, nil
	}

	db, err := bbolt.Open(abs, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open vector store %s: %w: %w", abs, port.ErrStoreUnavailable, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCollections)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create collections bucket: %w", err)
	}

	h := &boltHandle{
		path:    abs,
		db:      db,
		refs:    1,
		vectors: make(map[string]map[string]vectorEntry),
	}
	handles[abs] = h
	return &BoltVectorStore{h: h}, nil
}

func vectorsBucket(name string) []byte {
	return []byte(bucketVectorsPfx + name)
}

func getSchema(tx *bbolt.Tx, name string) (domain.CollectionSchema, error) {
	var schema domain.CollectionSchema
	data := tx.Bucket(bucketCollections).Get([]byte(name))
	if data == nil {
		return schema, fmt.Errorf("collection %s: %w", name, port.ErrCollectionNotFound)
	}
	if err := json.Unmarshal(data, &schema); err != nil {
		return schema, fmt.Errorf("collection %s: corrupt schema: %w", name, err)
	}
	return schema, nil
}

// CreateCollection is idempotent for an identical schema.
func (s *BoltVectorStore) CreateCollection(ctx context.Context, schema domain.CollectionSchema) error {
	if err := ValidateSchema(schema); err != nil {
		return err
	}

	s.h.mu.Lock()
	defer s.h.mu.Unlock()

	return s.h.db.Update(func(tx *bbolt.Tx) error {
		existing, err := getSchema(tx, schema.Name)
		switch {
		case err == nil:
			if existing.Equal(schema) {
				return nil
			}
			return fmt.Errorf("collection %s exists with dimension=%d metric=%s index=%s: %w",
				schema.Name, existing.Dimension, existing.Metric, existing.IndexKind, port.ErrAlreadyExists)
		case !errors.Is(err, port.ErrCollectionNotFound):
			return err
		}

		data, err := json.Marshal(schema)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketCollections).Put([]byte(schema.Name), data); err != nil {
			return err
		}
		_, err = tx.CreateBucketIfNotExists(vectorsBucket(schema.Name))
		return err
	})
}

// loadLocked fills the in-memory copy of a collection. Caller holds mu.
func (s *BoltVectorStore) loadLocked(tx *bbolt.Tx, name string) (map[string]vectorEntry, error) {
	if vecs, ok := s.h.vectors[name]; ok {
		return vecs, nil
	}
	b := tx.Bucket(vectorsBucket(name))
	if b == nil {
		return nil, fmt.Errorf("collection %s: %w", name, port.ErrCollectionNotFound)
	}

	vecs := make(map[string]vectorEntry, b.Stats().KeyN)
	err := b.ForEach(func(k, v []byte) error {
		var stored storedVector
		if err := json.Unmarshal(v, &stored); err != nil {
			slog.Warn("skipping undecodable vector", "collection", name, "id", string(k), "error", err)
			return nil
		}
		vecs[string(k)] = vectorEntry{vector: stored.Vector, metadata: stored.Metadata}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.h.vectors[name] = vecs
	return vecs, nil
}

// Upsert writes all items in one transaction. A dimension mismatch on any
// item fails the whole call without writing.
func (s *BoltVectorStore) Upsert(ctx context.Context, collection string, items []domain.VectorItem) error {
	if len(items) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.h.mu.Lock()
	defer s.h.mu.Unlock()

	var (
		vecs   map[string]vectorEntry
		staged = make(map[string]vectorEntry, len(items))
	)
	err := s.h.db.Update(func(tx *bbolt.Tx) error {
		schema, err := getSchema(tx, collection)
		if err != nil {
			return err
		}
		if err := checkDimensions(schema, items); err != nil {
			return err
		}
		if vecs, err = s.loadLocked(tx, collection); err != nil {
			return err
		}

		b := tx.Bucket(vectorsBucket(collection))
		for _, item := range items {
			data, err := json.Marshal(storedVector{
				Vector:   item.Vector,
				Text:     item.Text,
				Metadata: item.Metadata,
			})
			if err != nil {
				return err
			}
			if err := b.Put([]byte(item.ID), data); err != nil {
				return err
			}
			staged[item.ID] = vectorEntry{vector: item.Vector, metadata: item.Metadata}
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Memory follows the commit.
	for id, e := range staged {
		vecs[id] = e
	}
	return nil
}

// Search scores every stored vector against each query.
func (s *BoltVectorStore) Search(ctx context.Context, collection string, queries [][]float32, topK int, threshold *float64) ([][]domain.SearchResult, error) {
	if topK < 0 {
		return nil, fmt.Errorf("top_k must not be negative, got %d", topK)
	}

	for {
		s.h.mu.RLock()
		vecs, schema, err := s.currentLocked(collection)
		if err == nil && vecs != nil {
			out, err := s.scoreLocked(ctx, collection, schema, vecs, queries, topK, threshold)
			s.h.mu.RUnlock()
			return out, err
		}
		s.h.mu.RUnlock()
		if err != nil {
			return nil, err
		}

		// First search of the collection: load under the write lock, then
		// score under a fresh read lock so a concurrent Drop is observed.
		s.h.mu.Lock()
		err = s.h.db.View(func(tx *bbolt.Tx) error {
			_, err := s.loadLocked(tx, collection)
			return err
		})
		s.h.mu.Unlock()
		if err != nil {
			return nil, err
		}
	}
}

// currentLocked returns the schema and the loaded vectors of a collection;
// vecs is nil when the collection exists but is not loaded. Caller holds mu.
func (s *BoltVectorStore) currentLocked(collection string) (vecs map[string]vectorEntry, schema domain.CollectionSchema, err error) {
	err = s.h.db.View(func(tx *bbolt.Tx) error {
		schema, err = getSchema(tx, collection)
		if err != nil {
			return err
		}
		vecs = s.h.vectors[collection]
		return nil
	})
	return vecs, schema, err
}

func (s *BoltVectorStore) scoreLocked(ctx context.Context, collection string, schema domain.CollectionSchema, vecs map[string]vectorEntry, queries [][]float32, topK int, threshold *float64) ([][]domain.SearchResult, error) {
	out := make([][]domain.SearchResult, len(queries))
	for qi, q := range queries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(q) != schema.Dimension {
			return nil, fmt.Errorf("collection %s, query %d: expected %d, got %d: %w",
				collection, qi, schema.Dimension, len(q), port.ErrDimensionMismatch)
		}

		results := make([]domain.SearchResult, 0, len(vecs))
		for id, entry := range vecs {
			results = append(results, domain.SearchResult{
				ID:       id,
				Score:    score(schema.Metric, q, entry.vector),
				Metadata: entry.metadata,
			})
		}
		out[qi] = rank(results, topK, threshold)
	}
	return out, nil
}

// Stats reports the item count and schema of a collection.
func (s *BoltVectorStore) Stats(ctx context.Context, collection string) (domain.CollectionStats, error) {
	var stats domain.CollectionStats

	s.h.mu.RLock()
	defer s.h.mu.RUnlock()

	err := s.h.db.View(func(tx *bbolt.Tx) error {
		schema, err := getSchema(tx, collection)
		if err != nil {
			return err
		}
		stats = domain.CollectionStats{
			Name:      schema.Name,
			Dimension: schema.Dimension,
			Metric:    schema.Metric,
			IndexKind: schema.IndexKind,
		}
		if b := tx.Bucket(vectorsBucket(collection)); b != nil {
			stats.Count = b.Stats().KeyN
		}
		return nil
	})
	return stats, err
}

// Schema returns the schema a collection was created with.
func (s *BoltVectorStore) Schema(ctx context.Context, collection string) (domain.CollectionSchema, error) {
	var schema domain.CollectionSchema
	err := s.h.db.View(func(tx *bbolt.Tx) error {
		var err error
		schema, err = getSchema(tx, collection)
		return err
	})
	return schema, err
}

// Drop removes a collection and all of its vectors.
func (s *BoltVectorStore) Drop(ctx context.Context, collection string) error {
	s.h.mu.Lock()
	defer s.h.mu.Unlock()

	err := s.h.db.Update(func(tx *bbolt.Tx) error {
		if _, err := getSchema(tx, collection); err != nil {
			return err
		}
		if err := tx.Bucket(bucketCollections).Delete([]byte(collection)); err != nil {
			return err
		}
		if tx.Bucket(vectorsBucket(collection)) == nil {
			return nil
		}
		return tx.DeleteBucket(vectorsBucket(collection))
	})
	if err == nil {
		delete(s.h.vectors, collection)
	}
	return err
}

// Ping checks that the file is open and readable.
func (s *BoltVectorStore) Ping(ctx context.Context) error {
	if s.closed {
		return fmt.Errorf("vector store %s is closed: %w", s.h.path, port.ErrStoreUnavailable)
	}
	return s.h.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketCollections) == nil {
			return fmt.Errorf("vector store %s has no collections bucket: %w", s.h.path, port.ErrStoreUnavailable)
		}
		return nil
	})
}

// ListCollections returns collection names in ascending order.
func (s *BoltVectorStore) ListCollections(ctx context.Context) ([]string, error) {
	var names []string
	err := s.h.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCollections).ForEach(func(k, v []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	sort.Strings(names)
	return names, err
}

// Close releases this handle. The file is closed with the last handle.
func (s *BoltVectorStore) Close() error {
	handlesMu.Lock()
	defer handlesMu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.h.refs--
	if s.h.refs > 0 {
		return nil
	}
	delete(handles, s.h.path)
	return s.h.db.Close()
}

var _ port.VectorStore = (*BoltVectorStore)(nil)
