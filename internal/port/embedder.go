package port

import (
	"context"

	"pkb/internal/domain"
)

// EmbeddingClient calls the external inference service for one text.
type EmbeddingClient interface {
	// Embed returns the vector for text. Failures wrap ErrTransient or ErrPermanent.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimension returns the expected vector length (0 if unknown).
	Dimension() int

	// Model returns the model identifier used for cache namespacing.
	Model() string
}

// VectorStore is implemented by the local and the server backends.
type VectorStore interface {
	// CreateCollection is a no-op when the identical schema exists and fails
	// with ErrAlreadyExists when the name is taken with a different schema.
	CreateCollection(ctx context.Context, schema domain.CollectionSchema) error

	// Upsert inserts or replaces items by id. Any vector of the wrong length
	// fails the whole call with ErrDimensionMismatch and nothing is written.
	Upsert(ctx context.Context, collection string, items []domain.VectorItem) error

	// Search returns one ranked list per query vector. Results are ordered by
	// descending score, ties by ascending id. A nil threshold disables filtering.
	Search(ctx context.Context, collection string, queries [][]float32, topK int, threshold *float64) ([][]domain.SearchResult, error)

	Stats(ctx context.Context, collection string) (domain.CollectionStats, error)

	Schema(ctx context.Context, collection string) (domain.CollectionSchema, error)

	Drop(ctx context.Context, collection string) error

	ListCollections(ctx context.Context) ([]string, error)

	// Ping reports whether the backend is reachable; failures wrap ErrStoreUnavailable.
	Ping(ctx context.Context) error

	// Close releases files and connections.
	Close() error
}

// Manifest records which records were successfully upserted.
type Manifest interface {
	Load(ctx context.Context, collection string) (map[string]domain.ManifestEntry, error)
	Put(ctx context.Context, collection string, entries map[string]domain.ManifestEntry) error
}
