package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"pkb/internal/domain"
	"pkb/internal/port"
)

// Query is a single search request.
type Query struct {
	Text       string
	Collection string
	TopK       int
	// Threshold filters results below this score (nil or 0 = disabled).
	Threshold *float64
}

// SearchUseCase embeds queries through the cached path and ranks stored vectors.
type SearchUseCase struct {
	embedder TextEmbedder
	store    port.VectorStore
	logger   *slog.Logger
}

// NewSearchUseCase creates a new search use case.
func NewSearchUseCase(embedder TextEmbedder, store port.VectorStore, logger *slog.Logger) *SearchUseCase {
	if logger == nil {
		logger = slog.Default()
	}
	return &SearchUseCase{embedder: embedder, store: store, logger: logger}
}

// Search returns results by descending score, with display metadata added.
// A failure to embed the query is returned to the caller.
func (u *SearchUseCase) Search(ctx context.Context, q Query) ([]domain.SearchResult, error) {
	text := domain.NormalizeText(q.Text)
	if text == "" {
		return nil, fmt.Errorf("empty query: %w", port.ErrValidation)
	}
	if q.TopK < 1 {
		return nil, fmt.Errorf("top_k must be positive, got %d: %w", q.TopK, port.ErrValidation)
	}

	// Unknown collections and a model of the wrong dimension fail before
	// the embedding service is called.
	schema, err := u.store.Schema(ctx, q.Collection)
	if err != nil {
		return nil, err
	}
	if d, ok := u.embedder.(interface{ Dimension() int }); ok && d.Dimension() > 0 && d.Dimension() != schema.Dimension {
		return nil, fmt.Errorf("collection %s has dimension %d but the embedding model produces %d: %w",
			q.Collection, schema.Dimension, d.Dimension(), port.ErrDimensionMismatch)
	}

	vec, cached, err := u.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	u.logger.Debug("query embedded", "cached", cached, "collection", q.Collection)

	threshold := q.Threshold
	if threshold != nil && *threshold == 0 {
		threshold = nil
	}

	results, err := u.store.Search(ctx, q.Collection, [][]float32{vec}, q.TopK, threshold)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}

	return enrich(results[0], q.Collection), nil
}

// enrich copies metadata and adds rank, collection and display_text.
func enrich(results []domain.SearchResult, collection string) []domain.SearchResult {
	out := make([]domain.SearchResult, len(results))
	for i, r := range results {
		meta := make(map[string]any, len(r.Metadata)+3)
		for k, v := range r.Metadata {
			meta[k] = v
		}
		meta["rank"] = i + 1
		meta["collection"] = collection
		meta["display_text"] = displayText(r.Metadata)
		out[i] = domain.SearchResult{ID: r.ID, Score: r.Score, Metadata: meta}
	}
	return out
}

func displayText(meta map[string]any) string {
	for _, k := range []string{"insight", "summary", "raw_text"} {
		if s, ok := meta[k].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}
