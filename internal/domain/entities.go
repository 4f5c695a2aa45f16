package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Record kinds.
const (
	KindKnowledge = "knowledge"
	KindFeedback  = "feedback"
)

// Record is the unit of ingestion after schema projection.
type Record struct {
	ID          string         `json:"id"`
	Kind        string         `json:"kind"`
	Text        string         `json:"text"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	ContentHash string         `json:"content_hash"`
}

// NewRecord builds a record and computes its content hash from the normalized text.
func NewRecord(id, kind, text string, metadata map[string]any) Record {
	text = NormalizeText(text)
	return Record{
		ID:          id,
		Kind:        kind,
		Text:        text,
		Metadata:    metadata,
		ContentHash: ContentHash(text),
	}
}

// NormalizeText trims the text and collapses runs of whitespace into a single space.
// Newlines between projected fields are kept.
func NormalizeText(text string) string {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	out := lines[:0]
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

// ContentHash returns the hex SHA-256 of the normalized text.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(NormalizeText(text)))
	return hex.EncodeToString(sum[:])
}

// CacheEntry is an embedding held by the embedding cache.
type CacheEntry struct {
	Vector    []float32 `json:"v"`
	Model     string    `json:"m"`
	CreatedAt time.Time `json:"t"`
}

// Distance metrics.
const (
	MetricCosine = "cosine"
	MetricIP     = "ip"
	MetricL2     = "l2"
)

// Index kinds. The backend owns the index internals.
const (
	IndexFlat    = "flat"
	IndexIVFFlat = "ivf_flat"
	IndexHNSW    = "hnsw"
)

// CollectionSchema is fixed at creation time.
type CollectionSchema struct {
	Name      string `json:"name"`
	Dimension int    `json:"dimension"`
	Metric    string `json:"metric"`
	IndexKind string `json:"index_kind"`
}

// Equal reports whether two schemas describe the same collection layout.
func (s CollectionSchema) Equal(o CollectionSchema) bool {
	return s.Name == o.Name && s.Dimension == o.Dimension &&
		s.Metric == o.Metric && s.IndexKind == o.IndexKind
}

// CollectionStats summarizes a collection.
type CollectionStats struct {
	Name      string `json:"name"`
	Count     int    `json:"count"`
	Dimension int    `json:"dimension"`
	Metric    string `json:"metric"`
	IndexKind string `json:"index_kind"`
}

// VectorItem is a record ready to be upserted.
type VectorItem struct {
	ID       string         `json:"id"`
	Vector   []float32      `json:"vector"`
	Text     string         `json:"text,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SearchResult is a ranked match. Higher score is more similar.
type SearchResult struct {
	ID       string         `json:"id"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ManifestEntry records what was last embedded and upserted for a record id.
type ManifestEntry struct {
	ContentHash string    `json:"content_hash"`
	Model       string    `json:"model"`
	RunID       string    `json:"run_id"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Unchanged reports whether the record can be skipped on a non-forced run.
func (e ManifestEntry) Unchanged(contentHash, model string) bool {
	return e.ContentHash == contentHash && e.Model == model
}

// EmbeddingResult is the outcome for one record of a batch embedding run.
type EmbeddingResult struct {
	RecordID string
	Vector   []float32
	Cached   bool
	Err      error
}

// OK reports whether the record was embedded.
func (r EmbeddingResult) OK() bool {
	return r.Err == nil && r.Vector != nil
}

// Stage of an ingestion run.
type Stage string

const (
	StageLoading   Stage = "loading"
	StageFiltering Stage = "filtering"
	StageEmbedding Stage = "embedding"
	StageUpserting Stage = "upserting"
	StageDone      Stage = "done"
	StageFailed    Stage = "failed"
)

// RunSummary is reported at the end of an ingestion run, including aborted runs.
type RunSummary struct {
	RunID      string        `json:"run_id"`
	Collection string        `json:"collection"`
	Stage      Stage         `json:"stage"`
	Total      int           `json:"total"`
	Invalid    int           `json:"invalid"`
	Skipped    int           `json:"skipped_unchanged"`
	Embedded   int           `json:"embedded"`
	Cached     int           `json:"cached"`
	Failed     int           `json:"failed"`
	Upserted   int           `json:"upserted"`
	Duration   time.Duration `json:"duration"`
	Errors     []string      `json:"errors,omitempty"`
}
