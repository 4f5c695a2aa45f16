package store

import (
	"fmt"
	"math"
	"regexp"
	"sort"

	"pkb/internal/domain"
	"pkb/internal/port"
)

var collectionNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,47}$`)

// ValidateSchema checks a collection schema before creation.
func ValidateSchema(schema domain.CollectionSchema) error {
	if err := validateName(schema.Name); err != nil {
		return err
	}
	if schema.Dimension <= 0 {
		return fmt.Errorf("collection %s: dimension must be positive, got %d", schema.Name, schema.Dimension)
	}
	switch schema.Metric {
	case domain.MetricCosine, domain.MetricIP, domain.MetricL2:
	default:
		return fmt.Errorf("collection %s: unsupported metric %q", schema.Name, schema.Metric)
	}
	switch schema.IndexKind {
	case domain.IndexFlat, domain.IndexIVFFlat, domain.IndexHNSW:
	default:
		return fmt.Errorf("collection %s: unsupported index kind %q", schema.Name, schema.IndexKind)
	}
	return nil
}

func validateName(name string) error {
	if !collectionNameRe.MatchString(name) {
		return fmt.Errorf("invalid collection name %q", name)
	}
	return nil
}

func checkDimensions(schema domain.CollectionSchema, items []domain.VectorItem) error {
	for _, item := range items {
		if len(item.Vector) != schema.Dimension {
			return fmt.Errorf("collection %s, id %s: expected %d, got %d: %w",
				schema.Name, item.ID, schema.Dimension, len(item.Vector), port.ErrDimensionMismatch)
		}
	}
	return nil
}

// score returns a similarity where higher is better.
func score(metric string, a, b []float32) float64 {
	switch metric {
	case domain.MetricIP:
		return dot(a, b)
	case domain.MetricL2:
		return 1 / (1 + l2Distance(a, b))
	default:
		return cosineSimilarity(a, b)
	}
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func l2Distance(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// cosineSimilarity calculates the cosine similarity between two vectors.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

// rank filters by threshold, sorts by descending score then ascending id and
// keeps the first k results.
func rank(results []domain.SearchResult, k int, threshold *float64) []domain.SearchResult {
	if threshold != nil {
		filtered := results[:0]
		for _, r := range results {
			if r.Score >= *threshold {
				filtered = append(filtered, r)
			}
		}
		results = filtered
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})

	if k >= 0 && k < len(results) {
		results = results[:k]
	}
	return results
}
