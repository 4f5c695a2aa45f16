package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// MockClient produces deterministic bag-of-runes vectors. Texts sharing
// characters get a positive cosine similarity, which is enough for tests and
// offline demos.
type MockClient struct {
	dimension int
	model     string
}

// NewMockClient creates a mock client with the given dimension.
func NewMockClient(dimension int) *MockClient {
	return &MockClient{dimension: dimension, model: "mock"}
}

// Embed hashes every letter or digit of text into one of dimension buckets
// and returns the L2-normalized counts.
func (e *MockClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("mock embed: %w", errEmptyText)
	}

	vec := make([]float32, e.dimension)
	for _, r := range text {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			continue
		}
		h := fnv.New32a()
		h.Write([]byte(string(unicode.ToLower(r))))
		vec[h.Sum32()%uint32(e.dimension)]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec, nil
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec, nil
}

func (e *MockClient) Dimension() int {
	return e.dimension
}

func (e *MockClient) Model() string {
	return e.model
}
