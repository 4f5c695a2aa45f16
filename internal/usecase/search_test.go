package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pkb/internal/domain"
	"pkb/internal/port"
)

func seededPipeline(t *testing.T) *pipeline {
	t.Helper()
	p := newPipeline(t, nil)
	dir := p.writeData(t, "knowledge", "k.json", `[
		{"insight_id": "PRICE_001", "aspect": "价格", "insight": "价格偏高"},
		{"insight_id": "PRICE_002", "aspect": "质量", "insight": "质量问题"},
		{"insight_id": "LOGI_001", "aspect": "物流", "insight": "物流太慢"},
		{"insight_id": "SERV_001", "aspect": "服务", "insight": "客服态度差"}
	]`)
	_, err := p.ingest.Ingest(context.Background(), knowledgeSet(dir), IngestOptions{})
	require.NoError(t, err)
	return p
}

func TestSearch_Threshold(t *testing.T) {
	ctx := context.Background()
	p := seededPipeline(t)

	high := 0.8
	res, err := p.search.Search(ctx, Query{Text: "维度: 价格\n观点: 价格偏高", Collection: "knowledge", TopK: 10, Threshold: &high})
	require.NoError(t, err)
	require.NotEmpty(t, res)
	for _, r := range res {
		assert.GreaterOrEqual(t, r.Score, high)
	}

	zero := 0.0
	withZero, err := p.search.Search(ctx, Query{Text: "价格太贵", Collection: "knowledge", TopK: 10, Threshold: &zero})
	require.NoError(t, err)
	without, err := p.search.Search(ctx, Query{Text: "价格太贵", Collection: "knowledge", TopK: 10})
	require.NoError(t, err)
	assert.Equal(t, without, withZero)
	assert.Len(t, without, 4)
}

func TestSearch_RankedAndEnriched(t *testing.T) {
	p := seededPipeline(t)

	res, err := p.search.Search(context.Background(), Query{Text: "物流太慢了", Collection: "knowledge", TopK: 3})
	require.NoError(t, err)
	require.Len(t, res, 3)

	assert.Equal(t, "LOGI_001", res[0].ID)
	for i, r := range res {
		assert.Equal(t, i+1, r.Metadata["rank"])
		assert.Equal(t, "knowledge", r.Metadata["collection"])
		if i > 0 {
			assert.GreaterOrEqual(t, res[i-1].Score, r.Score)
		}
	}
	assert.Equal(t, "物流太慢", res[0].Metadata["display_text"])
	assert.Equal(t, "物流", res[0].Metadata["aspect"])
}

func TestSearch_QueryServedFromCache(t *testing.T) {
	ctx := context.Background()
	p := seededPipeline(t)

	for i := 0; i < 3; i++ {
		_, err := p.search.Search(ctx, Query{Text: "价格太贵", Collection: "knowledge", TopK: 1})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, p.client.callsFor("价格太贵"))
}

func TestSearch_Errors(t *testing.T) {
	ctx := context.Background()
	p := seededPipeline(t)

	_, err := p.search.Search(ctx, Query{Text: "  ", Collection: "knowledge", TopK: 1})
	assert.ErrorIs(t, err, port.ErrValidation)

	_, err = p.search.Search(ctx, Query{Text: "价格", Collection: "knowledge", TopK: 0})
	assert.ErrorIs(t, err, port.ErrValidation)

	_, err = p.search.Search(ctx, Query{Text: "价格", Collection: "missing", TopK: 1})
	assert.ErrorIs(t, err, port.ErrCollectionNotFound)

	p.client.permanent["坏查询"] = true
	_, err = p.search.Search(ctx, Query{Text: "坏查询", Collection: "knowledge", TopK: 1})
	assert.ErrorIs(t, err, port.ErrPermanent)
}

type stubEmbedder struct {
	vec []float32
	err error
}

func (s stubEmbedder) Embed(context.Context, string) ([]float32, bool, error) {
	return s.vec, false, s.err
}

type stubStore struct {
	port.VectorStore
	dimension int
	results   [][]domain.SearchResult
}

func (s stubStore) Schema(_ context.Context, name string) (domain.CollectionSchema, error) {
	return domain.CollectionSchema{Name: name, Dimension: s.dimension, Metric: domain.MetricCosine, IndexKind: domain.IndexFlat}, nil
}

func (s stubStore) Search(context.Context, string, [][]float32, int, *float64) ([][]domain.SearchResult, error) {
	return s.results, nil
}

func TestSearch_DisplayTextFallback(t *testing.T) {
	st := stubStore{dimension: 1, results: [][]domain.SearchResult{{
		{ID: "FB_1", Score: 0.9, Metadata: map[string]any{"summary": "太贵", "raw_text": "价格太贵了"}},
		{ID: "FB_2", Score: 0.8, Metadata: map[string]any{"raw_text": "发货慢"}},
		{ID: "X", Score: 0.7},
	}}}

	res, err := NewSearchUseCase(stubEmbedder{vec: []float32{1}}, st, nil).
		Search(context.Background(), Query{Text: "q", Collection: "feedback", TopK: 3})
	require.NoError(t, err)
	assert.Equal(t, "太贵", res[0].Metadata["display_text"])
	assert.Equal(t, "发货慢", res[1].Metadata["display_text"])
	assert.Equal(t, "", res[2].Metadata["display_text"])
}

func TestSearch_EmbedFailureSurfaces(t *testing.T) {
	boom := errors.New("service down")
	_, err := NewSearchUseCase(stubEmbedder{err: boom}, stubStore{dimension: 1}, nil).
		Search(context.Background(), Query{Text: "q", Collection: "knowledge", TopK: 1})
	assert.ErrorIs(t, err, boom)
}

type sizedEmbedder struct {
	stubEmbedder
	dim int
}

func (s sizedEmbedder) Dimension() int { return s.dim }

func TestSearch_DimensionCheckedBeforeEmbedding(t *testing.T) {
	p := seededPipeline(t)
	before := p.client.totalCalls()

	_, err := p.search.Search(context.Background(), Query{Text: "没见过的查询", Collection: "missing", TopK: 1})
	assert.ErrorIs(t, err, port.ErrCollectionNotFound)
	assert.Equal(t, before, p.client.totalCalls(), "unknown collection fails without an embedding call")

	boom := errors.New("must not be called")
	_, err = NewSearchUseCase(sizedEmbedder{stubEmbedder: stubEmbedder{err: boom}, dim: 8}, p.store, nil).
		Search(context.Background(), Query{Text: "价格", Collection: "knowledge", TopK: 1})
	assert.ErrorIs(t, err, port.ErrDimensionMismatch)
	assert.NotErrorIs(t, err, boom)
}
