package store

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"pkb/internal/domain"
	"pkb/internal/port"
)

func newBoltStore(t *testing.T) (*BoltVectorStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vectors.db")
	s, err := NewBoltVectorStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func schema3(name string) domain.CollectionSchema {
	return domain.CollectionSchema{Name: name, Dimension: 3, Metric: domain.MetricCosine, IndexKind: domain.IndexFlat}
}

func TestBoltVectorStore_CreateCollection(t *testing.T) {
	ctx := context.Background()
	s, _ := newBoltStore(t)

	require.NoError(t, s.CreateCollection(ctx, schema3("knowledge")))
	require.NoError(t, s.CreateCollection(ctx, schema3("knowledge")), "identical schema is a no-op")

	other := schema3("knowledge")
	other.Dimension = 4
	err := s.CreateCollection(ctx, other)
	assert.ErrorIs(t, err, port.ErrAlreadyExists)

	err = s.CreateCollection(ctx, schema3("bad-name"))
	assert.Error(t, err)

	bad := schema3("x")
	bad.Metric = "hamming"
	assert.Error(t, s.CreateCollection(ctx, bad))
}

func TestBoltVectorStore_UpsertAndSearch(t *testing.T) {
	ctx := context.Background()
	s, _ := newBoltStore(t)
	require.NoError(t, s.CreateCollection(ctx, schema3("kb")))

	require.NoError(t, s.Upsert(ctx, "kb", []domain.VectorItem{
		{ID: "a", Vector: []float32{1, 0, 0}, Metadata: map[string]any{"dimension": "价格"}},
		{ID: "b", Vector: []float32{0, 1, 0}},
		{ID: "c", Vector: []float32{1, 1, 0}},
	}))

	res, err := s.Search(ctx, "kb", [][]float32{{1, 0, 0}, {0, 1, 0}}, 2, nil)
	require.NoError(t, err)
	require.Len(t, res, 2)

	require.Len(t, res[0], 2)
	assert.Equal(t, "a", res[0][0].ID)
	assert.InDelta(t, 1.0, res[0][0].Score, 1e-6)
	assert.Equal(t, "价格", res[0][0].Metadata["dimension"])
	assert.Equal(t, "c", res[0][1].ID)

	assert.Equal(t, "b", res[1][0].ID)
}

func TestBoltVectorStore_TiesBreakByID(t *testing.T) {
	ctx := context.Background()
	s, _ := newBoltStore(t)
	require.NoError(t, s.CreateCollection(ctx, schema3("kb")))

	require.NoError(t, s.Upsert(ctx, "kb", []domain.VectorItem{
		{ID: "z", Vector: []float32{1, 0, 0}},
		{ID: "m", Vector: []float32{2, 0, 0}},
		{ID: "a", Vector: []float32{3, 0, 0}},
	}))

	res, err := s.Search(ctx, "kb", [][]float32{{1, 0, 0}}, 3, nil)
	require.NoError(t, err)
	ids := []string{res[0][0].ID, res[0][1].ID, res[0][2].ID}
	assert.Equal(t, []string{"a", "m", "z"}, ids)
}

func TestBoltVectorStore_ThresholdAndTopK(t *testing.T) {
	ctx := context.Background()
	s, _ := newBoltStore(t)
	require.NoError(t, s.CreateCollection(ctx, schema3("kb")))
	require.NoError(t, s.Upsert(ctx, "kb", []domain.VectorItem{
		{ID: "same", Vector: []float32{1, 0, 0}},
		{ID: "orth", Vector: []float32{0, 1, 0}},
	}))

	threshold := 0.5
	res, err := s.Search(ctx, "kb", [][]float32{{1, 0, 0}}, 10, &threshold)
	require.NoError(t, err)
	require.Len(t, res[0], 1)
	assert.Equal(t, "same", res[0][0].ID)
	for _, r := range res[0] {
		assert.GreaterOrEqual(t, r.Score, threshold)
	}

	res, err = s.Search(ctx, "kb", [][]float32{{1, 0, 0}}, 0, nil)
	require.NoError(t, err)
	assert.Empty(t, res[0])

	res, err = s.Search(ctx, "kb", [][]float32{{1, 0, 0}}, 100, nil)
	require.NoError(t, err)
	assert.Len(t, res[0], 2)

	_, err = s.Search(ctx, "kb", [][]float32{{1, 0, 0}}, -1, nil)
	assert.Error(t, err)
}

func TestBoltVectorStore_UpsertReplaces(t *testing.T) {
	ctx := context.Background()
	s, _ := newBoltStore(t)
	require.NoError(t, s.CreateCollection(ctx, schema3("kb")))

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Upsert(ctx, "kb", []domain.VectorItem{
			{ID: "a", Vector: []float32{float32(i), 1, 0}, Metadata: map[string]any{"rev": i}},
		}))
	}

	stats, err := s.Stats(ctx, "kb")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Count)
	assert.Equal(t, 3, stats.Dimension)

	res, err := s.Search(ctx, "kb", [][]float32{{2, 1, 0}}, 1, nil)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, res[0][0].Score, 1e-6)
	assert.Equal(t, 2, res[0][0].Metadata["rev"])
}

func TestBoltVectorStore_DimensionMismatchWritesNothing(t *testing.T) {
	ctx := context.Background()
	s, _ := newBoltStore(t)
	require.NoError(t, s.CreateCollection(ctx, schema3("kb")))

	err := s.Upsert(ctx, "kb", []domain.VectorItem{
		{ID: "ok", Vector: []float32{1, 0, 0}},
		{ID: "bad", Vector: []float32{1, 0}},
	})
	require.ErrorIs(t, err, port.ErrDimensionMismatch)
	assert.Contains(t, err.Error(), "bad")

	stats, err := s.Stats(ctx, "kb")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Count)

	_, err = s.Search(ctx, "kb", [][]float32{{1, 0}}, 1, nil)
	assert.ErrorIs(t, err, port.ErrDimensionMismatch)
}

func TestBoltVectorStore_UnknownCollection(t *testing.T) {
	ctx := context.Background()
	s, _ := newBoltStore(t)

	err := s.Upsert(ctx, "missing", []domain.VectorItem{{ID: "a", Vector: []float32{1, 0, 0}}})
	assert.ErrorIs(t, err, port.ErrCollectionNotFound)

	_, err = s.Search(ctx, "missing", [][]float32{{1, 0, 0}}, 1, nil)
	assert.ErrorIs(t, err, port.ErrCollectionNotFound)

	_, err = s.Stats(ctx, "missing")
	assert.ErrorIs(t, err, port.ErrCollectionNotFound)

	assert.ErrorIs(t, s.Drop(ctx, "missing"), port.ErrCollectionNotFound)
}

func TestBoltVectorStore_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "vectors.db")

	s, err := NewBoltVectorStore(path)
	require.NoError(t, err)
	require.NoError(t, s.CreateCollection(ctx, schema3("kb")))
	require.NoError(t, s.Upsert(ctx, "kb", []domain.VectorItem{{ID: "a", Vector: []float32{0, 0, 1}, Text: "t"}}))
	require.NoError(t, s.Close())

	reopened, err := NewBoltVectorStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	res, err := reopened.Search(ctx, "kb", [][]float32{{0, 0, 1}}, 1, nil)
	require.NoError(t, err)
	require.Len(t, res[0], 1)
	assert.Equal(t, "a", res[0][0].ID)
}

func TestBoltVectorStore_SharedHandle(t *testing.T) {
	ctx := context.Background()
	first, path := newBoltStore(t)

	second, err := NewBoltVectorStore(path)
	require.NoError(t, err)

	require.NoError(t, first.CreateCollection(ctx, schema3("kb")))
	require.NoError(t, second.Upsert(ctx, "kb", []domain.VectorItem{{ID: "a", Vector: []float32{1, 0, 0}}}))
	require.NoError(t, second.Close())
	require.NoError(t, second.Close(), "double close is a no-op")

	stats, err := first.Stats(ctx, "kb")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Count)
}

func TestBoltVectorStore_DropAndList(t *testing.T) {
	ctx := context.Background()
	s, _ := newBoltStore(t)

	require.NoError(t, s.CreateCollection(ctx, schema3("feedback")))
	require.NoError(t, s.CreateCollection(ctx, schema3("knowledge")))

	names, err := s.ListCollections(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"feedback", "knowledge"}, names)

	require.NoError(t, s.Upsert(ctx, "feedback", []domain.VectorItem{{ID: "a", Vector: []float32{1, 0, 0}}}))
	require.NoError(t, s.Drop(ctx, "feedback"))

	_, err = s.Stats(ctx, "feedback")
	assert.ErrorIs(t, err, port.ErrCollectionNotFound)

	// Recreating with a new schema is allowed after a drop.
	changed := schema3("feedback")
	changed.Dimension = 5
	require.NoError(t, s.CreateCollection(ctx, changed))
	stats, err := s.Stats(ctx, "feedback")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Count)
	assert.Equal(t, 5, stats.Dimension)
}

func TestBoltVectorStore_ConcurrentUpserts(t *testing.T) {
	ctx := context.Background()
	s, _ := newBoltStore(t)
	require.NoError(t, s.CreateCollection(ctx, schema3("kb")))

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				id := fmt.Sprintf("w%d-%d", w, i)
				assert.NoError(t, s.Upsert(ctx, "kb", []domain.VectorItem{{ID: id, Vector: []float32{1, float32(i), 0}}}))
				_, err := s.Search(ctx, "kb", [][]float32{{1, 0, 0}}, 3, nil)
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	stats, err := s.Stats(ctx, "kb")
	require.NoError(t, err)
	assert.Equal(t, 40, stats.Count)
}

func TestBoltVectorStore_SearchDuringDrop(t *testing.T) {
	ctx := context.Background()
	s, _ := newBoltStore(t)
	require.NoError(t, s.CreateCollection(ctx, schema3("kb")))
	require.NoError(t, s.Upsert(ctx, "kb", []domain.VectorItem{
		{ID: "a", Vector: []float32{1, 0, 0}},
		{ID: "b", Vector: []float32{0, 1, 0}},
	}))

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				res, err := s.Search(ctx, "kb", [][]float32{{1, 0, 0}}, 5, nil)
				if err != nil {
					assert.ErrorIs(t, err, port.ErrCollectionNotFound)
					continue
				}
				assert.Len(t, res[0], 2, "a search that sees the collection sees all of it")
			}
		}()
	}
	require.NoError(t, s.Drop(ctx, "kb"))
	wg.Wait()

	_, err := s.Search(ctx, "kb", [][]float32{{1, 0, 0}}, 5, nil)
	assert.ErrorIs(t, err, port.ErrCollectionNotFound)
}

func TestBoltVectorStore_UndecodableVectorIsLogged(t *testing.T) {
	ctx := context.Background()
	writer, _ := newBoltStore(t)
	require.NoError(t, writer.CreateCollection(ctx, schema3("kb")))
	require.NoError(t, writer.h.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(vectorsBucket("kb"))
		if err := b.Put([]byte("good"), []byte(`{"v":[1,0,0]}`)); err != nil {
			return err
		}
		return b.Put([]byte("broken"), []byte("{not json"))
	}))

	var logs bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&logs, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	res, err := writer.Search(ctx, "kb", [][]float32{{1, 0, 0}}, 5, nil)
	require.NoError(t, err)
	require.Len(t, res[0], 1)
	assert.Equal(t, "good", res[0][0].ID)
	assert.Contains(t, logs.String(), "id=broken")
}

func TestBoltVectorStore_Ping(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "vectors.db")
	s, err := NewBoltVectorStore(path)
	require.NoError(t, err)

	require.NoError(t, s.Ping(ctx))
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Ping(ctx), port.ErrStoreUnavailable)
}
