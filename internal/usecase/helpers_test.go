package usecase

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pkb/internal/adapter/cache"
	"pkb/internal/adapter/embedding"
	"pkb/internal/adapter/fs"
	"pkb/internal/adapter/loader"
	"pkb/internal/adapter/store"
	"pkb/internal/domain"
	"pkb/internal/port"
)

const testDim = 1024

var fastRetry = RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}

// fakeClient wraps the mock client with scripted failures and delays.
type fakeClient struct {
	inner *embedding.MockClient

	mu        sync.Mutex
	calls     map[string]int
	transient map[string]int // remaining transient failures per text
	permanent map[string]bool
	dimension int // overrides the produced vector length when > 0

	delay    func(text string) time.Duration
	inflight atomic.Int32
	peak     atomic.Int32
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		inner:     embedding.NewMockClient(testDim),
		calls:     make(map[string]int),
		transient: make(map[string]int),
		permanent: make(map[string]bool),
	}
}

func (f *fakeClient) Embed(ctx context.Context, text string) ([]float32, error) {
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls[text]++
	fail := f.transient[text] > 0
	if fail {
		f.transient[text]--
	}
	perm := f.permanent[text]
	dim := f.dimension
	f.mu.Unlock()

	if f.delay != nil {
		time.Sleep(f.delay(text))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if perm {
		return nil, fmt.Errorf("model rejected input: %w", port.ErrPermanent)
	}
	if fail {
		return nil, fmt.Errorf("503 from service: %w", port.ErrTransient)
	}
	if dim > 0 {
		return make([]float32, dim), nil
	}
	return f.inner.Embed(ctx, text)
}

func (f *fakeClient) Dimension() int { return testDim }
func (f *fakeClient) Model() string  { return "fake" }

func (f *fakeClient) callsFor(text string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[text]
}

func (f *fakeClient) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

// pipeline wires the real bbolt stores, loader and cache around a fake client.
type pipeline struct {
	root   string
	client *fakeClient
	store  port.VectorStore
	state  *store.StateStore
	cache  *cache.EmbeddingCache
	embed  *Embedder
	ingest *IngestUseCase
	search *SearchUseCase
}

func newPipeline(t *testing.T, wrap func(port.VectorStore) port.VectorStore) *pipeline {
	t.Helper()
	root := t.TempDir()

	vs, err := store.NewBoltVectorStore(filepath.Join(root, "vectors.db"))
	require.NoError(t, err)
	t.Cleanup(func() { vs.Close() })

	state, err := store.NewStateStore(filepath.Join(root, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { state.Close() })

	persister, err := cache.NewBoltPersister(state.DB())
	require.NoError(t, err)

	p := &pipeline{root: root, client: newFakeClient(), state: state, store: vs}
	if wrap != nil {
		p.store = wrap(vs)
	}
	p.cache = cache.NewEmbeddingCache(100, p.client.Model(), cache.WithPersister(persister))
	p.embed = NewEmbedder(p.client, p.cache, fastRetry, nil, nil)

	ld := loader.New(fs.NewWalker([]string{"*.json"}, nil), nil)
	p.ingest = NewIngestUseCase(ld, NewGenerator(p.embed, 2, 4, nil), p.client.Model(), p.store, state, state, IngestConfig{
		Dimension:     testDim,
		Metric:        domain.MetricCosine,
		IndexKind:     domain.IndexFlat,
		StoreRetry:    fastRetry,
		MapFeedbackTo: "knowledge",
		MapTopK:       5,
		ProcessedDir:  filepath.Join(root, "processed"),
	}, nil, nil)
	p.search = NewSearchUseCase(p.embed, p.store, nil)
	return p
}

func (p *pipeline) writeData(t *testing.T, kind, name, content string) string {
	t.Helper()
	dir := filepath.Join(p.root, "data", kind)
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	return dir
}

func (p *pipeline) count(t *testing.T, collection string) int {
	t.Helper()
	stats, err := p.store.Stats(context.Background(), collection)
	require.NoError(t, err)
	return stats.Count
}

func records(texts ...string) []domain.Record {
	out := make([]domain.Record, len(texts))
	for i, text := range texts {
		out[i] = domain.NewRecord(fmt.Sprintf("R%03d", i), domain.KindKnowledge, text, map[string]any{})
	}
	return out
}
