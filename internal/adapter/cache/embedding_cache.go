package cache

import (
	"container/list"
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"pkb/internal/adapter/metrics"
	"pkb/internal/domain"
	"pkb/internal/port"
)

// Persister is an optional durable tier behind the in-memory LRU. Keys are the
// same strings the in-memory map uses, so a restart can warm-start from it.
type Persister interface {
	// Get returns port.ErrCacheCorruption (wrapped) for undecodable entries.
	Get(ctx context.Context, key string) (domain.CacheEntry, bool, error)
	Put(ctx context.Context, key string, entry domain.CacheEntry) error
	Delete(ctx context.Context, key string) error
	// Scan calls fn for every persisted entry. A non-nil decode error is passed
	// to fn instead of aborting the scan.
	Scan(ctx context.Context, fn func(key string, entry domain.CacheEntry, decodeErr error) error) error
}

// Key returns the cache key of (text, model). Text is normalized first.
func Key(text, model string) string {
	return domain.ContentHash(text) + ":" + model
}

// modelOf extracts the model part of a key.
func modelOf(key string) string {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[i+1:]
	}
	return ""
}

type lruEntry struct {
	key   string
	entry domain.CacheEntry
}

// EmbeddingCache maps (normalized text, model) to a vector. It is safe for
// concurrent use and guarantees at most one outstanding computation per key.
type EmbeddingCache struct {
	mu       sync.Mutex
	items    map[string]*list.Element
	order    *list.List // front = most recently used
	capacity int
	model    string

	persist Persister
	group   singleflight.Group
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// Option configures an EmbeddingCache.
type Option func(*EmbeddingCache)

// WithPersister adds a durable tier.
func WithPersister(p Persister) Option {
	return func(c *EmbeddingCache) { c.persist = p }
}

// WithMetrics records hit/miss/eviction counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *EmbeddingCache) { c.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *EmbeddingCache) { c.logger = l }
}

// NewEmbeddingCache creates a cache holding at most capacity entries in memory
// for the governing model.
func NewEmbeddingCache(capacity int, model string, opts ...Option) *EmbeddingCache {
	if capacity < 0 {
		capacity = 0
	}
	c := &EmbeddingCache{
		items:    make(map[string]*list.Element),
		order:    list.New(),
		capacity: capacity,
		model:    model,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Model returns the governing model id.
func (c *EmbeddingCache) Model() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.model
}

// SetModel changes the governing model and drops in-memory entries of any
// other model.
func (c *EmbeddingCache) SetModel(model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if model == c.model {
		return
	}
	c.model = model
	for key, el := range c.items {
		if el.Value.(*lruEntry).entry.Model != model {
			c.order.Remove(el)
			delete(c.items, key)
		}
	}
	c.metrics.CacheSize(len(c.items))
}

// Lookup returns the cached vector for (text, model). The persisted tier is
// consulted on an in-memory miss; corrupted entries are discarded.
func (c *EmbeddingCache) Lookup(ctx context.Context, text, model string) ([]float32, bool) {
	key := Key(text, model)

	c.mu.Lock()
	if el, ok := c.items[key]; ok {
		entry := el.Value.(*lruEntry).entry
		if entry.Model == model {
			c.order.MoveToFront(el)
			c.mu.Unlock()
			c.metrics.CacheHit()
			return entry.Vector, true
		}
		c.removeElement(el)
	}
	c.mu.Unlock()

	if c.persist != nil {
		entry, ok, err := c.persist.Get(ctx, key)
		switch {
		case err != nil:
			c.discard(ctx, key, err)
		case ok && (entry.Model != model || len(entry.Vector) == 0):
			c.discard(ctx, key, port.ErrCacheCorruption)
		case ok:
			c.insert(key, entry)
			c.metrics.CacheHit()
			return entry.Vector, true
		}
	}

	c.metrics.CacheMiss()
	return nil, false
}

// Store caches vector for (text, model) in memory and in the persisted tier.
func (c *EmbeddingCache) Store(ctx context.Context, text, model string, vector []float32) {
	key := Key(text, model)
	entry := domain.CacheEntry{Vector: vector, Model: model, CreatedAt: time.Now()}

	c.insert(key, entry)

	if c.persist != nil {
		if err := c.persist.Put(ctx, key, entry); err != nil {
			c.logger.Warn("failed to persist cache entry", "key", key, "error", err)
		}
	}
}

// ComputeFunc produces a fresh embedding on a cache miss.
type ComputeFunc func(ctx context.Context) ([]float32, error)

type flightResult struct {
	vector []float32
	cached bool
}

// Do returns the cached vector for (text, model) or computes it with fn.
// Concurrent callers for the same key share a single call of fn. cached
// reports whether this caller was served without calling fn itself.
//
// fn runs detached from the cancellation of the caller that started it, so a
// cancelled caller does not fail the others waiting on the same key. Each
// caller still stops waiting when its own ctx is done.
func (c *EmbeddingCache) Do(ctx context.Context, text, model string, fn ComputeFunc) (vector []float32, cached bool, err error) {
	if vec, ok := c.Lookup(ctx, text, model); ok {
		return vec, true, nil
	}

	key := Key(text, model)
	flightCtx := context.WithoutCancel(ctx)
	executed := false
	ch := c.group.DoChan(key, func() (any, error) {
		executed = true
		// A previous flight may have stored the key between Lookup and Do.
		if vec, ok := c.peek(key, model); ok {
			return flightResult{vector: vec, cached: true}, nil
		}
		vec, err := fn(flightCtx)
		if err != nil {
			return nil, err
		}
		c.Store(flightCtx, text, model, vec)
		return flightResult{vector: vec}, nil
	})

	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, false, r.Err
		}
		res := r.Val.(flightResult)
		return res.vector, res.cached || !executed, nil
	}
}

// Warm loads the most recent persisted entries of the governing model, up to
// capacity. Entries of other models and corrupted entries are purged.
func (c *EmbeddingCache) Warm(ctx context.Context) (int, error) {
	if c.persist == nil || c.capacity == 0 {
		return 0, nil
	}
	model := c.Model()

	var (
		keep  []lruEntry
		purge []string
	)
	err := c.persist.Scan(ctx, func(key string, entry domain.CacheEntry, decodeErr error) error {
		if decodeErr != nil || len(entry.Vector) == 0 || entry.Model != modelOf(key) {
			c.metrics.CacheCorrupt()
			purge = append(purge, key)
			return nil
		}
		if entry.Model != model {
			purge = append(purge, key)
			return nil
		}
		keep = append(keep, lruEntry{key: key, entry: entry})
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, key := range purge {
		if err := c.persist.Delete(ctx, key); err != nil {
			c.logger.Warn("failed to purge cache entry", "key", key, "error", err)
		}
	}

	sort.Slice(keep, func(i, j int) bool {
		return keep[i].entry.CreatedAt.After(keep[j].entry.CreatedAt)
	})
	if len(keep) > c.capacity {
		keep = keep[:c.capacity]
	}
	// Oldest first so the newest ends up most recently used.
	for i := len(keep) - 1; i >= 0; i-- {
		c.insert(keep[i].key, keep[i].entry)
	}

	c.logger.Debug("embedding cache warmed", "loaded", len(keep), "purged", len(purge), "model", model)
	return len(keep), nil
}

// Len returns the number of in-memory entries.
func (c *EmbeddingCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *EmbeddingCache) peek(key, model string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok && el.Value.(*lruEntry).entry.Model == model {
		return el.Value.(*lruEntry).entry.Vector, true
	}
	return nil, false
}

func (c *EmbeddingCache) insert(key string, entry domain.CacheEntry) {
	if c.capacity == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		el.Value.(*lruEntry).entry = entry
		c.order.MoveToFront(el)
		return
	}

	for len(c.items) >= c.capacity {
		c.evictOldest()
	}
	c.items[key] = c.order.PushFront(&lruEntry{key: key, entry: entry})
	c.metrics.CacheSize(len(c.items))
}

func (c *EmbeddingCache) evictOldest() {
	el := c.order.Back()
	if el == nil {
		return
	}
	c.removeElement(el)
	c.metrics.CacheEviction()
}

func (c *EmbeddingCache) removeElement(el *list.Element) {
	c.order.Remove(el)
	delete(c.items, el.Value.(*lruEntry).key)
}

func (c *EmbeddingCache) discard(ctx context.Context, key string, cause error) {
	if !errors.Is(cause, port.ErrCacheCorruption) {
		c.logger.Warn("cache lookup failed", "key", key, "error", cause)
		return
	}
	c.metrics.CacheCorrupt()
	c.logger.Warn("discarding corrupted cache entry", "key", key, "error", cause)
	if err := c.persist.Delete(ctx, key); err != nil {
		c.logger.Warn("failed to delete corrupted cache entry", "key", key, "error", err)
	}
}
