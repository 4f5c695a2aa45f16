package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"pkb/internal/adapter/cache"
	"pkb/internal/adapter/metrics"
	"pkb/internal/port"
)

// RetryPolicy bounds retries of transient failures.
type RetryPolicy struct {
	MaxAttempts    int // total attempts, including the first
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (p RetryPolicy) backoff() retry.Backoff {
	initial := p.InitialBackoff
	if initial <= 0 {
		initial = time.Millisecond
	}
	b := retry.NewExponential(initial)
	if p.MaxBackoff > 0 {
		b = retry.WithCappedDuration(p.MaxBackoff, b)
	}
	b = retry.WithJitterPercent(10, b)

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return retry.WithMaxRetries(uint64(attempts-1), b)
}

// Embedder is the cached embedding path shared by ingestion and search:
// cache lookup, then a single-flight client call with retry on a miss.
type Embedder struct {
	client  port.EmbeddingClient
	cache   *cache.EmbeddingCache
	policy  RetryPolicy
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewEmbedder creates an embedder. cache may be nil.
func NewEmbedder(client port.EmbeddingClient, c *cache.EmbeddingCache, policy RetryPolicy, m *metrics.Metrics, logger *slog.Logger) *Embedder {
	if logger == nil {
		logger = slog.Default()
	}
	if c != nil && c.Model() != client.Model() {
		logger.Info("embedding model changed, invalidating cache", "from", c.Model(), "to", client.Model())
		c.SetModel(client.Model())
	}
	return &Embedder{client: client, cache: c, policy: policy, metrics: m, logger: logger}
}

func (e *Embedder) Model() string {
	return e.client.Model()
}

func (e *Embedder) Dimension() int {
	return e.client.Dimension()
}

// Embed returns the vector of text. cached reports that no service call was
// made on behalf of this caller.
func (e *Embedder) Embed(ctx context.Context, text string) (vector []float32, cached bool, err error) {
	if e.cache == nil {
		vector, err = e.call(ctx, text)
		return vector, false, err
	}
	return e.cache.Do(ctx, text, e.client.Model(), func(ctx context.Context) ([]float32, error) {
		return e.call(ctx, text)
	})
}

// call invokes the client, retrying only transient failures.
func (e *Embedder) call(ctx context.Context, text string) ([]float32, error) {
	var (
		vector  []float32
		attempt int
	)
	err := retry.Do(ctx, e.policy.backoff(), func(ctx context.Context) error {
		attempt++
		start := time.Now()
		vec, err := e.client.Embed(ctx, text)
		switch {
		case err == nil:
			e.metrics.EmbedRequest("ok", time.Since(start))
			vector = vec
			return nil
		case errors.Is(err, port.ErrTransient):
			e.metrics.EmbedRequest("transient", time.Since(start))
			e.logger.Debug("embedding attempt failed", "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		default:
			e.metrics.EmbedRequest("permanent", time.Since(start))
			return err
		}
	})
	if err != nil {
		if errors.Is(err, port.ErrTransient) {
			return nil, fmt.Errorf("after %d attempts: %w", attempt, err)
		}
		return nil, err
	}
	return vector, nil
}
