package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"pkb/config"
	"pkb/internal/adapter/cache"
	"pkb/internal/adapter/embedding"
	"pkb/internal/adapter/metrics"
	"pkb/internal/adapter/store"
	"pkb/internal/port"
	"pkb/internal/usecase"
)

// app holds the process-scoped resources shared by the commands.
type app struct {
	cfg      *config.Config
	root     string
	state    *store.StateStore
	vectors  port.VectorStore
	metrics  *metrics.Metrics
	cache    *cache.EmbeddingCache
	embedder *usecase.Embedder
	logger   *slog.Logger

	closers []io.Closer
}

// openApp opens the state database and the vector store. withEmbedder also
// builds the embedding client and a warmed cache.
func openApp(ctx context.Context, cfg *config.Config, root string, withEmbedder bool) (a *app, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.EnsureStateDir(root); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	a = &app{cfg: cfg, root: root, logger: slog.Default()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.state, err = store.NewStateStore(cfg.StateDBPath(root))
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.state)

	a.metrics, err = metrics.New()
	if err != nil {
		return nil, err
	}

	a.vectors, err = store.Open(ctx, cfg, root)
	if err != nil {
		return nil, fmt.Errorf("failed to open vector store: %w", err)
	}
	a.closers = append(a.closers, a.vectors)

	if !withEmbedder {
		return a, nil
	}

	client, err := embedding.New(cfg.Embedding)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding client: %w", err)
	}

	persister, err := a.persister(ctx)
	if err != nil {
		return nil, err
	}
	opts := []cache.Option{cache.WithMetrics(a.metrics), cache.WithLogger(a.logger)}
	if persister != nil {
		opts = append(opts, cache.WithPersister(persister))
	}
	a.cache = cache.NewEmbeddingCache(cfg.Cache.Capacity, client.Model(), opts...)
	if n, err := a.cache.Warm(ctx); err != nil {
		a.logger.Warn("cache warm start failed", "error", err)
	} else if n > 0 {
		a.logger.Debug("cache warmed", "entries", n)
	}

	a.embedder = usecase.NewEmbedder(client, a.cache, usecase.RetryPolicy{
		MaxAttempts:    cfg.Ingest.MaxAttempts,
		InitialBackoff: cfg.Ingest.InitialBackoff,
		MaxBackoff:     cfg.Ingest.MaxBackoff,
	}, a.metrics, a.logger)
	return a, nil
}

func (a *app) persister(ctx context.Context) (cache.Persister, error) {
	switch a.cfg.Cache.Persist {
	case "bolt":
		return cache.NewBoltPersister(a.state.DB())
	case "redis":
		client, err := cache.DialRedis(ctx, a.cfg.Cache.RedisAddr, a.cfg.Cache.RedisDB)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client)
		return cache.NewRedisPersister(client, a.cfg.Cache.RedisTTL), nil
	default:
		return nil, nil
	}
}

// healthCheck pings the vector store. Commands that write refuse to start
// against an unreachable backend.
func (a *app) healthCheck(ctx context.Context) error {
	if err := a.vectors.Ping(ctx); err != nil {
		return fmt.Errorf("vector store health check failed (%s backend): %w", a.cfg.Store.Backend, err)
	}
	return nil
}

// Close releases every resource in reverse order of acquisition.
func (a *app) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}
