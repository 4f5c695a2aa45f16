package store

import (
	"context"
	"fmt"

	"pkb/config"
	"pkb/internal/port"
)

// Open returns the vector store backend selected by cfg. Local paths are
// resolved against root.
func Open(ctx context.Context, cfg *config.Config, root string) (port.VectorStore, error) {
	switch cfg.Store.Backend {
	case "local":
		if err := cfg.EnsureStateDir(root); err != nil {
			return nil, err
		}
		return NewBoltVectorStore(cfg.VectorDBPath(root))
	case "server":
		return NewPostgresVectorStore(ctx, cfg.Store.DatabaseURL, cfg.Store.TablePrefix, cfg.Ingest.MaxWorkers)
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", cfg.Store.Backend)
	}
}

// With opens the configured store, runs fn and always closes the store.
func With(ctx context.Context, cfg *config.Config, root string, fn func(port.VectorStore) error) (err error) {
	vs, err := Open(ctx, cfg, root)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := vs.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(vs)
}
