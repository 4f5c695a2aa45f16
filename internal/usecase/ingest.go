package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"pkb/internal/adapter/fs"
	"pkb/internal/adapter/loader"
	"pkb/internal/adapter/metrics"
	"pkb/internal/domain"
	"pkb/internal/port"
)

// Dataset is one input directory ingested into one collection.
type Dataset struct {
	Kind       string
	Dir        string
	Collection string
}

// IngestOptions control a single run.
type IngestOptions struct {
	Force bool
	// OnProgress is called after every upserted batch.
	OnProgress func(done, total int)
}

// IngestConfig holds the settings of the orchestrator.
type IngestConfig struct {
	Dimension  int
	Metric     string
	IndexKind  string
	StoreRetry RetryPolicy

	// MapFeedbackTo names the collection searched for every feedback record;
	// empty disables mapping.
	MapFeedbackTo string
	MapTopK       int

	// ProcessedDir receives <collection>.json after each run; empty disables it.
	ProcessedDir string
}

// RunRecorder keeps the summary of the last run per collection.
type RunRecorder interface {
	PutRun(ctx context.Context, summary domain.RunSummary) error
}

// IngestUseCase drives Loading, Filtering, Embedding and Upserting.
type IngestUseCase struct {
	loader    *loader.Loader
	generator *Generator
	model     string
	store     port.VectorStore
	manifest  port.Manifest
	runs      RunRecorder
	cfg       IngestConfig
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewIngestUseCase creates a new ingestion use case. runs and m may be nil.
func NewIngestUseCase(
	ld *loader.Loader,
	generator *Generator,
	model string,
	store port.VectorStore,
	manifest port.Manifest,
	runs RunRecorder,
	cfg IngestConfig,
	m *metrics.Metrics,
	logger *slog.Logger,
) *IngestUseCase {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MapTopK <= 0 {
		cfg.MapTopK = 5
	}
	return &IngestUseCase{
		loader:    ld,
		generator: generator,
		model:     model,
		store:     store,
		manifest:  manifest,
		runs:      runs,
		cfg:       cfg,
		metrics:   m,
		logger:    logger,
	}
}

// processedRecord is the JSON dump form of an upserted record.
type processedRecord struct {
	ID          string         `json:"id"`
	Text        string         `json:"text_for_embedding"`
	ContentHash string         `json:"content_hash"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Ingest runs one dataset. The summary is returned on every path, including
// aborted runs, and counts exactly what was committed.
func (u *IngestUseCase) Ingest(ctx context.Context, ds Dataset, opts IngestOptions) (summary domain.RunSummary, err error) {
	start := time.Now()
	summary = domain.RunSummary{
		RunID:      uuid.NewString(),
		Collection: ds.Collection,
		Stage:      domain.StageLoading,
	}
	log := u.logger.With("run_id", summary.RunID, "collection", ds.Collection)

	defer func() {
		summary.Duration = time.Since(start)
		if err != nil {
			log.Error("ingestion failed", "stage", summary.Stage, "error", err)
			summary.Errors = append(summary.Errors, err.Error())
			summary.Stage = domain.StageFailed
		}
		u.recordMetrics(summary)
		if u.runs != nil {
			if rerr := u.runs.PutRun(context.WithoutCancel(ctx), summary); rerr != nil {
				log.Warn("failed to record run", "error", rerr)
			}
		}
	}()

	// Loading
	loaded, err := u.loader.Load(ctx, ds.Kind, ds.Dir)
	if err != nil {
		return summary, err
	}
	summary.Total = len(loaded.Records)
	summary.Invalid = loaded.Invalid
	for _, e := range loaded.Errors {
		summary.Errors = append(summary.Errors, e.Error())
	}

	schema := domain.CollectionSchema{
		Name:      ds.Collection,
		Dimension: u.cfg.Dimension,
		Metric:    u.cfg.Metric,
		IndexKind: u.cfg.IndexKind,
	}
	if err := u.withStoreRetry(ctx, func(ctx context.Context) error {
		return u.store.CreateCollection(ctx, schema)
	}); err != nil {
		if errors.Is(err, port.ErrAlreadyExists) {
			return summary, fmt.Errorf("%w (drop the collection to change its schema)", err)
		}
		return summary, err
	}

	// Filtering
	summary.Stage = domain.StageFiltering
	pending, err := u.filter(ctx, ds.Collection, loaded.Records, opts.Force)
	if err != nil {
		return summary, err
	}
	summary.Skipped = len(loaded.Records) - len(pending)
	log.Info("records filtered", "total", summary.Total, "pending", len(pending), "skipped", summary.Skipped, "force", opts.Force)

	// Embedding and Upserting, batch by batch
	mapping := u.cfg.MapFeedbackTo != "" && ds.Kind == domain.KindFeedback
	var processed []processedRecord

	summary.Stage = domain.StageEmbedding
	gen, err := u.generator.Run(ctx, pending, func(b Batch) error {
		items := make([]domain.VectorItem, 0, len(b.Records))
		hashes := make(map[string]string, len(b.Records))
		for i, res := range b.Results {
			rec := b.Records[i]
			if !res.OK() {
				if errors.Is(res.Err, port.ErrDimensionMismatch) {
					return fmt.Errorf("record %s: %w", rec.ID, res.Err)
				}
				summary.Failed++
				summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", rec.ID, res.Err))
				continue
			}
			if res.Cached {
				summary.Cached++
			} else {
				summary.Embedded++
			}
			items = append(items, domain.VectorItem{
				ID:       rec.ID,
				Vector:   res.Vector,
				Text:     rec.Text,
				Metadata: itemMetadata(rec),
			})
			hashes[rec.ID] = rec.ContentHash
		}
		if len(items) == 0 {
			return nil
		}

		// The batch is dispatched: finish it even if ctx is cancelled.
		bctx := context.WithoutCancel(ctx)
		if mapping {
			u.mapFeedback(bctx, items, log)
		}

		summary.Stage = domain.StageUpserting
		upsertStart := time.Now()
		if err := u.withStoreRetry(bctx, func(ctx context.Context) error {
			return u.store.Upsert(ctx, ds.Collection, items)
		}); err != nil {
			return err
		}
		u.metrics.Upsert(time.Since(upsertStart))

		now := time.Now().UTC()
		entries := make(map[string]domain.ManifestEntry, len(items))
		for _, it := range items {
			entries[it.ID] = domain.ManifestEntry{
				ContentHash: hashes[it.ID],
				Model:       u.model,
				RunID:       summary.RunID,
				UpdatedAt:   now,
			}
		}
		if err := u.manifest.Put(bctx, ds.Collection, entries); err != nil {
			return fmt.Errorf("update manifest: %w", err)
		}
		summary.Upserted += len(items)
		summary.Stage = domain.StageEmbedding

		if u.cfg.ProcessedDir != "" {
			for _, it := range items {
				processed = append(processed, processedRecord{
					ID:          it.ID,
					Text:        it.Text,
					ContentHash: hashes[it.ID],
					Metadata:    it.Metadata,
				})
			}
		}
		if opts.OnProgress != nil {
			opts.OnProgress(b.Offset+len(b.Records), len(pending))
		}
		log.Debug("batch upserted", "batch", b.Index, "upserted", len(items))
		return nil
	})
	if err != nil {
		return summary, err
	}
	log.Debug("embedding finished", "embedded", gen.Embedded, "cached", gen.Cached, "failed", gen.Failed)

	if u.cfg.ProcessedDir != "" && len(processed) > 0 {
		path := filepath.Join(u.cfg.ProcessedDir, ds.Collection+".json")
		if err := fs.WriteJSON(path, processed); err != nil {
			log.Warn("failed to write processed output", "path", path, "error", err)
		}
	}

	summary.Stage = domain.StageDone
	log.Info("ingestion finished",
		"total", summary.Total,
		"skipped", summary.Skipped,
		"embedded", summary.Embedded,
		"cached", summary.Cached,
		"failed", summary.Failed,
		"upserted", summary.Upserted,
		"invalid", summary.Invalid,
	)
	return summary, nil
}

// filter drops records whose manifest entry matches both hash and model.
func (u *IngestUseCase) filter(ctx context.Context, collection string, records []domain.Record, force bool) ([]domain.Record, error) {
	if force {
		return records, nil
	}
	manifest, err := u.manifest.Load(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("load manifest: %w", err)
	}

	pending := make([]domain.Record, 0, len(records))
	for _, rec := range records {
		if e, ok := manifest[rec.ID]; ok && e.Unchanged(rec.ContentHash, u.model) {
			continue
		}
		pending = append(pending, rec)
	}
	return pending, nil
}

// mapFeedback attaches the nearest perspectives to every feedback item.
// Mapping is best effort: a missing or failing collection leaves items unmapped.
func (u *IngestUseCase) mapFeedback(ctx context.Context, items []domain.VectorItem, log *slog.Logger) {
	queries := make([][]float32, len(items))
	for i, it := range items {
		queries[i] = it.Vector
	}

	var results [][]domain.SearchResult
	err := u.withStoreRetry(ctx, func(ctx context.Context) error {
		var err error
		results, err = u.store.Search(ctx, u.cfg.MapFeedbackTo, queries, u.cfg.MapTopK, nil)
		return err
	})
	if err != nil {
		if errors.Is(err, port.ErrCollectionNotFound) {
			log.Debug("feedback mapping skipped", "collection", u.cfg.MapFeedbackTo)
		} else {
			log.Warn("feedback mapping failed", "error", err)
		}
		return
	}

	for i, matches := range results {
		mapped := make([]any, 0, len(matches))
		for _, m := range matches {
			entry := map[string]any{"id": m.ID, "score": m.Score}
			for _, k := range []string{"aspect", "insight", "sentiment"} {
				if v, ok := m.Metadata[k]; ok {
					entry[k] = v
				}
			}
			mapped = append(mapped, entry)
		}
		items[i].Metadata["mapped_perspectives"] = mapped
	}
}

// withStoreRetry retries fn while the store reports it is unavailable.
func (u *IngestUseCase) withStoreRetry(ctx context.Context, fn func(context.Context) error) error {
	attempt := 0
	err := retry.Do(ctx, u.cfg.StoreRetry.backoff(), func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if errors.Is(err, port.ErrStoreUnavailable) {
			u.logger.Warn("vector store unavailable, retrying", "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil && errors.Is(err, port.ErrStoreUnavailable) {
		return fmt.Errorf("vector store unreachable after %d attempts: %w", attempt, err)
	}
	return err
}

func (u *IngestUseCase) recordMetrics(s domain.RunSummary) {
	u.metrics.Records(s.Collection, "skipped", s.Skipped)
	u.metrics.Records(s.Collection, "invalid", s.Invalid)
	u.metrics.Records(s.Collection, "embedded", s.Embedded)
	u.metrics.Records(s.Collection, "cached", s.Cached)
	u.metrics.Records(s.Collection, "failed", s.Failed)
	u.metrics.Records(s.Collection, "upserted", s.Upserted)
}

func itemMetadata(rec domain.Record) map[string]any {
	meta := make(map[string]any, len(rec.Metadata)+2)
	for k, v := range rec.Metadata {
		meta[k] = v
	}
	meta["kind"] = rec.Kind
	meta["content_hash"] = rec.ContentHash
	return meta
}
