package usecase

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"pkb/internal/domain"
)

// TextEmbedder embeds one text. cached reports that no service call was
// made on behalf of the caller.
type TextEmbedder interface {
	Embed(ctx context.Context, text string) (vector []float32, cached bool, err error)
}

// Batch is one embedded batch, in input order.
type Batch struct {
	Index   int
	Offset  int // position of the first record in the full input
	Records []domain.Record
	Results []domain.EmbeddingResult
}

// GenerateResult holds per-record outcomes in input order plus counts.
type GenerateResult struct {
	Results  []domain.EmbeddingResult
	Embedded int // freshly embedded by the service
	Cached   int
	Failed   int
}

func (r *GenerateResult) add(b Batch) {
	r.Results = append(r.Results, b.Results...)
	for _, res := range b.Results {
		switch {
		case !res.OK():
			r.Failed++
		case res.Cached:
			r.Cached++
		default:
			r.Embedded++
		}
	}
}

// Generator embeds records in batches on a bounded worker pool.
type Generator struct {
	embedder   TextEmbedder
	batchSize  int
	maxWorkers int
	logger     *slog.Logger
}

func NewGenerator(embedder TextEmbedder, batchSize, maxWorkers int, logger *slog.Logger) *Generator {
	if batchSize < 1 {
		batchSize = 1
	}
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{embedder: embedder, batchSize: batchSize, maxWorkers: maxWorkers, logger: logger}
}

// Generate embeds all records and returns results in input order.
func (g *Generator) Generate(ctx context.Context, records []domain.Record) (GenerateResult, error) {
	return g.Run(ctx, records, nil)
}

// Run embeds records batch by batch and hands every finished batch to
// onBatch before starting the next one. Once ctx is cancelled no further
// batch is started; the batch in flight still completes with a context that
// is not cancelled. The returned result covers the batches that finished.
// An error from onBatch stops the run and is returned as is.
func (g *Generator) Run(ctx context.Context, records []domain.Record, onBatch func(Batch) error) (GenerateResult, error) {
	var result GenerateResult

	for idx, offset := 0, 0; offset < len(records); idx, offset = idx+1, offset+g.batchSize {
		if err := ctx.Err(); err != nil {
			g.logger.Info("embedding interrupted", "completed", offset, "abandoned", len(records)-offset)
			return result, err
		}

		end := min(offset+g.batchSize, len(records))
		batch := Batch{
			Index:   idx,
			Offset:  offset,
			Records: records[offset:end],
		}
		batch.Results = g.embedBatch(context.WithoutCancel(ctx), batch.Records)
		result.add(batch)

		if onBatch != nil {
			if err := onBatch(batch); err != nil {
				return result, err
			}
		}
	}

	return result, nil
}

// embedBatch runs one task per record with at most maxWorkers in flight.
// Each task writes only its own slot, so the output keeps input order
// whatever the completion order.
func (g *Generator) embedBatch(ctx context.Context, records []domain.Record) []domain.EmbeddingResult {
	results := make([]domain.EmbeddingResult, len(records))

	var eg errgroup.Group
	eg.SetLimit(g.maxWorkers)
	for i, rec := range records {
		i, rec := i, rec
		eg.Go(func() error {
			vec, cached, err := g.embedder.Embed(ctx, rec.Text)
			if err != nil {
				g.logger.Warn("embedding failed", "id", rec.ID, "error", err)
			}
			results[i] = domain.EmbeddingResult{
				RecordID: rec.ID,
				Vector:   vec,
				Cached:   cached,
				Err:      err,
			}
			return nil
		})
	}
	_ = eg.Wait()

	return results
}
