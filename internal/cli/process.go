package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"pkb/config"
	"pkb/internal/adapter/fs"
	"pkb/internal/adapter/loader"
	"pkb/internal/domain"
	"pkb/internal/usecase"
)

var (
	processForce      bool
	processBatchSize  int
	processMaxWorkers int
	processOnly       string
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Embed new and changed records into the vector store",
	Long: `Load knowledge perspectives and user feedback, embed every record whose
content changed since the last run, and upsert the vectors.

Knowledge is processed before feedback so that feedback can be mapped onto
the matching perspectives.`,
	RunE: runProcess,
}

func init() {
	processCmd.Flags().BoolVarP(&processForce, "force", "f", false, "re-embed every record")
	processCmd.Flags().IntVar(&processBatchSize, "batch-size", 0, "records per batch (default from config)")
	processCmd.Flags().IntVar(&processMaxWorkers, "max-workers", 0, "concurrent embedding requests (default from config)")
	processCmd.Flags().StringVar(&processOnly, "only", "", "process a single dataset: knowledge or feedback")
	rootCmd.AddCommand(processCmd)
}

func runProcess(cmd *cobra.Command, args []string) error {
	cfg := GetConfig()

	if processBatchSize > 0 {
		cfg.Ingest.BatchSize = processBatchSize
	}
	if processMaxWorkers > 0 {
		cfg.Ingest.MaxWorkers = processMaxWorkers
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return process(ctx, cfg, GetRootDir(), processOptions{
		force:    processForce,
		only:     processOnly,
		progress: true,
	})
}

type processOptions struct {
	force    bool
	only     string
	progress bool
}

func process(ctx context.Context, cfg *config.Config, root string, opts processOptions) error {
	datasets, err := selectDatasets(cfg, root, opts.only)
	if err != nil {
		return err
	}

	a, err := openApp(ctx, cfg, root, true)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.healthCheck(ctx); err != nil {
		return err
	}

	force := opts.force
	migration, err := a.state.CheckMigration(cfg)
	if err != nil {
		return err
	}
	if migration.NeedsRebuild {
		fmt.Printf("Re-embedding all records: %s\n", migration.Reason)
		force = true
	}

	ingest := newIngest(a)

	var failed []string
	for _, ds := range datasets {
		fmt.Printf("Processing %s from %s\n", ds.Kind, ds.Dir)

		ingestOpts := usecase.IngestOptions{Force: force}
		if opts.progress {
			ingestOpts.OnProgress = progressReporter(ds.Kind)
		}
		summary, err := ingest.Ingest(ctx, ds, ingestOpts)
		printSummary(summary)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s: %v\n", ds.Collection, err)
			failed = append(failed, ds.Collection)
			if errors.Is(err, context.Canceled) {
				break
			}
		}
	}

	if cfg.Metrics.Textfile != "" {
		if err := a.metrics.WriteTextfile(cfg.Resolve(root, cfg.Metrics.Textfile)); err != nil {
			a.logger.Warn("failed to write metrics textfile", "error", err)
		}
	}

	if len(failed) > 0 {
		return fmt.Errorf("processing failed for %v", failed)
	}
	if !migration.NeedsMigration && !migration.NeedsRebuild {
		return nil
	}
	// The new configuration hash is recorded only after every dataset was
	// re-embedded, so an aborted or partial rebuild is forced again.
	if migration.NeedsRebuild && opts.only != "" {
		fmt.Println("Configuration change recorded after a full 'pkb process' run.")
		return nil
	}
	if err := a.state.Migrate(cfg); err != nil {
		return fmt.Errorf("failed to migrate state: %w", err)
	}
	return nil
}

func selectDatasets(cfg *config.Config, root, only string) ([]usecase.Dataset, error) {
	all := []usecase.Dataset{
		{Kind: domain.KindKnowledge, Dir: cfg.Resolve(root, cfg.Data.KnowledgeDir), Collection: cfg.Data.KnowledgeCollection},
		{Kind: domain.KindFeedback, Dir: cfg.Resolve(root, cfg.Data.FeedbackDir), Collection: cfg.Data.FeedbackCollection},
	}
	switch only {
	case "":
		return all, nil
	case domain.KindKnowledge:
		return all[:1], nil
	case domain.KindFeedback:
		return all[1:], nil
	default:
		return nil, fmt.Errorf("unknown dataset %q (want knowledge or feedback)", only)
	}
}

func newIngest(a *app) *usecase.IngestUseCase {
	cfg := a.cfg

	ingestCfg := usecase.IngestConfig{
		Dimension: cfg.Embedding.Dimension,
		Metric:    cfg.Store.Metric,
		IndexKind: cfg.Store.IndexKind,
		StoreRetry: usecase.RetryPolicy{
			MaxAttempts:    cfg.Ingest.StoreAttempts,
			InitialBackoff: cfg.Ingest.InitialBackoff,
			MaxBackoff:     cfg.Ingest.MaxBackoff,
		},
		MapTopK: cfg.Ingest.MapFeedbackTopK,
	}
	if cfg.Ingest.MapFeedback {
		ingestCfg.MapFeedbackTo = cfg.Data.KnowledgeCollection
	}
	if cfg.Ingest.WriteProcessed {
		ingestCfg.ProcessedDir = cfg.Resolve(a.root, cfg.Data.ProcessedDir)
	}

	walker := fs.NewWalker(cfg.Data.Includes, cfg.Data.Excludes)
	generator := usecase.NewGenerator(a.embedder, cfg.Ingest.BatchSize, cfg.Ingest.MaxWorkers, a.logger)

	return usecase.NewIngestUseCase(
		loader.New(walker, a.logger),
		generator,
		a.embedder.Model(),
		a.vectors,
		a.state,
		a.state,
		ingestCfg,
		a.metrics,
		a.logger,
	)
}

// progressReporter returns a callback drawing one progress bar per dataset.
func progressReporter(label string) func(done, total int) {
	var (
		bar       *progressbar.ProgressBar
		mu        sync.Mutex
		startTime time.Time
	)
	return func(done, total int) {
		mu.Lock()
		defer mu.Unlock()

		if bar == nil {
			startTime = time.Now()
			bar = progressbar.NewOptions(total,
				progressbar.OptionEnableColorCodes(true),
				progressbar.OptionShowBytes(false),
				progressbar.OptionSetWidth(40),
				progressbar.OptionShowCount(),
				progressbar.OptionSetDescription(fmt.Sprintf("[cyan]Embedding %s[reset]", label)),
				progressbar.OptionSetTheme(progressbar.Theme{
					Saucer:        "[green]=[reset]",
					SaucerHead:    "[green]>[reset]",
					SaucerPadding: " ",
					BarStart:      "[",
					BarEnd:        "]",
				}),
				progressbar.OptionOnCompletion(func() {
					fmt.Println()
				}),
			)
		}

		bar.Set(done)

		if done > 0 && done < total {
			elapsed := time.Since(startTime)
			remaining := time.Duration(float64(elapsed) / float64(done) * float64(total-done))
			bar.Describe(fmt.Sprintf("[cyan]Embedding %s[reset] (ETA: %s)", label, formatDuration(remaining)))
		}
	}
}

func printSummary(s domain.RunSummary) {
	fmt.Printf("\n%s run %s: %s in %s\n", s.Collection, s.RunID, s.Stage, formatDuration(s.Duration))
	fmt.Printf("  Total:     %d\n", s.Total)
	fmt.Printf("  Invalid:   %d\n", s.Invalid)
	fmt.Printf("  Unchanged: %d\n", s.Skipped)
	fmt.Printf("  Embedded:  %d\n", s.Embedded)
	fmt.Printf("  Cached:    %d\n", s.Cached)
	fmt.Printf("  Failed:    %d\n", s.Failed)
	fmt.Printf("  Upserted:  %d\n", s.Upserted)

	if len(s.Errors) > 0 {
		fmt.Printf("\nErrors (%d):\n", len(s.Errors))
		for i, e := range s.Errors {
			if i >= 10 {
				fmt.Printf("  ... and %d more\n", len(s.Errors)-10)
				break
			}
			fmt.Printf("  - %s\n", e)
		}
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return "<1s"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm%ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh%dm", h, m)
}
