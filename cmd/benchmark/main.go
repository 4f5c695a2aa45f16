// Command benchmark embeds a query and rates the similarity of the top
// matches in a collection.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"pkb/config"
	"pkb/internal/adapter/embedding"
	"pkb/internal/adapter/store"
	"pkb/internal/domain"
	"pkb/internal/port"
	"pkb/internal/usecase"
)

func main() {
	root := flag.String("dir", ".", "Project root directory")
	query := flag.String("q", "", "Query to test")
	collection := flag.String("collection", "", "Collection to search (default from config)")
	topK := flag.Int("k", 10, "Number of results")
	flag.Parse()

	if *query == "" {
		fmt.Println("Usage: go run ./cmd/benchmark -dir . -q \"query\"")
		fmt.Println("\nTests:")
		fmt.Println("  1. Embedding service and vector store connectivity")
		fmt.Println("  2. Query latency (embedding + search)")
		fmt.Println("  3. Similarity of the top matches")
		os.Exit(1)
	}

	if err := config.LoadDotEnv(*root); err != nil {
		fail("Error loading .env", err)
	}
	cfg, err := config.LoadFromDir(*root)
	if err != nil {
		fail("Error loading config", err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		fail("Error applying environment", err)
	}
	if *collection == "" {
		*collection = cfg.Search.Collection
	}

	ctx := context.Background()

	client, err := embedding.New(cfg.Embedding)
	if err != nil {
		fail("Embedding client not available", err)
	}

	err = store.With(ctx, cfg, *root, func(vs port.VectorStore) error {
		return run(ctx, cfg, client, vs, *collection, *query, *topK)
	})
	if err != nil {
		fail("Benchmark failed", err)
	}
}

func run(ctx context.Context, cfg *config.Config, client port.EmbeddingClient, vs port.VectorStore, collection, query string, topK int) error {
	stats, err := vs.Stats(ctx, collection)
	if err != nil {
		return err
	}
	if stats.Count == 0 {
		return fmt.Errorf("collection %s is empty - run 'pkb process' first", collection)
	}

	fmt.Println("SEMANTIC SEARCH BENCHMARK")
	fmt.Println(strings.Repeat("=", 70))
	fmt.Printf("Collection: %s (%d records, %s)\n", collection, stats.Count, stats.Metric)
	fmt.Printf("Model: %s (%s)\n", cfg.Embedding.Model, cfg.Embedding.Provider)
	fmt.Printf("Dimension: %d\n", stats.Dimension)
	fmt.Println()

	fmt.Printf("Query: \"%s\"\n", query)
	fmt.Println(strings.Repeat("-", 70))

	embedder := usecase.NewEmbedder(client, nil, usecase.RetryPolicy{
		MaxAttempts:    cfg.Ingest.MaxAttempts,
		InitialBackoff: cfg.Ingest.InitialBackoff,
		MaxBackoff:     cfg.Ingest.MaxBackoff,
	}, nil, nil)

	start := time.Now()
	results, err := usecase.NewSearchUseCase(embedder, vs, nil).Search(ctx, usecase.Query{
		Text:       query,
		Collection: collection,
		TopK:       topK,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Embedded and searched in %s\n\n", time.Since(start).Round(time.Millisecond))

	if len(results) == 0 {
		fmt.Println("No matches.")
		return nil
	}

	fmt.Printf("Top %d semantic matches:\n\n", len(results))
	total := 0.0
	for i, r := range results {
		total += r.Score
		fmt.Printf("%d. [%s %.3f] %s\n", i+1, rating(r.Score), r.Score, r.ID)
		fmt.Printf("   %s\n\n", preview(r))
	}

	avg := total / float64(len(results))
	fmt.Println(strings.Repeat("=", 70))
	fmt.Printf("QUALITY METRICS:\n")
	fmt.Printf("  Average similarity: %.3f\n", avg)
	fmt.Printf("  Top-1 similarity:   %.3f\n", results[0].Score)

	switch {
	case avg > 0.5:
		fmt.Println("  Status: GOOD - semantic search working well")
	case avg > 0.3:
		fmt.Println("  Status: OK - results are somewhat related")
	default:
		fmt.Println("  Status: POOR - check the model or re-run 'pkb process --force'")
	}
	return nil
}

func rating(score float64) string {
	switch {
	case score > 0.7:
		return "HIGH"
	case score > 0.5:
		return "GOOD"
	case score > 0.3:
		return "OK"
	}
	return "LOW"
}

func preview(r domain.SearchResult) string {
	text, _ := r.Metadata["display_text"].(string)
	text = strings.ReplaceAll(text, "\n", " ")
	if runes := []rune(text); len(runes) > 150 {
		text = string(runes[:150]) + "..."
	}
	return text
}

func fail(msg string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	os.Exit(1)
}
