package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"pkb/internal/usecase"
)

var (
	searchQuery      string
	searchCollection string
	searchTopK       int
	searchThreshold  float64
	searchJSON       bool
)

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Search a collection by semantic similarity",
	Long: `Embed the query text and return the most similar records.

Example:
  pkb search -q "价格太贵了"
  pkb search -q "发货慢" --collection feedback --top-k 10 --json`,
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().StringVarP(&searchQuery, "query", "q", "", "query text (required)")
	searchCmd.Flags().StringVarP(&searchCollection, "collection", "c", "", "collection to search (default from config)")
	searchCmd.Flags().IntVarP(&searchTopK, "top-k", "k", 0, "number of results (default from config)")
	searchCmd.Flags().Float64Var(&searchThreshold, "threshold", 0, "minimum score, 0 = disabled (default from config)")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "print results as JSON")
	searchCmd.MarkFlagRequired("query")
	rootCmd.AddCommand(searchCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	cfg := GetConfig()
	ctx := cmd.Context()

	a, err := openApp(ctx, cfg, GetRootDir(), true)
	if err != nil {
		return err
	}
	defer a.Close()

	q := usecase.Query{
		Text:       searchQuery,
		Collection: cfg.Search.Collection,
		TopK:       cfg.Search.TopK,
	}
	if searchCollection != "" {
		q.Collection = searchCollection
	}
	if searchTopK > 0 {
		q.TopK = searchTopK
	}
	threshold := cfg.Search.Threshold
	if cmd.Flags().Changed("threshold") {
		threshold = searchThreshold
	}
	if threshold != 0 {
		q.Threshold = &threshold
	}

	results, err := usecase.NewSearchUseCase(a.embedder, a.vectors, a.logger).Search(ctx, q)
	if err != nil {
		return err
	}

	if searchJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.SetEscapeHTML(false)
		return enc.Encode(results)
	}

	if len(results) == 0 {
		fmt.Println("No results found.")
		return nil
	}

	fmt.Printf("Found %d results in %s:\n\n", len(results), q.Collection)
	for i, r := range results {
		fmt.Printf("--- [%d] %s (score: %.4f) ---\n", i+1, r.ID, r.Score)
		if aspect, ok := r.Metadata["aspect"].(string); ok && aspect != "" {
			fmt.Printf("Aspect: %s\n", aspect)
		}
		if text, ok := r.Metadata["display_text"].(string); ok && text != "" {
			fmt.Println(truncate(text, 200))
		}
		if mapped, ok := r.Metadata["mapped_perspectives"]; ok {
			fmt.Printf("Mapped: %v\n", mapped)
		}
		fmt.Println()
	}
	return nil
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
