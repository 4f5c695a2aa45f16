package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"pkb/config"
	"pkb/internal/adapter/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check the vector store and show collection counts",
	Long: `Ping the configured vector store backend, then list every collection with
its record count together with the embedding and state settings.

Exits with status 1 when the backend is unreachable.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return status(cmd.Context(), GetConfig(), GetRootDir(), os.Stdout)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func status(ctx context.Context, cfg *config.Config, root string, w io.Writer) error {
	fmt.Fprintf(w, "Backend:   %s\n", cfg.Store.Backend)
	switch cfg.Store.Backend {
	case "local":
		fmt.Fprintf(w, "Path:      %s\n", cfg.VectorDBPath(root))
	case "server":
		fmt.Fprintf(w, "Database:  %s\n", maskPassword(cfg.Store.DatabaseURL))
	}
	fmt.Fprintf(w, "Embedding: %s %s (dim %d)\n", cfg.Embedding.Provider, cfg.Embedding.Model, cfg.Embedding.Dimension)

	a, err := openApp(ctx, cfg, root, false)
	if err != nil {
		fmt.Fprintf(w, "Health:    FAIL\n")
		return err
	}
	defer a.Close()

	if err := a.healthCheck(ctx); err != nil {
		fmt.Fprintf(w, "Health:    FAIL\n")
		return err
	}
	fmt.Fprintf(w, "Health:    OK\n")

	if info, err := a.state.GetSchemaInfo(); err == nil {
		state := "current"
		if info.ConfigHash != "" && info.ConfigHash != store.ComputeConfigHash(cfg) {
			state = "configuration changed, next 'pkb process' re-embeds everything"
		}
		fmt.Fprintf(w, "State:     v%d, %s\n", info.Version, state)
	}

	names, err := a.vectors.ListCollections(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "\nCollections (%d):\n", len(names))
	for _, name := range names {
		st, err := a.vectors.Stats(ctx, name)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "  %-20s %8d records  dim=%d metric=%s\n", st.Name, st.Count, st.Dimension, st.Metric)
	}
	return nil
}
