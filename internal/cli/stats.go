package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats [collection]",
	Short: "Show collection statistics and the last run",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, GetConfig(), GetRootDir(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		names := args
		if len(names) == 0 {
			if names, err = a.vectors.ListCollections(ctx); err != nil {
				return err
			}
		}
		if len(names) == 0 {
			fmt.Println("No collections. Run 'pkb process' first.")
			return nil
		}

		for _, name := range names {
			st, err := a.vectors.Stats(ctx, name)
			if err != nil {
				return err
			}
			fmt.Printf("Collection: %s\n", st.Name)
			fmt.Printf("  Records:   %d\n", st.Count)
			fmt.Printf("  Dimension: %d\n", st.Dimension)
			fmt.Printf("  Metric:    %s\n", st.Metric)
			fmt.Printf("  Index:     %s\n", st.IndexKind)

			run, found, err := a.state.LastRun(ctx, name)
			if err != nil {
				return err
			}
			if found {
				fmt.Printf("  Last run:  %s (%s, %d upserted, %d failed, %s)\n",
					run.RunID, run.Stage, run.Upserted, run.Failed, formatDuration(run.Duration))
			}
			fmt.Println()
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
