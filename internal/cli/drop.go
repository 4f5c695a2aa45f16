package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var dropYes bool

var dropCmd = &cobra.Command{
	Use:   "drop COLLECTION",
	Short: "Delete a collection and its manifest",
	Long: `Delete a collection from the vector store together with its processed
manifest, so the next 'pkb process' embeds every record again.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		ctx := cmd.Context()

		if !dropYes && !confirm(fmt.Sprintf("Drop collection %q?", name)) {
			fmt.Println("Aborted.")
			return nil
		}

		a, err := openApp(ctx, GetConfig(), GetRootDir(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.vectors.Drop(ctx, name); err != nil {
			return err
		}
		if err := a.state.Reset(ctx, name); err != nil {
			return fmt.Errorf("collection dropped but manifest reset failed: %w", err)
		}
		fmt.Printf("Dropped %s\n", name)
		return nil
	},
}

func init() {
	dropCmd.Flags().BoolVarP(&dropYes, "yes", "y", false, "skip confirmation")
	rootCmd.AddCommand(dropCmd)
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N] ", prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}
