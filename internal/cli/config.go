package cli

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configSave string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the configuration after defaults, the config file, .env and PKB_*
overrides are applied. The database password is masked.

With --save the effective configuration is written to a file instead, e.g.
  pkb config --save pkb.yaml`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := GetConfig()

		if configSave != "" {
			path := cfg.Resolve(GetRootDir(), configSave)
			if err := cfg.Save(path); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}
			fmt.Printf("Saved configuration to %s\n", path)
			return nil
		}

		masked := *cfg
		masked.Store.DatabaseURL = maskPassword(cfg.Store.DatabaseURL)
		out, err := yaml.Marshal(&masked)
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		return nil
	},
}

func init() {
	configCmd.Flags().StringVar(&configSave, "save", "", "write the effective configuration to this file")
	rootCmd.AddCommand(configCmd)
}

func maskPassword(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}
