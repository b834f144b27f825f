package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"gitlab.elettra.eu/cs/inau/pkg/catalog"
)

var seedCmd = &cobra.Command{
	Use:   "seed FILE",
	Short: "Load catalog rows from a YAML seed document",
	Long: `Load platforms, facilities, builders, servers, hosts,
repositories and users from a YAML document. Rows are upserted by
their natural keys, so re-running a seed converges.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("database-url is required")
		}
		initLogging(cfg)

		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading seed file: %w", err)
		}
		seed, err := catalog.LoadSeed(data)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		cat, err := catalog.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer cat.Close()

		return cat.ApplySeed(ctx, seed)
	},
}

func init() {
	rootCmd.AddCommand(seedCmd)
	seedCmd.Flags().String("database-url", "", "PostgreSQL DSN of the catalog")
}
