package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"gitlab.elettra.eu/cs/inau/pkg/catalog"
	"gitlab.elettra.eu/cs/inau/pkg/catalog/migrate"
	"gitlab.elettra.eu/cs/inau/pkg/log"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply catalog schema migrations",
	Long: `Apply the embedded schema migrations to the catalog database.
Running migrate on an up-to-date catalog is a no-op. With --status the
migration state is printed instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("database-url is required")
		}
		initLogging(cfg)

		ctx := cmd.Context()
		cat, err := catalog.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer cat.Close()

		if statusOnly, _ := cmd.Flags().GetBool("status"); statusOnly {
			return migrate.Status(ctx, cat.DB())
		}
		if err := migrate.Up(ctx, cat.DB()); err != nil {
			return err
		}
		log.Info("catalog schema up to date")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().String("database-url", "", "PostgreSQL DSN of the catalog")
	migrateCmd.Flags().Bool("status", false, "print the migration state without applying")
}
