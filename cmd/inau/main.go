package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"gitlab.elettra.eu/cs/inau/pkg/config"
	"gitlab.elettra.eu/cs/inau/pkg/log"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "inau",
	Short: "INAU - build and installation control plane",
	Long: `INAU turns annotated GitLab tags into per-platform builds and
delivers the resulting artifacts to the facility file servers.

Tag pushes arrive as webhooks, are built with make on the builder
machines of each platform, stored in a content-addressed object store
and installed over SSH on request.`,
	Version: Version,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"INAU version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.PersistentFlags().String("config", "", "path to a YAML configuration file")
}

// loadConfig resolves the configuration of a subcommand with the
// command's flags bound at highest precedence.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	file, _ := cmd.Flags().GetString("config")
	return config.Load(cmd.Flags(), file)
}

func initLogging(cfg *config.Config) {
	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
}
