// Package commands implements the CLI commands for the siegsync
// synchronizer.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mvbarbosa/siegsync/internal/logger"
	"github.com/mvbarbosa/siegsync/pkg/config"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "siegsync",
	Short: "siegsync - incremental fiscal XML synchronizer",
	Long: `siegsync keeps a local archive of NFe and CTe XML documents in sync
with the SIEG API. Each cycle downloads the monthly listing report per
company, fetches the missing documents in batches, reconciles the local
tree against the report, and records pendencies for whatever could not
be completed so later cycles can converge.

Use "siegsync [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called once from main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/siegsync/config.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(pendenciesCmd)
}

// GetConfigFile returns the config file path from the global flag.
func GetConfigFile() string {
	return cfgFile
}

// loadConfig loads the configuration and initializes the logger from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return nil, err
	}
	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, nil
}
