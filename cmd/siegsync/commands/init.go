package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mvbarbosa/siegsync/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a sample configuration file",
	Long: `Write a configuration file with the default values filled in.

The file lands at the --config path, or at the default location
($XDG_CONFIG_HOME/siegsync/config.yaml) when no path is given. The API
key, the primary archive path and the roster source must be edited in
before the first run.`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	path := GetConfigFile()
	if path == "" {
		path = config.GetDefaultConfigPath()
	}

	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
	}

	if err := config.SaveConfig(config.GetDefaultConfig(), path); err != nil {
		return err
	}

	fmt.Printf("Configuration file created at: %s\n", path)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Set api.key, paths.primary and roster.source")
	fmt.Printf("  2. Start syncing with: siegsync run --config %s\n", path)
	return nil
}
