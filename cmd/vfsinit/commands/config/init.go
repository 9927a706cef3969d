package config

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marmos91/vfsinit/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	Long: `Write a default vfsinit configuration file.

By default the file is created at $XDG_CONFIG_HOME/vfsinit/config.yaml.
Use --config to choose another path.

Examples:
  # Initialize with default location
  vfsinit config init

  # Initialize with custom path
  vfsinit config init --config /etc/vfsinit/config.yaml

  # Force overwrite existing config
  vfsinit config init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")

	var (
		configPath string
		err        error
	)
	if configFile != "" {
		configPath, err = config.InitConfigToPath(configFile, initForce)
	} else {
		configPath, err = config.InitConfig(initForce)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Configuration file created at: %s\n", configPath)
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintln(out, "  1. Enable optional subsystems under \"features\"")
	fmt.Fprintln(out, "  2. Choose a durable store under \"writeback.store\"")
	fmt.Fprintf(out, "  3. Start with: vfsinit start --config %s\n", configPath)
	return nil
}
