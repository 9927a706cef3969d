// Package commands implements the vfsinit command line.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/marmos91/vfsinit/cmd/vfsinit/commands/config"
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
	Use:   "vfsinit",
	Short: "vfsinit - virtual filesystem bring-up",
	Long: `vfsinit brings up a virtual filesystem layer: buffer allocator, inode
registry and file-lock table, then the optional asynchronous I/O engine,
remote filesystem server and change notification. Dirty data is flushed to
the configured durable store whenever the process receives a power-off or
restart event.

Use "vfsinit [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// GetRootCmd returns the root command for testing purposes.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/vfsinit/config.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(lifecycleCmd)
	rootCmd.AddCommand(config.Cmd)
	rootCmd.AddCommand(completionCmd)

	// Hide the default completion command (we provide our own)
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// GetConfigFile returns the config file path from the global flag.
func GetConfigFile() string {
	return cfgFile
}
