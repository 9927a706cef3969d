package config

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marmos91/vfsinit/pkg/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long: `Validate the vfsinit configuration file.

Checks for syntax errors, missing required fields, and invalid values.

Examples:
  # Validate default config
  vfsinit config validate

  # Validate specific config file
  vfsinit config validate --config /etc/vfsinit/config.yaml`,
	RunE: runConfigValidate,
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.MustLoad(configPath)
	if err != nil {
		return err
	}

	displayPath := configPath
	if displayPath == "" {
		displayPath = config.GetDefaultConfigPath()
	}

	var warnings []string
	if cfg.Writeback.Store.Type == "memory" {
		warnings = append(warnings, "Durable store is 'memory': flushed data does not survive the process")
	}
	if cfg.Features.AsyncIO && !cfg.Features.RemoteServer {
		warnings = append(warnings, "Async I/O is enabled but nothing submits requests without the remote server")
	}
	if cfg.Notify.HostDir != "" && !cfg.Features.ChangeNotify {
		warnings = append(warnings, "notify.host_dir is set but change notification is disabled")
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Configuration file: %s\n", displayPath)
	fmt.Fprintln(out, "Validation: OK")

	if len(warnings) > 0 {
		fmt.Fprintln(out, "\nWarnings:")
		for _, w := range warnings {
			fmt.Fprintf(out, "  - %s\n", w)
		}
	}

	fmt.Fprintf(out, "\nConfiguration summary:\n")
	fmt.Fprintf(out, "  Async I/O:           %t\n", cfg.Features.AsyncIO)
	fmt.Fprintf(out, "  Remote server:       %t (%s)\n", cfg.Features.RemoteServer, cfg.Remote.Listen)
	fmt.Fprintf(out, "  Change notification: %t\n", cfg.Features.ChangeNotify)
	fmt.Fprintf(out, "  Store type:          %s\n", cfg.Writeback.Store.Type)
	fmt.Fprintf(out, "  Block size:          %s\n", cfg.Writeback.BlockSize)
	fmt.Fprintf(out, "  Log level:           %s\n", cfg.Logging.Level)
	return nil
}
