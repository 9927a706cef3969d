package config

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marmos91/vfsinit/pkg/config"
)

var showOutput string

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display the effective configuration",
	Long: `Display the configuration after defaults and environment overrides.

By default outputs YAML format. Use --output to change format.

Examples:
  # Show default config as YAML
  vfsinit config show

  # Show as JSON
  vfsinit config show --output json`,
	RunE: runConfigShow,
}

func init() {
	showCmd.Flags().StringVarP(&showOutput, "output", "o", "yaml", "Output format (yaml|json)")
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	var data []byte
	switch showOutput {
	case "json":
		data, err = json.MarshalIndent(cfg, "", "  ")
		data = append(data, '\n')
	case "yaml", "":
		data, err = config.Render(cfg)
	default:
		return fmt.Errorf("unsupported output format %q (use yaml or json)", showOutput)
	}
	if err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}

	_, err = cmd.OutOrStdout().Write(data)
	return err
}
