package config

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/marmos91/flashkv/cmd/flashkv/cmdutil"
	"github.com/marmos91/flashkv/internal/cli/output"
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display current configuration",
	Long: `Display the effective flashkv configuration: the file merged with
environment overrides and defaults.

By default outputs YAML format. Use --output json for JSON.

Examples:
  # Show default config as YAML
  flashkv config show

  # Show as JSON
  flashkv config show --output json`,
	RunE: runConfigShow,
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := cmdutil.LoadConfig()
	if err != nil {
		return err
	}

	format, err := cmdutil.OutputFormat()
	if err != nil {
		return err
	}
	if format == output.FormatJSON {
		return output.PrintJSON(os.Stdout, cfg)
	}
	return output.PrintYAML(os.Stdout, cfg)
}
