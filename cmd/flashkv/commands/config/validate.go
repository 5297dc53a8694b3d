package config

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marmos91/flashkv/cmd/flashkv/cmdutil"
	"github.com/marmos91/flashkv/pkg/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long: `Validate the flashkv configuration file.

Checks for syntax errors, missing required fields, invalid values, and a
flash layout whose geometry and firmware banks do not fit the regions.

Examples:
  # Validate default config
  flashkv config validate

  # Validate specific config file
  flashkv config validate --config /etc/flashkv/config.yaml`,
	RunE: runConfigValidate,
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := cmdutil.LoadConfig()
	if err != nil {
		return err
	}

	displayPath := cmdutil.Flags.ConfigFile
	if displayPath == "" {
		displayPath = config.GetDefaultConfigPath()
	}

	var warnings []string
	if cfg.API.Enabled && !cfg.API.HasJWTSecret() {
		warnings = append(warnings, "JWT secret not configured - the device API is unauthenticated")
	}
	if cfg.Credentials.Backend == "badger" {
		warnings = append(warnings, "credentials are kept in a host vault, not on the data flash")
	}

	fmt.Printf("Configuration file: %s\n", displayPath)
	fmt.Println("Validation: OK")

	if len(warnings) > 0 {
		fmt.Println("\nWarnings:")
		for _, w := range warnings {
			fmt.Printf("  - %s\n", w)
		}
	}

	g := cfg.Geometry
	fmt.Printf("\nConfiguration summary:\n")
	fmt.Printf("  Flash image:     %s\n", cfg.Flash.ImagePath)
	fmt.Printf("  Regions:         %d\n", len(cfg.Flash.Regions))
	fmt.Printf("  Geometry:        %d blocks x %d bytes at 0x%08x\n", g.BlockCount, g.BlockSize, g.Base)
	fmt.Printf("  Firmware:        %s, banks at 0x%08x and 0x%08x\n", cfg.Firmware.Version, cfg.Firmware.Banks[0], cfg.Firmware.Banks[1])
	fmt.Printf("  Credentials:     %s\n", cfg.Credentials.Backend)
	fmt.Printf("  API port:        %d\n", cfg.API.Port)
	fmt.Printf("  Log level:       %s\n", cfg.Logging.Level)

	return nil
}
