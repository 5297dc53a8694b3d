package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marmos91/flashkv/cmd/flashkv/cmdutil"
	"github.com/marmos91/flashkv/pkg/api"
	"github.com/marmos91/flashkv/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	Long: `Initialize a sample flashkv configuration file.

By default, the configuration file is created at $XDG_CONFIG_HOME/flashkv/config.yaml.
Use --config to specify a custom path.

Examples:
  # Initialize with default location
  flashkv init

  # Initialize with custom path
  flashkv init --config /etc/flashkv/config.yaml

  # Force overwrite existing config
  flashkv init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	configFile := cmdutil.Flags.ConfigFile

	var configPath string
	var err error

	if configFile != "" {
		err = config.InitConfigToPath(configFile, initForce)
		configPath = configFile
	} else {
		configPath, err = config.InitConfig(initForce)
	}

	if err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	fmt.Printf("Configuration file created at: %s\n", configPath)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Edit the configuration file to customize the flash layout")
	fmt.Println("  2. Start the device agent with: flashkv serve")
	fmt.Println("  3. Issue an API token with: flashkv token --role operator")
	fmt.Println("\nSecurity note:")
	fmt.Println("  A random JWT secret has been generated for development use.")
	fmt.Println("  For production, provide the secret through the environment:")
	fmt.Printf("    export %s=$(openssl rand -hex 32)\n", api.EnvJWTSecret)

	return nil
}
