// Package commands implements the flashkv command line.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/marmos91/flashkv/cmd/flashkv/cmdutil"
	configcmd "github.com/marmos91/flashkv/cmd/flashkv/commands/config"
	fscmd "github.com/marmos91/flashkv/cmd/flashkv/commands/fs"
	kvcmd "github.com/marmos91/flashkv/cmd/flashkv/commands/kv"
	otacmd "github.com/marmos91/flashkv/cmd/flashkv/commands/ota"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "flashkv",
	Short: "flashkv - Simulated flash key-value store with dual-bank updates",
	Long: `flashkv simulates the flash stack of a connected device: a flash
peripheral driven through a single-flight synchronizer, a small filesystem
on the data flash, a fixed table of provisioning settings, and a dual-bank
firmware updater.

"flashkv serve" runs the device agent over HTTP. The kv, fs and ota
commands open the flash image directly and must not run while the agent
holds it.

Use "flashkv [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cmdutil.Flags.ConfigFile, _ = cmd.Flags().GetString("config")
		cmdutil.Flags.Output, _ = cmd.Flags().GetString("output")
		cmdutil.Flags.Verbose, _ = cmd.Flags().GetBool("verbose")
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

// GetRootCmd returns the root command for testing purposes.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "config file (default: $XDG_CONFIG_HOME/flashkv/config.yaml)")
	rootCmd.PersistentFlags().StringP("output", "o", "table", "Output format (table|json|yaml)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log at the configured level instead of warnings only")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(configcmd.Cmd)
	rootCmd.AddCommand(kvcmd.Cmd)
	rootCmd.AddCommand(fscmd.Cmd)
	rootCmd.AddCommand(otacmd.Cmd)
	rootCmd.AddCommand(completionCmd)

	// Hide the default completion command (we provide our own)
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}
