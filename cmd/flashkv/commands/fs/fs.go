// Package fs implements the data flash filesystem subcommands.
package fs

import (
	"github.com/spf13/cobra"
)

// Cmd is the fs subcommand.
var Cmd = &cobra.Command{
	Use:   "fs",
	Short: "Inspect the data flash filesystem",
	Long: `Inspect or format the filesystem on the data flash.

Subcommands:
  ls      List files
  cat     Print a file
  usage   Show block usage
  format  Erase the volume`,
}

func init() {
	Cmd.AddCommand(lsCmd)
	Cmd.AddCommand(catCmd)
	Cmd.AddCommand(usageCmd)
	Cmd.AddCommand(formatCmd)
}
