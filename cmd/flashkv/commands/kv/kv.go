// Package kv implements the settings table subcommands.
package kv

import (
	"github.com/spf13/cobra"
)

// Cmd is the kv subcommand.
var Cmd = &cobra.Command{
	Use:   "kv",
	Short: "Read and change device settings",
	Long: `Read and change the fixed settings table of the device.

Keys are addressed by file name or alias (e.g. "mqtt_endpoint" or
"endpoint"). Changes are committed to flash before the command exits.
Hardware keys live in the crypto engine and cannot be read or written.

Subcommands:
  list   List every slot of the table
  get    Print one value
  set    Change one value
  clear  Empty one value`,
}

func init() {
	Cmd.AddCommand(listCmd)
	Cmd.AddCommand(getCmd)
	Cmd.AddCommand(setCmd)
	Cmd.AddCommand(clearCmd)
}
