// Package ota implements the firmware update subcommands.
package ota

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/marmos91/flashkv/cmd/flashkv/cmdutil"
	"github.com/marmos91/flashkv/internal/cli/output"
	"github.com/marmos91/flashkv/pkg/ota"
)

// Cmd is the ota subcommand.
var Cmd = &cobra.Command{
	Use:   "ota",
	Short: "Stage and activate firmware images",
	Long: `Drive the dual-bank firmware updater against the flash image.

An update is staged into the inactive bank, activated (which swaps banks
and resets the part), and then verified at boot: a newer image that passes
the self test is accepted, anything else is rolled back.

Subcommands:
  status    Show the update record
  stage     Write an image into the inactive bank
  activate  Swap banks and boot the staged image
  state     Set the image state by hand`,
}

func init() {
	Cmd.AddCommand(statusCmd)
	Cmd.AddCommand(stageCmd)
	Cmd.AddCommand(activateCmd)
	Cmd.AddCommand(stateCmd)
}

func printStatus(st ota.Status) error {
	format, err := cmdutil.OutputFormat()
	if err != nil {
		return err
	}
	if format != output.FormatTable {
		return output.Print(os.Stdout, format, st)
	}

	rec := st.Record
	return output.PrintPairs(os.Stdout, [][2]string{
		{"Running", st.Running},
		{"Selected bank", fmt.Sprint(int(st.SelectedBank))},
		{"Image state", st.State.String()},
		{"Platform state", st.PlatformState},
		{"Staged", cmdutil.YesNo(rec.Staged)},
		{"Last session", cmdutil.EmptyOr(rec.Session, "-")},
		{"Last version", cmdutil.EmptyOr(rec.Version, "-")},
		{"Bank 0 image", cmdutil.EmptyOr(rec.Images[0], "-")},
		{"Bank 1 image", cmdutil.EmptyOr(rec.Images[1], "-")},
	})
}
