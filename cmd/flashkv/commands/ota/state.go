package ota

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/marmos91/flashkv/cmd/flashkv/cmdutil"
	"github.com/marmos91/flashkv/pkg/ota"
)

var stateCmd = &cobra.Command{
	Use:   "state <testing|accepted|rejected|aborted>",
	Short: "Set the image state by hand",
	Long: `Record a new image state. Accepting is only possible while an image
is under test.

Examples:
  flashkv ota state accepted
  flashkv ota state rejected`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"testing", "accepted", "rejected", "aborted"},
	RunE:      runState,
}

func runState(cmd *cobra.Command, args []string) error {
	state, err := ota.ParseImageState(args[0])
	if err != nil {
		return err
	}

	ctx := context.Background()
	d, _, err := cmdutil.OpenDevice(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()

	if err := d.Updater().SetImageState(ctx, state); err != nil {
		return err
	}
	st, err := d.Updater().Status(ctx)
	if err != nil {
		return err
	}
	return printStatus(st)
}
