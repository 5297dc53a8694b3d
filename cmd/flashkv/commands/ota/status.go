package ota

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/marmos91/flashkv/cmd/flashkv/cmdutil"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the update record",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		d, _, err := cmdutil.OpenDevice(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = d.Close() }()

		st, err := d.Updater().Status(ctx)
		if err != nil {
			return err
		}
		return printStatus(st)
	},
}
