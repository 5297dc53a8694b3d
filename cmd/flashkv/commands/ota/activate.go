package ota

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marmos91/flashkv/cmd/flashkv/cmdutil"
	"github.com/marmos91/flashkv/internal/cli/prompt"
)

var activateCmd = &cobra.Command{
	Use:   "activate",
	Short: "Swap banks and boot the staged image",
	Long: `Mark the staged image as under test, toggle the bank select and reset
the part, then boot it: the image is accepted or rolled back before the
command returns.

Examples:
  # Asks before swapping banks
  flashkv ota activate

  # No questions
  flashkv ota activate --force`,
	Args: cobra.NoArgs,
	RunE: runActivate,
}

var activateForce bool

// confirm is swapped out in tests.
var confirm = prompt.Confirm

func init() {
	activateCmd.Flags().BoolVar(&activateForce, "force", false, "Skip confirmation")
}

func runActivate(cmd *cobra.Command, args []string) error {
	ok, err := confirm("Swap banks and reset into the staged image?", activateForce)
	if err != nil {
		if prompt.IsAborted(err) {
			return nil
		}
		return err
	}
	if !ok {
		fmt.Println("Aborted.")
		return nil
	}

	ctx := context.Background()
	d, _, err := cmdutil.OpenDevice(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()

	if err := d.Updater().Activate(ctx); err != nil {
		return err
	}

	select {
	case st := <-d.Resets():
		fmt.Printf("Part reset, booting bank %d\n", int(st.Running))
	default:
		return fmt.Errorf("bank swap did not reset the part")
	}
	if err := d.Reboot(ctx); err != nil {
		return fmt.Errorf("boot failed: %w", err)
	}

	st, err := d.Updater().Status(ctx)
	if err != nil {
		return err
	}
	return printStatus(st)
}
