package kv

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marmos91/flashkv/cmd/flashkv/cmdutil"
	"github.com/marmos91/flashkv/pkg/kvstore"
)

var clearCmd = &cobra.Command{
	Use:   "clear <key>",
	Short: "Empty one setting",
	Long: `Empty one setting and remove its persisted copy. Clearing a
credential destroys it in the credential store.

Examples:
  flashkv kv clear template
  flashkv kv clear claimkey`,
	Args: cobra.ExactArgs(1),
	RunE: runClear,
}

func runClear(cmd *cobra.Command, args []string) error {
	key, err := kvstore.Lookup(args[0])
	if err != nil {
		return err
	}

	ctx := context.Background()
	d, _, err := cmdutil.OpenDevice(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()

	changed, err := d.KV().Clear(ctx, key)
	if err != nil {
		return err
	}
	if !changed {
		fmt.Printf("%s already empty\n", key.Name())
		return nil
	}
	if err := d.KV().Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit %s: %w", key.Name(), err)
	}
	fmt.Printf("%s cleared\n", key.Name())
	return nil
}
