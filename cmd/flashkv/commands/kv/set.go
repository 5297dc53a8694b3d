package kv

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/marmos91/flashkv/cmd/flashkv/cmdutil"
	"github.com/marmos91/flashkv/pkg/kvstore"
)

var (
	setType string
	setFile string
)

var setCmd = &cobra.Command{
	Use:   "set <key> [value]",
	Short: "Change one setting",
	Long: `Set one setting and commit it to flash.

The value is taken from the argument or, with --file, from a file. Numeric
types are stored as 4-byte little-endian integers. Credentials are checked
at commit and a malformed certificate or key is refused.

Examples:
  flashkv kv set endpoint a1b2c3.iot.example.com
  flashkv kv set cert --file device.crt
  flashkv kv set thingname 42 --type uint32`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runSet,
}

func init() {
	setCmd.Flags().StringVar(&setType, "type", "string", "Value type (string|int32|uint32)")
	setCmd.Flags().StringVarP(&setFile, "file", "f", "", "Read the value from a file")
}

func runSet(cmd *cobra.Command, args []string) error {
	key, err := kvstore.Lookup(args[0])
	if err != nil {
		return err
	}

	var raw []byte
	switch {
	case setFile != "" && len(args) == 2:
		return fmt.Errorf("give the value either as an argument or with --file, not both")
	case setFile != "":
		raw, err = os.ReadFile(setFile)
		if err != nil {
			return fmt.Errorf("failed to read value: %w", err)
		}
	case len(args) == 2:
		raw = []byte(args[1])
	default:
		return fmt.Errorf("missing value for %s", key.Name())
	}

	ctx := context.Background()
	d, _, err := cmdutil.OpenDevice(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()

	kv := d.KV()
	var changed bool
	switch setType {
	case "string", "":
		changed, err = kv.Set(ctx, key, raw)
	case "int32":
		n, perr := strconv.ParseInt(string(raw), 10, 32)
		if perr != nil {
			return fmt.Errorf("%q is not a 32-bit signed integer", raw)
		}
		changed, err = kv.SetInt32(ctx, key, int32(n))
	case "uint32":
		n, perr := strconv.ParseUint(string(raw), 10, 32)
		if perr != nil {
			return fmt.Errorf("%q is not a 32-bit unsigned integer", raw)
		}
		changed, err = kv.SetUint32(ctx, key, uint32(n))
	default:
		return fmt.Errorf("unknown type %q (valid: string, int32, uint32)", setType)
	}
	if err != nil {
		return err
	}

	if !changed {
		fmt.Printf("%s unchanged\n", key.Name())
		return nil
	}
	if err := kv.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit %s: %w", key.Name(), err)
	}
	fmt.Printf("%s committed (%d bytes)\n", key.Name(), len(raw))
	return nil
}
