package kv

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/marmos91/flashkv/cmd/flashkv/cmdutil"
	"github.com/marmos91/flashkv/internal/cli/output"
	"github.com/marmos91/flashkv/pkg/kvstore"
)

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one setting",
	Long: `Print the value of one setting. Text values print as is, anything
else as a hex dump. Numeric values print as numbers.

Examples:
  flashkv kv get endpoint
  flashkv kv get cert -o json`,
	Args: cobra.ExactArgs(1),
	RunE: runGet,
}

// Value is the structured form of a setting.
type Value struct {
	Name   string `json:"name" yaml:"name"`
	Alias  string `json:"alias" yaml:"alias"`
	Type   string `json:"type" yaml:"type"`
	Value  string `json:"value,omitempty" yaml:"value,omitempty"`
	Base64 string `json:"base64,omitempty" yaml:"base64,omitempty"`
}

func runGet(cmd *cobra.Command, args []string) error {
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

	v, err := d.KV().Get(ctx, key)
	if err != nil {
		return err
	}

	format, err := cmdutil.OutputFormat()
	if err != nil {
		return err
	}
	if format == output.FormatTable {
		return printValue(v)
	}

	out := Value{Name: key.Name(), Alias: key.Alias(), Type: v.Kind.String()}
	if numeric(v) || v.Printable() {
		out.Value = v.String()
	} else {
		out.Base64 = base64.StdEncoding.EncodeToString(v.Data)
	}
	return output.Print(os.Stdout, format, out)
}

func printValue(v kvstore.Value) error {
	switch {
	case v.Empty():
		fmt.Println("(empty)")
		return nil
	case numeric(v) || v.Printable():
		fmt.Println(v.String())
		return nil
	default:
		return output.PrintHexdump(os.Stdout, v.Data)
	}
}

func numeric(v kvstore.Value) bool {
	return v.Kind == kvstore.KindInt32 || v.Kind == kvstore.KindUint32
}
