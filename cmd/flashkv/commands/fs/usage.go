package fs

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/marmos91/flashkv/cmd/flashkv/cmdutil"
	"github.com/marmos91/flashkv/internal/cli/output"
	"github.com/marmos91/flashkv/pkg/flashfs"
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show block usage",
	Args:  cobra.NoArgs,
	RunE:  runUsage,
}

// volumeUsage is the usage report with the volume identity.
type volumeUsage struct {
	Volume string `json:"volume" yaml:"volume"`
	flashfs.Usage `yaml:",inline"`
}

func runUsage(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	d, _, err := cmdutil.OpenDevice(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()

	usage, err := d.FS().Usage(ctx)
	if err != nil {
		return err
	}

	format, err := cmdutil.OutputFormat()
	if err != nil {
		return err
	}
	if format != output.FormatTable {
		return output.Print(os.Stdout, format, volumeUsage{Volume: d.FS().ID().String(), Usage: usage})
	}
	return printUsage(d.FS().ID().String(), usage)
}

func printUsage(volume string, u flashfs.Usage) error {
	return output.PrintPairs(os.Stdout, [][2]string{
		{"Volume", volume},
		{"Block size", fmt.Sprint(u.BlockSize)},
		{"Blocks", fmt.Sprintf("%d used, %d free, %d total", u.UsedBlocks, u.FreeBlocks, u.TotalBlocks)},
		{"Files", fmt.Sprint(u.Files)},
	})
}
