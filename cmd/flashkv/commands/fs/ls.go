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

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List files",
	Args:  cobra.NoArgs,
	RunE:  runLs,
}

var catCmd = &cobra.Command{
	Use:   "cat <name>",
	Short: "Print a file",
	Long: `Print the contents of one file. Text prints as is, anything else as
a hex dump.`,
	Args: cobra.ExactArgs(1),
	RunE: runCat,
}

// FileList is a directory listing for table rendering.
type FileList []flashfs.FileInfo

// Headers implements TableRenderer.
func (l FileList) Headers() []string {
	return []string{"NAME", "SIZE", "BLOCK", "BLOCKS", "SEQ"}
}

// Rows implements TableRenderer.
func (l FileList) Rows() [][]string {
	rows := make([][]string, 0, len(l))
	for _, f := range l {
		rows = append(rows, []string{
			f.Name,
			fmt.Sprint(f.Size),
			fmt.Sprint(f.Block),
			fmt.Sprint(f.Blocks),
			fmt.Sprint(f.Seq),
		})
	}
	return rows
}

func runLs(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	d, _, err := cmdutil.OpenDevice(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()

	files, err := d.FS().List(ctx)
	if err != nil {
		return err
	}
	return cmdutil.PrintOutput(os.Stdout, files, len(files) == 0, "No files.", FileList(files))
}

func runCat(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	d, _, err := cmdutil.OpenDevice(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()

	data, err := d.FS().ReadFile(ctx, args[0])
	if err != nil {
		return err
	}
	if printable(data) {
		_, err = os.Stdout.Write(data)
		return err
	}
	return output.PrintHexdump(os.Stdout, data)
}

func printable(data []byte) bool {
	for _, c := range data {
		if (c < 0x20 || c > 0x7e) && c != '\n' && c != '\r' && c != '\t' {
			return false
		}
	}
	return true
}
