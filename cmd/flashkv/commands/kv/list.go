package kv

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/marmos91/flashkv/cmd/flashkv/cmdutil"
	"github.com/marmos91/flashkv/pkg/kvstore"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the settings table",
	Long: `List every slot of the settings table in commit order.

Credential slots show as empty until read with "kv get".

Examples:
  flashkv kv list
  flashkv kv list -o json`,
	Args: cobra.NoArgs,
	RunE: runList,
}

// EntryList is a table snapshot for table rendering.
type EntryList []kvstore.Entry

// Headers implements TableRenderer.
func (l EntryList) Headers() []string {
	return []string{"NAME", "ALIAS", "TYPE", "LENGTH", "STORAGE"}
}

// Rows implements TableRenderer.
func (l EntryList) Rows() [][]string {
	rows := make([][]string, 0, len(l))
	for _, e := range l {
		storage := "file"
		switch {
		case e.Hardware:
			storage = "hardware"
		case e.Credential:
			storage = "credential"
		}
		length := fmt.Sprint(e.Length)
		if e.Credential && !e.Loaded {
			length = "-"
		}
		rows = append(rows, []string{e.Name, e.Alias, cmdutil.EmptyOr(e.Type, "-"), length, storage})
	}
	return rows
}

func runList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	d, _, err := cmdutil.OpenDevice(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()

	entries := d.KV().Snapshot()
	return cmdutil.PrintOutput(os.Stdout, entries, len(entries) == 0, "No entries.", EntryList(entries))
}
