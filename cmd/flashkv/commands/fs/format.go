package fs

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marmos91/flashkv/cmd/flashkv/cmdutil"
	"github.com/marmos91/flashkv/internal/cli/prompt"
	"github.com/marmos91/flashkv/internal/logger"
	"github.com/marmos91/flashkv/pkg/device"
)

var formatForce bool

var formatCmd = &cobra.Command{
	Use:   "format",
	Short: "Erase the data flash volume",
	Long: `Erase the data flash region and write an empty filesystem. Every
setting and, with the flashfs credential backend, every credential is
lost. The firmware banks are not touched.

Examples:
  # Asks to type "format" first
  flashkv fs format

  # No questions
  flashkv fs format --force`,
	Args: cobra.NoArgs,
	RunE: runFormat,
}

func init() {
	formatCmd.Flags().BoolVar(&formatForce, "force", false, "Skip confirmation")
}

func runFormat(cmd *cobra.Command, args []string) error {
	cfg, err := cmdutil.LoadConfig()
	if err != nil {
		return err
	}
	if err := cmdutil.InitLogger(cfg); err != nil {
		return err
	}
	if !cmdutil.Flags.Verbose {
		logger.SetLevel("WARN")
	}

	if !formatForce {
		ok, err := prompt.ConfirmDanger("Erase the volume in "+cfg.Flash.ImagePath, "format")
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
	}

	usage, err := device.FormatVolume(context.Background(), cfg)
	if err != nil {
		return fmt.Errorf("failed to format: %w", err)
	}
	fmt.Printf("Volume formatted: %d blocks of %d bytes free\n", usage.FreeBlocks, usage.BlockSize)
	return nil
}
