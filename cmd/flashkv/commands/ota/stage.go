package ota

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/marmos91/flashkv/cmd/flashkv/cmdutil"
	"github.com/marmos91/flashkv/pkg/ota"
)

// stageChunk is the write size used while staging.
const stageChunk = 4096

var (
	stageVersion string
	stageSHA256  string
)

var stageCmd = &cobra.Command{
	Use:   "stage <image>",
	Short: "Write an image into the inactive bank",
	Long: `Erase the inactive bank, program the image into it and verify the
digest by reading it back. The digest is computed from the file unless
--sha256 gives the expected one.

Examples:
  flashkv ota stage firmware-1.1.0.bin --version 1.1.0
  flashkv ota stage fw.bin --version 1.2.0 --sha256 9f86d081...`,
	Args: cobra.ExactArgs(1),
	RunE: runStage,
}

func init() {
	stageCmd.Flags().StringVar(&stageVersion, "version", "", "Version of the image (required)")
	stageCmd.Flags().StringVar(&stageSHA256, "sha256", "", "Expected SHA-256 of the image, hex")
	_ = stageCmd.MarkFlagRequired("version")
}

func runStage(cmd *cobra.Command, args []string) error {
	img, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read image: %w", err)
	}

	digest := stageSHA256
	if digest == "" {
		sum := sha256.Sum256(img)
		digest = hex.EncodeToString(sum[:])
	}

	ctx := context.Background()
	d, _, err := cmdutil.OpenDevice(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()

	s, err := d.Updater().Begin(ctx, ota.Manifest{
		Version: stageVersion,
		Size:    uint32(len(img)),
		SHA256:  digest,
	})
	if err != nil {
		return err
	}

	for off := 0; off < len(img); off += stageChunk {
		end := min(off+stageChunk, len(img))
		if err := s.Write(ctx, uint32(off), img[off:end]); err != nil {
			_ = s.Abort(ctx)
			return err
		}
	}
	if err := s.Finalize(ctx); err != nil {
		return err
	}

	fmt.Printf("Image %s staged in bank %d (session %s)\n", stageVersion, int(s.Bank()), s.ID())
	fmt.Println("Activate it with: flashkv ota activate")
	return nil
}
