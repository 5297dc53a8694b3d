package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/marmos91/flashkv/cmd/flashkv/cmdutil"
	"github.com/marmos91/flashkv/internal/cli/output"
	"github.com/marmos91/flashkv/pkg/config"
	"github.com/marmos91/flashkv/pkg/flash/sim"
)

var versionShort bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Long: `Display the flashkv build, the flash image format it reads and writes,
and the firmware layout a fresh configuration starts from.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if versionShort {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), Version)
			return err
		}
		format, err := cmdutil.OutputFormat()
		if err != nil {
			return err
		}
		info := buildInfo()
		if format != output.FormatTable {
			return output.Print(cmd.OutOrStdout(), format, info)
		}
		return output.PrintPairs(cmd.OutOrStdout(), info.pairs())
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionShort, "short", false, "Show only version number")
}

// VersionInfo describes the build and the simulated board it defaults to.
type VersionInfo struct {
	Version     string `json:"version" yaml:"version"`
	Commit      string `json:"commit" yaml:"commit"`
	Built       string `json:"built" yaml:"built"`
	GoVersion   string `json:"go_version" yaml:"go_version"`
	Platform    string `json:"platform" yaml:"platform"`
	ImageFormat int    `json:"image_format" yaml:"image_format"`
	Firmware    string `json:"default_firmware" yaml:"default_firmware"`
	Banks       string `json:"default_banks" yaml:"default_banks"`
}

func buildInfo() VersionInfo {
	return VersionInfo{
		Version:     Version,
		Commit:      Commit,
		Built:       Date,
		GoVersion:   runtime.Version(),
		Platform:    runtime.GOOS + "/" + runtime.GOARCH,
		ImageFormat: sim.ImageFormatVersion,
		Firmware:    config.DefaultFirmwareVersion,
		Banks: fmt.Sprintf("0x%08x, 0x%08x (%s each, %s blocks)",
			config.DefaultBank0, config.DefaultBank1, config.DefaultBankSize.Exact(), config.DefaultBankBlock.Exact()),
	}
}

func (v VersionInfo) pairs() [][2]string {
	return [][2]string{
		{"flashkv", v.Version},
		{"Commit", v.Commit},
		{"Built", v.Built},
		{"Go version", v.GoVersion},
		{"OS/Arch", v.Platform},
		{"Image format", fmt.Sprintf("v%d", v.ImageFormat)},
		{"Default firmware", v.Firmware},
		{"Default banks", v.Banks},
	}
}
