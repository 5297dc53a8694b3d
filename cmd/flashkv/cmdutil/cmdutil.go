// Package cmdutil holds the state and helpers shared by flashkv
// subcommands.
package cmdutil

import (
	"context"
	"fmt"
	"io"

	"github.com/marmos91/flashkv/internal/cli/output"
	"github.com/marmos91/flashkv/internal/logger"
	"github.com/marmos91/flashkv/pkg/config"
	"github.com/marmos91/flashkv/pkg/device"
)

// Flags are the root persistent flags, synced before every command runs.
var Flags struct {
	ConfigFile string
	Output     string
	Verbose    bool
}

// LoadConfig loads the configuration named by --config.
func LoadConfig() (*config.Config, error) {
	return config.MustLoad(Flags.ConfigFile)
}

// InitLogger initializes the structured logger from configuration.
func InitLogger(cfg *config.Config) error {
	loggerCfg := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}
	if err := logger.Init(loggerCfg); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}

// OpenDevice loads the configuration and opens the board for a one-shot
// command. Logging is limited to warnings unless --verbose is set. The
// image must not be held by a running agent.
func OpenDevice(ctx context.Context) (*device.Device, *config.Config, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, nil, err
	}
	if err := InitLogger(cfg); err != nil {
		return nil, nil, err
	}
	if !Flags.Verbose {
		logger.SetLevel("WARN")
	}

	d, err := device.Open(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open device: %w", err)
	}
	return d, cfg, nil
}

// OutputFormat parses --output.
func OutputFormat() (output.Format, error) {
	return output.ParseFormat(Flags.Output)
}

// PrintOutput prints data in the selected format. For table output an
// empty result prints emptyMsg instead of a bare header.
func PrintOutput(w io.Writer, data any, empty bool, emptyMsg string, table output.TableRenderer) error {
	format, err := OutputFormat()
	if err != nil {
		return err
	}
	if format == output.FormatTable {
		if empty {
			_, err := fmt.Fprintln(w, emptyMsg)
			return err
		}
		return output.PrintTable(w, table)
	}
	return output.Print(w, format, data)
}

// EmptyOr returns value, or fallback when value is empty.
func EmptyOr(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

// YesNo renders a flag for table cells.
func YesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
