package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/marmos91/flashkv/internal/bytesize"
	"github.com/marmos91/flashkv/pkg/blockdev"
	"github.com/marmos91/flashkv/pkg/flash/sim"
)

// Default firmware layout, matching sim.DefaultRegions.
const (
	DefaultFirmwareVersion = "1.0.0"

	DefaultBank0     = 0x00200000
	DefaultBank1     = 0x00240000
	DefaultBankSize  = 256 * bytesize.KiB
	DefaultBankBlock = 4 * bytesize.KiB
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyTelemetryDefaults(&cfg.Telemetry)
	applyShutdownTimeoutDefaults(cfg)
	applyMetricsDefaults(&cfg.Metrics)
	cfg.API.ApplyDefaults()
	applyFlashDefaults(&cfg.Flash)
	applyGeometryDefaults(&cfg.Geometry)
	applyFirmwareDefaults(&cfg.Firmware)
	applyCredentialsDefaults(&cfg.Credentials, cfg.Flash.ImagePath)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyTelemetryDefaults sets OpenTelemetry defaults.
func applyTelemetryDefaults(cfg *TelemetryConfig) {
	// Default endpoint is localhost:4317 (standard OTLP gRPC port)
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}

	// Default sample rate is 1.0 (sample all traces)
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}

	applyProfilingDefaults(&cfg.Profiling)
}

// applyProfilingDefaults sets Pyroscope profiling defaults.
func applyProfilingDefaults(cfg *ProfilingConfig) {
	// Default endpoint is localhost:4040 (standard Pyroscope port)
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:4040"
	}

	if len(cfg.ProfileTypes) == 0 {
		cfg.ProfileTypes = []string{
			"cpu",
			"alloc_objects",
			"alloc_space",
			"inuse_objects",
			"inuse_space",
			"goroutines",
		}
	}
}

// applyShutdownTimeoutDefaults sets shutdown timeout defaults.
func applyShutdownTimeoutDefaults(cfg *Config) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
}

// applyMetricsDefaults sets metrics defaults.
func applyMetricsDefaults(cfg *MetricsConfig) {
	// Port defaults to 9090 if metrics are enabled
	if cfg.Enabled && cfg.Port == 0 {
		cfg.Port = 9090
	}
}

// applyFlashDefaults sets simulated flash defaults.
// Latency stays zero unless configured.
func applyFlashDefaults(cfg *FlashConfig) {
	if cfg.ImagePath == "" {
		cfg.ImagePath = filepath.Join(defaultDataDir(), "flash.img")
	}
	if len(cfg.Regions) == 0 {
		cfg.Regions = sim.DefaultRegions()
	}
}

// applyGeometryDefaults fills the geometry field by field so a config file
// can override only what differs from the reference board.
func applyGeometryDefaults(g *blockdev.Geometry) {
	def := blockdev.DefaultGeometry()
	if g.ReadSize == 0 {
		g.ReadSize = def.ReadSize
	}
	if g.ProgramSize == 0 {
		g.ProgramSize = def.ProgramSize
	}
	if g.BlockSize == 0 {
		g.BlockSize = def.BlockSize
	}
	if g.BlockCount == 0 {
		g.BlockCount = def.BlockCount
	}
	if g.CacheSize == 0 {
		g.CacheSize = def.CacheSize
	}
	if g.LookaheadSize == 0 {
		g.LookaheadSize = def.LookaheadSize
	}
	if g.BlockCycles == 0 {
		g.BlockCycles = def.BlockCycles
	}
	if g.Base == 0 {
		g.Base = def.Base
	}
}

// applyFirmwareDefaults sets the bank layout defaults.
func applyFirmwareDefaults(cfg *FirmwareConfig) {
	if cfg.Version == "" {
		cfg.Version = DefaultFirmwareVersion
	}
	if cfg.Banks == [2]uint32{} {
		cfg.Banks = [2]uint32{DefaultBank0, DefaultBank1}
	}
	if cfg.BankSize == 0 {
		cfg.BankSize = DefaultBankSize
	}
	if cfg.BlockSize == 0 {
		cfg.BlockSize = DefaultBankBlock
	}
}

// applyCredentialsDefaults sets the credential backend defaults. The badger
// vault lives next to the flash image unless configured otherwise.
func applyCredentialsDefaults(cfg *CredentialsConfig, imagePath string) {
	if cfg.Backend == "" {
		cfg.Backend = "flashfs"
	}
	if cfg.Backend == "badger" && cfg.Path == "" {
		cfg.Path = filepath.Join(filepath.Dir(imagePath), "credentials")
	}
}

// defaultDataDir is where runtime state lives when not configured.
func defaultDataDir() string {
	return filepath.Join("/tmp", "flashkv")
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
