package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/marmos91/flashkv/internal/bytesize"
	"github.com/marmos91/flashkv/pkg/api"
	"github.com/marmos91/flashkv/pkg/blockdev"
	"github.com/marmos91/flashkv/pkg/flash/sim"
	"github.com/marmos91/flashkv/pkg/ota"
)

// Config represents the flashkv configuration.
//
// It captures:
//   - Logging, tracing and profiling
//   - The Prometheus metrics server and the device agent API
//   - The simulated flash part (backing image, regions, latency)
//   - The block-device geometry handed to the filesystem
//   - The firmware bank layout and running version
//   - The credential backend
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (FLASHKV_*)
//  3. Configuration file (YAML)
//  4. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Telemetry controls OpenTelemetry distributed tracing
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// Metrics contains Prometheus metrics server configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// API contains the device agent HTTP server configuration
	API api.APIConfig `mapstructure:"api" yaml:"api"`

	// Flash describes the simulated flash part
	Flash FlashConfig `mapstructure:"flash" yaml:"flash"`

	// Geometry is the block-device geometry of the data flash filesystem
	Geometry blockdev.Geometry `mapstructure:"geometry" yaml:"geometry"`

	// Firmware describes the dual-bank code flash used for updates
	Firmware FirmwareConfig `mapstructure:"firmware" yaml:"firmware"`

	// Credentials selects where keys and certificates are kept
	Credentials CredentialsConfig `mapstructure:"credentials" yaml:"credentials"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// TelemetryConfig controls OpenTelemetry distributed tracing.
// When enabled, commit and update spans are exported to an OTLP collector.
type TelemetryConfig struct {
	// Enabled controls whether distributed tracing is enabled
	// Default: false (opt-in for telemetry)
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the OTLP collector endpoint (host:port)
	// Default: "localhost:4317" (standard OTLP gRPC port)
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// Insecure controls whether to use insecure (non-TLS) connection
	// Default: true (for local development)
	Insecure bool `mapstructure:"insecure" yaml:"insecure"`

	// SampleRate controls the trace sampling rate (0.0 to 1.0)
	// Default: 1.0 (sample all)
	SampleRate float64 `mapstructure:"sample_rate" validate:"omitempty,gte=0,lte=1" yaml:"sample_rate"`

	// Profiling contains Pyroscope continuous profiling configuration
	Profiling ProfilingConfig `mapstructure:"profiling" yaml:"profiling"`
}

// ProfilingConfig controls Pyroscope continuous profiling.
type ProfilingConfig struct {
	// Enabled controls whether continuous profiling is enabled
	// Default: false (opt-in for profiling)
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the Pyroscope server endpoint (URL)
	// Default: "http://localhost:4040" (standard Pyroscope port)
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// ProfileTypes specifies which profile types to collect
	// Default: ["cpu", "alloc_objects", "alloc_space", "inuse_objects", "inuse_space", "goroutines"]
	ProfileTypes []string `mapstructure:"profile_types" yaml:"profile_types"`

	// Tags are attached to every profile
	Tags map[string]string `mapstructure:"tags" yaml:"tags,omitempty"`
}

// MetricsConfig configures the Prometheus metrics HTTP server.
// When Enabled is false, no metrics are collected (zero overhead).
type MetricsConfig struct {
	// Enabled controls whether metrics collection and HTTP server are enabled
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port for the metrics endpoint
	// Default: 9090
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// FlashConfig describes the simulated flash part.
type FlashConfig struct {
	// ImagePath is the memory-mapped file backing every region.
	// Created erased on first use; its geometry must match Regions afterwards.
	// Example: /var/lib/flashkv/flash.img
	ImagePath string `mapstructure:"image_path" validate:"required" yaml:"image_path"`

	// Latency delays every completion event, to emulate real erase and
	// program times. Default: 0 (complete immediately)
	Latency time.Duration `mapstructure:"latency" validate:"gte=0" yaml:"latency"`

	// Regions are the flash areas of the part.
	// Default: data flash plus two 256 KiB code banks
	Regions []sim.Region `mapstructure:"regions" validate:"required,min=1,dive" yaml:"regions"`
}

// FirmwareConfig describes the code flash banks.
type FirmwareConfig struct {
	// Version is the version of the firmware currently running.
	// Default: "1.0.0"
	Version string `mapstructure:"version" validate:"required" yaml:"version"`

	// Banks are the base addresses of bank 0 and bank 1.
	Banks [2]uint32 `mapstructure:"banks" yaml:"banks"`

	// BankSize is the size of each bank. Supports "256Ki" style values.
	BankSize bytesize.ByteSize `mapstructure:"bank_size" validate:"required" yaml:"bank_size"`

	// BlockSize is the erase granularity of the banks.
	BlockSize bytesize.ByteSize `mapstructure:"block_size" validate:"required" yaml:"block_size"`
}

// Layout returns the bank layout used by the update orchestrator.
func (c FirmwareConfig) Layout() ota.Layout {
	return ota.Layout{
		Banks:     c.Banks,
		BankSize:  uint32(c.BankSize),
		BlockSize: uint32(c.BlockSize),
	}
}

// CredentialsConfig selects the credential backend.
type CredentialsConfig struct {
	// Backend is "flashfs" (credentials live as files on the data flash,
	// the device layout) or "badger" (a host-side vault).
	// Default: "flashfs"
	Backend string `mapstructure:"backend" validate:"required,oneof=flashfs badger" yaml:"backend"`

	// Path is the BadgerDB directory, required for the badger backend.
	Path string `mapstructure:"path" validate:"required_if=Backend badger" yaml:"path,omitempty"`
}

// envPrefix namespaces environment overrides: FLASHKV_API_PORT=9000.
const envPrefix = "FLASHKV"

// Load reads the configuration at configPath, or at the default location
// when configPath is empty. Environment variables override the file and
// defaults fill what neither sets. A missing file yields the defaults.
func Load(configPath string) (*Config, error) {
	v := newViper(configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}
	if !found {
		return GetDefaultConfig(), nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// MustLoad is Load for commands that cannot run on defaults: a missing file
// is an error that tells the user how to create one.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = GetDefaultConfigPath()
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at %s\n\n"+
				"Create one with:\n"+
				"  flashkv init\n\n"+
				"or point to an existing file:\n"+
				"  flashkv <command> --config /path/to/config.yaml",
				configPath)
		}
	} else if _, err := os.Stat(configPath); errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("configuration file not found: %s\n\n"+
			"Create it with:\n"+
			"  flashkv init --config %s",
			configPath, configPath)
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes cfg as YAML. The file is private to the owner since
// it may hold the agent's JWT secret.
func SaveConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func newViper(configPath string) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return v
	}
	v.AddConfigPath(getConfigDir())
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	return v
}

// readConfigFile reports whether a file was read. Absence is not an error.
func readConfigFile(v *viper.Viper) (bool, error) {
	err := v.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	switch {
	case err == nil:
		return true, nil
	case errors.As(err, &notFound), errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
}

func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		addressDecodeHook(),
		byteSizeDecodeHook(),
		mapstructure.StringToTimeDurationHookFunc(),
	)
}

// addressDecodeHook lets flash addresses be written in hex ("0x00200000")
// as well as decimal.
func addressDecodeHook() mapstructure.DecodeHookFuncType {
	return func(from, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to.Kind() != reflect.Uint32 {
			return data, nil
		}
		n, err := strconv.ParseUint(strings.TrimSpace(reflect.ValueOf(data).String()), 0, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid flash address %q: %w", data, err)
		}
		return uint32(n), nil
	}
}

// byteSizeDecodeHook accepts sizes as "256Ki" style strings or as numbers.
func byteSizeDecodeHook() mapstructure.DecodeHookFuncType {
	sizeType := reflect.TypeOf(bytesize.ByteSize(0))
	return func(from, to reflect.Type, data any) (any, error) {
		if to != sizeType {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return bytesize.ParseByteSize(v)
		case int:
			if v < 0 {
				return nil, fmt.Errorf("negative size %d", v)
			}
			return bytesize.ByteSize(v), nil
		case float64:
			if v < 0 {
				return nil, fmt.Errorf("negative size %v", v)
			}
			return bytesize.ByteSize(v), nil
		}
		return data, nil
	}
}

// getConfigDir is $XDG_CONFIG_HOME/flashkv, else ~/.config/flashkv, else
// the working directory.
func getConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "flashkv")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "flashkv")
}

// GetConfigDir returns the directory searched for config.yaml.
func GetConfigDir() string {
	return getConfigDir()
}

// GetDefaultConfigPath returns the config file used when none is given.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists reports whether GetDefaultConfigPath exists.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}
