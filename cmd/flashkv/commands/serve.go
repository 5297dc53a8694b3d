package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/marmos91/flashkv/cmd/flashkv/cmdutil"
	"github.com/marmos91/flashkv/internal/logger"
	"github.com/marmos91/flashkv/internal/telemetry"
	"github.com/marmos91/flashkv/pkg/agent"
	"github.com/marmos91/flashkv/pkg/api"
	"github.com/marmos91/flashkv/pkg/config"
	"github.com/marmos91/flashkv/pkg/device"
	"github.com/marmos91/flashkv/pkg/metrics"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the device agent",
	Long: `Open the simulated board and serve it over HTTP until interrupted.

The agent boots the device like firmware would: it mounts (or formats) the
data flash filesystem, loads the settings table and, when the running
image is under test, runs the self test and accepts or rolls it back.
Activating an update resets the part and the agent boots again.

Examples:
  # Run with the default config
  flashkv serve

  # Run with environment overrides
  FLASHKV_LOGGING_LEVEL=DEBUG FLASHKV_API_PORT=9080 flashkv serve`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := cmdutil.LoadConfig()
	if err != nil {
		return err
	}
	if err := cmdutil.InitLogger(cfg); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	board := telemetry.Board{
		Image:    cfg.Flash.ImagePath,
		Firmware: cfg.Firmware.Version,
	}
	telemetryShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "flashkv",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
		Board:          board,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := telemetryShutdown(context.Background()); err != nil {
			logger.Error("telemetry shutdown error", logger.Err(err))
		}
	}()

	profilingShutdown, err := telemetry.InitProfiling(telemetry.ProfilingConfig{
		Enabled:        cfg.Telemetry.Profiling.Enabled,
		ServiceName:    "flashkv",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Profiling.Endpoint,
		ProfileTypes:   cfg.Telemetry.Profiling.ProfileTypes,
		Tags:           cfg.Telemetry.Profiling.Tags,
		Board:          board,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize profiling: %w", err)
	}
	defer func() {
		if err := profilingShutdown(); err != nil {
			logger.Error("profiling shutdown error", logger.Err(err))
		}
	}()

	logger.Info("Log level", "level", cfg.Logging.Level, "format", cfg.Logging.Format)
	logger.Info("Configuration loaded", "source", getConfigSource(cmdutil.Flags.ConfigFile))
	if telemetry.IsEnabled() {
		logger.Info("Telemetry enabled", "endpoint", cfg.Telemetry.Endpoint, "sample_rate", cfg.Telemetry.SampleRate)
	}
	if telemetry.IsProfilingEnabled() {
		logger.Info("Profiling enabled", "endpoint", cfg.Telemetry.Profiling.Endpoint)
	}

	// Metrics first: the device picks up collectors only when the
	// registry exists.
	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		metricsServer = metrics.NewServer(cfg.Metrics.Port)
	} else {
		logger.Info("Metrics collection disabled")
	}

	dev, err := device.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open device: %w", err)
	}

	ag := agent.New(dev, cfg.ShutdownTimeout)
	if metricsServer != nil {
		ag.SetMetricsServer(metricsServer)
	}

	if cfg.API.Enabled {
		apiServer, err := api.NewServer(cfg.API, api.Services{
			Probe: dev,
			Status: func(ctx context.Context) (any, error) {
				return dev.Status(ctx)
			},
			KV:      dev.KV(),
			FS:      dev.FS(),
			Updater: dev.Updater(),
		})
		if err != nil {
			_ = dev.Close()
			return fmt.Errorf("failed to create API server: %w", err)
		}
		ag.SetAPIServer(apiServer)
	} else {
		logger.Info("API server disabled")
	}

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- ag.Serve(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Agent is running. Press Ctrl+C to stop.")

	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("Shutdown signal received, initiating graceful shutdown")
		cancel()

		if err := <-serverDone; err != nil {
			logger.Error("Agent shutdown error", logger.Err(err))
			return err
		}
		logger.Info("Agent stopped gracefully")

	case err := <-serverDone:
		signal.Stop(sigChan)
		if err != nil {
			logger.Error("Agent error", logger.Err(err))
			return err
		}
		logger.Info("Agent stopped")
	}

	return nil
}

// getConfigSource returns a description of where the config was loaded from.
func getConfigSource(configFile string) string {
	if configFile != "" {
		return configFile
	}
	if config.DefaultConfigExists() {
		return config.GetDefaultConfigPath()
	}
	return "defaults"
}
