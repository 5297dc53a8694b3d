// Package agent runs a device behind its auxiliary servers: the HTTP API
// and the metrics endpoint. It also plays the part of the boot ROM: when
// the simulated part resets, the agent reboots the device.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/marmos91/flashkv/internal/logger"
	"github.com/marmos91/flashkv/pkg/device"
)

// AuxiliaryServer is a server started alongside the device.
// *api.Server and *metrics.Server implement it.
type AuxiliaryServer interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Port() int
}

// Agent owns an opened device for the lifetime of Serve.
type Agent struct {
	dev             *device.Device
	shutdownTimeout time.Duration

	apiServer     AuxiliaryServer
	metricsServer AuxiliaryServer

	serveOnce sync.Once
	served    bool
}

// New creates an agent for dev. The agent closes dev when Serve returns.
func New(dev *device.Device, shutdownTimeout time.Duration) *Agent {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &Agent{dev: dev, shutdownTimeout: shutdownTimeout}
}

// SetAPIServer sets the device API server.
func (a *Agent) SetAPIServer(server AuxiliaryServer) {
	if a.served {
		panic("cannot set API server after Serve() has been called")
	}
	a.apiServer = server
	if server != nil {
		logger.Info("API server registered", "port", server.Port())
	}
}

// SetMetricsServer sets the Prometheus metrics server.
func (a *Agent) SetMetricsServer(server AuxiliaryServer) {
	if a.served {
		panic("cannot set metrics server after Serve() has been called")
	}
	a.metricsServer = server
	if server != nil {
		logger.Info("Metrics server registered", "port", server.Port())
	}
}

// Serve starts the auxiliary servers and blocks until ctx is cancelled or
// a server fails. Every reset of the part is answered with a reboot. A
// cancelled ctx is a clean shutdown and returns nil.
func (a *Agent) Serve(ctx context.Context) error {
	var err error
	a.serveOnce.Do(func() {
		a.served = true
		err = a.serve(ctx)
	})
	return err
}

func (a *Agent) serve(ctx context.Context) error {
	logger.Info("Starting flashkv agent")

	serverCtx, cancelServers := context.WithCancel(ctx)
	defer cancelServers()

	errChan := make(chan error, 2)
	var wg sync.WaitGroup
	start := func(name string, s AuxiliaryServer) {
		if s == nil {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Start(serverCtx); err != nil {
				logger.Error(name+" server error", logger.Err(err))
				errChan <- fmt.Errorf("%s server: %w", name, err)
			}
		}()
	}
	start("API", a.apiServer)
	start("metrics", a.metricsServer)

	var serveErr error
loop:
	for {
		select {
		case <-ctx.Done():
			logger.Info("Shutdown signal received", "reason", ctx.Err())
			break loop

		case err := <-errChan:
			logger.Error("Auxiliary server failed, initiating shutdown", logger.Err(err))
			serveErr = err
			break loop

		case st := <-a.dev.Resets():
			logger.InfoCtx(ctx, "part reset", logger.KeyBank, int(st.Running))
			if err := a.dev.Reboot(ctx); err != nil {
				if errors.Is(err, device.ErrClosed) {
					break loop
				}
				// The device stays up; readiness reports the failure.
				logger.ErrorCtx(ctx, "reboot failed", logger.Err(err))
			}
		}
	}

	cancelServers()
	a.shutdown()
	wg.Wait()

	logger.Info("flashkv agent stopped")
	return serveErr
}

func (a *Agent) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
	defer cancel()

	for name, s := range map[string]AuxiliaryServer{"API": a.apiServer, "metrics": a.metricsServer} {
		if s == nil {
			continue
		}
		logger.Debug("Stopping " + name + " server")
		if err := s.Stop(ctx); err != nil {
			logger.Error(name+" server shutdown error", logger.Err(err))
		}
	}

	logger.Info("Closing device")
	if err := a.dev.Close(); err != nil {
		logger.Error("device close error", logger.Err(err))
	}
}
