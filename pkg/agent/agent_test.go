package agent

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/flashkv/pkg/config"
	"github.com/marmos91/flashkv/pkg/device"
	"github.com/marmos91/flashkv/pkg/flash"
	"github.com/marmos91/flashkv/pkg/ota"
)

type fakeServer struct {
	startErr error
	started  atomic.Bool
	stopped  atomic.Int32
}

func (s *fakeServer) Start(ctx context.Context) error {
	s.started.Store(true)
	if s.startErr != nil {
		return s.startErr
	}
	<-ctx.Done()
	return nil
}

func (s *fakeServer) Stop(context.Context) error {
	s.stopped.Add(1)
	return nil
}

func (s *fakeServer) Port() int { return 1234 }

func openDevice(t *testing.T) *device.Device {
	t.Helper()
	cfg := config.GetDefaultConfig()
	cfg.Flash.ImagePath = filepath.Join(t.TempDir(), "flash.img")
	d, err := device.Open(context.Background(), cfg)
	require.NoError(t, err)
	return d
}

func TestAgent_ServeUntilCancelled(t *testing.T) {
	d := openDevice(t)
	api, metrics := &fakeServer{}, &fakeServer{}

	a := New(d, time.Second)
	a.SetAPIServer(api)
	a.SetMetricsServer(metrics)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx) }()

	require.Eventually(t, func() bool { return api.started.Load() && metrics.started.Load() },
		2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not stop")
	}

	assert.Equal(t, int32(1), api.stopped.Load())
	assert.Equal(t, int32(1), metrics.stopped.Load())
	assert.ErrorIs(t, d.Ready(context.Background()), device.ErrClosed)

	// Serve runs once.
	assert.NoError(t, a.Serve(context.Background()))
	assert.Panics(t, func() { a.SetAPIServer(api) })
}

func TestAgent_ServerFailure(t *testing.T) {
	d := openDevice(t)
	boom := errors.New("address in use")

	a := New(d, time.Second)
	a.SetAPIServer(&fakeServer{startErr: boom})

	err := a.Serve(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestAgent_RebootsAfterActivation(t *testing.T) {
	ctx := context.Background()
	d := openDevice(t)

	a := New(d, time.Second)
	serveCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- a.Serve(serveCtx) }()
	defer func() {
		cancel()
		<-done
	}()

	img := make([]byte, 3000)
	_, err := rand.Read(img)
	require.NoError(t, err)
	sum := sha256.Sum256(img)
	m := ota.Manifest{Version: "2.0.0", Size: uint32(len(img)), SHA256: hex.EncodeToString(sum[:])}

	s, err := d.Updater().Begin(ctx, m)
	require.NoError(t, err)
	require.NoError(t, s.Write(ctx, 0, img))
	require.NoError(t, s.Finalize(ctx))
	require.NoError(t, d.Updater().Activate(ctx))

	require.Eventually(t, func() bool {
		st, err := d.Updater().Status(ctx)
		return err == nil && st.State == ota.StateAccepted
	}, 5*time.Second, 10*time.Millisecond)

	st, err := d.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", st.Running)
	assert.Equal(t, flash.Bank1, st.RunningBank)
}
