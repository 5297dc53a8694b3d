package device

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/flashkv/pkg/config"
	"github.com/marmos91/flashkv/pkg/credstore"
	"github.com/marmos91/flashkv/pkg/flash"
	"github.com/marmos91/flashkv/pkg/kvstore"
	"github.com/marmos91/flashkv/pkg/ota"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.GetDefaultConfig()
	cfg.Flash.ImagePath = filepath.Join(t.TempDir(), "flash.img")
	return cfg
}

func open(t *testing.T, cfg *config.Config) *Device {
	t.Helper()
	d, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	return d
}

func TestOpen_FormatsThenMounts(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	d := open(t, cfg)
	assert.True(t, d.Formatted())
	require.NoError(t, d.Ready(ctx))

	st, err := d.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", st.Running)
	assert.Equal(t, flash.Bank0, st.RunningBank)
	assert.Equal(t, "idle", st.Phase)
	assert.Equal(t, 2, st.Flash.Users)
	volume := st.VolumeID
	require.NoError(t, d.Close())

	d = open(t, cfg)
	defer d.Close()
	assert.False(t, d.Formatted())
	st, err = d.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, volume, st.VolumeID)
}

func TestDevice_SettingsSurviveReopen(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	d := open(t, cfg)
	changed, err := d.KV().Set(ctx, kvstore.KeyMQTTEndpoint, []byte("broker.example.com"))
	require.NoError(t, err)
	assert.True(t, changed)
	require.NoError(t, d.KV().Commit(ctx))

	_, err = d.KV().Set(ctx, kvstore.KeyThingName, []byte("uncommitted"))
	require.NoError(t, err)
	require.NoError(t, d.Close())

	d = open(t, cfg)
	defer d.Close()

	v, err := d.KV().Get(ctx, kvstore.KeyMQTTEndpoint)
	require.NoError(t, err)
	assert.Equal(t, "broker.example.com", v.String())

	v, err = d.KV().Get(ctx, kvstore.KeyThingName)
	require.NoError(t, err)
	assert.True(t, v.Empty())
}

func TestDevice_UpdateRebootAccept(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	d := open(t, cfg)
	defer d.Close()

	img := make([]byte, 5000)
	_, err := rand.Read(img)
	require.NoError(t, err)
	sum := sha256.Sum256(img)
	m := ota.Manifest{Version: "1.1.0", Size: uint32(len(img)), SHA256: hex.EncodeToString(sum[:])}

	s, err := d.Updater().Begin(ctx, m)
	require.NoError(t, err)
	require.NoError(t, s.Write(ctx, 0, img))
	require.NoError(t, s.Finalize(ctx))
	require.NoError(t, d.Updater().Activate(ctx))

	select {
	case st := <-d.Resets():
		assert.Equal(t, flash.Bank1, st.Running)
	default:
		t.Fatal("expected a reset after activation")
	}

	require.NoError(t, d.Reboot(ctx))

	st, err := d.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", st.Running)
	assert.Equal(t, flash.Bank1, st.RunningBank)
	assert.Equal(t, ota.StateAccepted.String(), st.Image)
}

func TestDevice_RebootAfterClose(t *testing.T) {
	d := open(t, testConfig(t))
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	assert.ErrorIs(t, d.Reboot(context.Background()), ErrClosed)
	assert.ErrorIs(t, d.Ready(context.Background()), ErrClosed)
}

func TestDevice_BadgerCredentials(t *testing.T) {
	cfg := testConfig(t)
	cfg.Credentials.Backend = "badger"
	cfg.Credentials.Path = filepath.Join(t.TempDir(), "vault")

	d := open(t, cfg)
	defer d.Close()

	_, ok := d.Credentials().(*credstore.BadgerStore)
	assert.True(t, ok)
}

func TestOpen_InvalidGeometry(t *testing.T) {
	cfg := testConfig(t)
	cfg.Geometry.Base = 0x00300000

	_, err := Open(context.Background(), cfg)
	assert.Error(t, err)
}

func TestFormatVolume(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	d := open(t, cfg)
	_, err := d.KV().Set(ctx, kvstore.KeyMQTTEndpoint, []byte("broker.example.com"))
	require.NoError(t, err)
	require.NoError(t, d.KV().Commit(ctx))
	require.NoError(t, d.Close())

	usage, err := FormatVolume(ctx, cfg)
	require.NoError(t, err)
	assert.Zero(t, usage.Files)

	d = open(t, cfg)
	defer d.Close()
	v, err := d.KV().Get(ctx, kvstore.KeyMQTTEndpoint)
	require.NoError(t, err)
	assert.True(t, v.Empty())
}
