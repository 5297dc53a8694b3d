// Package device assembles the flash stack of one simulated board: the
// peripheral and its synchronizer, the block-device adapter and filesystem,
// the credential store, the key-value cache, and the firmware updater.
//
// A Device owns every layer it opens. Close releases them in reverse order.
package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/marmos91/flashkv/internal/logger"
	"github.com/marmos91/flashkv/pkg/blockdev"
	"github.com/marmos91/flashkv/pkg/config"
	"github.com/marmos91/flashkv/pkg/credstore"
	"github.com/marmos91/flashkv/pkg/flash"
	"github.com/marmos91/flashkv/pkg/flash/sim"
	"github.com/marmos91/flashkv/pkg/flashfs"
	"github.com/marmos91/flashkv/pkg/fwup"
	"github.com/marmos91/flashkv/pkg/kvstore"
	"github.com/marmos91/flashkv/pkg/metrics"
	metricsprom "github.com/marmos91/flashkv/pkg/metrics/prometheus"
	"github.com/marmos91/flashkv/pkg/ota"
)

// ErrClosed is returned by operations on a closed Device.
var ErrClosed = errors.New("device: closed")

// cacheStatsInterval is how often badger cache counters are published.
const cacheStatsInterval = 15 * time.Second

// Status is a point-in-time view of the board.
type Status struct {
	Flash        flash.Stats   `json:"flash"`
	Phase        string        `json:"phase"`
	RunningBank  flash.Bank    `json:"running_bank"`
	SelectedBank flash.Bank    `json:"selected_bank"`
	Running      string        `json:"running_version"`
	Formatted    bool          `json:"formatted"`
	VolumeID     string        `json:"volume_id"`
	Usage        flashfs.Usage `json:"usage"`
	Image        string        `json:"image_state"`
}

// Device is an opened board.
type Device struct {
	cfg *config.Config

	image  *sim.FileImage
	periph *sim.Device
	sync   *flash.Synchronizer
	blocks *blockdev.Device
	fs     *flashfs.FS
	creds  credstore.Store
	kv     *kvstore.Cache
	fw     *fwup.Wrapper
	ota    *ota.Updater

	formatted bool
	resets    chan sim.BankState

	mu     sync.Mutex
	closed bool
	stop   chan struct{}
	wg     sync.WaitGroup
}

// Open brings up the board described by cfg. The flash image is created on
// first use and the filesystem formatted if it holds no volume. Open then
// boots: it loads the key-value table and, if the running image is under
// test, decides whether to keep it.
func Open(ctx context.Context, cfg *config.Config) (_ *Device, err error) {
	d := &Device{
		cfg:    cfg,
		resets: make(chan sim.BankState, 1),
		stop:   make(chan struct{}),
	}
	defer func() {
		if err != nil {
			_ = d.release()
		}
	}()

	d.periph, d.image, err = config.CreateFlashDevice(cfg.Flash)
	if err != nil {
		return nil, fmt.Errorf("create flash device: %w", err)
	}
	d.periph.OnReset(d.onReset)

	d.sync = flash.New(d.periph, flash.WithMetrics(metrics.NewFlashMetrics()))
	if err := d.sync.Open(); err != nil {
		return nil, err
	}

	d.blocks, err = blockdev.Open(d.sync, cfg.Geometry)
	if err != nil {
		return nil, fmt.Errorf("open block device: %w", err)
	}
	d.fs, d.formatted, err = flashfs.MountOrFormat(ctx, d.blocks)
	if err != nil {
		return nil, fmt.Errorf("mount filesystem: %w", err)
	}

	d.creds, err = config.CreateCredentialStore(cfg.Credentials, d.fs)
	if err != nil {
		return nil, fmt.Errorf("create credential store: %w", err)
	}
	d.kv = kvstore.New(d.fs, d.creds, kvstore.WithMetrics(metrics.NewKVMetrics()))

	d.fw = fwup.New(d.sync, d.periph)
	if err := d.fw.Open(); err != nil {
		return nil, err
	}
	d.ota, err = ota.New(d.fw, d.fs, cfg.Firmware.Layout(), cfg.Firmware.Version)
	if err != nil {
		return nil, fmt.Errorf("create updater: %w", err)
	}

	if err := d.boot(ctx); err != nil {
		return nil, err
	}

	if vault, ok := d.creds.(*credstore.BadgerStore); ok && metrics.IsEnabled() {
		d.wg.Add(1)
		go d.publishCacheStats(vault)
	}

	logger.InfoCtx(ctx, "device ready",
		"image", cfg.Flash.ImagePath,
		"formatted", d.formatted,
		logger.KeyVersion, d.ota.Running(),
		logger.KeyBank, int(d.periph.RunningBank()))
	return d, nil
}

// boot runs the start-up sequence of the firmware: resolve the version of
// the running bank, load the settings table, and verify an image under test.
func (d *Device) boot(ctx context.Context) error {
	rec, err := ota.ReadRecord(ctx, d.fs)
	if err != nil {
		return fmt.Errorf("read update record: %w", err)
	}
	running := rec.ImageVersion(d.periph.RunningBank())
	if running == "" {
		running = d.cfg.Firmware.Version
	}

	initErr := d.kv.Initialize(ctx)
	selfTest := func(ctx context.Context) error {
		if initErr != nil {
			return initErr
		}
		return d.check(ctx)
	}

	state, err := d.ota.VerifyBoot(ctx, running, selfTest)
	if err != nil {
		return fmt.Errorf("verify boot: %w", err)
	}
	if initErr != nil {
		return fmt.Errorf("load settings: %w", initErr)
	}

	logger.DebugCtx(ctx, "boot complete",
		logger.KeyVersion, running,
		logger.KeyState, state.String())
	return nil
}

// Reboot repeats the start-up sequence after the simulated part was reset.
// The RAM table is reloaded from flash, so uncommitted settings are lost as
// they would be on hardware.
func (d *Device) Reboot(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}

	logger.InfoCtx(ctx, "device rebooting", logger.KeyBank, int(d.periph.RunningBank()))
	return d.boot(ctx)
}

// Resets delivers the bank state after each reset of the part. At most one
// reset is buffered; a consumer calls Reboot in response.
func (d *Device) Resets() <-chan sim.BankState {
	return d.resets
}

func (d *Device) onReset(st sim.BankState) {
	select {
	case d.resets <- st:
	default:
	}
}

// check is the health probe shared by the boot self test and Ready.
func (d *Device) check(ctx context.Context) error {
	if p := d.sync.Phase(); p == flash.PhaseError || p == flash.PhaseUninitialized {
		return fmt.Errorf("flash synchronizer in phase %s", p)
	}
	if _, err := d.fs.Usage(ctx); err != nil {
		return fmt.Errorf("filesystem: %w", err)
	}
	return nil
}

// Ready reports whether the board can serve requests.
func (d *Device) Ready(ctx context.Context) error {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return d.check(ctx)
}

// Status returns a snapshot of the board.
func (d *Device) Status(ctx context.Context) (Status, error) {
	usage, err := d.fs.Usage(ctx)
	if err != nil {
		return Status{}, err
	}
	selected, err := d.periph.SelectedBank()
	if err != nil {
		return Status{}, err
	}
	state, err := d.ota.ImageState(ctx)
	if err != nil {
		return Status{}, err
	}

	stats := d.sync.Stats()
	return Status{
		Flash:        stats,
		Phase:        stats.Phase.String(),
		RunningBank:  d.periph.RunningBank(),
		SelectedBank: selected,
		Running:      d.ota.Running(),
		Formatted:    d.formatted,
		VolumeID:     d.fs.ID().String(),
		Usage:        usage,
		Image:        state.String(),
	}, nil
}

// KV returns the settings table.
func (d *Device) KV() *kvstore.Cache { return d.kv }

// FS returns the mounted filesystem.
func (d *Device) FS() *flashfs.FS { return d.fs }

// Credentials returns the credential store.
func (d *Device) Credentials() credstore.Store { return d.creds }

// Firmware returns the firmware flash wrapper.
func (d *Device) Firmware() *fwup.Wrapper { return d.fw }

// Updater returns the firmware updater.
func (d *Device) Updater() *ota.Updater { return d.ota }

// Formatted reports whether Open had to format the volume.
func (d *Device) Formatted() bool { return d.formatted }

func (d *Device) publishCacheStats(vault *credstore.BadgerStore) {
	defer d.wg.Done()

	m := metricsprom.NewBadgerMetrics()
	ticker := time.NewTicker(cacheStatsInterval)
	defer ticker.Stop()

	for {
		m.Record(vault.CacheStats())
		select {
		case <-d.stop:
			return
		case <-ticker.C:
		}
	}
}

// Close releases every layer. Settings not committed are discarded.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	return d.release()
}

// release tears down whatever Open managed to build.
func (d *Device) release() error {
	select {
	case <-d.stop:
	default:
		close(d.stop)
	}
	d.wg.Wait()

	var errs []error
	if d.creds != nil {
		if err := d.creds.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close credential store: %w", err))
		}
	}
	if d.fw != nil {
		if err := d.fw.Close(); err != nil && !errors.Is(err, flash.ErrNotOpen) {
			errs = append(errs, fmt.Errorf("close firmware wrapper: %w", err))
		}
	}
	if d.sync != nil {
		if err := d.sync.Close(); err != nil && !errors.Is(err, flash.ErrNotOpen) {
			errs = append(errs, fmt.Errorf("close synchronizer: %w", err))
		}
	}
	if d.image != nil {
		if err := d.image.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close flash image: %w", err))
		}
	}
	return errors.Join(errs...)
}

// FormatVolume erases the data region of the board described by cfg and
// writes an empty filesystem. Nothing else may have the image open.
func FormatVolume(ctx context.Context, cfg *config.Config) (*flashfs.Usage, error) {
	periph, img, err := config.CreateFlashDevice(cfg.Flash)
	if err != nil {
		return nil, fmt.Errorf("create flash device: %w", err)
	}
	defer func() { _ = img.Close() }()

	s := flash.New(periph, flash.WithMetrics(metrics.NewFlashMetrics()))
	if err := s.Open(); err != nil {
		return nil, err
	}
	defer func() { _ = s.Close() }()

	blocks, err := blockdev.Open(s, cfg.Geometry)
	if err != nil {
		return nil, fmt.Errorf("open block device: %w", err)
	}
	fs, err := flashfs.Format(ctx, blocks)
	if err != nil {
		return nil, err
	}
	usage, err := fs.Usage(ctx)
	if err != nil {
		return nil, err
	}
	return &usage, nil
}
