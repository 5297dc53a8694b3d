package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/marmos91/flashkv/pkg/credstore"
	"github.com/marmos91/flashkv/pkg/flash/sim"
)

// CreateFlashImage opens the memory-mapped image backing the simulated
// flash, creating it erased on first use.
func CreateFlashImage(cfg FlashConfig) (*sim.FileImage, error) {
	if cfg.ImagePath == "" {
		return nil, fmt.Errorf("flash image requires image_path to be set")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.ImagePath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create flash image directory: %w", err)
	}
	return sim.OpenFileImage(cfg.ImagePath, sim.ImageSize(cfg.Regions))
}

// CreateFlashDevice opens the image and builds the simulated part over it.
// The caller owns the returned image and must close it after the device.
func CreateFlashDevice(cfg FlashConfig) (*sim.Device, *sim.FileImage, error) {
	img, err := CreateFlashImage(cfg)
	if err != nil {
		return nil, nil, err
	}
	dev, err := sim.New(sim.Config{Regions: cfg.Regions, Latency: cfg.Latency}, img)
	if err != nil {
		_ = img.Close()
		return nil, nil, err
	}
	return dev, img, nil
}

// CreateCredentialStore creates the credential backend. files backs the
// flashfs backend and is ignored for badger.
func CreateCredentialStore(cfg CredentialsConfig, files credstore.Files) (credstore.Store, error) {
	switch cfg.Backend {
	case "flashfs", "":
		if files == nil {
			return nil, fmt.Errorf("flashfs credential store requires a mounted filesystem")
		}
		return credstore.NewFileStore(files), nil
	case "badger":
		if cfg.Path == "" {
			return nil, fmt.Errorf("badger credential store requires path to be set")
		}
		return credstore.OpenBadgerStore(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown credential backend: %q", cfg.Backend)
	}
}
