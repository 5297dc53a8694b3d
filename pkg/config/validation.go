package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/marmos91/flashkv/internal/telemetry"
	"github.com/marmos91/flashkv/pkg/flash/sim"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration for errors.
//
// Struct tags catch missing and out-of-range fields; cross-field rules
// (geometry against regions, bank layout, telemetry endpoint) are checked
// afterwards. Validate does not normalize values.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	if cfg.Telemetry.Enabled && cfg.Telemetry.Endpoint == "" {
		return errors.New("telemetry.endpoint is required when telemetry is enabled")
	}
	if cfg.Telemetry.Profiling.Enabled && cfg.Telemetry.Profiling.Endpoint == "" {
		return errors.New("telemetry.profiling.endpoint is required when profiling is enabled")
	}
	for _, name := range cfg.Telemetry.Profiling.ProfileTypes {
		if !slices.Contains(telemetry.ProfileTypeNames(), name) {
			return fmt.Errorf("telemetry.profiling.profile_types: unknown profile type %q (valid: %s)",
				name, strings.Join(telemetry.ProfileTypeNames(), ", "))
		}
	}
	if secret := cfg.API.GetJWTSecret(); secret != "" && len(secret) < 32 {
		return errors.New("api.jwt.secret must be at least 32 characters")
	}

	if err := cfg.Geometry.Validate(); err != nil {
		return fmt.Errorf("geometry: %w", err)
	}
	if _, err := cfg.Firmware.BankSize.Uint32(); err != nil {
		return fmt.Errorf("firmware.bank_size: %w", err)
	}
	if _, err := cfg.Firmware.BankSize.Blocks(cfg.Firmware.BlockSize); err != nil {
		return fmt.Errorf("firmware.bank_size: %w", err)
	}
	if err := cfg.Firmware.Layout().Validate(); err != nil {
		return fmt.Errorf("firmware: %w", err)
	}

	if err := sim.ValidateRegions(cfg.Flash.Regions); err != nil {
		return fmt.Errorf("flash.regions: %w", err)
	}
	if _, err := checkCovered(cfg.Flash.Regions, cfg.Geometry.Base, cfg.Geometry.Size(), "geometry"); err != nil {
		return err
	}
	layout := cfg.Firmware.Layout()
	for i, base := range layout.Banks {
		r, err := checkCovered(cfg.Flash.Regions, base, uint64(layout.BankSize), fmt.Sprintf("firmware bank %d", i))
		if err != nil {
			return err
		}
		if layout.BlockSize != r.EraseBlock {
			return fmt.Errorf("firmware.block_size %d does not match the %d byte erase block of region %q",
				layout.BlockSize, r.EraseBlock, r.Name)
		}
		if (base-r.Base)%r.EraseBlock != 0 {
			return fmt.Errorf("firmware bank %d at 0x%08x is not aligned to the erase block of region %q", i, base, r.Name)
		}
	}

	return nil
}

// checkCovered returns the region that holds [base, base+size).
func checkCovered(regions []sim.Region, base uint32, size uint64, what string) (sim.Region, error) {
	for _, r := range regions {
		if base >= r.Base && uint64(base)+size <= uint64(r.Base)+uint64(r.Size) {
			return r, nil
		}
	}
	return sim.Region{}, fmt.Errorf("%s at 0x%08x (+%d) is not inside any flash region", what, base, size)
}

// formatValidationError turns validator errors into one line per field.
func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msg := fmt.Sprintf("%s: failed '%s' validation", fe.Namespace(), fe.Tag())
		if fe.Param() != "" {
			msg = fmt.Sprintf("%s: failed '%s=%s' validation", fe.Namespace(), fe.Tag(), fe.Param())
		}
		msgs = append(msgs, msg)
	}
	return errors.New(strings.Join(msgs, "; "))
}
