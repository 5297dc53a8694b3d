// Package fwup gives the update orchestrator direct access to firmware
// flash: erase, program and read at absolute addresses, bypassing the
// filesystem, plus the bank swap that activates a staged image.
package fwup

import (
	"context"
	"errors"
	"fmt"

	"github.com/marmos91/flashkv/internal/logger"
	"github.com/marmos91/flashkv/internal/telemetry"
	"github.com/marmos91/flashkv/pkg/flash"
)

// ErrFlash is returned for every failed flash access. The cause stays in
// the chain for logging; callers only need to know flash failed.
var ErrFlash = errors.New("fwup: flash error")

// Region describes a firmware area.
type Region struct {
	Base       uint32
	BlockSize  uint32
	BlockCount uint32
}

// Size returns the region size in bytes.
func (r Region) Size() uint32 {
	return r.BlockSize * r.BlockCount
}

// Contains reports whether [addr, addr+n) lies inside r.
func (r Region) Contains(addr, n uint32) bool {
	return addr >= r.Base && uint64(addr)+uint64(n) <= uint64(r.Base)+uint64(r.Size())
}

// Wrapper is the firmware flash wrapper.
type Wrapper struct {
	sync *flash.Synchronizer
	bank flash.BankController
}

// New returns a wrapper over s. bank may be nil on single-bank devices.
func New(s *flash.Synchronizer, bank flash.BankController) *Wrapper {
	return &Wrapper{sync: s, bank: bank}
}

// Open opens the shared synchronizer. Opening an already open synchronizer
// only adds a user; the peripheral is not re-initialized.
func (w *Wrapper) Open() error {
	if err := w.sync.Open(); err != nil {
		return fmt.Errorf("%w: %w", ErrFlash, err)
	}
	return nil
}

// Close releases the wrapper's use of the synchronizer.
func (w *Wrapper) Close() error {
	if err := w.sync.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrFlash, err)
	}
	return nil
}

// Erase erases blocks erase units starting at addr.
func (w *Wrapper) Erase(ctx context.Context, addr uint32, blocks uint32) error {
	g, err := w.sync.Begin(ctx, flash.KindErase)
	if err != nil {
		return fmt.Errorf("%w: erase 0x%08x: %w", ErrFlash, addr, err)
	}
	if err := g.Erase(addr, blocks); err != nil {
		return fmt.Errorf("%w: erase 0x%08x: %w", ErrFlash, addr, err)
	}
	if err := w.sync.AwaitCompletion(g); err != nil {
		return fmt.Errorf("%w: erase 0x%08x: %w", ErrFlash, addr, err)
	}
	return nil
}

// Write programs src at dest.
func (w *Wrapper) Write(ctx context.Context, src []byte, dest uint32) error {
	g, err := w.sync.Begin(ctx, flash.KindWrite)
	if err != nil {
		return fmt.Errorf("%w: write 0x%08x: %w", ErrFlash, dest, err)
	}
	if err := g.Write(src, dest); err != nil {
		return fmt.Errorf("%w: write 0x%08x: %w", ErrFlash, dest, err)
	}
	if err := w.sync.AwaitCompletion(g); err != nil {
		return fmt.Errorf("%w: write 0x%08x: %w", ErrFlash, dest, err)
	}
	return nil
}

// Read copies len(dst) bytes from src.
func (w *Wrapper) Read(dst []byte, src uint32) error {
	if err := w.sync.Read(dst, src); err != nil {
		return fmt.Errorf("%w: %w", ErrFlash, err)
	}
	return nil
}

// EraseBlockSize reports the erase granularity at addr.
func (w *Wrapper) EraseBlockSize(addr uint32) (uint32, error) {
	n, err := w.sync.EraseBlockSize(addr)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrFlash, err)
	}
	return n, nil
}

// SelectedBank reports the bank the device will boot from.
func (w *Wrapper) SelectedBank() (flash.Bank, error) {
	if w.bank == nil {
		return 0, fmt.Errorf("%w: %w", ErrFlash, flash.ErrNoBankControl)
	}
	b, err := w.bank.SelectedBank()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrFlash, err)
	}
	return b, nil
}

// BankSwap toggles the bank-select state, confirms the new selection with
// the peripheral, and resets the device. After the reset the device runs
// from whichever bank the peripheral names; nothing else records it.
func (w *Wrapper) BankSwap(ctx context.Context) error {
	if w.bank == nil {
		return fmt.Errorf("%w: %w", ErrFlash, flash.ErrNoBankControl)
	}

	ctx, span := telemetry.StartFlashSpan(ctx, "bank_swap")
	defer span.End()

	err := w.sync.Control(ctx, func(flash.Peripheral) error {
		before, err := w.bank.SelectedBank()
		if err != nil {
			return fmt.Errorf("read bank select: %w", err)
		}
		if err := w.bank.ToggleBank(); err != nil {
			return fmt.Errorf("toggle bank: %w", err)
		}
		after, err := w.bank.SelectedBank()
		if err != nil {
			return fmt.Errorf("confirm bank select: %w", err)
		}
		if after != before.Other() {
			return fmt.Errorf("bank select reads %d after toggling from %d", after, before)
		}

		telemetry.SetAttributes(ctx, telemetry.FlashBank(int(after)))
		logger.InfoCtx(ctx, "bank select toggled, resetting", logger.KeyBank, int(after))
		return w.bank.Reset()
	})
	if err != nil {
		telemetry.RecordError(ctx, err)
		return fmt.Errorf("%w: bank swap: %w", ErrFlash, err)
	}
	return nil
}
