// Package blockdev presents a region of data flash as the block device a
// crash-consistent filesystem is mounted on.
//
// Logical blocks map linearly onto flash:
//
//	physical = Base + BlockSize*block + offset
//
// Program and Erase go through the flash Synchronizer and return only after
// the hardware signalled completion, so Sync has nothing left to flush.
package blockdev

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/marmos91/flashkv/internal/logger"
	"github.com/marmos91/flashkv/pkg/flash"
)

// Device is the block-device adapter.
type Device struct {
	sync *flash.Synchronizer
	geo  Geometry

	// erasesPerBlock is the number of peripheral erase units in one block.
	erasesPerBlock uint32

	lock  chan struct{}
	owner atomic.Pointer[holder]
}

// Open validates geo against the peripheral behind s and returns an adapter.
// s must already be open.
func Open(s *flash.Synchronizer, geo Geometry) (*Device, error) {
	if err := geo.Validate(); err != nil {
		return nil, err
	}

	gran, err := s.EraseBlockSize(geo.Base)
	if err != nil {
		return nil, fmt.Errorf("query erase granularity: %w", err)
	}
	if geo.BlockSize < gran || geo.BlockSize%gran != 0 {
		return nil, fmt.Errorf("%w: block size %d, erase granularity %d", ErrBlockTooSmall, geo.BlockSize, gran)
	}

	logger.Debug("block device opened",
		logger.Address(geo.Base),
		logger.KeyBlocks, geo.BlockCount,
		logger.KeySize, geo.BlockSize)

	return &Device{
		sync:           s,
		geo:            geo,
		erasesPerBlock: geo.BlockSize / gran,
		lock:           make(chan struct{}, 1),
	}, nil
}

// Geometry returns the configured geometry.
func (d *Device) Geometry() Geometry {
	return d.geo
}

// Address returns the physical address of off within block.
func (d *Device) Address(block, off uint32) uint32 {
	return d.geo.Base + d.geo.BlockSize*block + off
}

func (d *Device) checkBlock(block uint32) error {
	if block >= d.geo.BlockCount {
		return fmt.Errorf("%w: block %d of %d", flash.ErrOutOfRange, block, d.geo.BlockCount)
	}
	return nil
}

// Read copies size bytes at off within block into buf.
func (d *Device) Read(block, off uint32, buf []byte, size uint32) error {
	if uint32(len(buf)) != size {
		return fmt.Errorf("%w: buffer %d, size %d", ErrSizeMismatch, len(buf), size)
	}
	if err := d.checkBlock(block); err != nil {
		return err
	}
	if err := d.sync.Read(buf, d.Address(block, off)); err != nil {
		return fmt.Errorf("%w: read block %d: %w", ErrIO, block, err)
	}
	return nil
}

// Program writes size bytes of buf at off within block and waits for the
// hardware to finish.
func (d *Device) Program(ctx context.Context, block, off uint32, buf []byte, size uint32) error {
	if uint32(len(buf)) != size {
		return fmt.Errorf("%w: buffer %d, size %d", ErrSizeMismatch, len(buf), size)
	}
	if err := d.checkBlock(block); err != nil {
		return err
	}

	addr := d.Address(block, off)
	g, err := d.sync.Begin(ctx, flash.KindWrite)
	if err != nil {
		return fmt.Errorf("%w: program block %d: %w", ErrIO, block, err)
	}
	if err := g.Write(buf, addr); err != nil {
		return d.ioError("program", block, err)
	}
	if err := d.sync.AwaitCompletion(g); err != nil {
		return d.ioError("program", block, err)
	}
	return nil
}

// Erase erases every erase unit of block.
func (d *Device) Erase(ctx context.Context, block uint32) error {
	if err := d.checkBlock(block); err != nil {
		return err
	}

	g, err := d.sync.Begin(ctx, flash.KindErase)
	if err != nil {
		return fmt.Errorf("%w: erase block %d: %w", ErrIO, block, err)
	}
	if err := g.Erase(d.Address(block, 0), d.erasesPerBlock); err != nil {
		return d.ioError("erase", block, err)
	}
	if err := d.sync.AwaitCompletion(g); err != nil {
		return d.ioError("erase", block, err)
	}
	return nil
}

func (d *Device) ioError(op string, block uint32, err error) error {
	logger.Warn("block device "+op+" failed", logger.Block(block), logger.Err(err))
	return fmt.Errorf("%w: %s block %d: %w", ErrIO, op, block, err)
}

// Sync is a no-op: Program and Erase complete before returning.
func (d *Device) Sync() error {
	return nil
}
