package blockdev

import "fmt"

const (
	// MinBlockSize is the smallest logical block the filesystem metadata fits in.
	MinBlockSize = 104

	// DefaultBase is the start of data flash on the reference board.
	DefaultBase = 0x00100000
)

// Geometry is the block-device configuration handed to the filesystem.
type Geometry struct {
	ReadSize      uint32 `mapstructure:"read_size" yaml:"read_size" validate:"required,gt=0"`
	ProgramSize   uint32 `mapstructure:"program_size" yaml:"program_size" validate:"required,gt=0"`
	BlockSize     uint32 `mapstructure:"block_size" yaml:"block_size" validate:"required,gte=104"`
	BlockCount    uint32 `mapstructure:"block_count" yaml:"block_count" validate:"required,gt=2"`
	CacheSize     uint32 `mapstructure:"cache_size" yaml:"cache_size" validate:"required,gt=0"`
	LookaheadSize uint32 `mapstructure:"lookahead_size" yaml:"lookahead_size" validate:"required,gt=0"`
	BlockCycles   int32  `mapstructure:"block_cycles" yaml:"block_cycles"`

	// Base is the physical address of logical block 0.
	Base uint32 `mapstructure:"base" yaml:"base"`
}

// DefaultGeometry returns the geometry of the data flash on the reference
// board: 256 blocks of 128 bytes at the start of data flash.
func DefaultGeometry() Geometry {
	return Geometry{
		ReadSize:      1,
		ProgramSize:   4,
		BlockSize:     128,
		BlockCount:    256,
		CacheSize:     64,
		LookaheadSize: 16,
		BlockCycles:   100,
		Base:          DefaultBase,
	}
}

// Size returns the number of bytes the geometry spans.
func (g Geometry) Size() uint64 {
	return uint64(g.BlockSize) * uint64(g.BlockCount)
}

// Validate checks the relationships between sizes the filesystem relies on.
func (g Geometry) Validate() error {
	switch {
	case g.ReadSize == 0 || g.ProgramSize == 0 || g.CacheSize == 0 || g.LookaheadSize == 0:
		return fmt.Errorf("%w: read, program, cache and lookahead sizes must be non-zero", ErrInvalidGeometry)
	case g.BlockCount == 0:
		return fmt.Errorf("%w: block count must be non-zero", ErrInvalidGeometry)
	case g.BlockSize < MinBlockSize:
		return fmt.Errorf("%w: block size %d is below %d", ErrBlockTooSmall, g.BlockSize, MinBlockSize)
	case g.CacheSize%g.ReadSize != 0 || g.CacheSize%g.ProgramSize != 0:
		return fmt.Errorf("%w: cache size %d must be a multiple of read size %d and program size %d",
			ErrInvalidGeometry, g.CacheSize, g.ReadSize, g.ProgramSize)
	case g.BlockSize%g.CacheSize != 0:
		return fmt.Errorf("%w: block size %d must be a multiple of cache size %d", ErrInvalidGeometry, g.BlockSize, g.CacheSize)
	case g.LookaheadSize%8 != 0:
		return fmt.Errorf("%w: lookahead size %d must be a multiple of 8", ErrInvalidGeometry, g.LookaheadSize)
	case uint64(g.Base)+g.Size() > 1<<32:
		return fmt.Errorf("%w: geometry exceeds the 32-bit address space", ErrInvalidGeometry)
	}
	return nil
}
