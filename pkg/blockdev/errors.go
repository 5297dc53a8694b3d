package blockdev

import (
	"errors"

	"github.com/marmos91/flashkv/pkg/flash"
)

var (
	// ErrIO is returned for every failed program or erase, whatever the
	// synchronizer-level cause. The cause stays in the chain.
	ErrIO = errors.New("blockdev: I/O error")

	// ErrBlockTooSmall is returned by Open when the logical block size is
	// below the filesystem minimum or not a whole number of erase units.
	ErrBlockTooSmall = errors.New("blockdev: block size smaller than erase granularity")

	// ErrInvalidGeometry is returned for inconsistent geometry values.
	ErrInvalidGeometry = errors.New("blockdev: invalid geometry")

	// ErrNotLocked is returned by Unlock from a context that does not hold
	// the lock.
	ErrNotLocked = errors.New("blockdev: lock not held")

	// ErrSizeMismatch is returned when the buffer length differs from size.
	ErrSizeMismatch = flash.ErrSizeMismatch
)
