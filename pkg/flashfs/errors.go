package flashfs

import "errors"

var (
	// ErrNotExist is returned for names with no live file.
	ErrNotExist = errors.New("flashfs: file does not exist")

	// ErrNoSpace is returned when no contiguous run of free blocks is large
	// enough for the file.
	ErrNoSpace = errors.New("flashfs: no space left on volume")

	// ErrNameTooLong is returned for names longer than MaxNameLen bytes.
	ErrNameTooLong = errors.New("flashfs: file name too long")

	// ErrInvalidName is returned for empty names.
	ErrInvalidName = errors.New("flashfs: invalid file name")

	// ErrNotFormatted is returned by Mount when neither volume header copy
	// verifies.
	ErrNotFormatted = errors.New("flashfs: volume not formatted")

	// ErrCorrupted is returned when the volume header does not match the
	// device geometry or a live file fails verification on read.
	ErrCorrupted = errors.New("flashfs: volume corrupted")
)
