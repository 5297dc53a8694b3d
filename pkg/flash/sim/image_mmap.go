// image_mmap.go keeps a simulated flash image in a memory-mapped file so
// that flash contents and bank state survive process restarts.
//
// File Format:
//
//	Header (64 bytes):
//	  - Magic: "FKVI" (4 bytes)
//	  - Version: uint16 (2 bytes)
//	  - Selected bank: uint8 (1 byte)
//	  - Running bank: uint8 (1 byte)
//	  - Reset count: uint32 (4 bytes)
//	  - Data size: uint64 (8 bytes)
//	  - Reserved: 44 bytes
//
//	Data (Data size bytes): flash cells, regions back to back.

package sim

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/marmos91/flashkv/pkg/flash"
)

// ImageFormatVersion is the on-disk layout version written to new images.
const ImageFormatVersion = 1

const (
	imageMagic      = "FKVI"
	imageVersion    = uint16(ImageFormatVersion)
	imageHeaderSize = 64
)

// FileImage is an Image backed by an mmap'd file.
type FileImage struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	mapped []byte // whole file
	size   uint32 // data size
	state  BankState
	closed bool
}

// OpenFileImage opens the image at path, creating an erased one of size
// bytes if the file does not exist. An existing file must hold exactly
// size data bytes.
func OpenFileImage(path string, size uint32) (*FileImage, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	img := &FileImage{path: path, size: size}

	if _, err := os.Stat(path); err == nil {
		if err := img.openExisting(); err != nil {
			return nil, err
		}
		return img, nil
	}

	if err := img.createNew(); err != nil {
		return nil, err
	}
	return img, nil
}

func (f *FileImage) createNew() error {
	fd, err := os.OpenFile(f.path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}

	total := imageHeaderSize + int(f.size)
	if err := fd.Truncate(int64(total)); err != nil {
		fd.Close()
		return fmt.Errorf("truncate file: %w", err)
	}

	mapped, err := unix.Mmap(int(fd.Fd()), 0, total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		fd.Close()
		return fmt.Errorf("mmap: %w", err)
	}

	f.file = fd
	f.mapped = mapped

	data := f.mapped[imageHeaderSize:]
	for i := range data {
		data[i] = ErasedByte
	}
	f.writeHeader()

	return unix.Msync(f.mapped, unix.MS_SYNC)
}

func (f *FileImage) openExisting() error {
	fd, err := os.OpenFile(f.path, os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}

	info, err := fd.Stat()
	if err != nil {
		fd.Close()
		return fmt.Errorf("stat file: %w", err)
	}
	if info.Size() < imageHeaderSize {
		fd.Close()
		return ErrCorrupted
	}

	mapped, err := unix.Mmap(int(fd.Fd()), 0, int(info.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		fd.Close()
		return fmt.Errorf("mmap: %w", err)
	}

	f.file = fd
	f.mapped = mapped

	if string(mapped[0:4]) != imageMagic {
		f.closeLocked()
		return ErrCorrupted
	}
	if binary.LittleEndian.Uint16(mapped[4:6]) != imageVersion {
		f.closeLocked()
		return ErrVersionMismatch
	}
	dataSize := binary.LittleEndian.Uint64(mapped[12:20])
	if dataSize != uint64(f.size) || info.Size() != int64(imageHeaderSize)+int64(dataSize) {
		f.closeLocked()
		return fmt.Errorf("%w: file holds %d bytes, regions need %d", ErrGeometryMismatch, dataSize, f.size)
	}

	f.state = BankState{
		Selected: flash.Bank(mapped[6] & 1),
		Running:  flash.Bank(mapped[7] & 1),
		Resets:   binary.LittleEndian.Uint32(mapped[8:12]),
	}
	return nil
}

func (f *FileImage) writeHeader() {
	copy(f.mapped[0:4], imageMagic)
	binary.LittleEndian.PutUint16(f.mapped[4:6], imageVersion)
	f.mapped[6] = byte(f.state.Selected)
	f.mapped[7] = byte(f.state.Running)
	binary.LittleEndian.PutUint32(f.mapped[8:12], f.state.Resets)
	binary.LittleEndian.PutUint64(f.mapped[12:20], uint64(f.size))
}

// Bytes returns the mapped cell array.
func (f *FileImage) Bytes() []byte {
	return f.mapped[imageHeaderSize:]
}

// State returns the persisted bank state.
func (f *FileImage) State() BankState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// SetState persists s in the header and flushes it synchronously, since a
// reset is expected to follow.
func (f *FileImage) SetState(s BankState) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrImageClosed
	}
	f.state = s
	f.writeHeader()
	return unix.Msync(f.mapped[:imageHeaderSize], unix.MS_SYNC)
}

// Sync schedules the mapped pages for write-back.
func (f *FileImage) Sync() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrImageClosed
	}
	if err := unix.Msync(f.mapped, unix.MS_ASYNC); err != nil {
		return fmt.Errorf("msync: %w", err)
	}
	return nil
}

// Close flushes and unmaps the image.
func (f *FileImage) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeLocked()
}

func (f *FileImage) closeLocked() error {
	if f.closed {
		return nil
	}
	f.closed = true

	if f.mapped != nil {
		_ = unix.Msync(f.mapped, unix.MS_SYNC)
		if err := unix.Munmap(f.mapped); err != nil {
			return fmt.Errorf("munmap: %w", err)
		}
		f.mapped = nil
	}

	if f.file != nil {
		if err := f.file.Close(); err != nil {
			return fmt.Errorf("close file: %w", err)
		}
		f.file = nil
	}
	return nil
}

var _ Image = (*FileImage)(nil)
