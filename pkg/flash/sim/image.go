package sim

import (
	"errors"
	"sync"

	"github.com/marmos91/flashkv/pkg/flash"
)

// Image errors
var (
	// ErrImageClosed is returned when an image is used after Close.
	ErrImageClosed = errors.New("flash image is closed")

	// ErrCorrupted is returned when an image file header is unreadable.
	ErrCorrupted = errors.New("flash image corrupted")

	// ErrVersionMismatch is returned when the image file version differs.
	ErrVersionMismatch = errors.New("flash image version mismatch")

	// ErrGeometryMismatch is returned when an existing image file does not
	// have the size the configured regions require.
	ErrGeometryMismatch = errors.New("flash image size does not match regions")
)

// BankState is the persistent dual-bank control state of the device.
type BankState struct {
	Selected flash.Bank // bank named by the bank-select register
	Running  flash.Bank // bank the device booted from
	Resets   uint32
}

// Image is the backing store of a simulated device: the raw flash cells
// plus the bank control state that survives a reset.
type Image interface {
	// Bytes returns the cell array. Callers hold the device lock.
	Bytes() []byte
	State() BankState
	SetState(BankState) error
	Sync() error
	Close() error
}

// memoryImage is an Image kept in process memory.
type memoryImage struct {
	mu     sync.Mutex
	data   []byte
	state  BankState
	closed bool
}

// NewMemoryImage returns an erased in-memory image of size bytes.
func NewMemoryImage(size uint32) Image {
	data := make([]byte, size)
	for i := range data {
		data[i] = ErasedByte
	}
	return &memoryImage{data: data}
}

func (m *memoryImage) Bytes() []byte {
	return m.data
}

func (m *memoryImage) State() BankState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *memoryImage) SetState(s BankState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrImageClosed
	}
	m.state = s
	return nil
}

func (m *memoryImage) Sync() error {
	return nil
}

func (m *memoryImage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
