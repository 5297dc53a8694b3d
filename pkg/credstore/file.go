package credstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/marmos91/flashkv/internal/logger"
	"github.com/marmos91/flashkv/pkg/flashfs"
)

// Files is the subset of the flash filesystem the file store needs.
type Files interface {
	ReadFile(ctx context.Context, name string) ([]byte, error)
	WriteFile(ctx context.Context, name string, data []byte) error
	Remove(ctx context.Context, name string) error
	Stat(ctx context.Context, name string) (flashfs.FileInfo, error)
}

// FileStore keeps one file per object on the flash filesystem, named by
// the object label.
type FileStore struct {
	mu     sync.Mutex
	fs     Files
	closed bool
}

// NewFileStore returns a store over fs.
func NewFileStore(fs Files) *FileStore {
	return &FileStore{fs: fs}
}

func (s *FileStore) check() error {
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Provision validates and stores data under the label of kind.
func (s *FileStore) Provision(ctx context.Context, kind Kind, data []byte) error {
	if err := Validate(kind, data); err != nil {
		logger.Warn("credential rejected", logger.KeyLabel, kind.Label(), logger.Err(err))
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}

	if err := s.fs.WriteFile(ctx, kind.Label(), bytes.TrimRight(data, "\x00")); err != nil {
		return fmt.Errorf("store %s: %w", kind, err)
	}
	logger.Info("credential provisioned", logger.KeyLabel, kind.Label(), logger.Size(len(data)))
	return nil
}

// Find returns the handle of label if its object exists.
func (s *FileStore) Find(ctx context.Context, label string) (Handle, error) {
	k, err := lookupLabel(label)
	if err != nil {
		return InvalidHandle, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return InvalidHandle, err
	}

	if _, err := s.fs.Stat(ctx, k.Label()); err != nil {
		if errors.Is(err, flashfs.ErrNotExist) {
			return InvalidHandle, fmt.Errorf("%w: %s", ErrNotFound, label)
		}
		return InvalidHandle, err
	}
	return k.Handle(), nil
}

// Read returns the object behind h.
func (s *FileStore) Read(ctx context.Context, h Handle) ([]byte, error) {
	k, err := h.Kind()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	data, err := s.fs.ReadFile(ctx, k.Label())
	if err != nil {
		if errors.Is(err, flashfs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, k)
		}
		return nil, err
	}
	return data, nil
}

// Destroy removes the object behind h.
func (s *FileStore) Destroy(ctx context.Context, h Handle) error {
	k, err := h.Kind()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}

	if err := s.fs.Remove(ctx, k.Label()); err != nil {
		if errors.Is(err, flashfs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, k)
		}
		return err
	}
	return nil
}

// Close marks the store closed. The filesystem stays mounted.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ Store = (*FileStore)(nil)
