package ota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/marmos91/flashkv/pkg/flash"
	"github.com/marmos91/flashkv/pkg/flashfs"
)

// StateFile is the flashfs file holding the persisted update record.
const StateFile = "ota_state"

// ImageState is the lifecycle state of the most recent firmware image.
type ImageState int

const (
	StateUnknown ImageState = iota
	StateTesting
	StateAccepted
	StateRejected
	StateAborted
)

var imageStateNames = map[ImageState]string{
	StateUnknown:  "unknown",
	StateTesting:  "testing",
	StateAccepted: "accepted",
	StateRejected: "rejected",
	StateAborted:  "aborted",
}

func (s ImageState) String() string {
	if name, ok := imageStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("ImageState(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s ImageState) MarshalText() ([]byte, error) {
	name, ok := imageStateNames[s]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrBadImageState, int(s))
	}
	return []byte(name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *ImageState) UnmarshalText(text []byte) error {
	st, err := ParseImageState(string(text))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// ParseImageState parses a state name, case-insensitively.
func ParseImageState(name string) (ImageState, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for st, n := range imageStateNames {
		if n == name {
			return st, nil
		}
	}
	return StateUnknown, fmt.Errorf("%w: %q", ErrBadImageState, name)
}

// PlatformState is the bootloader's view of the image.
type PlatformState int

const (
	PlatformUnknown PlatformState = iota
	PlatformValid
	PlatformInvalid
	PlatformPendingCommit
)

func (p PlatformState) String() string {
	switch p {
	case PlatformValid:
		return "valid"
	case PlatformInvalid:
		return "invalid"
	case PlatformPendingCommit:
		return "pending_commit"
	default:
		return "unknown"
	}
}

// Platform maps an image state to the platform state. An image with no
// recorded state is assumed to be a factory image and therefore valid.
func (s ImageState) Platform() PlatformState {
	switch s {
	case StateTesting:
		return PlatformPendingCommit
	case StateAccepted, StateUnknown:
		return PlatformValid
	case StateRejected, StateAborted:
		return PlatformInvalid
	default:
		return PlatformUnknown
	}
}

// Record is the persisted update record.
type Record struct {
	State     ImageState `json:"state"`
	Session   string     `json:"session,omitempty"`
	Version   string     `json:"version,omitempty"`
	Previous  string     `json:"previous,omitempty"`
	Bank      flash.Bank `json:"bank"`
	Size      uint32     `json:"size,omitempty"`
	SHA256    string     `json:"sha256,omitempty"`
	Staged    bool       `json:"staged"`
	UpdatedAt time.Time  `json:"updated_at"`

	// Images holds the version programmed into each bank, empty when the
	// bank holds no verified image.
	Images [2]string `json:"images"`
}

// ImageVersion returns the version recorded for bank b.
func (r Record) ImageVersion(b flash.Bank) string {
	if int(b) >= len(r.Images) {
		return ""
	}
	return r.Images[b]
}

// ReadRecord loads the persisted update record. A missing record reads as
// StateUnknown.
func ReadRecord(ctx context.Context, files Files) (Record, error) {
	return loadRecord(ctx, files)
}

// Files is the filesystem the record is kept on.
type Files interface {
	ReadFile(ctx context.Context, name string) ([]byte, error)
	WriteFile(ctx context.Context, name string, data []byte) error
}

func loadRecord(ctx context.Context, files Files) (Record, error) {
	data, err := files.ReadFile(ctx, StateFile)
	if errors.Is(err, flashfs.ErrNotExist) {
		return Record{State: StateUnknown}, nil
	}
	if err != nil {
		return Record{}, fmt.Errorf("read update record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("%w: decode update record: %w", ErrCorruptRecord, err)
	}
	return rec, nil
}

func saveRecord(ctx context.Context, files Files, rec Record) error {
	rec.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode update record: %w", err)
	}
	if err := files.WriteFile(ctx, StateFile, data); err != nil {
		return fmt.Errorf("write update record: %w", err)
	}
	return nil
}
