// Package ota stages firmware images into the inactive bank of a dual-bank
// device, activates them, and decides after reboot whether to keep or roll
// back the new image.
package ota

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/hashicorp/go-version"

	"github.com/marmos91/flashkv/internal/logger"
	"github.com/marmos91/flashkv/internal/telemetry"
	"github.com/marmos91/flashkv/pkg/flash"
)

var (
	ErrInvalidLayout   = errors.New("ota: invalid bank layout")
	ErrInvalidManifest = errors.New("ota: invalid manifest")
	ErrSessionActive   = errors.New("ota: update session already active")
	ErrSessionClosed   = errors.New("ota: update session closed")
	ErrOutOfBounds     = errors.New("ota: write outside image")
	ErrIncomplete      = errors.New("ota: image incomplete")
	ErrDigestMismatch  = errors.New("ota: image digest mismatch")
	ErrNotStaged       = errors.New("ota: no staged image")
	ErrBadImageState   = errors.New("ota: bad image state")
	ErrCommitFailed    = errors.New("ota: image not pending commit")
	ErrCorruptRecord   = errors.New("ota: corrupt update record")
)

// readChunk bounds the buffer used when hashing a staged image.
const readChunk = 4096

// Flash is the firmware flash access the updater needs.
// *fwup.Wrapper implements it.
type Flash interface {
	Erase(ctx context.Context, addr uint32, blocks uint32) error
	Write(ctx context.Context, src []byte, dest uint32) error
	Read(dst []byte, src uint32) error
	EraseBlockSize(addr uint32) (uint32, error)
	SelectedBank() (flash.Bank, error)
	BankSwap(ctx context.Context) error
}

// Layout places the two firmware banks.
type Layout struct {
	Banks     [2]uint32 `mapstructure:"banks" yaml:"banks" json:"banks"`
	BankSize  uint32    `mapstructure:"bank_size" yaml:"bank_size" json:"bank_size"`
	BlockSize uint32    `mapstructure:"block_size" yaml:"block_size" json:"block_size"`
}

// Validate checks the layout for consistency.
func (l Layout) Validate() error {
	if l.BlockSize == 0 || l.BankSize == 0 || l.BankSize%l.BlockSize != 0 {
		return fmt.Errorf("%w: bank size %d is not a multiple of block size %d",
			ErrInvalidLayout, l.BankSize, l.BlockSize)
	}
	lo, hi := l.Banks[0], l.Banks[1]
	if lo > hi {
		lo, hi = hi, lo
	}
	if uint64(lo)+uint64(l.BankSize) > uint64(hi) {
		return fmt.Errorf("%w: banks at 0x%08x and 0x%08x overlap", ErrInvalidLayout, l.Banks[0], l.Banks[1])
	}
	return nil
}

// Manifest describes an incoming image.
type Manifest struct {
	Version string `json:"version"`
	Size    uint32 `json:"size"`
	SHA256  string `json:"sha256"`
}

func (m Manifest) digest() ([]byte, error) {
	sum, err := hex.DecodeString(m.SHA256)
	if err != nil || len(sum) != sha256.Size {
		return nil, fmt.Errorf("%w: sha256 must be %d hex bytes", ErrInvalidManifest, sha256.Size)
	}
	return sum, nil
}

// Status is a snapshot of the updater.
type Status struct {
	Running       string        `json:"running"`
	SelectedBank  flash.Bank    `json:"selected_bank"`
	State         ImageState    `json:"state"`
	PlatformState string        `json:"platform_state"`
	Record        Record        `json:"record"`
	Session       *SessionState `json:"session,omitempty"`
}

// SessionState describes the active session.
type SessionState struct {
	ID      string     `json:"id"`
	Version string     `json:"version"`
	Bank    flash.Bank `json:"bank"`
	Size    uint32     `json:"size"`
	Written uint32     `json:"written"`
}

// Updater drives firmware updates. It allows one session at a time.
type Updater struct {
	mu      sync.Mutex
	flash   Flash
	files   Files
	layout  Layout
	running *version.Version
	session *Session
}

// New creates an updater. running is the version of the firmware currently
// executing.
func New(f Flash, files Files, layout Layout, running string) (*Updater, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	v, err := version.NewVersion(running)
	if err != nil {
		return nil, fmt.Errorf("running version %q: %w", running, err)
	}
	return &Updater{flash: f, files: files, layout: layout, running: v}, nil
}

// Running returns the version of the executing firmware.
func (u *Updater) Running() string {
	return u.running.Original()
}

// Status returns the persisted record plus the active session, if any.
func (u *Updater) Status(ctx context.Context) (Status, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	rec, err := loadRecord(ctx, u.files)
	if err != nil {
		return Status{}, err
	}
	bank, err := u.flash.SelectedBank()
	if err != nil {
		return Status{}, err
	}

	st := Status{
		Running:       u.running.Original(),
		SelectedBank:  bank,
		State:         rec.State,
		PlatformState: rec.State.Platform().String(),
		Record:        rec,
	}
	if s := u.session; s != nil {
		st.Session = &SessionState{
			ID:      s.id.String(),
			Version: s.manifest.Version,
			Bank:    s.bank,
			Size:    s.manifest.Size,
			Written: s.written.Load(),
		}
	}
	return st, nil
}

// Begin opens an update session and erases the inactive bank to make room
// for the image.
func (u *Updater) Begin(ctx context.Context, m Manifest) (*Session, error) {
	if _, err := version.NewVersion(m.Version); err != nil {
		return nil, fmt.Errorf("%w: version %q: %w", ErrInvalidManifest, m.Version, err)
	}
	sum, err := m.digest()
	if err != nil {
		return nil, err
	}
	if m.Size == 0 || m.Size > u.layout.BankSize {
		return nil, fmt.Errorf("%w: size %d does not fit a %d byte bank", ErrInvalidManifest, m.Size, u.layout.BankSize)
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if u.session != nil {
		return nil, ErrSessionActive
	}

	selected, err := u.flash.SelectedBank()
	if err != nil {
		return nil, err
	}
	target := selected.Other()

	s := &Session{
		u:        u,
		id:       uuid.New(),
		manifest: m,
		sum:      sum,
		bank:     target,
		base:     u.layout.Banks[target],
	}

	ctx, span := telemetry.StartUpdateSpan(ctx, "begin", s.id.String(),
		telemetry.UpdateVersion(m.Version), telemetry.UpdateSize(m.Size), telemetry.FlashBank(int(target)))
	defer span.End()

	units, err := u.eraseUnits(s.base, m.Size)
	if err != nil {
		telemetry.RecordError(ctx, err)
		return nil, err
	}
	if err := u.flash.Erase(ctx, s.base, units); err != nil {
		telemetry.RecordError(ctx, err)
		return nil, fmt.Errorf("erase bank %d: %w", target, err)
	}

	u.session = s
	logger.InfoCtx(ctx, "update session started",
		logger.KeySessionID, s.id.String(),
		logger.KeyVersion, m.Version,
		logger.KeyBank, int(target),
		logger.KeySize, m.Size)
	return s, nil
}

// eraseUnits converts size bytes at base into a count of the peripheral's
// erase units. The rounded-up span must stay inside the bank.
func (u *Updater) eraseUnits(base, size uint32) (uint32, error) {
	gran, err := u.flash.EraseBlockSize(base)
	if err != nil {
		return 0, err
	}
	units := (size + gran - 1) / gran
	if uint64(units)*uint64(gran) > uint64(u.layout.BankSize) {
		return 0, fmt.Errorf("%w: %d byte erase units at 0x%08x overrun the %d byte bank",
			ErrInvalidLayout, gran, base, u.layout.BankSize)
	}
	return units, nil
}

// Session returns the active session, or nil.
func (u *Updater) Session() *Session {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.session
}

// Activate marks the staged image as under test and swaps banks. On real
// hardware the swap resets the device and Activate does not return.
func (u *Updater) Activate(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.session != nil {
		return ErrSessionActive
	}
	rec, err := loadRecord(ctx, u.files)
	if err != nil {
		return err
	}
	if !rec.Staged {
		return ErrNotStaged
	}

	ctx, span := telemetry.StartUpdateSpan(ctx, "activate", rec.Session, telemetry.UpdateVersion(rec.Version))
	defer span.End()

	rec.State = StateTesting
	rec.Staged = false
	rec.Previous = u.running.Original()
	if err := saveRecord(ctx, u.files, rec); err != nil {
		return err
	}

	logger.InfoCtx(ctx, "activating staged image",
		logger.KeySessionID, rec.Session,
		logger.KeyVersion, rec.Version,
		logger.KeyBank, int(rec.Bank))

	if err := u.flash.BankSwap(ctx); err != nil {
		telemetry.RecordError(ctx, err)
		return fmt.Errorf("activate: %w", err)
	}
	return nil
}

// SelfTest checks the freshly booted image.
type SelfTest func(ctx context.Context) error

// VerifyBoot runs after a reboot into an image under test. running is the
// version now executing. A newer image is accepted when selfTest passes, a
// reinstall of the same version likewise, and an older image is rejected
// outright. A rejected image is rolled back by swapping banks again.
// With no image under test it only records running and returns the
// recorded state untouched.
func (u *Updater) VerifyBoot(ctx context.Context, running string, selfTest SelfTest) (ImageState, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	now, err := version.NewVersion(running)
	if err != nil {
		return StateUnknown, fmt.Errorf("running version %q: %w", running, err)
	}
	u.running = now

	rec, err := loadRecord(ctx, u.files)
	if err != nil {
		return StateUnknown, err
	}
	if rec.State != StateTesting {
		return rec.State, nil
	}

	ctx, span := telemetry.StartUpdateSpan(ctx, "verify_boot", rec.Session, telemetry.UpdateVersion(running))
	defer span.End()

	verdict := StateRejected
	reason := ""
	prev, perr := version.NewVersion(rec.Previous)
	switch {
	case perr != nil:
		reason = fmt.Sprintf("unparseable previous version %q", rec.Previous)
	case now.LessThan(prev):
		reason = fmt.Sprintf("version %s is older than %s", now, prev)
	default:
		if selfTest != nil {
			if err := selfTest(ctx); err != nil {
				reason = fmt.Sprintf("self test failed: %v", err)
				break
			}
		}
		verdict = StateAccepted
	}

	telemetry.SetAttributes(ctx, telemetry.ImageState(verdict.String()))
	if err := u.setState(ctx, &rec, verdict); err != nil {
		return rec.State, err
	}

	if verdict == StateAccepted {
		logger.InfoCtx(ctx, "image accepted", logger.KeyVersion, running, logger.KeySessionID, rec.Session)
		return verdict, nil
	}

	logger.WarnCtx(ctx, "image rejected, rolling back",
		logger.KeyVersion, running,
		logger.KeySessionID, rec.Session,
		logger.KeyError, reason)
	if err := u.flash.BankSwap(ctx); err != nil {
		telemetry.RecordError(ctx, err)
		return verdict, fmt.Errorf("roll back: %w", err)
	}
	return verdict, nil
}

// SetImageState records a new image state. Accepted is only reachable from
// Testing; on refusal the recorded state is left unchanged.
func (u *Updater) SetImageState(ctx context.Context, state ImageState) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	rec, err := loadRecord(ctx, u.files)
	if err != nil {
		return err
	}
	return u.setState(ctx, &rec, state)
}

// ImageState returns the recorded image state.
func (u *Updater) ImageState(ctx context.Context) (ImageState, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	rec, err := loadRecord(ctx, u.files)
	if err != nil {
		return StateUnknown, err
	}
	return rec.State, nil
}

func (u *Updater) setState(ctx context.Context, rec *Record, state ImageState) error {
	if _, ok := imageStateNames[state]; !ok || state == StateUnknown {
		return fmt.Errorf("%w: %s", ErrBadImageState, state)
	}
	if state == StateAccepted && rec.State != StateTesting {
		logger.ErrorCtx(ctx, "image not pending commit, refusing to accept", logger.KeyState, rec.State.String())
		return fmt.Errorf("%w: state is %s", ErrCommitFailed, rec.State)
	}

	rec.State = state
	if err := saveRecord(ctx, u.files, *rec); err != nil {
		return err
	}
	logger.InfoCtx(ctx, "image state changed", logger.KeyState, state.String())
	return nil
}

// Session is one in-progress image transfer.
type Session struct {
	u        *Updater
	id       uuid.UUID
	manifest Manifest
	sum      []byte
	bank     flash.Bank
	base     uint32

	mu      sync.Mutex
	written atomic.Uint32
	closed  bool
}

// ID returns the session identifier.
func (s *Session) ID() uuid.UUID { return s.id }

// Bank returns the bank being written.
func (s *Session) Bank() flash.Bank { return s.bank }

// Manifest returns the manifest the session was opened with.
func (s *Session) Manifest() Manifest { return s.manifest }

// Write programs data at offset off of the image. Blocks may arrive in any
// order; each byte range should be written once.
func (s *Session) Write(ctx context.Context, off uint32, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if uint64(off)+uint64(len(data)) > uint64(s.manifest.Size) {
		return fmt.Errorf("%w: [%d, %d) past size %d", ErrOutOfBounds, off, uint64(off)+uint64(len(data)), s.manifest.Size)
	}
	if len(data) == 0 {
		return nil
	}
	if err := s.u.flash.Write(ctx, data, s.base+off); err != nil {
		return fmt.Errorf("write image at %d: %w", off, err)
	}
	s.written.Add(uint32(len(data)))
	return nil
}

// Finalize reads the image back from flash and checks its digest. A
// matching image is recorded as staged; a mismatch records the image as
// rejected. The session ends either way.
func (s *Session) Finalize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if w := s.written.Load(); w < s.manifest.Size {
		return fmt.Errorf("%w: %d of %d bytes written", ErrIncomplete, w, s.manifest.Size)
	}

	ctx, span := telemetry.StartUpdateSpan(ctx, "finalize", s.id.String(), telemetry.UpdateSize(s.manifest.Size))
	defer span.End()

	got, err := s.digest()
	if err != nil {
		telemetry.RecordError(ctx, err)
		return err
	}

	rec := Record{
		Session: s.id.String(),
		Version: s.manifest.Version,
		Bank:    s.bank,
		Size:    s.manifest.Size,
		SHA256:  s.manifest.SHA256,
	}

	u := s.u
	u.mu.Lock()
	defer u.mu.Unlock()
	s.closed = true
	u.session = nil

	prev, err := loadRecord(ctx, u.files)
	if err != nil {
		return err
	}
	rec.Previous = prev.Previous
	rec.Images = prev.Images

	if !bytes.Equal(got, s.sum) {
		rec.State = StateRejected
		rec.Images[s.bank] = ""
		if err := saveRecord(ctx, u.files, rec); err != nil {
			return err
		}
		logger.WarnCtx(ctx, "image digest mismatch",
			logger.KeySessionID, s.id.String(),
			logger.KeyVersion, s.manifest.Version)
		return fmt.Errorf("%w: got %x", ErrDigestMismatch, got)
	}

	rec.State = prev.State
	rec.Staged = true
	rec.Images[s.bank] = s.manifest.Version
	if err := saveRecord(ctx, u.files, rec); err != nil {
		return err
	}
	logger.InfoCtx(ctx, "image staged",
		logger.KeySessionID, s.id.String(),
		logger.KeyVersion, s.manifest.Version,
		logger.KeyBank, int(s.bank))
	return nil
}

func (s *Session) digest() ([]byte, error) {
	h := sha256.New()
	buf := make([]byte, readChunk)
	for off := uint32(0); off < s.manifest.Size; {
		n := min(uint32(len(buf)), s.manifest.Size-off)
		if err := s.u.flash.Read(buf[:n], s.base+off); err != nil {
			return nil, fmt.Errorf("read back image at %d: %w", off, err)
		}
		h.Write(buf[:n])
		off += n
	}
	return h.Sum(nil), nil
}

// Abort ends the session and records the image as aborted. The partially
// written bank is left as is; the next Begin erases it.
func (s *Session) Abort(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}

	u := s.u
	u.mu.Lock()
	defer u.mu.Unlock()
	s.closed = true
	u.session = nil

	rec, err := loadRecord(ctx, u.files)
	if err != nil {
		return err
	}
	rec.Staged = false
	rec.Session = s.id.String()
	rec.Version = s.manifest.Version
	rec.Images[s.bank] = ""
	if err := u.setState(ctx, &rec, StateAborted); err != nil {
		return err
	}
	logger.InfoCtx(ctx, "update session aborted", logger.KeySessionID, s.id.String())
	return nil
}
