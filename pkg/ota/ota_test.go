package ota

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/flashkv/pkg/blockdev"
	"github.com/marmos91/flashkv/pkg/flash"
	"github.com/marmos91/flashkv/pkg/flash/sim"
	"github.com/marmos91/flashkv/pkg/flashfs"
	"github.com/marmos91/flashkv/pkg/fwup"
)

var testLayout = Layout{
	Banks:     [2]uint32{0x00200000, 0x00240000},
	BankSize:  256 * 1024,
	BlockSize: 4096,
}

type fixture struct {
	dev *sim.Device
	fw  *fwup.Wrapper
	fs  *flashfs.FS
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithRegions(t, sim.DefaultRegions())
}

func newFixtureWithRegions(t *testing.T, regions []sim.Region) *fixture {
	t.Helper()

	dev, err := sim.New(sim.Config{Regions: regions}, sim.NewMemoryImage(sim.ImageSize(regions)))
	require.NoError(t, err)

	s := flash.New(dev)
	fw := fwup.New(s, dev)
	require.NoError(t, fw.Open())
	t.Cleanup(func() { _ = fw.Close() })

	bd, err := blockdev.Open(s, blockdev.DefaultGeometry())
	require.NoError(t, err)
	fs, err := flashfs.Format(context.Background(), bd)
	require.NoError(t, err)

	return &fixture{dev: dev, fw: fw, fs: fs}
}

func (f *fixture) updater(t *testing.T, running string) *Updater {
	t.Helper()
	u, err := New(f.fw, f.fs, testLayout, running)
	require.NoError(t, err)
	return u
}

func testImage(t *testing.T, n int, ver string) ([]byte, Manifest) {
	t.Helper()
	img := make([]byte, n)
	_, err := rand.Read(img)
	require.NoError(t, err)
	sum := sha256.Sum256(img)
	return img, Manifest{Version: ver, Size: uint32(n), SHA256: hex.EncodeToString(sum[:])}
}

// stage runs a full transfer of img and finalizes it.
func stage(t *testing.T, u *Updater, img []byte, m Manifest) *Session {
	t.Helper()
	ctx := context.Background()

	s, err := u.Begin(ctx, m)
	require.NoError(t, err)

	half := uint32(len(img) / 2)
	require.NoError(t, s.Write(ctx, half, img[half:]))
	require.NoError(t, s.Write(ctx, 0, img[:half]))
	require.NoError(t, s.Finalize(ctx))
	return s
}

func TestUpdater_StageActivateAccept(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	u := f.updater(t, "1.0.0")

	var resets int
	f.dev.OnReset(func(sim.BankState) { resets++ })

	img, m := testImage(t, 10000, "1.1.0")
	s := stage(t, u, img, m)
	assert.Equal(t, flash.Bank1, s.Bank())

	got := make([]byte, len(img))
	require.NoError(t, f.fw.Read(got, testLayout.Banks[1]))
	assert.Equal(t, img, got)

	st, err := u.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Record.Staged)
	assert.Nil(t, st.Session)
	assert.Equal(t, s.ID().String(), st.Record.Session)
	assert.Equal(t, "1.1.0", st.Record.ImageVersion(flash.Bank1))
	assert.Empty(t, st.Record.ImageVersion(flash.Bank0))

	require.NoError(t, u.Activate(ctx))
	assert.Equal(t, 1, resets)
	assert.Equal(t, flash.Bank1, f.dev.RunningBank())

	state, err := u.ImageState(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateTesting, state)
	assert.Equal(t, PlatformPendingCommit, state.Platform())

	// Reboot into the new image.
	after := f.updater(t, "1.1.0")
	state, err = after.VerifyBoot(ctx, "1.1.0", func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, StateAccepted, state)
	assert.Equal(t, 1, resets)
	assert.Equal(t, flash.Bank1, f.dev.RunningBank())

	// Nothing left to verify.
	state, err = after.VerifyBoot(ctx, "1.1.0", nil)
	require.NoError(t, err)
	assert.Equal(t, StateAccepted, state)
	assert.Equal(t, 1, resets)
}

func TestUpdater_VerifyBootRollsBack(t *testing.T) {
	tests := []struct {
		name     string
		staged   string
		selfTest SelfTest
		want     ImageState
	}{
		{"older version", "0.9.0", nil, StateRejected},
		{"self test fails", "2.0.0", func(context.Context) error { return errors.New("no network") }, StateRejected},
		{"same version passes", "1.0.0", func(context.Context) error { return nil }, StateAccepted},
		{"same version fails", "1.0.0", func(context.Context) error { return errors.New("boom") }, StateRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			u := f.updater(t, "1.0.0")

			img, m := testImage(t, 5000, tt.staged)
			stage(t, u, img, m)
			require.NoError(t, u.Activate(ctx))
			require.Equal(t, flash.Bank1, f.dev.RunningBank())

			state, err := f.updater(t, tt.staged).VerifyBoot(ctx, tt.staged, tt.selfTest)
			require.NoError(t, err)
			assert.Equal(t, tt.want, state)

			if tt.want == StateRejected {
				assert.Equal(t, flash.Bank0, f.dev.RunningBank())
			} else {
				assert.Equal(t, flash.Bank1, f.dev.RunningBank())
			}
		})
	}
}

func TestSession_DigestMismatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	u := f.updater(t, "1.0.0")

	img, m := testImage(t, 3000, "1.2.0")
	s, err := u.Begin(ctx, m)
	require.NoError(t, err)

	img[100] ^= 0xFF
	require.NoError(t, s.Write(ctx, 0, img))
	require.ErrorIs(t, s.Finalize(ctx), ErrDigestMismatch)

	state, err := u.ImageState(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateRejected, state)
	assert.Equal(t, PlatformInvalid, state.Platform())

	assert.ErrorIs(t, u.Activate(ctx), ErrNotStaged)
	assert.ErrorIs(t, s.Finalize(ctx), ErrSessionClosed)
	assert.Nil(t, u.Session())
}

func TestSession_Errors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	u := f.updater(t, "1.0.0")

	_, m := testImage(t, 1024, "1.0.1")

	bad := m
	bad.Version = "not a version"
	_, err := u.Begin(ctx, bad)
	assert.ErrorIs(t, err, ErrInvalidManifest)

	bad = m
	bad.SHA256 = "abcd"
	_, err = u.Begin(ctx, bad)
	assert.ErrorIs(t, err, ErrInvalidManifest)

	bad = m
	bad.Size = testLayout.BankSize + 1
	_, err = u.Begin(ctx, bad)
	assert.ErrorIs(t, err, ErrInvalidManifest)

	s, err := u.Begin(ctx, m)
	require.NoError(t, err)

	_, err = u.Begin(ctx, m)
	assert.ErrorIs(t, err, ErrSessionActive)
	assert.ErrorIs(t, u.Activate(ctx), ErrSessionActive)

	assert.ErrorIs(t, s.Write(ctx, 1000, make([]byte, 25)), ErrOutOfBounds)
	require.NoError(t, s.Write(ctx, 0, make([]byte, 512)))
	assert.ErrorIs(t, s.Finalize(ctx), ErrIncomplete)

	st, err := u.Status(ctx)
	require.NoError(t, err)
	require.NotNil(t, st.Session)
	assert.Equal(t, uint32(512), st.Session.Written)
	assert.Equal(t, s.ID().String(), st.Session.ID)
}

func TestSession_BeginErasesInactiveBank(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	u := f.updater(t, "1.0.0")

	require.NoError(t, f.fw.Write(ctx, []byte{0, 0, 0, 0}, testLayout.Banks[1]))

	_, m := testImage(t, 100, "1.0.1")
	_, err := u.Begin(ctx, m)
	require.NoError(t, err)

	got := make([]byte, 4)
	require.NoError(t, f.fw.Read(got, testLayout.Banks[1]))
	assert.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xFF}, got)
}

func TestSession_BeginErasesInEraseUnits(t *testing.T) {
	ctx := context.Background()
	regions := []sim.Region{
		sim.DefaultRegions()[0],
		{Name: "code", Base: 0x00200000, Size: 512 * 1024, EraseBlock: 8192},
	}
	f := newFixtureWithRegions(t, regions)
	require.NoError(t, f.dev.ToggleBank())

	running := make([]byte, 16)
	for i := range running {
		running[i] = 0x5A
	}
	require.NoError(t, f.fw.Write(ctx, running, testLayout.Banks[1]))

	u := f.updater(t, "1.0.0")
	_, m := testImage(t, int(testLayout.BankSize), "1.0.1")
	s, err := u.Begin(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, flash.Bank0, s.Bank())

	got := make([]byte, len(running))
	require.NoError(t, f.fw.Read(got, testLayout.Banks[1]))
	require.Equal(t, running, got, "running bank must survive staging into the other bank")
}

func TestSession_BeginEraseOverrunsBank(t *testing.T) {
	regions := []sim.Region{
		sim.DefaultRegions()[0],
		{Name: "code", Base: 0x00200000, Size: 512 * 1024, EraseBlock: 8192},
	}
	f := newFixtureWithRegions(t, regions)
	require.NoError(t, f.dev.ToggleBank())

	layout := testLayout
	layout.BankSize = 252 * 1024
	u, err := New(f.fw, f.fs, layout, "1.0.0")
	require.NoError(t, err)

	before, _ := f.dev.Counts()
	_, m := testImage(t, int(layout.BankSize), "1.0.1")
	_, err = u.Begin(context.Background(), m)
	assert.ErrorIs(t, err, ErrInvalidLayout)
	assert.Nil(t, u.Session())
	after, _ := f.dev.Counts()
	assert.Equal(t, before, after, "no erase may be issued")
}

func TestSession_BeginFlashFailure(t *testing.T) {
	f := newFixture(t)
	u := f.updater(t, "1.0.0")

	f.dev.FailNext(sim.OpErase, errors.New("write protected"))
	_, m := testImage(t, 100, "1.0.1")
	_, err := u.Begin(context.Background(), m)
	assert.ErrorIs(t, err, fwup.ErrFlash)
	assert.Nil(t, u.Session())
}

func TestSession_Abort(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	u := f.updater(t, "1.0.0")

	_, m := testImage(t, 100, "1.0.1")
	s, err := u.Begin(ctx, m)
	require.NoError(t, err)
	require.NoError(t, s.Abort(ctx))

	state, err := u.ImageState(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateAborted, state)
	assert.ErrorIs(t, s.Write(ctx, 0, []byte{1}), ErrSessionClosed)
	assert.ErrorIs(t, s.Abort(ctx), ErrSessionClosed)

	// A new session can start after an abort.
	_, err = u.Begin(ctx, m)
	assert.NoError(t, err)
}

func TestUpdater_SetImageState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	u := f.updater(t, "1.0.0")

	err := u.SetImageState(ctx, StateAccepted)
	assert.ErrorIs(t, err, ErrCommitFailed)
	state, err := u.ImageState(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateUnknown, state)
	assert.Equal(t, PlatformValid, state.Platform())

	assert.ErrorIs(t, u.SetImageState(ctx, ImageState(42)), ErrBadImageState)

	require.NoError(t, u.SetImageState(ctx, StateTesting))
	require.NoError(t, u.SetImageState(ctx, StateAccepted))
	state, err = u.ImageState(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateAccepted, state)
}

func TestUpdater_CorruptRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	u := f.updater(t, "1.0.0")

	require.NoError(t, f.fs.WriteFile(ctx, StateFile, []byte("{not json")))
	_, err := u.ImageState(ctx)
	assert.ErrorIs(t, err, ErrCorruptRecord)
}

func TestImageState_Text(t *testing.T) {
	data, err := json.Marshal(Record{State: StateTesting, Bank: flash.Bank1})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"state":"testing"`)

	var rec Record
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, StateTesting, rec.State)

	st, err := ParseImageState(" Accepted ")
	require.NoError(t, err)
	assert.Equal(t, StateAccepted, st)

	_, err = ParseImageState("bogus")
	assert.ErrorIs(t, err, ErrBadImageState)
	assert.Equal(t, "ImageState(9)", ImageState(9).String())
}

func TestLayout_Validate(t *testing.T) {
	require.NoError(t, testLayout.Validate())

	l := testLayout
	l.BankSize = 1000
	assert.ErrorIs(t, l.Validate(), ErrInvalidLayout)

	l = testLayout
	l.Banks[1] = l.Banks[0] + 4096
	assert.ErrorIs(t, l.Validate(), ErrInvalidLayout)

	_, err := New(nil, nil, Layout{}, "1.0.0")
	assert.ErrorIs(t, err, ErrInvalidLayout)

	_, err = New(nil, nil, testLayout, "x.y")
	assert.Error(t, err)
}
