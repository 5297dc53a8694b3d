package flashfs

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/flashkv/pkg/blockdev"
	"github.com/marmos91/flashkv/pkg/flash"
	"github.com/marmos91/flashkv/pkg/flash/sim"
)

type rig struct {
	periph *sim.Device
	dev    *blockdev.Device
}

func newRig(t *testing.T, blocks uint32) *rig {
	t.Helper()

	regions := []sim.Region{{Name: "data", Base: blockdev.DefaultBase, Size: 128 * blocks, EraseBlock: 64}}
	periph, err := sim.New(sim.Config{Regions: regions}, sim.NewMemoryImage(sim.ImageSize(regions)))
	require.NoError(t, err)

	s := flash.New(periph)
	require.NoError(t, s.Open())
	t.Cleanup(func() { _ = s.Close() })

	geo := blockdev.DefaultGeometry()
	geo.BlockCount = blocks
	dev, err := blockdev.Open(s, geo)
	require.NoError(t, err)
	return &rig{periph: periph, dev: dev}
}

func TestMount_Unformatted(t *testing.T) {
	r := newRig(t, 32)

	_, err := Mount(context.Background(), r.dev)
	assert.ErrorIs(t, err, ErrNotFormatted)

	fs, formatted, err := MountOrFormat(context.Background(), r.dev)
	require.NoError(t, err)
	assert.True(t, formatted)

	_, formatted, err = MountOrFormat(context.Background(), r.dev)
	require.NoError(t, err)
	assert.False(t, formatted)

	again, err := Mount(context.Background(), r.dev)
	require.NoError(t, err)
	assert.Equal(t, fs.ID(), again.ID())
}

func TestFS_WriteReadList(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, 32)
	fs, err := Format(ctx, r.dev)
	require.NoError(t, err)

	big := bytes.Repeat([]byte("x"), 300)
	require.NoError(t, fs.WriteFile(ctx, "mqtt_endpoint.dat", []byte("broker.example.com")))
	require.NoError(t, fs.WriteFile(ctx, "big", big))
	require.NoError(t, fs.WriteFile(ctx, "empty", nil))

	got, err := fs.ReadFile(ctx, "mqtt_endpoint.dat")
	require.NoError(t, err)
	assert.Equal(t, "broker.example.com", string(got))

	got, err = fs.ReadFile(ctx, "big")
	require.NoError(t, err)
	assert.Equal(t, big, got)

	got, err = fs.ReadFile(ctx, "empty")
	require.NoError(t, err)
	assert.Empty(t, got)

	info, err := fs.Stat(ctx, "big")
	require.NoError(t, err)
	assert.Equal(t, uint32(300), info.Size)
	assert.Equal(t, uint32(4), info.Blocks)

	list, err := fs.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "big", list[0].Name)
	assert.Equal(t, "empty", list[1].Name)

	u, err := fs.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(30), u.TotalBlocks)
	assert.Equal(t, uint32(2+4+1), u.UsedBlocks)
	assert.Equal(t, 3, u.Files)
}

func TestFS_RewriteAndRemount(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, 32)
	fs, err := Format(ctx, r.dev)
	require.NoError(t, err)

	for _, v := range []string{"one", "two", "three"} {
		require.NoError(t, fs.WriteFile(ctx, "name", []byte(v)))
	}
	u, err := fs.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), u.UsedBlocks)

	fs, err = Mount(ctx, r.dev)
	require.NoError(t, err)
	got, err := fs.ReadFile(ctx, "name")
	require.NoError(t, err)
	assert.Equal(t, "three", string(got))

	require.NoError(t, fs.WriteFile(ctx, "name", []byte("four")))
	info, err := fs.Stat(ctx, "name")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), info.Seq)
}

func TestFS_Remove(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, 32)
	fs, err := Format(ctx, r.dev)
	require.NoError(t, err)

	require.NoError(t, fs.WriteFile(ctx, "gone", []byte("soon")))
	require.NoError(t, fs.Remove(ctx, "gone"))

	_, err = fs.ReadFile(ctx, "gone")
	assert.ErrorIs(t, err, ErrNotExist)
	assert.ErrorIs(t, fs.Remove(ctx, "gone"), ErrNotExist)

	fs, err = Mount(ctx, r.dev)
	require.NoError(t, err)
	_, err = fs.Stat(ctx, "gone")
	assert.ErrorIs(t, err, ErrNotExist)
}

func TestFS_TornWriteKeepsPreviousVersion(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, 32)
	fs, err := Format(ctx, r.dev)
	require.NoError(t, err)
	require.NoError(t, fs.WriteFile(ctx, "cfg", []byte("stable")))

	// Fail the header program that follows the data program.
	var armed atomic.Bool
	armed.Store(true)
	r.periph.OnIssue(func(op sim.Op, _ uint32) {
		if op == sim.OpWrite && armed.CompareAndSwap(true, false) {
			r.periph.FailNext(sim.OpWrite, errors.New("power loss"))
		}
	})

	err = fs.WriteFile(ctx, "cfg", []byte("half-written"))
	assert.ErrorIs(t, err, blockdev.ErrIO)
	r.periph.OnIssue(nil)

	got, err := fs.ReadFile(ctx, "cfg")
	require.NoError(t, err)
	assert.Equal(t, "stable", string(got))

	fs, err = Mount(ctx, r.dev)
	require.NoError(t, err)
	got, err = fs.ReadFile(ctx, "cfg")
	require.NoError(t, err)
	assert.Equal(t, "stable", string(got))
}

func TestMount_ErasesStaleVersions(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, 32)
	fs, err := Format(ctx, r.dev)
	require.NoError(t, err)
	require.NoError(t, fs.WriteFile(ctx, "cfg", []byte("old")))

	// The header program of the new version arms a failure for the erase
	// of the old header, leaving two verified versions on flash.
	r.periph.OnIssue(func(op sim.Op, _ uint32) {
		if op == sim.OpWrite {
			r.periph.FailNext(sim.OpErase, errors.New("stuck"))
		}
	})
	require.NoError(t, fs.WriteFile(ctx, "cfg", []byte("new")))
	r.periph.OnIssue(nil)

	fs, err = Mount(ctx, r.dev)
	require.NoError(t, err)
	got, err := fs.ReadFile(ctx, "cfg")
	require.NoError(t, err)
	assert.Equal(t, "new", string(got))

	u, err := fs.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), u.UsedBlocks)
}

func TestMount_RepairsVolumeHeader(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, 32)
	fs, err := Format(ctx, r.dev)
	require.NoError(t, err)

	zero := make([]byte, 8)
	require.NoError(t, r.dev.Program(ctx, 0, 0, zero, 8))

	again, err := Mount(ctx, r.dev)
	require.NoError(t, err)
	assert.Equal(t, fs.ID(), again.ID())

	buf := make([]byte, volumeSize)
	require.NoError(t, r.dev.Read(0, 0, buf, volumeSize))
	_, ok := decodeVolumeHeader(buf)
	assert.True(t, ok)
}

func TestMount_GeometryMismatch(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, 32)
	_, err := Format(ctx, r.dev)
	require.NoError(t, err)

	vh := volumeHeader{blockSize: 128, blockCount: 16}
	buf := vh.encode()
	require.NoError(t, r.dev.EraseRange(ctx, 0, 2))
	require.NoError(t, r.dev.Program(ctx, 0, 0, buf, uint32(len(buf))))

	_, err = Mount(ctx, r.dev)
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestFS_Limits(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, 8)
	fs, err := Format(ctx, r.dev)
	require.NoError(t, err)

	assert.ErrorIs(t, fs.WriteFile(ctx, strings.Repeat("n", MaxNameLen+1), nil), ErrNameTooLong)
	assert.ErrorIs(t, fs.WriteFile(ctx, "", nil), ErrInvalidName)
	assert.ErrorIs(t, fs.WriteFile(ctx, "huge", make([]byte, 6*128)), ErrNoSpace)

	require.NoError(t, fs.WriteFile(ctx, "a", make([]byte, 2*128)))
	require.NoError(t, fs.WriteFile(ctx, "b", make([]byte, 128)))
	assert.ErrorIs(t, fs.WriteFile(ctx, "c", []byte{1}), ErrNoSpace)

	require.NoError(t, fs.Remove(ctx, "a"))
	require.NoError(t, fs.WriteFile(ctx, "c", make([]byte, 2*128)))
}
