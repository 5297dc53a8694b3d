package flash_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/flashkv/pkg/flash"
	"github.com/marmos91/flashkv/pkg/flash/sim"
)

const base = sim.DefaultDataBase

func newSync(t *testing.T, latency time.Duration) (*flash.Synchronizer, *sim.Device) {
	t.Helper()

	regions := []sim.Region{{Name: "data", Base: base, Size: 4096, EraseBlock: 64}}
	dev, err := sim.New(sim.Config{Regions: regions, Latency: latency}, sim.NewMemoryImage(sim.ImageSize(regions)))
	require.NoError(t, err)

	s := flash.New(dev)
	require.NoError(t, s.Open())
	t.Cleanup(func() { _ = s.Close() })
	return s, dev
}

func erase(t *testing.T, s *flash.Synchronizer, addr, blocks uint32) error {
	t.Helper()
	g, err := s.Begin(context.Background(), flash.KindErase)
	require.NoError(t, err)
	if err := g.Erase(addr, blocks); err != nil {
		return err
	}
	return s.AwaitCompletion(g)
}

func write(t *testing.T, s *flash.Synchronizer, data []byte, addr uint32) error {
	t.Helper()
	g, err := s.Begin(context.Background(), flash.KindWrite)
	require.NoError(t, err)
	if err := g.Write(data, addr); err != nil {
		return err
	}
	return s.AwaitCompletion(g)
}

func TestSynchronizer_EraseWriteRead(t *testing.T) {
	s, _ := newSync(t, 0)

	require.NoError(t, erase(t, s, base, 1))
	require.NoError(t, write(t, s, []byte("hello"), base+8))

	got := make([]byte, 16)
	require.NoError(t, s.Read(got, base))
	assert.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}, got[:8])
	assert.Equal(t, "hello", string(got[8:13]))
	assert.Equal(t, flash.PhaseIdle, s.Phase())

	st := s.Stats()
	assert.Equal(t, uint64(2), st.Operations)
	assert.Zero(t, st.Failures)
}

func TestSynchronizer_SerializesConcurrentOperations(t *testing.T) {
	s, dev := newSync(t, time.Millisecond)

	var badPhase atomic.Int32
	dev.OnIssue(func(sim.Op, uint32) {
		if s.Phase() != flash.PhaseWriteWaitComplete {
			badPhase.Add(1)
		}
	})

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			g, err := s.Begin(context.Background(), flash.KindWrite)
			if err != nil {
				errs <- err
				return
			}
			if err := g.Write([]byte{byte(i)}, base+uint32(i)); err != nil {
				errs <- err
				return
			}
			errs <- s.AwaitCompletion(g)
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Zero(t, badPhase.Load())

	got := make([]byte, workers)
	require.NoError(t, s.Read(got, base))
	for i := 0; i < workers; i++ {
		assert.Equal(t, byte(i), got[i])
	}
}

func TestSynchronizer_SpuriousEventFaultsNextWait(t *testing.T) {
	s, dev := newSync(t, 0)

	dev.Inject(flash.EventWriteComplete)
	assert.Equal(t, flash.PhaseError, s.Phase())

	err := write(t, s, []byte{0x00}, base)
	assert.ErrorIs(t, err, flash.ErrFaulted)
	assert.Equal(t, flash.PhaseIdle, s.Phase())

	require.NoError(t, write(t, s, []byte{0x00}, base+1))
}

func TestSynchronizer_FailureEventFaults(t *testing.T) {
	s, dev := newSync(t, 0)

	dev.FaultNext(sim.OpWrite)
	err := write(t, s, []byte("abc"), base)
	assert.ErrorIs(t, err, flash.ErrFaulted)
	assert.Equal(t, flash.PhaseIdle, s.Phase())

	got := make([]byte, 3)
	require.NoError(t, s.Read(got, base))
	assert.Equal(t, []byte{0xFF, 0xFF, 0xFF}, got)
	assert.Equal(t, uint64(1), s.Stats().Failures)
}

func TestSynchronizer_MismatchedEventFaults(t *testing.T) {
	s, dev := newSync(t, 20*time.Millisecond)

	g, err := s.Begin(context.Background(), flash.KindWrite)
	require.NoError(t, err)
	require.NoError(t, g.Write([]byte{0x01}, base))

	dev.Inject(flash.EventEraseComplete)
	assert.ErrorIs(t, s.AwaitCompletion(g), flash.ErrFaulted)
	assert.Equal(t, uint64(1), s.Stats().UnexpectedEvents)
}

func TestSynchronizer_ImmediateFailureReleasesAccess(t *testing.T) {
	s, dev := newSync(t, 0)

	rejected := errors.New("rejected")
	dev.FailNext(sim.OpErase, rejected)

	g, err := s.Begin(context.Background(), flash.KindErase)
	require.NoError(t, err)
	err = g.Erase(base, 1)
	assert.ErrorIs(t, err, flash.ErrOperationFailed)
	assert.ErrorIs(t, err, rejected)
	assert.Equal(t, flash.PhaseIdle, s.Phase())

	assert.ErrorIs(t, s.AwaitCompletion(g), flash.ErrGuardReleased)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	g, err = s.Begin(ctx, flash.KindErase)
	require.NoError(t, err)
	require.NoError(t, g.Erase(base, 1))
	require.NoError(t, s.AwaitCompletion(g))
}

func TestSynchronizer_GuardMisuse(t *testing.T) {
	s, _ := newSync(t, 0)

	t.Run("wrong kind", func(t *testing.T) {
		g, err := s.Begin(context.Background(), flash.KindErase)
		require.NoError(t, err)
		assert.ErrorIs(t, g.Write([]byte{1}, base), flash.ErrProtocolViolation)
		assert.Equal(t, flash.PhaseIdle, s.Phase())
	})

	t.Run("await without request", func(t *testing.T) {
		g, err := s.Begin(context.Background(), flash.KindWrite)
		require.NoError(t, err)
		assert.ErrorIs(t, s.AwaitCompletion(g), flash.ErrProtocolViolation)
		assert.Equal(t, flash.PhaseIdle, s.Phase())
	})

	t.Run("second request", func(t *testing.T) {
		g, err := s.Begin(context.Background(), flash.KindWrite)
		require.NoError(t, err)
		require.NoError(t, g.Write([]byte{1}, base))
		assert.ErrorIs(t, g.Write([]byte{1}, base+1), flash.ErrProtocolViolation)
		require.NoError(t, s.AwaitCompletion(g))
	})

	t.Run("unknown kind", func(t *testing.T) {
		_, err := s.Begin(context.Background(), flash.Kind(9))
		assert.ErrorIs(t, err, flash.ErrProtocolViolation)
	})
}

func TestSynchronizer_BeginHonoursContext(t *testing.T) {
	s, _ := newSync(t, 0)

	g, err := s.Begin(context.Background(), flash.KindWrite)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = s.Begin(ctx, flash.KindWrite)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, g.Write([]byte{0}, base))
	require.NoError(t, s.AwaitCompletion(g))
}

func TestSynchronizer_BlankCheckEvents(t *testing.T) {
	s, dev := newSync(t, 0)

	assert.Equal(t, flash.BlankUnknown, s.BlankCheckResult())
	dev.Inject(flash.EventBlank)
	assert.Equal(t, flash.BlankErased, s.BlankCheckResult())
	assert.Equal(t, flash.PhaseError, s.Phase())

	dev.Inject(flash.EventNotBlank)
	assert.Equal(t, flash.BlankProgrammed, s.BlankCheckResult())
}

func TestSynchronizer_ReferenceCountedOpen(t *testing.T) {
	regions := []sim.Region{{Name: "data", Base: base, Size: 1024, EraseBlock: 64}}
	dev, err := sim.New(sim.Config{Regions: regions}, sim.NewMemoryImage(sim.ImageSize(regions)))
	require.NoError(t, err)

	s := flash.New(dev)
	assert.Equal(t, flash.PhaseUninitialized, s.Phase())

	_, err = s.Begin(context.Background(), flash.KindWrite)
	assert.ErrorIs(t, err, flash.ErrNotOpen)

	require.NoError(t, s.Open())
	require.NoError(t, s.Open())
	assert.Equal(t, 2, s.Stats().Users)

	require.NoError(t, s.Close())
	assert.Equal(t, flash.PhaseIdle, s.Phase())
	require.NoError(t, erase(t, s, base, 1))

	require.NoError(t, s.Close())
	assert.Equal(t, flash.PhaseUninitialized, s.Phase())
	assert.ErrorIs(t, s.Close(), flash.ErrNotOpen)
	assert.ErrorIs(t, s.Read(make([]byte, 1), base), flash.ErrNotOpen)
}
