// Package flash serializes physical flash operations.
//
// The peripheral can run one erase or program at a time and reports
// completion only through an interrupt. A Synchronizer is the single
// chokepoint every other component goes through:
//
//	g, err := s.Begin(ctx, flash.KindWrite)   // exclusive access
//	if err != nil { ... }
//	if err := g.Write(data, addr); err != nil { ... } // guard already released
//	err = s.AwaitCompletion(g)                 // blocks until the interrupt
//
// The completion callback (OnEvent) only swaps the phase and performs a
// non-blocking send, so it is safe to call from interrupt-like contexts.
package flash

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/flashkv/internal/logger"
)

// Metrics receives synchronizer observations. A nil Metrics disables
// collection.
type Metrics interface {
	ObserveOperation(kind Kind, bytes int, duration time.Duration, err error)
	ObserveRead(bytes int, duration time.Duration)
	ObserveEvent(ev Event, expected bool)
}

// Stats is a point-in-time view of synchronizer counters.
type Stats struct {
	Phase            Phase  `json:"phase"`
	Users            int    `json:"users"`
	Operations       uint64 `json:"operations"`
	Failures         uint64 `json:"failures"`
	UnexpectedEvents uint64 `json:"unexpected_events"`
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithMetrics attaches a metrics sink.
func WithMetrics(m Metrics) Option {
	return func(s *Synchronizer) {
		s.metrics = m
	}
}

// Synchronizer owns the phase of the single outstanding flash operation.
type Synchronizer struct {
	periph  Peripheral
	metrics Metrics

	phase atomic.Uint32

	// access is the exclusive-access token: one slot, held from Begin until
	// the operation is released.
	access chan struct{}

	// done carries the completion signal. One slot so the callback never blocks.
	done chan struct{}

	// mem is held for writing while a program or erase is outstanding so
	// that reads never observe a half-written region.
	mem sync.RWMutex

	openMu sync.Mutex
	users  int
	opened atomic.Bool

	blank      atomic.Int32
	lastEvent  atomic.Uint32
	ops        atomic.Uint64
	failures   atomic.Uint64
	unexpected atomic.Uint64
}

// New creates a Synchronizer for p. The peripheral is not opened until Open.
func New(p Peripheral, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		periph: p,
		access: make(chan struct{}, 1),
		done:   make(chan struct{}, 1),
	}
	s.phase.Store(uint32(PhaseUninitialized))
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open opens the peripheral on first use and registers the completion
// callback. Further calls only add a user, so several owners (filesystem,
// firmware wrapper) can share one peripheral without re-initializing it.
func (s *Synchronizer) Open() error {
	s.openMu.Lock()
	defer s.openMu.Unlock()

	if s.users > 0 {
		s.users++
		return nil
	}

	s.periph.SetCallback(s.OnEvent)
	if err := s.periph.Open(); err != nil {
		return fmt.Errorf("open peripheral: %w", err)
	}

	// Drop any completion left over from a previous session.
	select {
	case <-s.done:
	default:
	}

	s.users = 1
	s.phase.Store(uint32(PhaseIdle))
	s.opened.Store(true)
	logger.Debug("flash peripheral opened")
	return nil
}

// Close releases one user. The last Close waits for any outstanding
// operation, closes the peripheral, and returns the phase to Uninitialized.
func (s *Synchronizer) Close() error {
	s.openMu.Lock()
	defer s.openMu.Unlock()

	if s.users == 0 {
		return ErrNotOpen
	}
	s.users--
	if s.users > 0 {
		return nil
	}

	s.access <- struct{}{}
	defer func() { <-s.access }()

	s.opened.Store(false)
	s.phase.Store(uint32(PhaseUninitialized))
	if err := s.periph.Close(); err != nil {
		return fmt.Errorf("close peripheral: %w", err)
	}
	logger.Debug("flash peripheral closed")
	return nil
}

// Phase returns the current phase.
func (s *Synchronizer) Phase() Phase {
	return Phase(s.phase.Load())
}

// BlankCheckResult returns the result carried by the last blank-check event.
func (s *Synchronizer) BlankCheckResult() BlankResult {
	return BlankResult(s.blank.Load())
}

// Stats returns a snapshot of the counters.
func (s *Synchronizer) Stats() Stats {
	s.openMu.Lock()
	users := s.users
	s.openMu.Unlock()

	return Stats{
		Phase:            s.Phase(),
		Users:            users,
		Operations:       s.ops.Load(),
		Failures:         s.failures.Load(),
		UnexpectedEvents: s.unexpected.Load(),
	}
}

// EraseBlockSize reports the peripheral erase granularity at addr.
func (s *Synchronizer) EraseBlockSize(addr uint32) (uint32, error) {
	return s.periph.EraseBlockSize(addr)
}

// Begin acquires exclusive access for one operation of the given kind and
// enters the matching wait phase. It blocks while another operation is
// outstanding; ctx only bounds that wait; once Begin returns, the operation
// must be issued and awaited (or fail immediately).
func (s *Synchronizer) Begin(ctx context.Context, kind Kind) (*Guard, error) {
	if kind != KindErase && kind != KindWrite {
		return nil, fmt.Errorf("%w: unknown operation kind %d", ErrProtocolViolation, kind)
	}
	if !s.opened.Load() {
		return nil, ErrNotOpen
	}

	select {
	case s.access <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if !s.opened.Load() {
		<-s.access
		return nil, ErrNotOpen
	}

	// A signal already pending here was raised with nothing outstanding.
	// It is charged to this operation so it can never pass silently.
	stale := false
	select {
	case <-s.done:
		stale = true
	default:
	}

	s.mem.Lock()
	s.phase.Store(uint32(kind.waitPhase()))

	return &Guard{s: s, kind: kind, stale: stale, start: time.Now()}, nil
}

// AwaitCompletion blocks until the completion signal for g arrives, then
// releases exclusive access. There is no timeout: a peripheral that never
// signals stalls the caller.
func (s *Synchronizer) AwaitCompletion(g *Guard) error {
	if g == nil || g.s != s || g.released {
		return ErrGuardReleased
	}
	if !g.issued {
		s.release(g)
		return fmt.Errorf("%w: no request issued under guard", ErrProtocolViolation)
	}

	<-s.done

	phase := s.Phase()
	var err error
	switch {
	case g.stale:
		err = fmt.Errorf("%w: completion signalled before %s was issued", ErrFaulted, g.kind)
	case phase == PhaseFinalizing || phase == PhaseFinalizeComplete:
		s.phase.Store(uint32(PhaseFinalizeComplete))
	case phase == PhaseError:
		err = fmt.Errorf("%w: %s completed with event %s", ErrFaulted, g.kind, Event(s.lastEvent.Load()))
	default:
		err = fmt.Errorf("%w: woke in phase %s during %s", ErrProtocolViolation, phase, g.kind)
		logger.Error("flash waiter woke in unexpected phase",
			logger.KeyPhase, phase.String(),
			logger.KeyOperation, g.kind.String())
	}

	s.release(g)
	s.observe(g, err)
	return err
}

// Control runs fn while holding exclusive access, for peripheral control
// commands that do not complete through the interrupt.
func (s *Synchronizer) Control(ctx context.Context, fn func(p Peripheral) error) error {
	if !s.opened.Load() {
		return ErrNotOpen
	}

	select {
	case s.access <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.access }()

	s.mem.Lock()
	defer s.mem.Unlock()

	return fn(s.periph)
}

// Read copies len(dst) bytes from addr. It is synchronous and waits only
// for an outstanding program or erase to finish.
func (s *Synchronizer) Read(dst []byte, addr uint32) error {
	start := time.Now()

	s.mem.RLock()
	defer s.mem.RUnlock()

	if !s.opened.Load() {
		return ErrNotOpen
	}
	if err := s.periph.Read(dst, addr); err != nil {
		return fmt.Errorf("read 0x%08x: %w", addr, err)
	}

	if s.metrics != nil {
		s.metrics.ObserveRead(len(dst), time.Since(start))
	}
	return nil
}

// OnEvent is the completion callback. It never blocks:
// a matching event advances the phase to Finalizing, anything else sets
// Error, and the waiter is woken either way.
func (s *Synchronizer) OnEvent(ev Event) {
	expected := false

	switch ev {
	case EventEraseComplete:
		expected = s.phase.CompareAndSwap(uint32(PhaseEraseWaitComplete), uint32(PhaseFinalizing))
	case EventWriteComplete:
		expected = s.phase.CompareAndSwap(uint32(PhaseWriteWaitComplete), uint32(PhaseFinalizing))
	case EventBlank:
		s.blank.Store(int32(BlankErased))
	case EventNotBlank:
		s.blank.Store(int32(BlankProgrammed))
	}

	if !expected {
		s.phase.Store(uint32(PhaseError))
		s.unexpected.Add(1)
	}
	s.lastEvent.Store(uint32(ev))

	if s.metrics != nil {
		s.metrics.ObserveEvent(ev, expected)
	}

	select {
	case s.done <- struct{}{}:
	default:
	}
}

// release ends the operation held by g and returns the slot to Idle.
func (s *Synchronizer) release(g *Guard) {
	g.released = true
	s.phase.Store(uint32(PhaseIdle))
	s.mem.Unlock()
	<-s.access
}

func (s *Synchronizer) observe(g *Guard, err error) {
	s.ops.Add(1)
	if err != nil {
		s.failures.Add(1)
	}
	if s.metrics != nil {
		s.metrics.ObserveOperation(g.kind, g.bytes, time.Since(g.start), err)
	}
}

// Guard authorizes exactly one physical request of its kind.
// A Guard must be used by the goroutine that obtained it.
type Guard struct {
	s        *Synchronizer
	kind     Kind
	stale    bool
	issued   bool
	released bool
	bytes    int
	start    time.Time
}

// Kind returns the operation kind this guard was obtained for.
func (g *Guard) Kind() Kind {
	return g.kind
}

// Erase issues the erase. On immediate failure, or when the guard was
// obtained for a write, the guard is released and the caller must not call
// AwaitCompletion.
func (g *Guard) Erase(addr uint32, blocks uint32) error {
	if err := g.prepare(KindErase); err != nil {
		return err
	}

	if err := g.s.periph.Erase(addr, blocks); err != nil {
		return g.fail(err, addr)
	}

	logger.Debug("flash erase issued", logger.Address(addr), logger.KeyBlocks, blocks)
	return nil
}

// Write issues the program request. On immediate failure the guard is
// released and the caller must not call AwaitCompletion.
func (g *Guard) Write(src []byte, dest uint32) error {
	if err := g.prepare(KindWrite); err != nil {
		return err
	}
	g.bytes = len(src)

	if err := g.s.periph.Write(src, dest); err != nil {
		return g.fail(err, dest)
	}

	logger.Debug("flash write issued", logger.Address(dest), logger.Size(len(src)))
	return nil
}

func (g *Guard) prepare(kind Kind) error {
	if g.released {
		return ErrGuardReleased
	}
	if g.issued {
		return fmt.Errorf("%w: guard already issued a request", ErrProtocolViolation)
	}
	if g.kind != kind {
		g.s.release(g)
		return fmt.Errorf("%w: %s issued under %s guard", ErrProtocolViolation, kind, g.kind)
	}
	g.issued = true
	return nil
}

func (g *Guard) fail(cause error, addr uint32) error {
	err := fmt.Errorf("%w: %s at 0x%08x: %w", ErrOperationFailed, g.kind, addr, cause)
	g.s.release(g)
	g.s.observe(g, err)
	logger.Warn("flash request rejected", logger.KeyOperation, g.kind.String(), logger.Address(addr), logger.Err(cause))
	return err
}
