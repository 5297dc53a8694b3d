// Package sim provides a simulated dual-bank flash peripheral.
//
// Erase and program requests complete asynchronously: the request is
// accepted, the cells are updated on a background goroutine after the
// configured latency, and the completion event is then delivered through
// the registered callback, the same way the hardware raises its interrupt.
// Programming can only clear bits; only an erase returns cells to 0xFF.
package sim

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/marmos91/flashkv/pkg/flash"
)

// ErasedByte is the value of an erased flash cell.
const ErasedByte = 0xFF

// Default data flash layout.
const (
	DefaultDataBase       = 0x00100000
	DefaultDataSize       = 32 * 1024
	DefaultDataEraseBlock = 64
)

// Op names a physical request for failure injection and hooks.
type Op uint8

const (
	OpErase Op = iota + 1
	OpWrite
)

func (o Op) String() string {
	if o == OpErase {
		return "erase"
	}
	return "write"
}

// Region is a contiguous area of flash with a uniform erase granularity.
type Region struct {
	Name       string `mapstructure:"name" yaml:"name" validate:"required"`
	Base       uint32 `mapstructure:"base" yaml:"base"`
	Size       uint32 `mapstructure:"size" yaml:"size" validate:"required,gt=0"`
	EraseBlock uint32 `mapstructure:"erase_block" yaml:"erase_block" validate:"required,gt=0"`
}

func (r Region) contains(addr, n uint32) bool {
	return addr >= r.Base && uint64(addr)+uint64(n) <= uint64(r.Base)+uint64(r.Size)
}

// Config describes the simulated device.
type Config struct {
	Regions []Region

	// Latency delays every completion event.
	Latency time.Duration
}

// DefaultRegions returns a data flash region followed by two code banks.
func DefaultRegions() []Region {
	return []Region{
		{Name: "data", Base: DefaultDataBase, Size: DefaultDataSize, EraseBlock: DefaultDataEraseBlock},
		{Name: "bank0", Base: 0x00200000, Size: 256 * 1024, EraseBlock: 4096},
		{Name: "bank1", Base: 0x00240000, Size: 256 * 1024, EraseBlock: 4096},
	}
}

// ImageSize returns the number of image bytes regions occupy.
func ImageSize(regions []Region) uint32 {
	var n uint32
	for _, r := range regions {
		n += r.Size
	}
	return n
}

// Device is a simulated flash peripheral. It implements flash.Peripheral
// and flash.BankController.
type Device struct {
	mu      sync.Mutex
	regions []Region
	offsets []uint32 // image offset of each region
	latency time.Duration
	img     Image

	cb   func(flash.Event)
	open bool
	busy bool

	failNext  map[Op]error
	faultNext map[Op]bool
	onIssue   func(op Op, addr uint32)
	onReset   func(BankState)

	erases int
	writes int

	pending sync.WaitGroup
}

// New creates a device over img. The image must be at least
// ImageSize(cfg.Regions) bytes.
func New(cfg Config, img Image) (*Device, error) {
	regions, offsets, size, err := layout(cfg.Regions)
	if err != nil {
		return nil, err
	}
	if uint32(len(img.Bytes())) < size {
		return nil, fmt.Errorf("%w: image holds %d bytes, regions need %d", ErrGeometryMismatch, len(img.Bytes()), size)
	}

	return &Device{
		regions:   regions,
		offsets:   offsets,
		latency:   cfg.Latency,
		img:       img,
		failNext:  make(map[Op]error),
		faultNext: make(map[Op]bool),
	}, nil
}

// ValidateRegions checks that regions are non-empty, erase-aligned and
// disjoint.
func ValidateRegions(regions []Region) error {
	_, _, _, err := layout(regions)
	return err
}

// layout sorts regions by base and assigns each its offset in the image.
func layout(in []Region) (regions []Region, offsets []uint32, size uint32, err error) {
	if len(in) == 0 {
		return nil, nil, 0, errors.New("sim: no regions configured")
	}

	regions = append([]Region(nil), in...)
	sort.Slice(regions, func(i, j int) bool { return regions[i].Base < regions[j].Base })

	offsets = make([]uint32, len(regions))
	for i, r := range regions {
		if r.EraseBlock == 0 || r.Size%r.EraseBlock != 0 {
			return nil, nil, 0, fmt.Errorf("sim: region %q size %d is not a multiple of erase block %d", r.Name, r.Size, r.EraseBlock)
		}
		if i > 0 {
			prev := regions[i-1]
			if uint64(prev.Base)+uint64(prev.Size) > uint64(r.Base) {
				return nil, nil, 0, fmt.Errorf("sim: region %q overlaps %q", r.Name, prev.Name)
			}
		}
		offsets[i] = size
		size += r.Size
	}
	return regions, offsets, size, nil
}

// Region returns the region with the given name.
func (d *Device) Region(name string) (Region, bool) {
	for _, r := range d.regions {
		if r.Name == name {
			return r, true
		}
	}
	return Region{}, false
}

// Open powers up the peripheral.
func (d *Device) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = true
	return nil
}

// Close waits for an outstanding completion and flushes the image.
func (d *Device) Close() error {
	d.pending.Wait()

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return flash.ErrNotOpen
	}
	d.open = false
	return d.img.Sync()
}

// SetCallback registers the completion callback.
func (d *Device) SetCallback(fn func(flash.Event)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cb = fn
}

// EraseBlockSize reports the erase granularity of the region holding addr.
func (d *Device) EraseBlockSize(addr uint32) (uint32, error) {
	i, ok := d.locate(addr, 1)
	if !ok {
		return 0, fmt.Errorf("%w: 0x%08x", flash.ErrOutOfRange, addr)
	}
	return d.regions[i].EraseBlock, nil
}

// Erase starts erasing blocks erase units at addr.
func (d *Device) Erase(addr uint32, blocks uint32) error {
	d.mu.Lock()

	i, ok := d.locate(addr, 1)
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: 0x%08x", flash.ErrOutOfRange, addr)
	}
	r := d.regions[i]
	n := uint64(blocks) * uint64(r.EraseBlock)
	if blocks == 0 || (addr-r.Base)%r.EraseBlock != 0 || uint64(addr-r.Base)+n > uint64(r.Size) {
		d.mu.Unlock()
		return fmt.Errorf("%w: erase %d blocks at 0x%08x", flash.ErrOutOfRange, blocks, addr)
	}

	if err := d.admit(OpErase); err != nil {
		d.mu.Unlock()
		return err
	}
	fault := d.faultNext[OpErase]
	delete(d.faultNext, OpErase)
	d.erases++
	hook := d.onIssue
	d.mu.Unlock()

	if hook != nil {
		hook(OpErase, addr)
	}

	start := d.offsets[i] + (addr - r.Base)
	d.complete(flash.EventEraseComplete, fault, func(cells []byte) {
		span := cells[start : start+uint32(n)]
		for j := range span {
			span[j] = ErasedByte
		}
	})
	return nil
}

// Write starts programming src at dest. The data is copied before Write
// returns.
func (d *Device) Write(src []byte, dest uint32) error {
	d.mu.Lock()

	if len(src) == 0 {
		d.mu.Unlock()
		return fmt.Errorf("%w: empty write", flash.ErrSizeMismatch)
	}
	i, ok := d.locate(dest, uint32(len(src)))
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: write %d bytes at 0x%08x", flash.ErrOutOfRange, len(src), dest)
	}

	if err := d.admit(OpWrite); err != nil {
		d.mu.Unlock()
		return err
	}
	fault := d.faultNext[OpWrite]
	delete(d.faultNext, OpWrite)
	d.writes++
	hook := d.onIssue
	d.mu.Unlock()

	if hook != nil {
		hook(OpWrite, dest)
	}

	data := append([]byte(nil), src...)
	start := d.offsets[i] + (dest - d.regions[i].Base)
	d.complete(flash.EventWriteComplete, fault, func(cells []byte) {
		span := cells[start : start+uint32(len(data))]
		for j := range span {
			span[j] &= data[j]
		}
	})
	return nil
}

// Read copies len(dst) bytes at src.
func (d *Device) Read(dst []byte, src uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.open {
		return flash.ErrNotOpen
	}
	if len(dst) == 0 {
		return nil
	}
	i, ok := d.locate(src, uint32(len(dst)))
	if !ok {
		return fmt.Errorf("%w: read %d bytes at 0x%08x", flash.ErrOutOfRange, len(dst), src)
	}
	start := d.offsets[i] + (src - d.regions[i].Base)
	copy(dst, d.img.Bytes()[start:start+uint32(len(dst))])
	return nil
}

// admit checks that a request may start and marks the device busy.
// Called with d.mu held.
func (d *Device) admit(op Op) error {
	if !d.open {
		return flash.ErrNotOpen
	}
	if d.busy {
		return flash.ErrPeripheralBusy
	}
	if err, ok := d.failNext[op]; ok {
		delete(d.failNext, op)
		return err
	}
	d.busy = true
	return nil
}

// complete applies the cell update after the latency and raises the event.
func (d *Device) complete(ev flash.Event, fault bool, apply func(cells []byte)) {
	d.pending.Add(1)
	go func() {
		defer d.pending.Done()
		if d.latency > 0 {
			time.Sleep(d.latency)
		}

		d.mu.Lock()
		if fault {
			ev = flash.EventFailure
		} else {
			apply(d.img.Bytes())
		}
		d.busy = false
		cb := d.cb
		d.mu.Unlock()

		if cb != nil {
			cb(ev)
		}
	}()
}

func (d *Device) locate(addr, n uint32) (int, bool) {
	for i, r := range d.regions {
		if r.contains(addr, n) {
			return i, true
		}
	}
	return 0, false
}

// FailNext makes the next request of kind op fail immediately with err.
func (d *Device) FailNext(op Op, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failNext[op] = err
}

// FaultNext makes the next request of kind op be accepted but complete with
// a failure event, leaving the cells untouched.
func (d *Device) FaultNext(op Op) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faultNext[op] = true
}

// Inject delivers ev through the callback as if the interrupt had fired.
func (d *Device) Inject(ev flash.Event) {
	d.mu.Lock()
	cb := d.cb
	d.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
}

// OnIssue registers a hook called after each accepted request.
func (d *Device) OnIssue(fn func(op Op, addr uint32)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onIssue = fn
}

// OnReset registers a hook called by Reset with the new bank state.
func (d *Device) OnReset(fn func(BankState)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onReset = fn
}

// Counts returns the number of accepted erase and write requests.
func (d *Device) Counts() (erases, writes int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.erases, d.writes
}

// ToggleBank flips the bank-select state used at next boot.
func (d *Device) ToggleBank() error {
	st := d.img.State()
	st.Selected = st.Selected.Other()
	return d.img.SetState(st)
}

// SelectedBank reports the bank named by the bank-select state.
func (d *Device) SelectedBank() (flash.Bank, error) {
	return d.img.State().Selected, nil
}

// RunningBank reports the bank the device last booted from.
func (d *Device) RunningBank() flash.Bank {
	return d.img.State().Running
}

// Reset simulates a system reset: the selected bank becomes the running one.
func (d *Device) Reset() error {
	st := d.img.State()
	st.Running = st.Selected
	st.Resets++
	if err := d.img.SetState(st); err != nil {
		return err
	}

	d.mu.Lock()
	hook := d.onReset
	d.mu.Unlock()
	if hook != nil {
		hook(st)
	}
	return nil
}

var (
	_ flash.Peripheral     = (*Device)(nil)
	_ flash.BankController = (*Device)(nil)
)
