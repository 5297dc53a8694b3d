package flash

// Peripheral is the flash driver consumed by the Synchronizer.
//
// Erase and Write start a background operation and return its immediate
// status; completion is reported later through the callback registered with
// SetCallback, which may run on any goroutine.
type Peripheral interface {
	Open() error
	Close() error

	// Erase starts erasing blocks erase units beginning at addr.
	Erase(addr uint32, blocks uint32) error

	// Write starts programming src at dest.
	Write(src []byte, dest uint32) error

	// Read copies len(dst) bytes from the memory-mapped flash at src.
	Read(dst []byte, src uint32) error

	// SetCallback registers the completion callback.
	SetCallback(fn func(Event))

	// EraseBlockSize reports the erase granularity of the region holding addr.
	EraseBlockSize(addr uint32) (uint32, error)
}

// Bank identifies one of the two firmware banks of a dual-bank device.
type Bank uint8

const (
	Bank0 Bank = 0
	Bank1 Bank = 1
)

// Other returns the opposite bank.
func (b Bank) Other() Bank {
	return b ^ 1
}

// BankController is implemented by dual-bank peripherals.
type BankController interface {
	// ToggleBank flips the persistent bank-select state used at next boot.
	ToggleBank() error

	// SelectedBank reports the bank named by the bank-select state.
	SelectedBank() (Bank, error)

	// Reset performs a full system reset.
	Reset() error
}
