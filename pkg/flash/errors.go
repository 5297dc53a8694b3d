package flash

import "errors"

var (
	// ErrNotOpen is returned when an operation is attempted before Open or
	// after the last Close.
	ErrNotOpen = errors.New("flash: peripheral not open")

	// ErrPeripheralBusy is reported by a peripheral asked to start a second
	// operation while one is outstanding. The synchronizer normally absorbs
	// this by blocking callers in Begin.
	ErrPeripheralBusy = errors.New("flash: peripheral busy")

	// ErrOperationFailed is returned when the peripheral rejects an erase or
	// program request immediately, before any interrupt.
	ErrOperationFailed = errors.New("flash: operation failed")

	// ErrFaulted is returned by AwaitCompletion when the completion event
	// reported a failure or did not match the outstanding operation.
	ErrFaulted = errors.New("flash: operation faulted")

	// ErrProtocolViolation is returned when the waiter wakes in a phase that
	// no event could have produced. It indicates misuse or a misattributed
	// interrupt and is never retried automatically.
	ErrProtocolViolation = errors.New("flash: protocol violation")

	// ErrSizeMismatch is returned when a buffer length differs from the
	// number of bytes requested.
	ErrSizeMismatch = errors.New("flash: size mismatch")

	// ErrOutOfRange is returned for addresses outside every flash region.
	ErrOutOfRange = errors.New("flash: address out of range")

	// ErrGuardReleased is returned when a Guard is used after its operation
	// completed or failed.
	ErrGuardReleased = errors.New("flash: guard already released")

	// ErrNoBankControl is returned when the peripheral has no dual-bank support.
	ErrNoBankControl = errors.New("flash: bank control not supported")
)
