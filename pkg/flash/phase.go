package flash

import "fmt"

// Phase is the state of the single physical operation slot.
//
// Numeric values match the firmware control block so that phase values in
// logs and metrics line up with on-target traces.
type Phase uint32

const (
	// PhaseIdle: peripheral open, nothing outstanding.
	PhaseIdle Phase = 0
	// PhaseEraseWaitComplete: an erase was issued and its interrupt is pending.
	PhaseEraseWaitComplete Phase = 2
	// PhaseWriteWaitComplete: a program was issued and its interrupt is pending.
	PhaseWriteWaitComplete Phase = 4
	// PhaseFinalizing: the matching completion interrupt arrived.
	PhaseFinalizing Phase = 5
	// PhaseFinalizeComplete: the waiter observed a successful completion.
	PhaseFinalizeComplete Phase = 6
	// PhaseError: an unexpected or failing completion event arrived.
	PhaseError Phase = 103
	// PhaseUninitialized: the peripheral is closed.
	PhaseUninitialized Phase = 0xFF
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseEraseWaitComplete:
		return "erase_wait_complete"
	case PhaseWriteWaitComplete:
		return "write_wait_complete"
	case PhaseFinalizing:
		return "finalizing"
	case PhaseFinalizeComplete:
		return "finalize_complete"
	case PhaseError:
		return "error"
	case PhaseUninitialized:
		return "uninitialized"
	default:
		return fmt.Sprintf("phase(%d)", uint32(p))
	}
}

// Kind selects the physical operation a Guard may issue.
type Kind uint8

const (
	KindErase Kind = iota + 1
	KindWrite
)

func (k Kind) String() string {
	switch k {
	case KindErase:
		return "erase"
	case KindWrite:
		return "write"
	default:
		return "unknown"
	}
}

// waitPhase is the phase entered when an operation of this kind is issued.
func (k Kind) waitPhase() Phase {
	if k == KindErase {
		return PhaseEraseWaitComplete
	}
	return PhaseWriteWaitComplete
}

// Event is a completion code delivered by the peripheral's interrupt.
type Event uint8

const (
	EventEraseComplete Event = iota + 1
	EventWriteComplete
	EventBlank    // blank check finished, area is erased
	EventNotBlank // blank check finished, area holds data
	EventFailure  // any other code, including hardware error reports
)

func (e Event) String() string {
	switch e {
	case EventEraseComplete:
		return "erase_complete"
	case EventWriteComplete:
		return "write_complete"
	case EventBlank:
		return "blank"
	case EventNotBlank:
		return "not_blank"
	case EventFailure:
		return "failure"
	default:
		return fmt.Sprintf("event(%d)", uint8(e))
	}
}

// BlankResult is the outcome of the most recent blank-check event.
type BlankResult int32

const (
	BlankUnknown BlankResult = iota
	BlankErased
	BlankProgrammed
)
