package logger

import (
	"fmt"
	"log/slog"
	"time"
)

// Standard field keys for structured logging.
// Use these keys consistently so flash, filesystem, and key-value logs can be
// correlated by address, block, or key.
const (
	// ========================================================================
	// Distributed Tracing
	// ========================================================================
	KeyTraceID = "trace_id" // OpenTelemetry trace ID for request correlation
	KeySpanID  = "span_id"  // OpenTelemetry span ID for operation tracking

	// ========================================================================
	// Flash Operations
	// ========================================================================
	KeyOperation = "operation" // erase, write, read, bank_toggle, reset
	KeyPhase     = "phase"     // Synchronizer phase at the time of logging
	KeyEvent     = "event"     // Completion event code
	KeyAddress   = "address"   // Physical flash address (hex)
	KeyBlocks    = "blocks"    // Erase block count
	KeyRegion    = "region"    // Named flash region: data, bank0, bank1
	KeyBank      = "bank"      // Firmware bank number

	// ========================================================================
	// Block Device / Filesystem
	// ========================================================================
	KeyBlock  = "block"  // Logical block number
	KeyOffset = "offset" // Byte offset inside a block or file
	KeySize   = "size"   // Size in bytes
	KeyFile   = "file"   // Filesystem object name
	KeySeq    = "seq"    // File version sequence number

	// ========================================================================
	// Key-Value Cache
	// ========================================================================
	KeyKey   = "key"   // Key-value entry name
	KeyDirty = "dirty" // Dirty flag
	KeyKind  = "kind"  // Value kind or credential kind
	KeyLabel = "label" // Credential label

	// ========================================================================
	// Firmware Update
	// ========================================================================
	KeySessionID = "session_id" // Update session identifier
	KeyVersion   = "version"    // Firmware version string
	KeyState     = "state"      // Image state

	// ========================================================================
	// Operation Metadata
	// ========================================================================
	KeyDurationMs = "duration_ms" // Operation duration in milliseconds
	KeyError      = "error"       // Error message
	KeyCount      = "count"       // Generic count
	KeyRequestID  = "request_id"  // HTTP request id
)

// TraceID returns a slog.Attr for OpenTelemetry trace ID
func TraceID(id string) slog.Attr {
	return slog.String(KeyTraceID, id)
}

// SpanID returns a slog.Attr for OpenTelemetry span ID
func SpanID(id string) slog.Attr {
	return slog.String(KeySpanID, id)
}

// Operation returns a slog.Attr for the flash operation name
func Operation(op string) slog.Attr {
	return slog.String(KeyOperation, op)
}

// Address formats a physical flash address as hex.
func Address(addr uint32) slog.Attr {
	return slog.String(KeyAddress, fmt.Sprintf("0x%08x", addr))
}

// Block returns a slog.Attr for a logical block number
func Block(b uint32) slog.Attr {
	return slog.Uint64(KeyBlock, uint64(b))
}

// Size returns a slog.Attr for a size in bytes
func Size(n int) slog.Attr {
	return slog.Int(KeySize, n)
}

// Key returns a slog.Attr for a key-value entry name
func Key(name string) slog.Attr {
	return slog.String(KeyKey, name)
}

// File returns a slog.Attr for a filesystem object name
func File(name string) slog.Attr {
	return slog.String(KeyFile, name)
}

// Err returns a slog.Attr for an error. A nil error yields an empty attr,
// which handlers drop.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// DurationMs returns a slog.Attr with the elapsed time since start.
func DurationMs(start time.Time) slog.Attr {
	return slog.Float64(KeyDurationMs, float64(time.Since(start).Microseconds())/1000)
}
