package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys for flash, key-value and update operations.
const (
	// ========================================================================
	// Flash attributes
	// ========================================================================
	AttrFlashOperation = "flash.operation" // erase, write, read, bank_swap
	AttrFlashAddress   = "flash.address"
	AttrFlashBlocks    = "flash.blocks"
	AttrFlashSize      = "flash.size"
	AttrFlashBank      = "flash.bank"

	// ========================================================================
	// Filesystem attributes
	// ========================================================================
	AttrFSFile = "fs.file"
	AttrFSSize = "fs.size"

	// ========================================================================
	// Key-value attributes
	// ========================================================================
	AttrKVKey      = "kv.key"
	AttrKVDirty    = "kv.dirty"
	AttrKVWritten  = "kv.written"
	AttrKVFailures = "kv.failures"

	// ========================================================================
	// Update attributes
	// ========================================================================
	AttrUpdateSession = "update.session_id"
	AttrUpdateVersion = "update.version"
	AttrUpdateSize    = "update.size"
	AttrImageState    = "update.image_state"

	// ========================================================================
	// HTTP attributes
	// ========================================================================
	AttrHTTPRoute     = "http.route"
	AttrHTTPRequestID = "http.request_id"
)

// FlashAddress returns an attribute for a physical flash address
func FlashAddress(addr uint32) attribute.KeyValue {
	return attribute.String(AttrFlashAddress, fmt.Sprintf("0x%08x", addr))
}

// FlashBlocks returns an attribute for an erase block count
func FlashBlocks(n uint32) attribute.KeyValue {
	return attribute.Int64(AttrFlashBlocks, int64(n))
}

// FlashSize returns an attribute for a transfer size
func FlashSize(n int) attribute.KeyValue {
	return attribute.Int(AttrFlashSize, n)
}

// FlashBank returns an attribute for a firmware bank
func FlashBank(bank int) attribute.KeyValue {
	return attribute.Int(AttrFlashBank, bank)
}

// FSFile returns an attribute for a filesystem object name
func FSFile(name string) attribute.KeyValue {
	return attribute.String(AttrFSFile, name)
}

// FSSize returns an attribute for a file size in bytes
func FSSize(n int) attribute.KeyValue {
	return attribute.Int(AttrFSSize, n)
}

// KVKey returns an attribute for a key-value entry name
func KVKey(name string) attribute.KeyValue {
	return attribute.String(AttrKVKey, name)
}

// KVDirty returns an attribute for the number of dirty entries
func KVDirty(n int) attribute.KeyValue {
	return attribute.Int(AttrKVDirty, n)
}

// KVWritten returns an attribute for entries persisted by a commit
func KVWritten(n int) attribute.KeyValue {
	return attribute.Int(AttrKVWritten, n)
}

// KVFailures returns an attribute for entries a commit failed to persist
func KVFailures(n int) attribute.KeyValue {
	return attribute.Int(AttrKVFailures, n)
}

// UpdateSession returns an attribute for an update session id
func UpdateSession(id string) attribute.KeyValue {
	return attribute.String(AttrUpdateSession, id)
}

// UpdateVersion returns an attribute for a firmware version
func UpdateVersion(v string) attribute.KeyValue {
	return attribute.String(AttrUpdateVersion, v)
}

// UpdateSize returns an attribute for an image size
func UpdateSize(n uint32) attribute.KeyValue {
	return attribute.Int64(AttrUpdateSize, int64(n))
}

// ImageState returns an attribute for an image state
func ImageState(state string) attribute.KeyValue {
	return attribute.String(AttrImageState, state)
}

// HTTPRoute returns an attribute for a matched route pattern
func HTTPRoute(route string) attribute.KeyValue {
	return attribute.String(AttrHTTPRoute, route)
}

// HTTPRequestID returns an attribute for a request id
func HTTPRequestID(id string) attribute.KeyValue {
	return attribute.String(AttrHTTPRequestID, id)
}

// StartKVSpan starts a span for a key-value cache operation.
func StartKVSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return StartSpan(ctx, "kv."+operation, trace.WithAttributes(attrs...))
}

// StartUpdateSpan starts a span for a firmware update step.
// The session id is attached when non-empty.
func StartUpdateSpan(ctx context.Context, operation string, sessionID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := make([]attribute.KeyValue, 0, len(attrs)+1)
	if sessionID != "" {
		allAttrs = append(allAttrs, UpdateSession(sessionID))
	}
	allAttrs = append(allAttrs, attrs...)

	return StartSpan(ctx, "update."+operation, trace.WithAttributes(allAttrs...))
}

// StartFlashSpan starts a span for a flash control operation.
func StartFlashSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{attribute.String(AttrFlashOperation, operation)}
	allAttrs = append(allAttrs, attrs...)

	return StartSpan(ctx, "flash."+operation, trace.WithAttributes(allAttrs...))
}

// StartFSSpan starts a span for a filesystem operation.
func StartFSSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return StartSpan(ctx, "fs."+operation, trace.WithAttributes(attrs...))
}

// StartHTTPSpan starts a server span for an API request.
func StartHTTPSpan(ctx context.Context, method, path, requestID string) (context.Context, trace.Span) {
	return StartSpan(ctx, "http "+method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(HTTPRoute(path), HTTPRequestID(requestID)))
}
