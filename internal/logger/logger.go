// Package logger is the process-wide structured logger. It wraps log/slog
// with a runtime-adjustable level and format and a coloured text handler for
// terminals.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/trace"
)

// Level is a log level. Its String form is the name accepted by SetLevel.
type Level = slog.Level

const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Config selects level, format and destination.
type Config struct {
	Level  string // DEBUG, INFO, WARN, ERROR
	Format string // text, json
	Output string // stdout, stderr, or file path
}

// sink is where records go and how they are rendered. It is replaced as a
// whole; the level lives outside it so SetLevel never rebuilds a handler.
type sink struct {
	w     io.Writer
	json  bool
	color bool
	file  *os.File
}

var (
	level slog.LevelVar

	mu      sync.RWMutex
	current sink
	slogger *slog.Logger
)

func init() {
	// Command output goes to stdout, so logs default to stderr.
	install(sink{w: os.Stderr, color: isTerminal(os.Stderr.Fd())})
}

// install swaps the sink and rebuilds the logger. Callers must not hold mu.
func install(s sink) {
	mu.Lock()
	defer mu.Unlock()

	if current.file != nil && current.file != s.file {
		_ = current.file.Close()
	}
	current = s

	opts := &slog.HandlerOptions{Level: &level}
	var h slog.Handler
	if s.json {
		h = slog.NewJSONHandler(s.w, opts)
	} else {
		h = NewColorTextHandler(s.w, opts, s.color)
	}
	slogger = slog.New(h)
}

func snapshot() sink {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// Init applies cfg. Empty fields keep their current value. Output is
// "stdout", "stderr", or a file opened for appending.
func Init(cfg Config) error {
	s := snapshot()

	switch out := strings.ToLower(cfg.Output); out {
	case "":
	case "stdout":
		s = sink{w: os.Stdout, json: s.json, color: isTerminal(os.Stdout.Fd())}
	case "stderr":
		s = sink{w: os.Stderr, json: s.json, color: isTerminal(os.Stderr.Fd())}
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file %q: %w", cfg.Output, err)
		}
		s = sink{w: f, json: s.json, file: f}
	}

	if json, ok := parseFormat(cfg.Format); ok {
		s.json = json
	}
	SetLevel(cfg.Level)
	install(s)
	return nil
}

// InitWithWriter sends records to w. Tests use it to capture output.
func InitWithWriter(w io.Writer, lvl, format string, enableColor bool) {
	s := sink{w: w, json: snapshot().json, color: enableColor}
	if json, ok := parseFormat(format); ok {
		s.json = json
	}
	SetLevel(lvl)
	install(s)
}

// SetLevel sets the minimum level by name. Unknown names are ignored.
func SetLevel(name string) {
	var l slog.Level
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		l = LevelDebug
	case "INFO":
		l = LevelInfo
	case "WARN":
		l = LevelWarn
	case "ERROR":
		l = LevelError
	default:
		return
	}
	level.Set(l)
}

// SetFormat switches between "text" and "json". Unknown formats are ignored.
func SetFormat(format string) {
	json, ok := parseFormat(format)
	if !ok {
		return
	}
	s := snapshot()
	s.json = json
	install(s)
}

func parseFormat(format string) (json, ok bool) {
	switch strings.ToLower(format) {
	case "json":
		return true, true
	case "text":
		return false, true
	}
	return false, false
}

// GetLevel returns the current minimum level.
func GetLevel() Level {
	return level.Level()
}

func getLogger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return slogger
}

func log(ctx context.Context, l slog.Level, msg string, args []any) {
	if l < level.Level() {
		return
	}
	getLogger().Log(ctx, l, msg, appendContextFields(ctx, args)...)
}

// Debug logs at debug level. Args are slog key-value pairs or attributes.
func Debug(msg string, args ...any) { log(context.Background(), LevelDebug, msg, args) }

// Info logs at info level.
func Info(msg string, args ...any) { log(context.Background(), LevelInfo, msg, args) }

// Warn logs at warn level.
func Warn(msg string, args ...any) { log(context.Background(), LevelWarn, msg, args) }

// Error logs at error level.
func Error(msg string, args ...any) { log(context.Background(), LevelError, msg, args) }

// DebugCtx logs at debug level with the operation fields carried by ctx.
func DebugCtx(ctx context.Context, msg string, args ...any) { log(ctx, LevelDebug, msg, args) }

// InfoCtx logs at info level with the operation fields carried by ctx.
func InfoCtx(ctx context.Context, msg string, args ...any) { log(ctx, LevelInfo, msg, args) }

// WarnCtx logs at warn level with the operation fields carried by ctx.
func WarnCtx(ctx context.Context, msg string, args ...any) { log(ctx, LevelWarn, msg, args) }

// ErrorCtx logs at error level with the operation fields carried by ctx.
func ErrorCtx(ctx context.Context, msg string, args ...any) { log(ctx, LevelError, msg, args) }

// appendContextFields prepends the LogContext fields of ctx to args. Trace
// and span ids fall back to the active span when the LogContext has none.
func appendContextFields(ctx context.Context, args []any) []any {
	if ctx == nil {
		return args
	}
	lc := FromContext(ctx)
	sc := trace.SpanContextFromContext(ctx)
	if lc == nil && !sc.IsValid() {
		return args
	}

	var traceID, spanID string
	if lc != nil {
		traceID, spanID = lc.TraceID, lc.SpanID
	}
	if traceID == "" && sc.HasTraceID() {
		traceID, spanID = sc.TraceID().String(), sc.SpanID().String()
	}

	fields := make([]any, 0, 5+len(args))
	fields = appendNonEmpty(fields, TraceID(traceID))
	fields = appendNonEmpty(fields, SpanID(spanID))
	if lc != nil {
		fields = appendNonEmpty(fields, Operation(lc.Operation))
		fields = appendNonEmpty(fields, slog.String(KeySessionID, lc.SessionID))
		fields = appendNonEmpty(fields, slog.String(KeyRequestID, lc.RequestID))
	}
	return append(fields, args...)
}

func appendNonEmpty(fields []any, a slog.Attr) []any {
	if a.Value.String() == "" {
		return fields
	}
	return append(fields, a)
}

// With returns a logger that adds args to every record.
func With(args ...any) *slog.Logger {
	return getLogger().With(args...)
}
