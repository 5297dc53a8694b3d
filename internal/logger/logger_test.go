package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

// captureOutput points the logger at a buffer and restores the previous
// sink, level and format on cleanup.
func captureOutput() (*bytes.Buffer, func()) {
	buf := new(bytes.Buffer)
	prev := snapshot()
	prevLevel := GetLevel()

	install(sink{w: buf})

	return buf, func() {
		level.Set(prevLevel)
		install(prev)
	}
}

func TestLevelFiltering(t *testing.T) {
	t.Run("DebugLevelShowsAllMessages", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("DEBUG")
		Debug("debug message")
		Info("info message")
		Warn("warn message")
		Error("error message")

		out := buf.String()
		for _, s := range []string{"DEBUG", "INFO", "WARN", "ERROR", "debug message", "error message"} {
			assert.Contains(t, out, s)
		}
	})

	t.Run("WarnLevelFiltersDebugAndInfo", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("warn")
		Debug("debug message")
		Info("info message")
		Warn("warn message")

		out := buf.String()
		assert.NotContains(t, out, "debug message")
		assert.NotContains(t, out, "info message")
		assert.Contains(t, out, "warn message")
	})

	t.Run("InvalidLevelIsIgnored", func(t *testing.T) {
		_, cleanup := captureOutput()
		defer cleanup()

		SetLevel("ERROR")
		SetLevel("LOUD")
		assert.Equal(t, LevelError, GetLevel())
	})
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "DEBUG", LevelDebug.String())
	assert.Equal(t, "INFO", LevelInfo.String())
	assert.Equal(t, "WARN", LevelWarn.String())
	assert.Equal(t, "ERROR", LevelError.String())
	assert.Equal(t, "ERROR+4", (LevelError + 4).String())
}

func TestTextFormatting(t *testing.T) {
	t.Run("KeyValuePairs", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		Info("block programmed", KeyBlock, 7, KeyAddress, "0x00100380", "note", "two words")

		out := buf.String()
		assert.Contains(t, out, "[INFO] block programmed")
		assert.Contains(t, out, "block=7")
		assert.Contains(t, out, "address=0x00100380")
		assert.Contains(t, out, `note="two words"`)
	})

	t.Run("GroupsAreFlattened", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		With("component", "flash").WithGroup("op").Info("erase", "blocks", 2)

		out := buf.String()
		assert.Contains(t, out, "component=flash")
		assert.Contains(t, out, "op.blocks=2")
	})

	t.Run("EmptyAttrIsDropped", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		Info("no error", Err(nil))
		assert.NotContains(t, buf.String(), "error=")
	})
}

func TestJSONFormat(t *testing.T) {
	buf, cleanup := captureOutput()
	defer cleanup()

	SetFormat("json")
	Info("commit finished", KeyCount, 3, Err(errors.New("boom")))

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "commit finished", record["msg"])
	assert.Equal(t, "INFO", record["level"])
	assert.EqualValues(t, 3, record[KeyCount])
	assert.Equal(t, "boom", record[KeyError])
}

func TestContextLogging(t *testing.T) {
	buf, cleanup := captureOutput()
	defer cleanup()

	lc := NewLogContext("stage").WithSession("6f1c").WithTrace("trace-1", "span-1")
	ctx := WithContext(context.Background(), lc)

	InfoCtx(ctx, "chunk written", KeyOffset, 128)

	out := buf.String()
	assert.Contains(t, out, "trace_id=trace-1")
	assert.Contains(t, out, "span_id=span-1")
	assert.Contains(t, out, "operation=stage")
	assert.Contains(t, out, "session_id=6f1c")
	assert.Contains(t, out, "offset=128")

	// Context fields come before call-site fields.
	assert.Less(t, strings.Index(out, "trace_id"), strings.Index(out, "offset"))
}

func TestContextLogging_ActiveSpan(t *testing.T) {
	buf, cleanup := captureOutput()
	defer cleanup()

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x0a, 0x0b},
		SpanID:     trace.SpanID{0x01},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	ctx = WithContext(ctx, NewLogContext("request"))

	InfoCtx(ctx, "served")

	out := buf.String()
	assert.Contains(t, out, "trace_id="+sc.TraceID().String())
	assert.Contains(t, out, "span_id="+sc.SpanID().String())
	assert.Contains(t, out, "operation=request")
}

func TestLogContext(t *testing.T) {
	assert.Nil(t, FromContext(context.Background()))
	assert.Nil(t, (*LogContext)(nil).Clone())

	lc := NewLogContext("commit")
	clone := lc.WithSession("abc")
	assert.Empty(t, lc.SessionID)
	assert.Equal(t, "abc", clone.SessionID)
	assert.Equal(t, "commit", clone.Operation)
}

func TestFieldHelpers(t *testing.T) {
	assert.True(t, Address(0x00100080).Equal(slog.String(KeyAddress, "0x00100080")))
	assert.True(t, Block(3).Equal(slog.Uint64(KeyBlock, 3)))
	assert.True(t, Key("endpoint").Equal(slog.String(KeyKey, "endpoint")))
	assert.True(t, Err(nil).Equal(slog.Attr{}))
}

func TestConcurrentLogging(t *testing.T) {
	buf, cleanup := captureOutput()
	defer cleanup()

	const goroutines = 8
	const perGoroutine = 50

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				Info("goroutine log", "id", id, "iteration", j)
			}
		}(i)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, goroutines*perGoroutine)
}

func TestInit(t *testing.T) {
	t.Run("FileOutput", func(t *testing.T) {
		_, cleanup := captureOutput()
		defer cleanup()

		path := filepath.Join(t.TempDir(), "flashkv.log")
		require.NoError(t, Init(Config{Level: "DEBUG", Format: "text", Output: path}))
		Debug("to file")

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), "to file")

		// Replacing the sink closes the file.
		InitWithWriter(io.Discard, "INFO", "text", false)
		assert.Nil(t, snapshot().file)
	})

	t.Run("EmptyFieldsKeepCurrent", func(t *testing.T) {
		_, cleanup := captureOutput()
		defer cleanup()

		SetLevel("WARN")
		SetFormat("json")
		require.NoError(t, Init(Config{}))
		assert.Equal(t, LevelWarn, GetLevel())
		assert.True(t, snapshot().json)
	})

	t.Run("UnwritableFileFails", func(t *testing.T) {
		err := Init(Config{Output: filepath.Join(t.TempDir(), "missing", "dir", "x.log")})
		assert.Error(t, err)
	})
}
