package commands

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleLog = `[2026-01-15 09:59:00] [INFO] agent started
{"time":"2026-01-15T09:59:30Z","level":"INFO","msg":"kv committed"}
continuation without a timestamp
[2026-01-15 10:00:01] [INFO] update session started
{"time":"2026-01-15T10:00:05.5Z","level":"WARN","msg":"self test slow"}
`

func TestTailLines(t *testing.T) {
	lines, err := tailLines(strings.NewReader(sampleLog), 2, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"[2026-01-15 10:00:01] [INFO] update session started",
		`{"time":"2026-01-15T10:00:05.5Z","level":"WARN","msg":"self test slow"}`,
	}, lines)

	lines, err = tailLines(strings.NewReader(sampleLog), 100, time.Time{})
	require.NoError(t, err)
	assert.Len(t, lines, 5)
	assert.Equal(t, "[2026-01-15 09:59:00] [INFO] agent started", lines[0])

	lines, err = tailLines(strings.NewReader(sampleLog), 0, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestTailLines_Since(t *testing.T) {
	since := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	lines, err := tailLines(strings.NewReader(sampleLog), 100, since)
	require.NoError(t, err)

	assert.Contains(t, lines, "continuation without a timestamp")
	assert.Contains(t, lines, `{"time":"2026-01-15T10:00:05.5Z","level":"WARN","msg":"self test slow"}`)
	assert.NotContains(t, lines, `{"time":"2026-01-15T09:59:30Z","level":"INFO","msg":"kv committed"}`)
}

func TestLineTime(t *testing.T) {
	ts, ok := lineTime(`{"time":"2026-01-15T10:00:05.5Z","msg":"x"}`)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 1, 15, 10, 0, 5, 500_000_000, time.UTC), ts.UTC())

	ts, ok = lineTime("[2026-01-15 10:00:01] [INFO] x")
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 1, 15, 10, 0, 1, 0, time.Local), ts)

	_, ok = lineTime("[boot] no time here")
	assert.False(t, ok)
	_, ok = lineTime("")
	assert.False(t, ok)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestFollowLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.log")
	require.NoError(t, os.WriteFile(path, []byte("old line\n"), 0644))

	f, err := os.Open(path)
	require.NoError(t, err)
	_, err = tailLines(f, 10, time.Time{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var out syncBuffer
	done := make(chan error, 1)
	go func() { done <- followLog(ctx, path, f, &out) }()

	appendLine := func(s string) {
		w, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
		require.NoError(t, err)
		_, err = w.WriteString(s)
		require.NoError(t, err)
		require.NoError(t, w.Close())
	}

	appendLine("update session started\n")
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "update session started\n")
	}, 5*time.Second, 10*time.Millisecond)

	appendLine("half a ")
	appendLine("record\n")
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "half a record\n")
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("followLog did not stop after cancel")
	}
	assert.NotContains(t, out.String(), "old line")
}
