package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/marmos91/flashkv/cmd/flashkv/cmdutil"
)

var (
	logsFollow bool
	logsLines  int
	logsSince  string
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show agent logs",
	Long: `Print the tail of the agent log file and optionally follow it.

The agent must log to a file ("logging.output" set to a path). Both the
text and the JSON log formats are understood by --since.

Examples:
  # Last 100 lines
  flashkv logs

  # Follow new entries of an update
  flashkv logs -f -n 20

  # Entries since a point in time
  flashkv logs --since 2026-01-15T10:00:00Z`,
	RunE: runLogs,
}

func init() {
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Follow log output")
	logsCmd.Flags().IntVarP(&logsLines, "lines", "n", 100, "Number of lines to show")
	logsCmd.Flags().StringVar(&logsSince, "since", "", "Show entries logged at or after this RFC3339 time")
}

func runLogs(cmd *cobra.Command, args []string) error {
	cfg, err := cmdutil.LoadConfig()
	if err != nil {
		return err
	}
	path := cfg.Logging.Output
	switch strings.ToLower(path) {
	case "stdout", "stderr":
		return fmt.Errorf("the agent logs to %s, not a file; set logging.output to a path to use this command", path)
	}

	var since time.Time
	if logsSince != "" {
		if since, err = time.Parse(time.RFC3339, logsSince); err != nil {
			return fmt.Errorf("invalid --since (want RFC3339): %w", err)
		}
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("log file %s not found; has the agent started?", path)
		}
		return err
	}
	defer func() { _ = f.Close() }()

	out := cmd.OutOrStdout()
	lines, err := tailLines(f, logsLines, since)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	for _, line := range lines {
		_, _ = fmt.Fprintln(out, line)
	}
	if !logsFollow {
		return nil
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Following %s (Ctrl+C to stop)...\n", path)
	return followLog(ctx, path, f, out)
}

// tailLines returns the last n lines of r that were logged at or after
// since. Lines without a recognizable timestamp are kept.
func tailLines(r io.Reader, n int, since time.Time) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	ring := make([]string, 0, n)
	next := 0

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if !since.IsZero() {
			if ts, ok := lineTime(line); ok && ts.Before(since) {
				continue
			}
		}
		if len(ring) < n {
			ring = append(ring, line)
			continue
		}
		ring[next] = line
		next = (next + 1) % n
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return append(ring[next:], ring[:next]...), nil
}

// followLog copies lines appended to path to w until ctx is done. f must be
// positioned at the point already printed. A truncated or recreated file
// is read again from the start.
func followLog(ctx context.Context, path string, f *os.File, w io.Writer) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()
	defer func() { _ = f.Close() }()

	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	rd := bufio.NewReader(f)
	var partial string
	drain := func() {
		for {
			chunk, err := rd.ReadString('\n')
			partial += chunk
			if err != nil {
				return
			}
			_, _ = io.WriteString(w, partial)
			partial = ""
		}
	}
	drain()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			switch {
			case ev.Has(fsnotify.Write):
				if st, err := f.Stat(); err == nil {
					if pos, err := f.Seek(0, io.SeekCurrent); err == nil && st.Size() < pos-int64(rd.Buffered()) {
						_, _ = f.Seek(0, io.SeekStart)
						rd.Reset(f)
						partial = ""
					}
				}
				drain()
			case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename), ev.Has(fsnotify.Create):
				nf, err := os.Open(path)
				if err != nil {
					continue
				}
				_ = f.Close()
				f = nf
				rd.Reset(f)
				partial = ""
				_ = watcher.Remove(path)
				if err := watcher.Add(path); err != nil {
					return fmt.Errorf("failed to watch %s: %w", path, err)
				}
				drain()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watcher error: %w", err)
		}
	}
}

// lineTime extracts the record time of a text ("[2006-01-02 15:04:05] ...")
// or JSON ({"time":"..."}) log line.
func lineTime(line string) (time.Time, bool) {
	const textLayout = "2006-01-02 15:04:05"
	if strings.HasPrefix(line, "[") && len(line) > len(textLayout) {
		if ts, err := time.ParseInLocation(textLayout, line[1:1+len(textLayout)], time.Local); err == nil {
			return ts, true
		}
	}
	if _, rest, ok := strings.Cut(line, `"time":"`); ok {
		if v, _, ok := strings.Cut(rest, `"`); ok {
			if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
				return ts, true
			}
		}
	}
	return time.Time{}, false
}
