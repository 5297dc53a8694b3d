//go:build !linux && !darwin && !freebsd && !netbsd && !openbsd

package logger

// isTerminal always reports false; colour output is opt-in on other platforms.
func isTerminal(fd uintptr) bool {
	return false
}
