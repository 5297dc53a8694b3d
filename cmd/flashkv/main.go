package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/marmos91/flashkv/cmd/flashkv/commands"
)

// Set with -ldflags "-X main.version=...".
var (
	version = ""
	commit  = "none"
	date    = "unknown"
)

func main() {
	commands.Version = version
	if commands.Version == "" {
		commands.Version = moduleVersion()
	}
	commands.Commit = commit
	commands.Date = date

	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// moduleVersion reports the version "go install" recorded, or "dev" for a
// local build.
func moduleVersion() string {
	if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		return bi.Main.Version
	}
	return "dev"
}
