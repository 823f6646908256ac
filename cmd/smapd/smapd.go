package main

import (
	"log/slog"
	"os"

	"github.com/cruciblehq/smapd/internal"
	"github.com/cruciblehq/smapd/internal/cli"
	"github.com/cruciblehq/smapd/internal/daemon"
	"github.com/cruciblehq/smapd/internal/logging"
)

// The entry point for the smapd daemon.
//
// Executes the root command and exits with the sysexits code carried by the
// returned error, if any.
func main() {
	slog.SetDefault(logger())

	slog.Debug("smapd is running",
		"version", internal.VersionString(internal.Name),
		"pid", os.Getpid(),
		"args", os.Args,
	)

	if err := cli.Execute(); err != nil {
		slog.Error(err.Error())
		os.Exit(daemon.ExitCode(err))
	}
}

// Creates the logger used before the flags are parsed, at the level chosen
// by build-time linker flags.
//
// Commands replace it with the configured destinations once loaded.
func logger() *slog.Logger {
	out, err := logging.New(logging.Options{Stderr: true, Tag: internal.Name})
	if err != nil {
		return slog.Default()
	}
	out.Level.Set(logging.LevelFor(internal.IsQuiet(), internal.IsDebug()))
	return out.Logger
}
