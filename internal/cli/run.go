package cli

import (
	"context"

	"github.com/cruciblehq/smapd/internal/daemon"
)

// Represents the 'smapd run' command, the default.
type RunCmd struct{}

// Executes the run command.
//
// Serves the configured servers until the context is cancelled (e.g. via
// SIGINT or SIGTERM) or a stop signal arrives. With --inetd, serves a single
// connection on stdin and stdout instead.
func (c *RunCmd) Run(ctx context.Context) error {
	if RootCmd.Inetd {
		return daemon.Inetd(ctx, options(), false)
	}
	return daemon.Run(ctx, options())
}
