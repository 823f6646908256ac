package cli

import (
	"context"

	"github.com/cruciblehq/smapd/internal/daemon"
)

// Represents the hidden 'smapd worker' command, run by the daemon for each
// connection.
type WorkerCmd struct {
	Server string `required:"" help:"Id of the server the connection arrived on." placeholder:"ID"`
}

// Executes the worker command.
func (c *WorkerCmd) Run(ctx context.Context) error {
	return daemon.Worker(ctx, options(), c.Server)
}
