package cli

import (
	"context"

	"github.com/cruciblehq/smapd/internal/daemon"
)

// Represents the 'smapd inetd' command.
type InetdCmd struct {
	Sockmap bool `help:"Use netstring framing instead of plain lines."`
}

// Executes the inetd command.
func (c *InetdCmd) Run(ctx context.Context) error {
	return daemon.Inetd(ctx, options(), c.Sockmap)
}
