package cli

import "github.com/cruciblehq/smapd/internal/daemon"

// Represents the 'smapd lint' command.
type LintCmd struct{}

// Executes the lint command.
func (c *LintCmd) Run() error {
	return daemon.Lint(options())
}
