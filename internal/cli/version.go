package cli

import (
	"fmt"

	"github.com/cruciblehq/smapd/internal"
)

// Represents the 'smapd version' command.
type VersionCmd struct{}

// Executes the version command.
func (c *VersionCmd) Run() error {
	fmt.Println(internal.VersionString(internal.Name))
	return nil
}
