// Package echo implements a module whose databases reply with a fixed line.
//
// The database arguments, joined by single spaces, form the reply:
//
//	database greeting echo OK hello
//
// answers every query routed to it with "OK hello".
package echo

import (
	"context"
	"io"
	"strings"

	"github.com/cruciblehq/smapd/internal/module"
)

// Type registers the module under the name "echo".
var Type = module.Type{
	Name:         "echo",
	Version:      module.APIVersion,
	Capabilities: module.CapQuery,
	New:          func() module.Module { return &echoModule{} },
}

type echoModule struct{}

func (*echoModule) Init(args []string) error {
	return module.ParseOnlyOptions(args, nil)
}

func (*echoModule) InitDB(id string, args []string) (module.Database, error) {
	return &database{reply: strings.Join(args, " ") + "\n"}, nil
}

type database struct {
	module.NopDatabase
	reply string // Reply line, newline included.
}

func (d *database) Query(_ context.Context, w io.Writer, _, _ string, _ *module.ConnInfo) error {
	_, err := io.WriteString(w, d.reply)
	return err
}
