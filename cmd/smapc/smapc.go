package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/cruciblehq/smapd/internal"
	"github.com/cruciblehq/smapd/internal/client"
	"github.com/cruciblehq/smapd/internal/daemon"
	"github.com/cruciblehq/smapd/internal/logging"
	"github.com/cruciblehq/smapd/internal/paths"
)

// Command line of the query client.
var CLI struct {
	Server  string           `short:"S" default:"${socket}" help:"Server URL." placeholder:"URL"`
	Sockmap bool             `help:"Use netstring framing instead of plain lines."`
	Timeout time.Duration    `default:"10s" help:"Time allowed for connecting and for the query."`
	Version kong.VersionFlag `help:"Show version information."`
	Map     string           `arg:"" help:"Map name."`
	Key     []string         `arg:"" help:"Key. Several words are joined with spaces."`
}

// The entry point for the smapc query client.
//
// Prints the reply to a single query. Exits 0 when the reply is OK, 1 on
// any other reply, and with a sysexits code when the query cannot be made.
func main() {
	out, err := logging.New(logging.Options{Stderr: true, Tag: internal.ClientName})
	if err == nil {
		slog.SetDefault(out.Logger)
	}

	kong.Parse(&CLI,
		kong.Name(internal.ClientName),
		kong.Description("Queries a socket map server."),
		kong.Vars{
			"version": internal.VersionString(internal.ClientName),
			"socket":  "unix://" + paths.Socket(),
		},
	)

	ok, err := query()
	if err != nil {
		slog.Error(err.Error())
		os.Exit(daemon.ExitUnavailable)
	}
	if !ok {
		os.Exit(1)
	}
}

// Sends the query and prints the reply. Reports whether it was OK.
func query() (bool, error) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c, err := client.Dial(ctx, client.Options{
		URL:     CLI.Server,
		Sockmap: CLI.Sockmap,
		Timeout: CLI.Timeout,
	})
	if err != nil {
		return false, err
	}
	defer c.Close()

	reply, err := c.Query(CLI.Map, strings.Join(CLI.Key, " "))
	if err != nil {
		return false, err
	}
	fmt.Println(reply)
	return client.IsOK(reply), nil
}
