package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/cruciblehq/smapd/internal/sockmap"
	"github.com/cruciblehq/smapd/internal/srvman"
)

// Default time allowed for connecting and for each query.
const DefaultTimeout = 10 * time.Second

// Connection settings.
type Options struct {
	URL     string        // Server URL, as accepted by [srvman.ParseURL].
	Sockmap bool          // Frame requests and replies as netstrings.
	Timeout time.Duration // Zero means [DefaultTimeout]. Negative disables it.
}

// A connection to a socket map server.
type Client struct {
	conn    net.Conn
	r       *bufio.Reader
	sockmap bool
	timeout time.Duration
}

// Connects to the server at opts.URL.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	addr, err := srvman.ParseURL(opts.URL)
	if err != nil {
		return nil, err
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	d := net.Dialer{}
	if timeout > 0 {
		d.Timeout = timeout
	}
	conn, err := d.DialContext(ctx, addr.Network, addr.Addr)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrConnection, addr, err)
	}
	return New(conn, opts.Sockmap, timeout), nil
}

// Wraps an established connection.
func New(conn net.Conn, sockmap bool, timeout time.Duration) *Client {
	return &Client{
		conn:    conn,
		r:       bufio.NewReader(conn),
		sockmap: sockmap,
		timeout: timeout,
	}
}

// Looks up key in the map named mapName and returns the reply, without the
// line terminator.
//
// The map name may not contain white space; the key may, but not newlines.
func (c *Client) Query(mapName, key string) (string, error) {
	if mapName == "" {
		return "", ErrNoMap
	}
	if strings.ContainsAny(mapName, " \t\n") {
		return "", fmt.Errorf("%w: %q", ErrBadMap, mapName)
	}
	if strings.ContainsRune(key, '\n') {
		return "", ErrBadKey
	}

	if c.timeout > 0 {
		if err := c.conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
			return "", err
		}
	}

	req := mapName + " " + key
	var out []byte
	if c.sockmap {
		out = sockmap.Encode([]byte(req))
	} else {
		out = []byte(req + "\n")
	}
	if _, err := c.conn.Write(out); err != nil {
		return "", err
	}

	if c.sockmap {
		reply, err := sockmap.Decode(c.r)
		if errors.Is(err, io.EOF) {
			return "", ErrNoReply
		}
		return string(reply), err
	}

	line, err := c.r.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) {
			return "", ErrNoReply
		}
		return "", err
	}
	return strings.TrimSuffix(line, "\n"), nil
}

// Closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Reports whether reply is a positive answer.
func IsOK(reply string) bool {
	return reply == "OK" || strings.HasPrefix(reply, "OK ")
}
