package srvman

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// A listen address.
type Address struct {
	Network string // "unix", "tcp", "tcp4" or "tcp6".
	Addr    string // Socket path or host:port.
}

// Reports whether a is a UNIX socket address.
func (a Address) IsUnix() bool {
	return a.Network == "unix"
}

func (a Address) String() string {
	if a.IsUnix() {
		return "unix://" + a.Addr
	}
	return a.Network + "://" + a.Addr
}

// Parses a server URL.
//
// Accepted forms are unix:///path, local:///path, file:///path, a bare
// absolute path, inet://host:port, inet6://[host]:port and tcp://host:port.
func ParseURL(s string) (Address, error) {
	if strings.HasPrefix(s, "/") {
		return Address{Network: "unix", Addr: s}, nil
	}

	u, err := url.Parse(s)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %s: %v", ErrBadURL, s, err)
	}

	switch u.Scheme {
	case "unix", "local", "file":
		path := u.Path
		if u.Host != "" {
			// unix://relative/path
			path = u.Host + path
		}
		if path == "" {
			return Address{}, fmt.Errorf("%w: %s: missing socket path", ErrBadURL, s)
		}
		return Address{Network: "unix", Addr: path}, nil

	case "inet", "inet6", "tcp":
		host, port, err := net.SplitHostPort(u.Host)
		if err != nil {
			return Address{}, fmt.Errorf("%w: %s: %v", ErrBadURL, s, err)
		}
		if port == "" {
			return Address{}, fmt.Errorf("%w: %s: missing port", ErrBadURL, s)
		}
		network := "tcp"
		switch u.Scheme {
		case "inet":
			network = "tcp4"
		case "inet6":
			network = "tcp6"
		}
		return Address{Network: network, Addr: net.JoinHostPort(host, port)}, nil
	}
	return Address{}, fmt.Errorf("%w: %s: unsupported scheme %q", ErrBadURL, s, u.Scheme)
}
