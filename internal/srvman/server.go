package srvman

import (
	"net"
	"os"
)

// Server states.
const (
	StateClosed    = "closed"    // Declared, not listening.
	StateListening = "listening" // Accepting connections.
	StateBusy      = "busy"      // At its worker limit.
	StateShutdown  = "shutdown"  // Listener closed.
)

// Owner applied to a UNIX socket when the daemon runs as root.
type SocketOwner struct {
	UID int // -1 leaves the owner unchanged.
	GID int // -1 leaves the group unchanged.
}

// A listening socket and the workers serving its connections.
type Server struct {
	ID            string       // Unique server id.
	URL           string       // Listen address, see [ParseURL].
	Backlog       int          // Listen backlog. 0 uses SOMAXCONN.
	ReuseAddr     bool         // Set SO_REUSEADDR, or replace a stale UNIX socket.
	MaxChildren   int          // Per-server worker limit. 0 means only the global limit applies.
	SingleProcess bool         // Serve connections inline, one at a time.
	Mode          os.FileMode  // UNIX socket mode. 0 uses [DefaultSocketMode].
	Owner         *SocketOwner // UNIX socket owner. May be nil.

	// Called before a worker is started. Returning false drops the
	// connection. May be nil.
	PreSpawn func(srv *Server, conn net.Conn) bool

	Data any            // Per-server data for handlers.
	Free func(data any) // Releases Data on shutdown. May be nil.

	addr     Address             // Parsed URL.
	listener net.Listener        // Live listener, nil when not listening.
	state    string              // One of the State* constants.
	arm      chan struct{}       // Accept tokens.
	armed    bool                // Whether a token is outstanding.
	waiting  int                 // Accepted connections deferred by the global limit.
	workers  map[Worker]struct{} // Running workers.
}

// Returns the parsed listen address.
func (s *Server) Address() Address {
	return s.addr
}

// Returns the bound address, or nil when not listening.
func (s *Server) ListenAddr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) full() bool {
	return s.MaxChildren > 0 && len(s.workers)+s.waiting >= s.MaxChildren
}

func (s *Server) listenOptions() listenOptions {
	o := listenOptions{backlog: s.Backlog, reuseAddr: s.ReuseAddr, mode: s.Mode, uid: -1, gid: -1}
	if s.Owner != nil {
		o.uid, o.gid = s.Owner.UID, s.Owner.GID
	}
	return o
}
