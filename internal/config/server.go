package config

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
	"strings"

	"github.com/cruciblehq/smapd/internal/module"
	"github.com/cruciblehq/smapd/internal/privs"
)

// Connection protocols.
const (
	ProtocolLine    = "line"    // Newline-terminated requests and replies.
	ProtocolSockmap = "sockmap" // Length-prefixed records.
)

// A server block.
type Server struct {
	ID            string      // Unique server id.
	URL           string      // Listen address as written.
	Loc           module.Loc  // Where the server was declared.
	Backlog       int         // Listen backlog. 0 uses the global value.
	ReuseAddr     *bool       // Overrides the global reuseaddr when set.
	MaxChildren   int         // Per-server worker limit. 0 means only the global limit applies.
	SingleProcess *bool       // Overrides the global single-process when set.
	Privs         *privs.Info // Credentials for workers. Nil uses the global ones.
	OwnerUID      int         // Socket owner, or -1.
	OwnerGID      int         // Socket group, or -1.
	Mode          os.FileMode // Socket mode. 0 uses the global socket-mode.
	Protocol      string      // One of the Protocol* constants.
}

// Returns the server declared under id, or nil.
func (c *Config) Server(id string) *Server {
	for _, s := range c.Servers {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// Handles "server ID URL [begin]".
func (c *Config) beginServer(loc module.Loc, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("%w: server ID URL [begin]", ErrMissingArgument)
	}
	block := false
	switch {
	case len(args) == 3 && args[2] == "begin":
		block = true
	case len(args) > 2:
		return ErrExpectedBegin
	}

	s := &Server{
		ID:       args[0],
		URL:      args[1],
		Loc:      loc,
		OwnerUID: -1,
		OwnerGID: -1,
		Protocol: ProtocolLine,
	}
	if prev := c.Server(s.ID); prev != nil {
		if block {
			// Swallow the block so its statements are not read as global ones.
			c.block = s
		}
		return fmt.Errorf("server %s already declared at %s", s.ID, prev.Loc)
	}
	c.Servers = append(c.Servers, s)
	if block {
		c.block = s
	}
	c.trace(1, "server declared", "id", s.ID, "url", s.URL, "loc", loc.String())
	return nil
}

// Handles a statement inside a server block.
func (c *Config) serverStatement(loc module.Loc, words []string) {
	s := c.block
	kw, args := words[0], words[1:]
	if kw == "end" {
		if len(args) > 0 {
			c.report(loc, fmt.Errorf("end: %w", ErrTooManyArgs))
		}
		c.block = nil
		return
	}
	if c.Server(s.ID) != s {
		return
	}
	if err := s.set(kw, args); err != nil {
		c.report(loc, fmt.Errorf("%s: %w", kw, err))
	}
}

func (s *Server) set(kw string, args []string) error {
	switch kw {
	case "user", "group", "allgroups":
		if s.Privs == nil {
			s.Privs = &privs.Info{}
		}
		return setPrivs(s.Privs, kw, args)
	}

	arg, err := single(args)
	if err != nil {
		return err
	}
	switch kw {
	case "backlog":
		s.Backlog, err = parseNumber(arg)
	case "max-children":
		s.MaxChildren, err = parseNumber(arg)
	case "reuseaddr":
		s.ReuseAddr, err = parseBoolPtr(arg)
	case "single-process":
		s.SingleProcess, err = parseBoolPtr(arg)
	case "socket-owner":
		s.OwnerUID, s.OwnerGID, err = ParseOwner(arg)
	case "socket-mode":
		s.Mode, err = ParseMode(arg)
	case "protocol":
		switch arg {
		case ProtocolLine, ProtocolSockmap:
			s.Protocol = arg
		default:
			err = fmt.Errorf("%w: %s; expected %s or %s", ErrUnrecognized, arg, ProtocolLine, ProtocolSockmap)
		}
	default:
		err = fmt.Errorf("%w: %s", ErrUnrecognized, kw)
	}
	return err
}

func parseBoolPtr(s string) (*bool, error) {
	b, err := parseBool(s)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// Parses a file mode written in octal ("0660") or symbolically
// ("rw-rw----").
func ParseMode(s string) (os.FileMode, error) {
	if len(s) == 9 && strings.Trim(s, "rwx-") == "" {
		var m os.FileMode
		for i, c := range s {
			want := "rwx"[i%3]
			switch {
			case byte(c) == want:
				m |= 1 << (8 - i)
			case c != '-':
				return 0, fmt.Errorf("%w: %s", ErrBadMode, s)
			}
		}
		return m, nil
	}

	n, err := strconv.ParseUint(s, 8, 32)
	if err != nil || n > 0o777 {
		return 0, fmt.Errorf("%w: %s", ErrBadMode, s)
	}
	return os.FileMode(n), nil
}

// Parses "user", "user:group" or "user.group", by name or number. An
// omitted part is returned as -1.
func ParseOwner(s string) (uid, gid int, err error) {
	uid, gid = -1, -1
	name, group, hasGroup := strings.Cut(s, ":")
	if !hasGroup {
		name, group, hasGroup = strings.Cut(s, ".")
	}

	if name != "" {
		if uid, err = lookupID(name, true); err != nil {
			return -1, -1, err
		}
	}
	if hasGroup && group != "" {
		if gid, err = lookupID(group, false); err != nil {
			return -1, -1, err
		}
	}
	if uid < 0 && gid < 0 {
		return -1, -1, fmt.Errorf("%w: %q", ErrBadOwner, s)
	}
	return uid, gid, nil
}

func lookupID(name string, isUser bool) (int, error) {
	if n, err := strconv.Atoi(name); err == nil && n >= 0 {
		return n, nil
	}
	var id string
	if isUser {
		u, err := user.Lookup(name)
		if err != nil {
			return -1, fmt.Errorf("%w: no such user: %s", ErrBadOwner, name)
		}
		id = u.Uid
	} else {
		g, err := user.LookupGroup(name)
		if err != nil {
			return -1, fmt.Errorf("%w: no such group: %s", ErrBadOwner, name)
		}
		id = g.Gid
	}
	return strconv.Atoi(id)
}
