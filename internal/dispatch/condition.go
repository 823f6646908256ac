package dispatch

import (
	"fmt"
	"net"
	"regexp"

	"github.com/gobwas/glob"
)

// A rule condition. The variants are [Not], [FromInet], [FromUnix],
// [ServerIs] and [Compare].
type Condition interface {
	Match(q *Query) bool
	String() string
	condition()
}

// Inverts a condition.
type Not struct {
	Cond Condition
}

func (c Not) Match(q *Query) bool { return !c.Cond.Match(q) }
func (c Not) String() string      { return "not " + c.Cond.String() }
func (Not) condition()            {}

// Matches queries whose peer address lies in a network.
type FromInet struct {
	IP   net.IP     // Network address, already masked.
	Mask net.IPMask // Network mask.
}

func (c FromInet) Match(q *Query) bool {
	ip := peerIP(q)
	if ip == nil {
		return false
	}
	if len(c.IP) == net.IPv4len {
		if ip = ip.To4(); ip == nil {
			return false
		}
	}
	return (&net.IPNet{IP: c.IP, Mask: c.Mask}).Contains(ip)
}

func (c FromInet) String() string {
	ones, _ := c.Mask.Size()
	return fmt.Sprintf("from %s/%d", c.IP, ones)
}

func (FromInet) condition() {}

// Matches queries from a UNIX socket peer bound to Path.
//
// Unnamed peers never match.
type FromUnix struct {
	Path string
}

func (c FromUnix) Match(q *Query) bool {
	if q.Conn == nil {
		return false
	}
	ua, ok := q.Conn.Src.(*net.UnixAddr)
	if !ok || ua == nil {
		return false
	}
	return c.Path != "" && ua.Name != "" && ua.Name == c.Path
}

func (c FromUnix) String() string { return "from " + c.Path }
func (FromUnix) condition()       {}

// Matches queries received by the server with the given id.
type ServerIs struct {
	ID string
}

func (c ServerIs) Match(q *Query) bool { return q.Server == c.ID }
func (c ServerIs) String() string      { return "server " + c.ID }
func (ServerIs) condition()            {}

// Query field examined by a [Compare] condition.
type Field int

const (
	FieldMap Field = iota
	FieldKey
)

func (f Field) String() string {
	if f == FieldKey {
		return "key"
	}
	return "map"
}

// Comparison operator.
type Op int

const (
	OpEq     Op = iota // Exact string equality.
	OpLike             // Shell glob.
	OpRegexp           // Regular expression.
)

func (o Op) String() string {
	switch o {
	case OpLike:
		return "like"
	case OpRegexp:
		return "regexp"
	}
	return "eq"
}

// Compares the map or key against a pattern.
type Compare struct {
	Field   Field
	Op      Op
	Pattern string         // Pattern as written.
	glob    glob.Glob      // Compiled pattern for OpLike.
	re      *regexp.Regexp // Compiled pattern for OpRegexp.
}

// Creates a comparison, compiling the pattern as op requires.
//
// For [OpRegexp] the pattern is written /re/flags; see [CompileRegexp].
func NewCompare(field Field, op Op, pattern string) (Compare, error) {
	c := Compare{Field: field, Op: op, Pattern: pattern}
	switch op {
	case OpLike:
		g, err := glob.Compile(pattern)
		if err != nil {
			return c, fmt.Errorf("%w: %s: %v", ErrBadGlob, pattern, err)
		}
		c.glob = g
	case OpRegexp:
		re, err := CompileRegexp(pattern)
		if err != nil {
			return c, err
		}
		c.re = re
	}
	return c, nil
}

func (c Compare) Match(q *Query) bool {
	s := q.Map
	if c.Field == FieldKey {
		s = q.Key
	}
	switch c.Op {
	case OpLike:
		return c.glob.Match(s)
	case OpRegexp:
		return c.re.MatchString(s)
	}
	return s == c.Pattern
}

func (c Compare) String() string {
	return fmt.Sprintf("%s %s %s", c.Field, c.Op, c.Pattern)
}

func (Compare) condition() {}

// Returns the peer IP address of the query's connection, or nil.
func peerIP(q *Query) net.IP {
	if q.Conn == nil {
		return nil
	}
	switch a := q.Conn.Src.(type) {
	case *net.TCPAddr:
		if a != nil {
			return a.IP
		}
	case *net.UDPAddr:
		if a != nil {
			return a.IP
		}
	case *net.IPAddr:
		if a != nil {
			return a.IP
		}
	}
	return nil
}

// Reports whether every condition matches. An empty list always matches.
func matchAll(conds []Condition, q *Query) bool {
	for _, c := range conds {
		if !c.Match(q) {
			return false
		}
	}
	return true
}
