package dispatch

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/cruciblehq/smapd/internal/module"
)

// Dispatch rule keywords.
const (
	kwFrom      = "from"
	kwServer    = "server"
	kwMap       = "map"
	kwKey       = "key"
	kwNot       = "not"
	kwDatabase  = "database"
	kwTransform = "transform"
	kwDefault   = "default"
)

var operators = map[string]Op{
	"eq":      OpEq,
	"is":      OpEq,
	"like":    OpLike,
	"fnmatch": OpLike,
	"regexp":  OpRegexp,
}

// Consumes the words of one dispatch statement.
type parser struct {
	words []string
	pos   int
}

func (p *parser) more() bool {
	return p.pos < len(p.words)
}

func (p *parser) next() (string, error) {
	if !p.more() {
		return "", ErrUnfinished
	}
	w := p.words[p.pos]
	p.pos++
	return w, nil
}

// Parses the words following the "dispatch" keyword and appends the
// resulting rule to the chain.
//
//	default database ID
//	COND... database ID
//	COND... transform map|key ID
func (c *Chain) Parse(loc module.Loc, words []string) error {
	p := &parser{words: words}

	var (
		r   *Rule
		err error
	)
	if p.more() && words[0] == kwDefault {
		p.pos++
		r, err = p.parseDefault()
	} else {
		r, err = p.parseRule()
	}
	if err != nil {
		return err
	}
	r.Loc = loc
	c.rules = append(c.rules, r)
	return nil
}

func (p *parser) parseDefault() (*Rule, error) {
	w, err := p.next()
	if err != nil {
		return nil, err
	}
	if w != kwDatabase {
		return nil, fmt.Errorf("%w: expected database but found %s", ErrUnexpected, w)
	}
	id, err := p.next()
	if err != nil {
		return nil, err
	}
	if p.more() {
		return nil, ErrGarbage
	}
	return &Rule{Database: id}, nil
}

func (p *parser) parseRule() (*Rule, error) {
	r := &Rule{}
	for p.more() {
		w, _ := p.next()
		switch w {
		case kwDatabase, kwTransform:
			if w == kwTransform {
				target, err := p.next()
				if err != nil {
					return nil, err
				}
				switch target {
				case kwMap:
					r.Transform = TransformMap
				case kwKey:
					r.Transform = TransformKey
				default:
					return nil, fmt.Errorf("%w: %s; expected map or key", ErrUnexpected, target)
				}
			}
			id, err := p.next()
			if err != nil {
				return nil, err
			}
			if r.Database != "" {
				return nil, ErrDatabaseTwice
			}
			r.Database = id

		default:
			p.pos--
			cond, err := p.parseCondition()
			if err != nil {
				return nil, err
			}
			r.Conds = append(r.Conds, cond)
		}
	}
	if r.Database == "" {
		return nil, ErrNoDatabase
	}
	return r, nil
}

func (p *parser) parseCondition() (Condition, error) {
	w, err := p.next()
	if err != nil {
		return nil, err
	}
	switch w {
	case kwNot:
		sub, err := p.parseCondition()
		if err != nil {
			return nil, err
		}
		return Not{Cond: sub}, nil

	case kwFrom:
		arg, err := p.next()
		if err != nil {
			return nil, err
		}
		return parseFrom(arg)

	case kwServer:
		id, err := p.next()
		if err != nil {
			return nil, err
		}
		return ServerIs{ID: id}, nil

	case kwMap:
		return p.parseCompare(FieldMap)

	case kwKey:
		return p.parseCompare(FieldKey)

	case kwDatabase, kwTransform:
		return nil, fmt.Errorf("%w: %s; expected one of: not, from, server, map, key", ErrUnexpected, w)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownKeyword, w)
}

// Parses "[OP] PATTERN". A pattern without an operator is compared for
// equality.
func (p *parser) parseCompare(field Field) (Condition, error) {
	w, err := p.next()
	if err != nil {
		return nil, err
	}
	op := OpEq
	if o, ok := operators[w]; ok {
		op = o
		if w, err = p.next(); err != nil {
			return nil, err
		}
	}
	return NewCompare(field, op, w)
}

// Parses a source address: an absolute UNIX socket path, or an IP address
// or host name with an optional /N or dotted netmask.
func parseFrom(arg string) (Condition, error) {
	if strings.HasPrefix(arg, "/") {
		return FromUnix{Path: arg}, nil
	}

	host, mask, hasMask := strings.Cut(arg, "/")
	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil || len(ips) == 0 {
			return nil, fmt.Errorf("%w: cannot resolve host name: %s", ErrBadAddress, host)
		}
		ip = ips[0]
		for _, a := range ips {
			if a.To4() != nil {
				ip = a
				break
			}
		}
	}
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	bits := len(ip) * 8

	m := net.CIDRMask(bits, bits)
	if hasMask {
		if n, err := strconv.Atoi(mask); err == nil {
			if n < 0 || n > bits {
				return nil, fmt.Errorf("%w: %s", ErrBadNetmask, mask)
			}
			m = net.CIDRMask(n, bits)
		} else if mip := net.ParseIP(mask).To4(); mip != nil && bits == 32 {
			m = net.IPv4Mask(mip[0], mip[1], mip[2], mip[3])
		} else {
			return nil, fmt.Errorf("%w: %s", ErrBadNetmask, mask)
		}
	}
	return FromInet{IP: ip.Mask(m), Mask: m}, nil
}
