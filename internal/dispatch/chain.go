package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/cruciblehq/smapd/internal/logging"
	"github.com/cruciblehq/smapd/internal/metrics"
	"github.com/cruciblehq/smapd/internal/module"
)

// Reply written when no rule answers a query.
const NotFound = "NOTFOUND\n"

// Label used for queries no database answered.
const noDatabase = "none"

// Field rewritten by a transform rule.
type Transform int

const (
	TransformNone Transform = iota
	TransformMap
	TransformKey
)

func (t Transform) String() string {
	switch t {
	case TransformMap:
		return "map"
	case TransformKey:
		return "key"
	}
	return "none"
}

// A dispatch rule.
type Rule struct {
	Loc       module.Loc               // Where the rule was declared.
	Conds     []Condition              // Conditions, all of which must hold.
	Database  string                   // Id of the target database.
	Transform Transform                // Field rewritten, or TransformNone for a query rule.
	db        *module.DatabaseInstance // Target database, set by Link.
}

func (r *Rule) String() string {
	var b strings.Builder
	if len(r.Conds) == 0 {
		b.WriteString("default ")
	}
	for _, c := range r.Conds {
		b.WriteString(c.String())
		b.WriteByte(' ')
	}
	if r.Transform != TransformNone {
		fmt.Fprintf(&b, "transform %s %s", r.Transform, r.Database)
	} else {
		fmt.Fprintf(&b, "database %s", r.Database)
	}
	return b.String()
}

// A query as seen by the rules.
type Query struct {
	Server string           // Id of the server the query arrived on.
	Conn   *module.ConnInfo // Connection addresses. May be nil.
	Map    string
	Key    string
}

// Ordered list of dispatch rules.
type Chain struct {
	rules   []*Rule
	logger  *slog.Logger
	debug   logging.Debug
	metrics *metrics.Metrics
}

// Creates an empty chain. m may be nil.
func NewChain(logger *slog.Logger, debug logging.Debug, m *metrics.Metrics) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{logger: logger, debug: debug, metrics: m}
}

// Replaces the diagnostics logger.
func (c *Chain) SetLogger(logger *slog.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// Returns the rules in declaration order.
func (c *Chain) Rules() []*Rule {
	return c.rules
}

// Returns the number of rules.
func (c *Chain) Len() int {
	return len(c.rules)
}

func (c *Chain) trace(category string, level int, msg string, args ...any) {
	if c.debug.Level(category) >= level {
		c.logger.Debug(msg, args...)
	}
}

// Resolves every rule's database in reg.
//
// Rules naming a missing database, or one whose module lacks the capability
// the rule needs, are removed. Returns the number of rules removed.
func (c *Chain) Link(reg *module.Registry) int {
	kept := c.rules[:0]
	removed := 0
	for _, r := range c.rules {
		if err := r.link(reg); err != nil {
			c.logger.Error("removing dispatch rule", "loc", r.Loc.String(), "error", err)
			removed++
			continue
		}
		kept = append(kept, r)
	}
	for i := len(kept); i < len(c.rules); i++ {
		c.rules[i] = nil
	}
	c.rules = kept
	return removed
}

func (r *Rule) link(reg *module.Registry) error {
	db := reg.Lookup(r.Database)
	if db == nil {
		return fmt.Errorf("%w: %s", ErrNoSuchDatabase, r.Database)
	}
	caps := db.Capabilities()
	if r.Transform != TransformNone {
		if caps&module.CapXform == 0 {
			return fmt.Errorf("%w: %s", ErrNoTransform, r.Database)
		}
	} else if caps&module.CapQuery == 0 {
		return fmt.Errorf("%w: %s", ErrNoQuery, r.Database)
	}
	r.db = db
	return nil
}

// Returns the first rule at or after start whose conditions match, and its
// index.
func (c *Chain) find(q *Query, start int) (*Rule, int) {
	for i := start; i < len(c.rules); i++ {
		r := c.rules[i]
		c.trace(logging.CatQuery, 2, "trying rule", "loc", r.Loc.String())
		if matchAll(r.Conds, q) {
			return r, i
		}
	}
	return nil, -1
}

// Routes q through the rules and writes the reply to w.
//
// Transforms rewrite q's map or key for the rest of the scan, which resumes
// at the rule after the transform. A failed transform is logged and the scan
// resumes all the same. A query rule ends the dispatch. A failed query, a
// database that cannot be opened, or the absence of a matching rule all
// produce the "NOTFOUND" reply. The returned error is that of writing to w.
func (c *Chain) Dispatch(ctx context.Context, q Query, w io.Writer) error {
	c.trace(logging.CatQuery, 1, "dispatching query", "map", q.Map, "key", q.Key)

	start := 0
	for start < len(c.rules) {
		r, i := c.find(&q, start)
		if r == nil {
			break
		}
		c.trace(logging.CatQuery, 1, "rule matched", "loc", r.Loc.String(), "database", r.Database)

		if !r.db.Opened() {
			c.trace(logging.CatDatabase, 2, "opening database", "database", r.Database)
			if err := r.db.Open(ctx); err != nil {
				c.logger.Error("cannot open database", "database", r.Database, "error", err)
				c.count(r, metrics.ResultError)
				_, err := io.WriteString(w, NotFound)
				return err
			}
		}

		if r.Transform != TransformNone {
			c.transform(ctx, r, &q)
			start = i + 1
			continue
		}

		var reply bytes.Buffer
		if err := r.db.Query(ctx, &reply, q.Map, q.Key, q.Conn); err != nil {
			c.logger.Error("query failed", "loc", r.Loc.String(), "database", r.Database, "error", err)
			c.count(r, metrics.ResultError)
			break
		}
		if bytes.HasPrefix(reply.Bytes(), []byte("NOTFOUND")) {
			c.count(r, metrics.ResultNotFound)
		} else {
			c.count(r, metrics.ResultFound)
		}
		_, err := w.Write(reply.Bytes())
		return err
	}

	c.logger.Info("no database matches", "map", q.Map, "key", q.Key)
	c.count(nil, metrics.ResultNotFound)
	_, err := io.WriteString(w, NotFound)
	return err
}

func (c *Chain) transform(ctx context.Context, r *Rule, q *Query) {
	field := &q.Map
	if r.Transform == TransformKey {
		field = &q.Key
	}
	out, err := r.db.Transform(ctx, q.Conn, *field)
	if err != nil {
		c.logger.Warn("transformation failed", "loc", r.Loc.String(), "database", r.Database, "error", err)
		c.countTransform(r, metrics.ResultError)
		return
	}
	c.trace(logging.CatQuery, 1, "transformed", "loc", r.Loc.String(), "field", r.Transform.String(), "from", *field, "to", out)
	c.countTransform(r, metrics.ResultOK)
	*field = out
}

func (c *Chain) count(r *Rule, result string) {
	if c.metrics == nil {
		return
	}
	db := noDatabase
	if r != nil {
		db = r.Database
	}
	c.metrics.Queries.WithLabelValues(db, result).Inc()
}

func (c *Chain) countTransform(r *Rule, result string) {
	if c.metrics != nil {
		c.metrics.Transforms.WithLabelValues(r.Database, result).Inc()
	}
}
