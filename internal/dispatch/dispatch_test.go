package dispatch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cruciblehq/smapd/internal/module"
	"github.com/cruciblehq/smapd/internal/module/echo"
	"github.com/cruciblehq/smapd/internal/module/sed"
)

// A module whose databases fail on demand, selected by their first argument.
var faultyType = module.Type{
	Name:         "faulty",
	Version:      module.APIVersion,
	Capabilities: module.CapQuery | module.CapXform,
	New:          func() module.Module { return faultyModule{} },
}

type faultyModule struct{}

func (faultyModule) Init([]string) error { return nil }

func (faultyModule) InitDB(_ string, args []string) (module.Database, error) {
	mode := ""
	if len(args) > 0 {
		mode = args[0]
	}
	return &faultyDB{mode: mode}, nil
}

type faultyDB struct {
	module.NopDatabase
	mode string
}

func (d *faultyDB) Open(context.Context) error {
	if d.mode == "open" {
		return errors.New("backend down")
	}
	return nil
}

func (d *faultyDB) Query(_ context.Context, w io.Writer, _, _ string, _ *module.ConnInfo) error {
	io.WriteString(w, "partial")
	return errors.New("query failed")
}

func (d *faultyDB) Transform(context.Context, *module.ConnInfo, string) (string, error) {
	return "", errors.New("transform failed")
}

type decl struct {
	id, module string
	args       []string
}

// Builds a registry from database declarations and a chain from dispatch
// statements, then links them.
func setup(t *testing.T, dbs []decl, rules ...[]string) *Chain {
	t.Helper()
	reg := module.NewRegistry(module.Catalog{
		echo.Type.Name:  echo.Type,
		sed.Type.Name:   sed.Type,
		faultyType.Name: faultyType,
	}, nil, nil)
	for _, d := range dbs {
		require.NoError(t, reg.DeclareDatabase(module.Loc{}, d.id, d.module, d.args))
	}
	require.NoError(t, reg.Load())
	require.NoError(t, reg.InitDatabases())

	c := NewChain(nil, nil, nil)
	for i, words := range rules {
		require.NoError(t, c.Parse(module.Loc{File: "test.conf", Line: i + 1}, words))
	}
	require.Zero(t, c.Link(reg))
	return c
}

func dispatch(t *testing.T, c *Chain, q Query) string {
	t.Helper()
	var out bytes.Buffer
	require.NoError(t, c.Dispatch(context.Background(), q, &out))
	return out.String()
}

func words(s ...string) []string { return s }

func TestEchoScenario(t *testing.T) {
	c := setup(t,
		[]decl{{"d1", "echo", []string{"arg1", "arg2"}}},
		words("map", "m", "database", "d1"),
	)
	assert.Equal(t, "arg1 arg2\n", dispatch(t, c, Query{Map: "m", Key: "somekey"}))
}

func TestNoMatch(t *testing.T) {
	c := setup(t,
		[]decl{{"d1", "echo", []string{"OK"}}},
		words("map", "m", "database", "d1"),
	)
	assert.Equal(t, "NOTFOUND\n", dispatch(t, c, Query{Map: "x", Key: "y"}))
	assert.Equal(t, "NOTFOUND\n", dispatch(t, NewChain(nil, nil, nil), Query{Map: "x", Key: "y"}))
}

func TestFirstMatchWins(t *testing.T) {
	c := setup(t,
		[]decl{
			{"a", "echo", []string{"A"}},
			{"b", "echo", []string{"B"}},
			{"c", "echo", []string{"C"}},
		},
		words("map", "like", "al*", "database", "a"),
		words("map", "aliases", "database", "b"),
		words("default", "database", "c"),
	)
	assert.Equal(t, "A\n", dispatch(t, c, Query{Map: "aliases"}))
	assert.Equal(t, "C\n", dispatch(t, c, Query{Map: "other"}))
}

func TestConditionsAreConjunctive(t *testing.T) {
	c := setup(t,
		[]decl{{"a", "echo", []string{"A"}}, {"z", "echo", []string{"Z"}}},
		words("map", "m", "key", "eq", "k", "database", "a"),
		words("default", "database", "z"),
	)
	assert.Equal(t, "A\n", dispatch(t, c, Query{Map: "m", Key: "k"}))
	assert.Equal(t, "Z\n", dispatch(t, c, Query{Map: "m", Key: "j"}))
	assert.Equal(t, "Z\n", dispatch(t, c, Query{Map: "n", Key: "k"}))
}

func TestNotServer(t *testing.T) {
	c := setup(t,
		[]decl{{"a", "echo", []string{"A"}}},
		words("not", "server", "S1", "database", "a"),
	)
	assert.Equal(t, "A\n", dispatch(t, c, Query{Server: "S2"}))
	assert.Equal(t, "NOTFOUND\n", dispatch(t, c, Query{Server: "S1"}))
}

func TestFromNetmask(t *testing.T) {
	c := setup(t,
		[]decl{{"lan", "echo", []string{"LAN"}}, {"v6", "echo", []string{"V6"}}},
		words("from", "192.168.1.0/24", "database", "lan"),
		words("from", "2001:db8::/32", "database", "v6"),
	)
	from := func(ip string) Query {
		return Query{Conn: &module.ConnInfo{Src: &net.TCPAddr{IP: net.ParseIP(ip), Port: 1234}}}
	}
	assert.Equal(t, "LAN\n", dispatch(t, c, from("192.168.1.77")))
	assert.Equal(t, "LAN\n", dispatch(t, c, from("192.168.1.255")))
	assert.Equal(t, "NOTFOUND\n", dispatch(t, c, from("192.168.2.1")))
	assert.Equal(t, "V6\n", dispatch(t, c, from("2001:db8::1")))
	assert.Equal(t, "NOTFOUND\n", dispatch(t, c, from("2001:db9::1")))
	assert.Equal(t, "NOTFOUND\n", dispatch(t, c, Query{}))
}

func TestFromUnixPath(t *testing.T) {
	c := setup(t,
		[]decl{{"a", "echo", []string{"A"}}},
		words("from", "/run/client.sock", "database", "a"),
	)
	unix := func(name string) Query {
		return Query{Conn: &module.ConnInfo{Src: &net.UnixAddr{Name: name, Net: "unix"}}}
	}
	assert.Equal(t, "A\n", dispatch(t, c, unix("/run/client.sock")))
	assert.Equal(t, "NOTFOUND\n", dispatch(t, c, unix("/run/other.sock")))
	assert.Equal(t, "NOTFOUND\n", dispatch(t, c, unix("")))
}

func TestNegationInvertsEveryVariant(t *testing.T) {
	q := &Query{
		Server: "S1",
		Map:    "aliases",
		Key:    "root",
		Conn:   &module.ConnInfo{Src: &net.TCPAddr{IP: net.ParseIP("10.1.2.3")}},
	}
	glob, err := NewCompare(FieldMap, OpLike, "ali*")
	require.NoError(t, err)
	re, err := NewCompare(FieldKey, OpRegexp, "/^R/i")
	require.NoError(t, err)

	conds := []Condition{
		ServerIs{ID: "S1"},
		ServerIs{ID: "S2"},
		FromUnix{Path: "/x"},
		Compare{Field: FieldKey, Op: OpEq, Pattern: "root"},
		glob,
		re,
	}
	from, err := parseFrom("10.0.0.0/8")
	require.NoError(t, err)
	conds = append(conds, from)

	for _, c := range conds {
		assert.Equal(t, !c.Match(q), Not{Cond: c}.Match(q), c.String())
		assert.Equal(t, c.Match(q), Not{Cond: Not{Cond: c}}.Match(q), c.String())
	}
}

func TestTransformResumesAfterRule(t *testing.T) {
	c := setup(t,
		[]decl{
			{"first", "echo", []string{"FIRST"}},
			{"strip", "sed", []string{`s/\+[^@]*@/@/`}},
			{"second", "echo", []string{"SECOND"}},
		},
		words("key", "user@host", "database", "first"),
		words("key", "like", "*+*", "transform", "key", "strip"),
		words("key", "user@host", "database", "second"),
	)
	// The rewritten key matches the first rule too, but scanning resumes
	// after the transform.
	assert.Equal(t, "SECOND\n", dispatch(t, c, Query{Key: "user+tag@host"}))
	assert.Equal(t, "FIRST\n", dispatch(t, c, Query{Key: "user@host"}))
}

func TestTransformChain(t *testing.T) {
	c := setup(t,
		[]decl{
			{"lower", "sed", []string{`s/.*/\L&/`}},
			{"rename", "sed", []string{`s/^virtual$/aliases/`}},
			{"reply", "sed", []string{"positive-reply=OK ${map} ${key}", "negative-reply=OK ${map} ${key}", "s/x/x/"}},
		},
		words("transform", "key", "lower"),
		words("map", "virtual", "transform", "map", "rename"),
		words("map", "aliases", "database", "reply"),
	)
	assert.Equal(t, "OK aliases root\n", dispatch(t, c, Query{Map: "virtual", Key: "ROOT"}))
}

func TestTransformAsLastRule(t *testing.T) {
	c := setup(t,
		[]decl{{"strip", "sed", []string{"s/a/b/"}}},
		words("transform", "key", "strip"),
	)
	assert.Equal(t, "NOTFOUND\n", dispatch(t, c, Query{Key: "a"}))
}

func TestTransformFailureContinues(t *testing.T) {
	c := setup(t,
		[]decl{{"bad", "faulty", nil}, {"a", "echo", []string{"A"}}},
		words("transform", "key", "bad"),
		words("key", "k", "database", "a"),
	)
	assert.Equal(t, "A\n", dispatch(t, c, Query{Key: "k"}))
}

func TestOpenFailureRepliesNotFound(t *testing.T) {
	c := setup(t,
		[]decl{{"down", "faulty", []string{"open"}}, {"a", "echo", []string{"A"}}},
		words("map", "m", "database", "down"),
		words("default", "database", "a"),
	)
	assert.Equal(t, "NOTFOUND\n", dispatch(t, c, Query{Map: "m"}))
	assert.Equal(t, "A\n", dispatch(t, c, Query{Map: "n"}))
}

func TestQueryErrorRepliesNotFound(t *testing.T) {
	c := setup(t,
		[]decl{{"bad", "faulty", nil}, {"a", "echo", []string{"A"}}},
		words("map", "m", "database", "bad"),
		words("default", "database", "a"),
	)
	assert.Equal(t, "NOTFOUND\n", dispatch(t, c, Query{Map: "m"}))
}

func TestLinkRemovesBrokenRules(t *testing.T) {
	reg := module.NewRegistry(module.Catalog{echo.Type.Name: echo.Type}, nil, nil)
	require.NoError(t, reg.DeclareDatabase(module.Loc{}, "e", "echo", []string{"E"}))
	require.NoError(t, reg.Load())
	require.NoError(t, reg.InitDatabases())

	c := NewChain(nil, nil, nil)
	require.NoError(t, c.Parse(module.Loc{Line: 1}, words("map", "a", "database", "missing")))
	require.NoError(t, c.Parse(module.Loc{Line: 2}, words("transform", "key", "e")))
	require.NoError(t, c.Parse(module.Loc{Line: 3}, words("default", "database", "e")))

	assert.Equal(t, 2, c.Link(reg))
	require.Equal(t, 1, c.Len())
	assert.Equal(t, 3, c.Rules()[0].Loc.Line)
}

func TestParse(t *testing.T) {
	c := NewChain(nil, nil, nil)
	require.NoError(t, c.Parse(module.Loc{}, words("not", "from", "10.0.0.0/255.0.0.0", "server", "s", "map", "regexp", "/^a/", "transform", "map", "db")))

	r := c.Rules()[0]
	assert.Equal(t, "db", r.Database)
	assert.Equal(t, TransformMap, r.Transform)
	require.Len(t, r.Conds, 3)
	assert.Equal(t, "not from 10.0.0.0/8", r.Conds[0].String())
	assert.Equal(t, "server s", r.Conds[1].String())
	assert.Equal(t, "map regexp /^a/", r.Conds[2].String())
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		words []string
		want  error
	}{
		{words("map", "m", "database", "a", "database", "b"), ErrDatabaseTwice},
		{words("map", "m"), ErrNoDatabase},
		{words("default", "database", "a", "extra"), ErrGarbage},
		{words("default", "map", "a"), ErrUnexpected},
		{words("bogus", "database", "a"), ErrUnknownKeyword},
		{words("transform", "server", "a"), ErrUnexpected},
		{words("map"), ErrUnfinished},
		{words("not"), ErrUnfinished},
		{words("from", "10.0.0.0/33", "database", "a"), ErrBadNetmask},
		{words("from", "10.0.0.0/x", "database", "a"), ErrBadNetmask},
		{words("key", "regexp", "/(/", "database", "a"), ErrBadRegexp},
		{words("key", "regexp", "abc", "database", "a"), ErrBadRegexp},
		{words("key", "regexp", "/abc/q", "database", "a"), ErrBadRegexp},
		{words("key", "regexp", "/abc", "database", "a"), ErrBadRegexp},
	}
	for _, tt := range tests {
		err := NewChain(nil, nil, nil).Parse(module.Loc{}, tt.words)
		assert.ErrorIs(t, err, tt.want, "%v", tt.words)
	}
}

func TestCompileRegexp(t *testing.T) {
	tests := []struct {
		pattern, in string
		want        bool
	}{
		{"/^abc$/", "abc", true},
		{"/^abc$/", "ABC", false},
		{"/^abc$/i", "ABC", true},
		{"|a/b|", "xa/by", true},
		{`/^\(ab\)\{2\}$/b`, "abab", true},
		{`/^(ab)$/b`, "(ab)", true},
		{`/^a+$/b`, "a+", true},
		{`/^a\+$/b`, "aaa", true},
		{`/*x/b`, "*x", true},
		{`/^[(]$/b`, "(", true},
		{`/^[[:digit:]]+$/`, "123", true},
	}
	for _, tt := range tests {
		re, err := CompileRegexp(tt.pattern)
		require.NoError(t, err, tt.pattern)
		assert.Equal(t, tt.want, re.MatchString(tt.in), "%s on %q", tt.pattern, tt.in)
	}
}
