package sed

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"

	"github.com/cruciblehq/smapd/internal/module"
)

func TestApply(t *testing.T) {
	tests := []struct {
		expr, in, want string
	}{
		{`s/a/b/`, "banana", "bbnana"},
		{`s/a/b/g`, "banana", "bbnbnb"},
		{`s/a/b/2`, "banana", "banbna"},
		{`s/a/b/2g`, "banana", "banbnb"},
		{`s/(.*)@(.*)/\2!\1/`, "user@example.org", "example.org!user"},
		{`s/.*/<&>/`, "x", "<x>"},
		{`s|/|_|g`, "a/b/c", "a_b_c"},
		{`s/A/x/i`, "bAa", "bxa"},
		{`s/.*/\U&/`, "abc", "ABC"},
		{`s/(.)(.*)/\u\1\2/`, "root", "Root"},
		{`s/.*/\L&\E!/`, "ABC", "abc!"},
		{`s/x*/-/g`, "abc", "-a-b-c-"},
		{`s/a/b/;s/b/c/g`, "ab", "cc"},
		{`s/\+[^@]*@/@/`, "user+tag@host", "user@host"},
	}
	for _, tt := range tests {
		prog, err := Compile(tt.expr, false)
		if err != nil {
			t.Fatalf("Compile(%q): %v", tt.expr, err)
		}
		if got := prog.Apply(tt.in); got != tt.want {
			t.Fatalf("%s on %q = %q, want %q", tt.expr, tt.in, got, tt.want)
		}
	}
}

func TestCompileErrors(t *testing.T) {
	tests := map[string]error{
		"y/a/b/":  ErrSyntax,
		"s/a/b":   ErrSyntax,
		"s/a":     ErrSyntax,
		"s/a/b/q": ErrBadFlag,
		"s/(/b/":  ErrSyntax,
	}
	for expr, want := range tests {
		if _, err := Compile(expr, false); !errors.Is(err, want) {
			t.Fatalf("Compile(%q) = %v, want %v", expr, err, want)
		}
	}
}

func newDB(t *testing.T, moduleArgs, dbArgs []string) *module.DatabaseInstance {
	t.Helper()
	reg := module.NewRegistry(module.Catalog{Type.Name: Type}, nil, nil)
	if err := reg.DeclareModule(module.Loc{}, "sed", "sed", moduleArgs); err != nil {
		t.Fatal(err)
	}
	if err := reg.DeclareDatabase(module.Loc{}, "db", "sed", dbArgs); err != nil {
		t.Fatal(err)
	}
	if err := reg.Load(); err != nil {
		t.Fatal(err)
	}
	if err := reg.InitDatabases(); err != nil {
		t.Fatal(err)
	}
	return reg.Lookup("db")
}

func TestQueryReplies(t *testing.T) {
	db := newDB(t, nil, []string{`s/\+[^@]*@/@/`})

	var out bytes.Buffer
	if err := db.Query(context.Background(), &out, "virtual", "user+tag@host", nil); err != nil {
		t.Fatal(err)
	}
	if out.String() != "OK user@host\n" {
		t.Fatalf("positive reply = %q", out.String())
	}

	out.Reset()
	if err := db.Query(context.Background(), &out, "virtual", "user@host", nil); err != nil {
		t.Fatal(err)
	}
	if out.String() != "NOTFOUND\n" {
		t.Fatalf("negative reply = %q", out.String())
	}
}

func TestQueryCustomReplies(t *testing.T) {
	db := newDB(t,
		[]string{"negative-reply=NOTFOUND ${map}"},
		[]string{"positive-reply=OK ${key} -> ${xform} from ${src}", "s/^a/b/"},
	)

	ci := &module.ConnInfo{Src: &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4000}}
	var out bytes.Buffer
	db.Query(context.Background(), &out, "m", "abc", ci)
	if out.String() != "OK abc -> bbc from 127.0.0.1:4000\n" {
		t.Fatalf("reply = %q", out.String())
	}

	out.Reset()
	db.Query(context.Background(), &out, "m", "xyz", nil)
	if out.String() != "NOTFOUND m\n" {
		t.Fatalf("reply = %q", out.String())
	}
}

func TestQueryOnError(t *testing.T) {
	db := newDB(t, nil, []string{"positive-reply=OK ${broken", "onerror-reply=TEMP ${key}", "s/a/b/"})

	var out bytes.Buffer
	if err := db.Query(context.Background(), &out, "m", "a", nil); err != nil {
		t.Fatal(err)
	}
	if out.String() != "TEMP a\n" {
		t.Fatalf("reply = %q", out.String())
	}
}

func TestTransform(t *testing.T) {
	db := newDB(t, []string{"icase"}, []string{"s/EXAMPLE/test/"})
	got, err := db.Transform(context.Background(), nil, "user@example.org")
	if err != nil {
		t.Fatal(err)
	}
	if got != "user@test.org" {
		t.Fatalf("Transform = %q", got)
	}
}

func TestInitDBRequiresExpression(t *testing.T) {
	m := Type.New()
	if _, err := m.(module.DatabaseFactory).InitDB("x", []string{"icase"}); !errors.Is(err, ErrNoExpr) {
		t.Fatalf("InitDB = %v, want ErrNoExpr", err)
	}
}
