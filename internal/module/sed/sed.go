// Package sed implements a module that rewrites keys with sed-style
// substitutions.
//
// A database is configured with options followed by one or more
// expressions:
//
//	database strip sed 's/\+[^@]*@/@/' positive-reply='OK ${xform}'
//
// As a transform it returns the rewritten input. As a query it rewrites the
// key and answers with positive-reply when the result differs from the key,
// negative-reply otherwise. Replies are expanded with the variables map,
// key, xform, src and dst.
package sed

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/cruciblehq/smapd/internal/module"
	"github.com/cruciblehq/smapd/internal/wordsplit"
)

const (
	defaultPositiveReply = "OK ${xform}"
	defaultNegativeReply = "NOTFOUND"
)

// Type registers the module under the name "sed".
var Type = module.Type{
	Name:         "sed",
	Version:      module.APIVersion,
	Capabilities: module.CapQuery | module.CapXform,
	New: func() module.Module {
		return &sedModule{defaults: settings{
			positive: defaultPositiveReply,
			negative: defaultNegativeReply,
		}}
	},
}

// Options shared by the module statement and each database.
type settings struct {
	icase    bool   // Compile expressions case-insensitively.
	extended bool   // Accepted for compatibility; syntax is always extended.
	positive string // Reply when the key was rewritten.
	negative string // Reply when the key was left unchanged.
	onerror  string // Reply when a reply template cannot be expanded. Empty means fail the query.
}

func (s *settings) options() []module.Option {
	return []module.Option{
		{Name: "icase", Value: &s.icase},
		{Name: "extended", Value: &s.extended},
		{Name: "positive-reply", Value: &s.positive},
		{Name: "negative-reply", Value: &s.negative},
		{Name: "onerror-reply", Value: &s.onerror},
	}
}

type sedModule struct {
	defaults settings
}

func (m *sedModule) Init(args []string) error {
	return module.ParseOnlyOptions(args, m.defaults.options())
}

func (m *sedModule) InitDB(id string, args []string) (module.Database, error) {
	cfg := m.defaults
	exprs, err := module.ParseOptions(args, cfg.options())
	if err != nil {
		return nil, err
	}
	if len(exprs) == 0 {
		return nil, ErrNoExpr
	}

	var prog Program
	for _, src := range exprs {
		p, err := Compile(src, cfg.icase)
		if err != nil {
			return nil, err
		}
		prog = append(prog, p...)
	}
	return &database{cfg: cfg, prog: prog}, nil
}

type database struct {
	module.NopDatabase
	cfg  settings
	prog Program
}

func (d *database) Transform(_ context.Context, _ *module.ConnInfo, input string) (string, error) {
	return d.prog.Apply(input), nil
}

func (d *database) Query(_ context.Context, w io.Writer, mapName, key string, ci *module.ConnInfo) error {
	out := d.prog.Apply(key)

	tmpl := d.cfg.negative
	if out != key {
		tmpl = d.cfg.positive
	}

	env := map[string]string{
		"map":   mapName,
		"key":   key,
		"xform": out,
		"src":   ci.SrcString(),
		"dst":   ci.DstString(),
	}
	reply, err := wordsplit.Expand(tmpl, wordsplit.Options{Env: env})
	if err != nil {
		if d.cfg.onerror == "" {
			return fmt.Errorf("reply: %w", err)
		}
		delete(env, "xform")
		reply, err = wordsplit.Expand(d.cfg.onerror, wordsplit.Options{Env: env})
		if err != nil {
			return fmt.Errorf("onerror reply: %w", err)
		}
	}

	_, err = io.WriteString(w, strings.TrimRight(reply, "\n")+"\n")
	return err
}
