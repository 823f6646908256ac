// Package sqldb implements a module that answers queries from an SQL
// database through database/sql and the DuckDB driver.
//
// The query option is an SQL statement in which ${map}, ${key}, ${src} and
// ${dst} are replaced by bound parameters, never spliced into the text:
//
//	database users sqldb dsn=/var/lib/smapd/users.duckdb \
//	    query='SELECT mailbox AS value FROM users WHERE login = ${key}'
//
// When the statement returns rows the columns of the result become template
// variables for positive-reply (default "OK ${value}"); a column with several
// rows expands to its values joined by the separator option. No rows selects
// negative-reply (default "NOTFOUND"). As a transform the database returns
// the first column of the first row of transform-query, which defaults to
// query.
package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"strings"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/cruciblehq/smapd/internal/module"
	"github.com/cruciblehq/smapd/internal/wordsplit"
)

const (
	defaultPositiveReply = "OK ${value}"
	defaultNegativeReply = "NOTFOUND"
	defaultSeparator     = ","
)

// Type registers the module under the name "sqldb".
var Type = module.Type{
	Name:         "sqldb",
	Version:      module.APIVersion,
	Capabilities: module.CapQuery | module.CapXform,
	New: func() module.Module {
		return &sqlModule{defaults: settings{
			positive:  defaultPositiveReply,
			negative:  defaultNegativeReply,
			separator: defaultSeparator,
		}}
	},
}

type settings struct {
	dsn        string   // DuckDB data source. Empty opens an in-memory database.
	query      string   // Lookup statement template.
	xformQuery string   // Transform statement template.
	initSQL    []string // Statements executed once after opening.
	positive   string   // Reply when the lookup returns rows.
	negative   string   // Reply when it returns none.
	separator  string   // Joins multi-row column values.
}

func (s *settings) options() []module.Option {
	return []module.Option{
		{Name: "dsn", Value: &s.dsn},
		{Name: "query", Value: &s.query},
		{Name: "transform-query", Value: &s.xformQuery},
		{Name: "init-sql", Value: &s.initSQL},
		{Name: "positive-reply", Value: &s.positive},
		{Name: "negative-reply", Value: &s.negative},
		{Name: "separator", Value: &s.separator},
	}
}

type sqlModule struct {
	defaults settings
}

func (m *sqlModule) Init(args []string) error {
	return module.ParseOnlyOptions(args, m.defaults.options())
}

func (m *sqlModule) InitDB(id string, args []string) (module.Database, error) {
	cfg := m.defaults
	cfg.initSQL = append([]string(nil), m.defaults.initSQL...)
	if err := module.ParseOnlyOptions(args, cfg.options()); err != nil {
		return nil, err
	}
	if cfg.query == "" {
		return nil, ErrNoQuery
	}
	if cfg.xformQuery == "" {
		cfg.xformQuery = cfg.query
	}
	return &database{cfg: cfg, logger: slog.Default().With("database", id)}, nil
}

type database struct {
	cfg    settings
	logger *slog.Logger
	db     *sql.DB
}

func (d *database) Open(ctx context.Context) error {
	db, err := sql.Open("duckdb", d.cfg.dsn)
	if err != nil {
		return err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return err
	}
	for _, stmt := range d.cfg.initSQL {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return fmt.Errorf("init-sql: %w", err)
		}
	}
	d.db = db
	return nil
}

func (d *database) Close() error {
	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	return err
}

func (d *database) Free() error {
	return nil
}

// Rewrites every variable reference in tmpl to a "?" placeholder and returns
// the statement with the values to bind, in order.
func bind(tmpl string, env map[string]string) (string, []any, error) {
	var params []any
	stmt, err := wordsplit.Expand(tmpl, wordsplit.Options{
		Getvar: func(name string) (string, bool, error) {
			v, ok := env[name]
			if !ok {
				return "", false, nil
			}
			params = append(params, v)
			return "?", true, nil
		},
		Undef: wordsplit.UndefError,
	})
	return stmt, params, err
}

// Rows returned by a lookup.
type result struct {
	columns map[string][]string // Values of each column, by name.
	first   string              // First column of the first row.
	rows    int
}

// Runs the statement and collects every column's values by name.
func (d *database) lookup(ctx context.Context, tmpl string, env map[string]string) (*result, error) {
	stmt, params, err := bind(tmpl, env)
	if err != nil {
		return nil, err
	}
	rows, err := d.db.QueryContext(ctx, stmt, params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	res := &result{columns: make(map[string][]string, len(cols))}
	for rows.Next() {
		cells := make([]sql.NullString, len(cols))
		dest := make([]any, len(cols))
		for i := range cells {
			dest[i] = &cells[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		for i, c := range cols {
			res.columns[c] = append(res.columns[c], cells[i].String)
		}
		if res.rows == 0 && len(cells) > 0 {
			res.first = cells[0].String
		}
		res.rows++
	}
	return res, rows.Err()
}

func (d *database) Query(ctx context.Context, w io.Writer, mapName, key string, ci *module.ConnInfo) error {
	env := map[string]string{
		"map": mapName,
		"key": key,
		"src": ci.SrcString(),
		"dst": ci.DstString(),
	}
	res, err := d.lookup(ctx, d.cfg.query, env)
	if err != nil {
		return err
	}

	tmpl := d.cfg.negative
	if res.rows > 0 {
		tmpl = d.cfg.positive
	}
	reply, err := wordsplit.Expand(tmpl, wordsplit.Options{
		Env:    env,
		Getvar: wordsplit.Joined(res.columns, d.cfg.separator),
	})
	if err != nil {
		return fmt.Errorf("reply: %w", err)
	}
	d.logger.Debug("sql lookup", "map", mapName, "key", key, "rows", res.rows)
	_, err = io.WriteString(w, strings.TrimRight(reply, "\n")+"\n")
	return err
}

func (d *database) Transform(ctx context.Context, ci *module.ConnInfo, input string) (string, error) {
	env := map[string]string{
		"key": input,
		"src": ci.SrcString(),
		"dst": ci.DstString(),
	}
	res, err := d.lookup(ctx, d.cfg.xformQuery, env)
	if err != nil {
		return "", err
	}
	if res.rows == 0 {
		return "", ErrNotFound
	}
	return res.first, nil
}
