// Package kv implements a module backed by a Badger key-value store.
//
// Each database owns one store, either on disk (path=DIR) or in memory
// (in-memory). The lookup key is built from a template over the request:
//
//	database aliases kv path=/var/lib/smapd/aliases key='${map}:${key}'
//
// A query answers positive-reply (default "OK ${value}") when the key
// exists and negative-reply (default "NOTFOUND") otherwise. As a transform
// the database maps its input to the stored value. A load=FILE option seeds
// the store at open time from "key value" lines.
//
// An on-disk store is served read-only, so that every worker process can
// hold it open at once. A process finding the store unused first opens it
// writable to create it and apply the seed file. With read-only set this
// step is skipped and the store must already exist.
package kv

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/cruciblehq/smapd/internal/module"
	"github.com/cruciblehq/smapd/internal/wordsplit"
)

const (
	defaultKey           = "${map}:${key}"
	defaultXformKey      = "${key}"
	defaultPositiveReply = "OK ${value}"
	defaultNegativeReply = "NOTFOUND"

	openAttempts = 50
	openRetry    = 20 * time.Millisecond
)

// Type registers the module under the name "kv".
var Type = module.Type{
	Name:         "kv",
	Version:      module.APIVersion,
	Capabilities: module.CapQuery | module.CapXform,
	New: func() module.Module {
		return &kvModule{defaults: settings{
			key:      defaultKey,
			xformKey: defaultXformKey,
			positive: defaultPositiveReply,
			negative: defaultNegativeReply,
		}}
	},
}

type settings struct {
	path     string // Store directory.
	inMemory bool   // Keep the store in memory.
	readOnly bool   // Open the store read-only.
	load     string // File of "key value" lines loaded at open.
	key      string // Query key template.
	xformKey string // Transform key template.
	positive string // Reply when the key exists.
	negative string // Reply when it does not.
}

func (s *settings) options() []module.Option {
	return []module.Option{
		{Name: "path", Value: &s.path},
		{Name: "in-memory", Value: &s.inMemory},
		{Name: "read-only", Value: &s.readOnly},
		{Name: "load", Value: &s.load},
		{Name: "key", Value: &s.key},
		{Name: "transform-key", Value: &s.xformKey},
		{Name: "positive-reply", Value: &s.positive},
		{Name: "negative-reply", Value: &s.negative},
	}
}

type kvModule struct {
	defaults settings
}

func (m *kvModule) Init(args []string) error {
	return module.ParseOnlyOptions(args, m.defaults.options())
}

func (m *kvModule) InitDB(id string, args []string) (module.Database, error) {
	cfg := m.defaults
	if err := module.ParseOnlyOptions(args, cfg.options()); err != nil {
		return nil, err
	}
	if cfg.path == "" && !cfg.inMemory {
		return nil, ErrNoStore
	}
	return &database{id: id, cfg: cfg, logger: slog.Default().With("database", id)}, nil
}

type database struct {
	id     string
	cfg    settings
	logger *slog.Logger
	db     *badger.DB
}

func (d *database) Open(ctx context.Context) error {
	if d.cfg.inMemory {
		return d.openMemory()
	}
	if !d.cfg.readOnly {
		if err := d.prepare(); err != nil {
			return err
		}
	}
	return d.openShared(ctx)
}

func (d *database) openMemory() error {
	opts := badger.DefaultOptions("").
		WithInMemory(true).
		WithLogger(badgerLogger{d.logger})

	db, err := badger.Open(opts)
	if err != nil {
		return err
	}
	if d.cfg.load != "" {
		if err := loadFile(db, d.cfg.load); err != nil {
			db.Close()
			return err
		}
	}
	d.db = db
	return nil
}

// Creates the on-disk store and loads the seed file into it, then closes
// it. Skipped when another process holds the store open.
func (d *database) prepare() error {
	opts := badger.DefaultOptions(d.cfg.path).WithLogger(badgerLogger{d.logger})
	db, err := badger.Open(opts)
	if isLocked(err) {
		d.logger.Debug("store in use, not loading", "path", d.cfg.path)
		return nil
	}
	if err != nil {
		return err
	}
	if d.cfg.load != "" {
		if err := loadFile(db, d.cfg.load); err != nil {
			db.Close()
			return err
		}
	}
	return db.Close()
}

// Opens the on-disk store read-only. Any number of processes may hold it
// this way; the open is retried while one of them is preparing it.
func (d *database) openShared(ctx context.Context) error {
	opts := badger.DefaultOptions(d.cfg.path).
		WithReadOnly(true).
		WithLogger(badgerLogger{d.logger})

	for attempt := 1; ; attempt++ {
		db, err := badger.Open(opts)
		if err == nil {
			d.db = db
			return nil
		}
		if !isLocked(err) || attempt == openAttempts {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(openRetry):
		}
	}
}

// Whether err reports a store directory locked by another process.
func isLocked(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, syscall.EWOULDBLOCK) ||
		strings.Contains(err.Error(), "Cannot acquire directory lock")
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

// Returns the value stored under key.
func (d *database) get(key string) (string, error) {
	var value string
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			value = string(val)
			return nil
		})
	})
	return value, err
}

func (d *database) Query(_ context.Context, w io.Writer, mapName, key string, ci *module.ConnInfo) error {
	env := map[string]string{
		"map": mapName,
		"key": key,
		"src": ci.SrcString(),
		"dst": ci.DstString(),
	}
	lookup, err := wordsplit.Expand(d.cfg.key, wordsplit.Options{Env: env})
	if err != nil {
		return fmt.Errorf("key template: %w", err)
	}

	tmpl := d.cfg.positive
	value, err := d.get(lookup)
	switch {
	case errors.Is(err, ErrNotFound):
		tmpl = d.cfg.negative
	case err != nil:
		return err
	default:
		env["value"] = value
	}

	reply, err := wordsplit.Expand(tmpl, wordsplit.Options{Env: env})
	if err != nil {
		return fmt.Errorf("reply: %w", err)
	}
	_, err = io.WriteString(w, reply+"\n")
	return err
}

func (d *database) Transform(_ context.Context, ci *module.ConnInfo, input string) (string, error) {
	env := map[string]string{
		"key": input,
		"src": ci.SrcString(),
		"dst": ci.DstString(),
	}
	lookup, err := wordsplit.Expand(d.cfg.xformKey, wordsplit.Options{Env: env})
	if err != nil {
		return "", fmt.Errorf("transform-key template: %w", err)
	}
	return d.get(lookup)
}

// Loads "key value" lines into db. Blank lines and lines starting with "#"
// are skipped.
func loadFile(db *badger.DB, name string) error {
	f, err := os.Open(name)
	if err != nil {
		return err
	}
	defer f.Close()

	wb := db.NewWriteBatch()
	defer wb.Cancel()

	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		key, value, ok := strings.Cut(text, " ")
		if !ok {
			key, value, ok = strings.Cut(text, "\t")
		}
		if !ok {
			return fmt.Errorf("%w: %s:%d", ErrBadLoad, name, line)
		}
		if err := wb.Set([]byte(key), []byte(strings.TrimSpace(value))); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return wb.Flush()
}

// Routes Badger's internal logging to slog.
type badgerLogger struct {
	logger *slog.Logger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
