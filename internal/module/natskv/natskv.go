// Package natskv implements a module that looks keys up in a NATS JetStream
// key-value bucket.
//
//	database routes natskv url=nats://127.0.0.1:4222 bucket=routes key='${map}.${key}'
//
// Keys are built from the key template (default "${key}"). Bucket keys
// cannot contain spaces or most punctuation, so the template should map the
// request onto the bucket's naming scheme. A query answers positive-reply
// (default "OK ${value}") when the key exists and negative-reply (default
// "NOTFOUND") otherwise. As a transform the database returns the stored
// value. With create the bucket is created when missing.
package natskv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/cruciblehq/smapd/internal/module"
	"github.com/cruciblehq/smapd/internal/wordsplit"
)

const (
	defaultKey           = "${key}"
	defaultPositiveReply = "OK ${value}"
	defaultNegativeReply = "NOTFOUND"
	defaultTimeout       = 5 * time.Second
)

// Type registers the module under the name "natskv".
var Type = module.Type{
	Name:         "natskv",
	Version:      module.APIVersion,
	Capabilities: module.CapQuery | module.CapXform,
	New: func() module.Module {
		return &natsModule{defaults: settings{
			url:      nats.DefaultURL,
			key:      defaultKey,
			xformKey: defaultKey,
			positive: defaultPositiveReply,
			negative: defaultNegativeReply,
			timeout:  defaultTimeout,
		}}
	},
}

type settings struct {
	url      string        // Server URL list, comma separated.
	bucket   string        // Key-value bucket name.
	create   bool          // Create the bucket when missing.
	creds    string        // User credentials file.
	key      string        // Query key template.
	xformKey string        // Transform key template.
	positive string        // Reply when the key exists.
	negative string        // Reply when it does not.
	timeout  time.Duration // Connect and lookup timeout.
}

func (s *settings) options() []module.Option {
	return []module.Option{
		{Name: "url", Value: &s.url},
		{Name: "bucket", Value: &s.bucket},
		{Name: "create", Value: &s.create},
		{Name: "creds", Value: &s.creds},
		{Name: "key", Value: &s.key},
		{Name: "transform-key", Value: &s.xformKey},
		{Name: "positive-reply", Value: &s.positive},
		{Name: "negative-reply", Value: &s.negative},
		{Name: "timeout", Value: &s.timeout},
	}
}

type natsModule struct {
	defaults settings
}

func (m *natsModule) Init(args []string) error {
	return module.ParseOnlyOptions(args, m.defaults.options())
}

func (m *natsModule) InitDB(id string, args []string) (module.Database, error) {
	cfg := m.defaults
	if err := module.ParseOnlyOptions(args, cfg.options()); err != nil {
		return nil, err
	}
	if cfg.bucket == "" {
		return nil, ErrNoBucket
	}
	return &database{id: id, cfg: cfg, logger: slog.Default().With("database", id)}, nil
}

type database struct {
	id     string
	cfg    settings
	logger *slog.Logger
	nc     *nats.Conn
	kv     jetstream.KeyValue
}

func (d *database) Open(ctx context.Context) error {
	opts := []nats.Option{
		nats.Name("smapd/" + d.id),
		nats.Timeout(d.cfg.timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				d.logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			d.logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}
	if d.cfg.creds != "" {
		opts = append(opts, nats.UserCredentials(d.cfg.creds))
	}

	nc, err := nats.Connect(d.cfg.url, opts...)
	if err != nil {
		return err
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.timeout)
	defer cancel()

	kv, err := js.KeyValue(ctx, d.cfg.bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) && d.cfg.create {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: d.cfg.bucket})
	}
	if err != nil {
		nc.Close()
		return fmt.Errorf("bucket %s: %w", d.cfg.bucket, err)
	}

	d.nc, d.kv = nc, kv
	return nil
}

func (d *database) Close() error {
	if d.nc == nil {
		return nil
	}
	err := d.nc.Drain()
	d.nc, d.kv = nil, nil
	return err
}

func (d *database) Free() error {
	return nil
}

// Returns the value stored under key.
func (d *database) get(ctx context.Context, key string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.timeout)
	defer cancel()

	entry, err := d.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return string(entry.Value()), nil
}

func (d *database) Query(ctx context.Context, w io.Writer, mapName, key string, ci *module.ConnInfo) error {
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
	value, err := d.get(ctx, lookup)
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

func (d *database) Transform(ctx context.Context, ci *module.ConnInfo, input string) (string, error) {
	env := map[string]string{
		"key": input,
		"src": ci.SrcString(),
		"dst": ci.DstString(),
	}
	lookup, err := wordsplit.Expand(d.cfg.xformKey, wordsplit.Options{Env: env})
	if err != nil {
		return "", fmt.Errorf("transform-key template: %w", err)
	}
	return d.get(ctx, lookup)
}
