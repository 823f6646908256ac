package module

import (
	"context"
	"fmt"
	"io"
	"net"
)

// Highest module interface version understood by the registry.
const APIVersion = 2

// Operations a module's databases support.
type Capability uint

const (
	CapQuery Capability = 1 << iota // Databases answer queries.
	CapXform                        // Databases transform keys or map names.

	CapNone    Capability = 0
	CapDefault            = CapQuery
)

func (c Capability) String() string {
	switch c {
	case CapNone:
		return "none"
	case CapQuery:
		return "query"
	case CapXform:
		return "transform"
	case CapQuery | CapXform:
		return "query,transform"
	}
	return fmt.Sprintf("capability(%d)", uint(c))
}

// A compiled-in module type.
type Type struct {
	Name         string        // Name used in module and database statements.
	Version      int           // Interface version the type was written against.
	Capabilities Capability    // Operations its databases support.
	New          func() Module // Creates a fresh module instance.
}

// Set of compiled-in types, by name.
type Catalog map[string]Type

// Module-wide state, initialised once with the module statement arguments.
type Module interface {
	Init(args []string) error
}

// Creates databases. Every module must implement it.
type DatabaseFactory interface {
	InitDB(id string, args []string) (Database, error)
}

// Per-database handle returned by [DatabaseFactory.InitDB].
type Database interface {
	Open(ctx context.Context) error
	Close() error
	Free() error
}

// Implemented by databases of modules with [CapQuery].
//
// Query writes a complete reply line, including the trailing newline, to w.
type Querier interface {
	Query(ctx context.Context, w io.Writer, mapName, key string, ci *ConnInfo) error
}

// Implemented by databases of modules with [CapXform].
type Transformer interface {
	Transform(ctx context.Context, ci *ConnInfo, input string) (string, error)
}

// Addresses of the connection a query arrived on.
type ConnInfo struct {
	Src net.Addr // Peer address. May be nil.
	Dst net.Addr // Local address. May be nil.
}

// Returns the peer address as a string, or "" when unknown.
func (ci *ConnInfo) SrcString() string {
	if ci == nil || ci.Src == nil {
		return ""
	}
	return ci.Src.String()
}

// Returns the local address as a string, or "" when unknown.
func (ci *ConnInfo) DstString() string {
	if ci == nil || ci.Dst == nil {
		return ""
	}
	return ci.Dst.String()
}

// Implements the optional [Database] methods as no-ops.
//
// Embed it in database types that hold no external resources.
type NopDatabase struct{}

func (NopDatabase) Open(context.Context) error { return nil }
func (NopDatabase) Close() error               { return nil }
func (NopDatabase) Free() error                { return nil }

// Source position of a declaration.
type Loc struct {
	File string
	Line int
}

func (l Loc) String() string {
	if l.File == "" {
		return fmt.Sprintf("line %d", l.Line)
	}
	return fmt.Sprintf("%s:%d", l.File, l.Line)
}
