// Package builtin lists the module types compiled into the daemon.
package builtin

import (
	"github.com/cruciblehq/smapd/internal/module"
	"github.com/cruciblehq/smapd/internal/module/echo"
	"github.com/cruciblehq/smapd/internal/module/kv"
	"github.com/cruciblehq/smapd/internal/module/natskv"
	"github.com/cruciblehq/smapd/internal/module/sed"
	"github.com/cruciblehq/smapd/internal/module/sqldb"
)

// Returns a fresh catalog of every compiled-in module type.
func Catalog() module.Catalog {
	c := module.Catalog{}
	for _, t := range []module.Type{echo.Type, sed.Type, kv.Type, sqldb.Type, natskv.Type} {
		c[t.Name] = t
	}
	return c
}
