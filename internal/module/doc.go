// Declares, loads and manages backend modules and the databases they serve.
//
// A module is a compiled-in backend type (see [Type]) instantiated under an
// id by a "module" configuration statement. A database is an instance of a
// module, configured by a "database" statement and named in dispatch rules.
//
// The lifecycle runs in a fixed order over a [Registry]:
//
//	reg := module.NewRegistry(builtin.Catalog(), logger, dbg)
//	reg.DeclareModule(loc, "echo", "echo", nil)
//	reg.DeclareDatabase(loc, "greeting", "echo", []string{"OK", "hello"})
//	err := reg.Load()          // resolve types, version check, Init
//	err = reg.InitDatabases()  // InitDB, capability check
//	db := reg.Lookup("greeting")
//	db.Open(ctx)               // lazily, at first use
//	reg.CloseDatabases()       // only databases that were opened
//	reg.FreeDatabases()        // every database
//
// A module or database that fails a lifecycle step is removed from the
// registry along with anything depending on it, so later steps only see
// working instances.
package module
