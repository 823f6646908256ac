package module

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/cruciblehq/smapd/internal/logging"
)

// A declared module.
type ModuleInstance struct {
	ID       string   // Unique module id.
	Loc      Loc      // Where the module was declared.
	TypeName string   // Name of the compiled-in type.
	Args     []string // Arguments passed to Init.
	typ      Type     // Resolved type, set by Load.
	module   Module   // Live module, set by Load.
}

// Returns the capabilities of the module's type. Valid after Load.
func (m *ModuleInstance) Capabilities() Capability {
	return m.typ.Capabilities
}

// Reports whether the module has been loaded.
func (m *ModuleInstance) Loaded() bool {
	return m.module != nil
}

// Holds declared modules and databases in declaration order.
//
// A Registry is populated while the configuration is read and is read-only
// once [Registry.InitDatabases] has run, apart from the per-database open
// state.
type Registry struct {
	catalog   Catalog
	logger    *slog.Logger
	debug     logging.Debug
	modules   []*ModuleInstance
	databases []*DatabaseInstance
}

// Creates an empty registry resolving module types from catalog.
func NewRegistry(catalog Catalog, logger *slog.Logger, debug logging.Debug) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{catalog: catalog, logger: logger, debug: debug}
}

// Replaces the diagnostics logger.
func (r *Registry) SetLogger(logger *slog.Logger) {
	if logger != nil {
		r.logger = logger
	}
}

func (r *Registry) trace(category string, level int, msg string, args ...any) {
	if r.debug.Level(category) >= level {
		r.logger.Debug(msg, args...)
	}
}

// Returns the module declared under id, or nil.
func (r *Registry) Module(id string) *ModuleInstance {
	for _, m := range r.modules {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// Returns the declared modules in declaration order.
func (r *Registry) Modules() []*ModuleInstance {
	return append([]*ModuleInstance(nil), r.modules...)
}

// Returns the database declared under id, or nil.
func (r *Registry) Lookup(id string) *DatabaseInstance {
	for _, d := range r.databases {
		if d.ID == id {
			return d
		}
	}
	return nil
}

// Returns the declared databases in declaration order.
func (r *Registry) Databases() []*DatabaseInstance {
	return append([]*DatabaseInstance(nil), r.databases...)
}

// Declares a module of the given type under id.
//
// A second declaration of the same id returns a [*DuplicateError] naming the
// first one and leaves the registry unchanged.
func (r *Registry) DeclareModule(loc Loc, id, typeName string, args []string) error {
	if prev := r.Module(id); prev != nil {
		return &DuplicateError{Kind: "module", ID: id, Prev: prev.Loc}
	}
	r.modules = append(r.modules, &ModuleInstance{
		ID:       id,
		Loc:      loc,
		TypeName: typeName,
		Args:     append([]string(nil), args...),
	})
	r.trace(logging.CatModule, 2, "module declared", "id", id, "type", typeName, "loc", loc.String())
	return nil
}

// Declares a database served by the module moduleID.
//
// The module need not be declared yet. If it never is and moduleID names a
// compiled-in type, [Registry.Load] declares it implicitly.
func (r *Registry) DeclareDatabase(loc Loc, id, moduleID string, args []string) error {
	if prev := r.Lookup(id); prev != nil {
		return &DuplicateError{Kind: "database", ID: id, Prev: prev.Loc}
	}
	r.databases = append(r.databases, newDatabaseInstance(loc, id, moduleID, args, func() *slog.Logger { return r.logger }))
	r.trace(logging.CatDatabase, 2, "database declared", "id", id, "module", moduleID, "loc", loc.String())
	return nil
}

// Declares modules for databases whose module id is undeclared but names a
// compiled-in type.
func (r *Registry) declareImplicit() {
	for _, d := range r.databases {
		if r.Module(d.ModuleID) != nil {
			continue
		}
		if _, ok := r.catalog[d.ModuleID]; !ok {
			continue
		}
		r.modules = append(r.modules, &ModuleInstance{ID: d.ModuleID, Loc: d.Loc, TypeName: d.ModuleID})
		r.trace(logging.CatModule, 1, "implicit module declaration", "id", d.ModuleID, "loc", d.Loc.String())
	}
}

// Resolves and initialises every declared module.
//
// A module that cannot be loaded is removed together with the databases that
// use it. The returned error joins one error per failed module.
func (r *Registry) Load() error {
	r.declareImplicit()
	r.trace(logging.CatModule, 1, "loading modules")

	var errs []error
	kept := r.modules[:0]
	for _, m := range r.modules {
		if err := r.load(m); err != nil {
			errs = append(errs, fmt.Errorf("%s: module %s: %w", m.Loc, m.ID, err))
			r.removeDependents(m.ID)
			r.trace(logging.CatModule, 2, "removing module", "id", m.ID)
			continue
		}
		kept = append(kept, m)
	}
	clear(r.modules[len(kept):])
	r.modules = kept
	return errors.Join(errs...)
}

func (r *Registry) load(m *ModuleInstance) error {
	r.trace(logging.CatModule, 2, "loading module", "id", m.ID, "type", m.TypeName)

	if m.module != nil {
		return fmt.Errorf("%w: already loaded", ErrFaulty)
	}

	t, ok := r.catalog[m.TypeName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownType, m.TypeName)
	}
	if t.Version < 1 || t.Version > APIVersion {
		return fmt.Errorf("%w: %d", ErrVersion, t.Version)
	}
	if t.New == nil {
		return fmt.Errorf("%w: no constructor", ErrFaulty)
	}

	mod := t.New()
	if _, ok := mod.(DatabaseFactory); !ok {
		return fmt.Errorf("%w: cannot create databases", ErrFaulty)
	}
	if err := mod.Init(m.Args); err != nil {
		return fmt.Errorf("%w: %w", ErrInit, err)
	}

	m.typ = t
	m.module = mod
	return nil
}

func (r *Registry) removeDependents(moduleID string) {
	kept := r.databases[:0]
	for _, d := range r.databases {
		if d.ModuleID == moduleID {
			r.trace(logging.CatModule, 1, "removing database", "id", d.ID)
			continue
		}
		kept = append(kept, d)
	}
	clear(r.databases[len(kept):])
	r.databases = kept
}

// Creates the handle of every declared database.
//
// A database whose module is missing, whose InitDB fails, or whose handle
// does not match the module's capabilities is removed. The returned error
// joins one error per removed database.
func (r *Registry) InitDatabases() error {
	r.trace(logging.CatDatabase, 1, "initializing databases")

	var errs []error
	kept := r.databases[:0]
	for _, d := range r.databases {
		if err := r.initDatabase(d); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.Loc, err))
			r.trace(logging.CatDatabase, 2, "removing database", "id", d.ID)
			continue
		}
		kept = append(kept, d)
	}
	clear(r.databases[len(kept):])
	r.databases = kept
	return errors.Join(errs...)
}

func (r *Registry) initDatabase(d *DatabaseInstance) error {
	m := r.Module(d.ModuleID)
	if m == nil || !m.Loaded() {
		return fmt.Errorf("%w: %s", ErrNotDeclared, d.ModuleID)
	}
	r.trace(logging.CatDatabase, 2, "initializing database", "id", d.ID, "module", m.ID)

	db, err := m.module.(DatabaseFactory).InitDB(d.ID, d.Args)
	if err != nil {
		return fmt.Errorf("module %s: database initialization failed: %w", m.ID, err)
	}
	if err := checkCapabilities(m.typ.Capabilities, db); err != nil {
		db.Free()
		return fmt.Errorf("module %s: %w", m.ID, err)
	}

	d.module = m
	d.db = db
	return nil
}

// Verifies that db implements exactly the interfaces caps calls for.
func checkCapabilities(caps Capability, db Database) error {
	_, q := db.(Querier)
	_, x := db.(Transformer)
	if q != (caps&CapQuery != 0) {
		return fmt.Errorf("%w: query support does not match capabilities %s", ErrCapability, caps)
	}
	if x != (caps&CapXform != 0) {
		return fmt.Errorf("%w: transform support does not match capabilities %s", ErrCapability, caps)
	}
	return nil
}

// Closes every opened database.
func (r *Registry) CloseDatabases() error {
	r.trace(logging.CatDatabase, 1, "closing databases")

	var errs []error
	for _, d := range r.databases {
		if err := d.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database %s: %w", d.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Releases every database handle. Call after [Registry.CloseDatabases].
func (r *Registry) FreeDatabases() error {
	r.trace(logging.CatDatabase, 1, "freeing databases")

	var errs []error
	for _, d := range r.databases {
		if err := d.free(); err != nil {
			errs = append(errs, fmt.Errorf("database %s: %w", d.ID, err))
		}
	}
	return errors.Join(errs...)
}
