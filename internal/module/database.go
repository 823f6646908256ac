package module

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

const (

	// Consecutive open failures after which open attempts are refused.
	breakerThreshold = 3

	// Time the breaker stays open before allowing a trial open.
	breakerTimeout = 30 * time.Second
)

// A declared database.
type DatabaseInstance struct {
	ID       string          // Unique database id.
	Loc      Loc             // Where the database was declared.
	ModuleID string          // Id of the serving module.
	Args     []string        // Arguments passed to InitDB.
	module   *ModuleInstance // Serving module, set by InitDatabases.
	db       Database        // Handle returned by InitDB.

	mu      sync.Mutex                          // Guards opened and freed.
	opened  bool                                // Whether Open succeeded and Close has not run.
	freed   bool                                // Whether Free has run.
	breaker *gobreaker.CircuitBreaker[struct{}] // Guards Open against a failing backend.
}

func newDatabaseInstance(loc Loc, id, moduleID string, args []string, logger func() *slog.Logger) *DatabaseInstance {
	d := &DatabaseInstance{
		ID:       id,
		Loc:      loc,
		ModuleID: moduleID,
		Args:     append([]string(nil), args...),
	}
	d.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "database:" + id,
		MaxRequests: 1,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger().Warn("database breaker state changed", "database", id, "from", from.String(), "to", to.String())
		},
	})
	return d
}

// Returns the capabilities of the serving module.
func (d *DatabaseInstance) Capabilities() Capability {
	if d.module == nil {
		return CapNone
	}
	return d.module.Capabilities()
}

// Returns the serving module, or nil before InitDatabases.
func (d *DatabaseInstance) Module() *ModuleInstance {
	return d.module
}

// Reports whether the database is open.
func (d *DatabaseInstance) Opened() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opened
}

// Opens the database unless it is already open.
//
// After repeated failures the breaker refuses further attempts for a while
// and Open fails fast with gobreaker.ErrOpenState.
func (d *DatabaseInstance) Open(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.opened {
		return nil
	}
	if d.db == nil || d.freed {
		return fmt.Errorf("database %s: not initialized", d.ID)
	}

	_, err := d.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, d.db.Open(ctx)
	})
	if err != nil {
		return fmt.Errorf("database %s: open: %w", d.ID, err)
	}
	d.opened = true
	return nil
}

// Answers a query.
func (d *DatabaseInstance) Query(ctx context.Context, w io.Writer, mapName, key string, ci *ConnInfo) error {
	q, ok := d.db.(Querier)
	if !ok {
		return fmt.Errorf("%w: %s: query", ErrNotCapable, d.ID)
	}
	return q.Query(ctx, w, mapName, key, ci)
}

// Transforms input.
func (d *DatabaseInstance) Transform(ctx context.Context, ci *ConnInfo, input string) (string, error) {
	x, ok := d.db.(Transformer)
	if !ok {
		return "", fmt.Errorf("%w: %s: transform", ErrNotCapable, d.ID)
	}
	return x.Transform(ctx, ci, input)
}

// Closes the database if it is open.
func (d *DatabaseInstance) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.opened {
		return nil
	}
	d.opened = false
	return d.db.Close()
}

func (d *DatabaseInstance) free() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.freed || d.db == nil {
		return nil
	}
	d.freed = true
	return d.db.Free()
}
