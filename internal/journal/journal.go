// Package journal selects a step journal backend.
package journal

import (
	"context"
	"fmt"
	"path/filepath"

	"voxelcurate/internal/infra/journal/memory"
	"voxelcurate/internal/infra/journal/postgres"
	"voxelcurate/internal/infra/journal/sqlite"
	"voxelcurate/internal/journal/core"
)

type (
	// Journal persists step records.
	Journal = core.Journal
	// Record describes one step.
	Record = core.Record
	// State is a step lifecycle stage.
	State = core.State
)

const (
	StateOpen      = core.StateOpen
	StateClosed    = core.StateClosed
	StateCancelled = core.StateCancelled
)

// Options selects a backend.
type Options struct {
	Driver string
	// DSN is the postgres connection string or the sqlite file path.
	DSN string
	// Root is the session root; sqlite defaults to Root/journal.db.
	Root string
}

// Open returns the journal named by opts.Driver (default sqlite).
func Open(ctx context.Context, opts Options) (Journal, error) {
	driver := core.Driver(opts.Driver)
	if driver == "" {
		driver = core.DriverSQLite
	}
	switch driver {
	case core.DriverMemory:
		return memory.New(), nil
	case core.DriverSQLite:
		path := opts.DSN
		if path == "" {
			root := opts.Root
			if root == "" {
				root = "."
			}
			path = filepath.Join(root, "journal.db")
		}
		return sqlite.New(ctx, path)
	case core.DriverPostgres:
		return postgres.New(ctx, opts.DSN)
	default:
		return nil, fmt.Errorf("unknown journal driver %s", driver)
	}
}
