// Package sqlite persists the step journal in a single SQLite table, one JSON
// row per step.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"voxelcurate/internal/journal/core"
)

// Store is a SQLite-backed journal.
type Store struct {
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// New opens (or creates) the journal database at path.
func New(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		path = "journal.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// a single connection serialises writers and avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS steps (
		idx INTEGER PRIMARY KEY,
		payload BLOB NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create steps table: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Driver returns the backend identifier.
func (s *Store) Driver() core.Driver { return core.DriverSQLite }

// Load returns every record ordered by index.
func (s *Store) Load(ctx context.Context) ([]core.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT idx, payload FROM steps ORDER BY idx`)
	if err != nil {
		return nil, fmt.Errorf("select steps: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []core.Record
	for rows.Next() {
		var (
			idx     int
			payload []byte
		)
		if err := rows.Scan(&idx, &payload); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		rec, err := core.DecodeRecord(idx, payload)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate steps: %w", err)
	}
	return out, nil
}

// Put upserts rec.
func (s *Store) Put(ctx context.Context, rec core.Record) error {
	data, err := core.EncodeRecord(rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `INSERT INTO steps(idx,payload) VALUES(?,?) ON CONFLICT(idx) DO UPDATE SET payload=excluded.payload`, rec.Index, data); err != nil {
		return fmt.Errorf("upsert step %d: %w", rec.Index, err)
	}
	return nil
}

// Delete removes the record at index.
func (s *Store) Delete(ctx context.Context, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM steps WHERE idx = ?`, index); err != nil {
		return fmt.Errorf("delete step %d: %w", index, err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }

var _ core.Journal = (*Store)(nil)
