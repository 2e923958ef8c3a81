package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Journal without run tagging
// 1 - incidents.run_id, set by stores returned from WithRun
const currentSchemaVersion = 1

// journalPragmas are applied to every connection before the schema.
//
//   - WAL so the incidents command can read while a run is appending
//   - NORMAL synchronous; a lost tail after power failure only drops
//     diagnostics, never engine state
//   - 5-second busy timeout for a reader holding the file during a write
var journalPragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA busy_timeout = 5000",
}

// migration upgrades a journal from version-1 to version.
type migration struct {
	version int
	apply   func(*sql.DB) error
}

// migrations run in order for every version above the stored user_version.
var migrations = []migration{
	{version: 1, apply: addRunID},
}

// Store is the incident journal: a SQLite file the runtime appends
// statement, listener and filter-fault incidents to.
// Uses SQLite with WAL mode for concurrent read access.
type Store struct {
	db    *sql.DB
	runID string
}

// Open creates or opens the journal at path, applying pragmas, the schema
// and any pending migrations. Opening an up-to-date journal changes nothing,
// so Open is safe to call on every engine start.
func Open(path string) (*Store, error) {
	// The driver creates the file on first use.
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// One connection serializes the runtime's appends and keeps the
	// pragmas below in effect for every statement.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// WithRun returns a store that tags every incident it records with runID.
// Both stores share the database connection; close only the one Open
// returned.
func (s *Store) WithRun(runID string) *Store {
	return &Store{db: s.db, runID: runID}
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func applyPragmas(db *sql.DB) error {
	for _, pragma := range journalPragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// applySchema creates the incidents table and index when missing, then
// brings older journals up to currentSchemaVersion.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// runMigrations applies every migration newer than the journal's
// user_version and records the version reached.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= version {
			continue
		}
		if err := m.apply(db); err != nil {
			return fmt.Errorf("migrate to v%d: %w", m.version, err)
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// addRunID adds incidents.run_id to journals written before runs were
// tagged. schema.sql already declares the column for new files, in which
// case there is nothing to alter.
func addRunID(db *sql.DB) error {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('incidents') WHERE name = 'run_id'`).Scan(&n)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	// Existing rows predate run tagging and read back with an empty run.
	_, err = db.Exec(`ALTER TABLE incidents ADD COLUMN run_id TEXT NOT NULL DEFAULT ''`)
	return err
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	if err := s.db.QueryRow("PRAGMA " + name).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}

// count returns the number of rows in table. Used for testing.
func (s *Store) count(ctx context.Context, table string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n)
	return n, err
}
