package store

import (
	"database/sql"
	"fmt"
	"time"
)

// migration is one schema step. Versions are applied in order and never
// edited once released.
type migration struct {
	version int
	name    string
	up      func(tx *sql.Tx) error
}

func execAll(stmts ...string) func(*sql.Tx) error {
	return func(tx *sql.Tx) error {
		for _, stmt := range stmts {
			if _, err := tx.Exec(stmt); err != nil {
				return err
			}
		}
		return nil
	}
}

var migrations = []migration{
	{1, "history tables", execAll(schemaRequests, schemaCooldownEvents)},
	{2, "requests by status", execAll(
		`CREATE INDEX IF NOT EXISTS idx_requests_status ON requests(status_code)`,
	)},
	{3, "cooldown events by credential and time", execAll(
		`DROP INDEX IF EXISTS idx_cooldown_events_credential`,
		`CREATE INDEX IF NOT EXISTS idx_cooldown_events_credential_time ON cooldown_events(credential_id, timestamp)`,
	)},
}

// migrate applies every migration newer than the recorded schema version.
func (s *Store) migrate() error {
	if _, err := s.writer.Exec(schemaMigrations); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}
	current, err := schemaVersion(s.writer)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := s.apply(m); err != nil {
			return fmt.Errorf("migration v%d (%s): %w", m.version, m.name, err)
		}
	}
	return nil
}

func (s *Store) apply(m migration) error {
	tx, err := s.writer.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if err := m.up(tx); err != nil {
		return err
	}
	if _, err := tx.Exec(
		"INSERT INTO migrations (version, name, applied_at) VALUES (?, ?, ?)",
		m.version, m.name, time.Now().UTC().Format(time.RFC3339),
	); err != nil {
		return err
	}
	return tx.Commit()
}

func schemaVersion(db *sql.DB) (int, error) {
	var v int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&v)
	return v, err
}

// SchemaVersion returns the highest applied migration.
func (s *Store) SchemaVersion() (int, error) {
	return schemaVersion(s.reader)
}

// LatestSchemaVersion is the version Open migrates to.
func LatestSchemaVersion() int {
	return migrations[len(migrations)-1].version
}
