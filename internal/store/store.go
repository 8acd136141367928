// Package store keeps the gateway's request history and cooldown events in
// a local SQLite database.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// readerConns bounds the read pool used by the admin API.
const readerConns = 4

// Store is the history database. Writes go through a single connection;
// reads use a separate query_only pool so admin listings never wait on
// the request path.
type Store struct {
	writer    *sql.DB
	reader    *sql.DB
	path      string
	closeOnce sync.Once
}

func dsn(path string, readOnly bool) string {
	pragmas := []string{
		"_pragma=busy_timeout(5000)",
		"_pragma=journal_mode(WAL)",
		"_pragma=synchronous(NORMAL)",
	}
	if readOnly {
		pragmas = append(pragmas, "_pragma=query_only(ON)")
	}
	return path + "?" + strings.Join(pragmas, "&")
}

func openDB(path string, readOnly bool, conns int) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn(path, readOnly))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(conns)
	db.SetMaxIdleConns(conns)
	db.SetConnMaxLifetime(0)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Open opens or creates the database at path and applies pending
// migrations. The parent directory is created when missing.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("store: create directory %s: %w", dir, err)
	}

	writer, err := openDB(path, false, 1)
	if err != nil {
		return nil, fmt.Errorf("store: open writer: %w", err)
	}
	// Migrations run before the reader opens so it never sees a partial schema.
	s := &Store{writer: writer, path: path}
	if err := s.migrate(); err != nil {
		writer.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	reader, err := openDB(path, true, readerConns)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("store: open reader: %w", err)
	}
	s.reader = reader
	return s, nil
}

// Close closes the database. Later calls return nil.
func (s *Store) Close() error {
	var firstErr error
	s.closeOnce.Do(func() {
		for _, db := range []*sql.DB{s.writer, s.reader} {
			if db == nil {
				continue
			}
			if err := db.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	})
	return firstErr
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Ping checks both connections. The readiness endpoint calls it.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.writer.PingContext(ctx); err != nil {
		return fmt.Errorf("store: writer ping: %w", err)
	}
	if err := s.reader.PingContext(ctx); err != nil {
		return fmt.Errorf("store: reader ping: %w", err)
	}
	return nil
}

// PruneResult counts the rows Prune deleted per table.
type PruneResult struct {
	Requests       int64
	CooldownEvents int64
}

// Total is the number of rows deleted across tables.
func (r PruneResult) Total() int64 { return r.Requests + r.CooldownEvents }

// Prune deletes requests and cooldown events recorded before cutoff in
// one transaction.
func (s *Store) Prune(cutoff time.Time) (PruneResult, error) {
	var res PruneResult
	ts := cutoff.UTC().Format(time.RFC3339)

	tx, err := s.writer.Begin()
	if err != nil {
		return res, fmt.Errorf("store: prune: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, t := range []struct {
		query string
		count *int64
	}{
		{"DELETE FROM requests WHERE timestamp < ?", &res.Requests},
		{"DELETE FROM cooldown_events WHERE timestamp < ?", &res.CooldownEvents},
	} {
		result, err := tx.Exec(t.query, ts)
		if err != nil {
			return PruneResult{}, fmt.Errorf("store: prune: %w", err)
		}
		if *t.count, err = result.RowsAffected(); err != nil {
			return PruneResult{}, fmt.Errorf("store: prune rows affected: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return PruneResult{}, fmt.Errorf("store: prune commit: %w", err)
	}
	return res, nil
}

// PruneOlderThan deletes history older than the given number of days.
func (s *Store) PruneOlderThan(days int) (PruneResult, error) {
	return s.Prune(time.Now().AddDate(0, 0, -days))
}
