// Package opstate persists the bridge's own bookkeeping between runs:
// its instance ID and what it has announced to Home Assistant. Tracker
// positions and status are never stored; they are refetched after a
// restart.
package opstate

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// migrations are applied in order; PRAGMA user_version records how
// many have run. Append only.
var migrations = []string{
	`CREATE TABLE kv (
		namespace  TEXT    NOT NULL,
		key        TEXT    NOT NULL,
		value      TEXT    NOT NULL,
		updated_ms INTEGER NOT NULL,
		PRIMARY KEY (namespace, key)
	) WITHOUT ROWID`,
}

// Entry is one key within a namespace.
type Entry struct {
	Key       string
	Value     string
	UpdatedAt time.Time
}

// Store is a namespaced key-value store in a SQLite file. It is safe
// for concurrent use.
type Store struct {
	db *sql.DB
}

// NewStore opens or creates the database at path and brings its schema
// up to date.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version > len(migrations) {
		return fmt.Errorf("schema version %d is newer than this binary (%d)", version, len(migrations))
	}
	for i := version; i < len(migrations); i++ {
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		// PRAGMA does not take bind parameters.
		if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, i+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the value stored under namespace and key. A missing key
// yields "" and no error.
func (s *Store) Get(namespace, key string) (string, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM kv WHERE namespace = ? AND key = ?`, namespace, key).Scan(&v)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", nil
	case err != nil:
		return "", fmt.Errorf("opstate get %s/%s: %w", namespace, key, err)
	}
	return v, nil
}

// Set stores value under namespace and key, replacing any earlier value.
func (s *Store) Set(namespace, key, value string) error {
	_, err := s.db.Exec(`INSERT INTO kv (namespace, key, value, updated_ms) VALUES (?, ?, ?, ?)
		ON CONFLICT (namespace, key) DO UPDATE SET value = excluded.value, updated_ms = excluded.updated_ms`,
		namespace, key, value, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("opstate set %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Delete removes a key. A missing key is not an error.
func (s *Store) Delete(namespace, key string) error {
	if _, err := s.db.Exec(`DELETE FROM kv WHERE namespace = ? AND key = ?`, namespace, key); err != nil {
		return fmt.Errorf("opstate delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Entries lists a namespace ordered by key. An unknown namespace gives
// an empty, non-nil slice.
func (s *Store) Entries(namespace string) ([]Entry, error) {
	rows, err := s.db.Query(`SELECT key, value, updated_ms FROM kv WHERE namespace = ? ORDER BY key`, namespace)
	if err != nil {
		return nil, fmt.Errorf("opstate list %s: %w", namespace, err)
	}
	defer rows.Close()

	out := []Entry{}
	for rows.Next() {
		var (
			e  Entry
			ms int64
		)
		if err := rows.Scan(&e.Key, &e.Value, &ms); err != nil {
			return nil, fmt.Errorf("opstate list %s: %w", namespace, err)
		}
		e.UpdatedAt = time.UnixMilli(ms)
		out = append(out, e)
	}
	return out, rows.Err()
}
