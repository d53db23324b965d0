// Package sqlite is the sqlite backend of the history store.
package sqlite

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/GermanZvezdin/prun/history"
)

func init() {
	history.Register("sqlite", func(dsn string) (history.Store, error) {
		return Open(dsn)
	})
}

// Store is a history store over one sqlite database file.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("db path required")
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// Enable Write-Ahead Logging. See https://sqlite.org/wal.html
	if _, err := db.Exec(`PRAGMA journal_mode = wal;`); err != nil {
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS history (
			id INTEGER PRIMARY KEY,
			value TEXT NOT NULL
		);
	`); err != nil {
		return nil, fmt.Errorf("create history table: %w", err)
	}
	return &Store{db: db}, nil
}

// Put stores value under key, replacing any previous record.
func (s *Store) Put(key int64, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO history (id, value) VALUES (?, ?)
		ON CONFLICT (id) DO UPDATE SET value=excluded.value;
	`, key, value)
	return err
}

// Get returns the record under key.
func (s *Store) Get(key int64) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM history WHERE id=?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", history.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// Delete removes the record under key, if any.
func (s *Store) Delete(key int64) error {
	_, err := s.db.Exec(`DELETE FROM history WHERE id=?`, key)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
