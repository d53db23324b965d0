// Package history is the persistent job store behind the master.
// The master writes a record when a job is admitted and deletes it on
// terminal completion, so a restarted master can see what was in
// flight.
package history

import "fmt"

// Store is a key/value access interface over the chosen backend.
type Store interface {
	Put(key int64, value string) error
	Get(key int64) (string, error)
	Delete(key int64) error
	Close() error
}

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = fmt.Errorf("history: record not found")

// Config selects and parameterizes a backend.
type Config struct {
	// Driver is one of "sqlite", "leveldb", "redis" or "" for none.
	Driver string `toml:"driver"`

	// DSN is a file path for sqlite and leveldb, an address for
	// redis.
	DSN string `toml:"dsn"`
}

// openFuncs is filled by the driver packages through Register.
var openFuncs = map[string]func(dsn string) (Store, error){}

// Register installs a driver. Driver packages call it from init.
func Register(name string, open func(dsn string) (Store, error)) {
	openFuncs[name] = open
}

// Open opens the configured store. An empty driver yields a store
// that keeps nothing.
func Open(cfg Config) (Store, error) {
	if cfg.Driver == "" {
		return nopStore{}, nil
	}
	open, ok := openFuncs[cfg.Driver]
	if !ok {
		return nil, fmt.Errorf("history: unknown driver %q", cfg.Driver)
	}
	return open(cfg.DSN)
}

// nopStore keeps nothing.
type nopStore struct{}

func (nopStore) Put(int64, string) error   { return nil }
func (nopStore) Get(int64) (string, error) { return "", ErrNotFound }
func (nopStore) Delete(int64) error        { return nil }
func (nopStore) Close() error              { return nil }
