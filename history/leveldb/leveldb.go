// Package leveldb is the leveldb backend of the history store.
package leveldb

import (
	"strconv"

	"github.com/syndtr/goleveldb/leveldb"

	"github.com/GermanZvezdin/prun/history"
)

const keyPrefix = "job:"

func init() {
	history.Register("leveldb", func(dsn string) (history.Store, error) {
		return Open(dsn)
	})
}

// Store is a history store over one leveldb directory.
type Store struct {
	db *leveldb.DB
}

// Open opens (or creates) the database at path, recovering it when a
// previous run left it dirty.
func Open(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		db, err = leveldb.RecoverFile(path, nil)
		if err != nil {
			return nil, err
		}
	}
	return &Store{db: db}, nil
}

func dbKey(key int64) []byte {
	return []byte(keyPrefix + strconv.FormatInt(key, 10))
}

// Put stores value under key, replacing any previous record.
func (s *Store) Put(key int64, value string) error {
	return s.db.Put(dbKey(key), []byte(value), nil)
}

// Get returns the record under key.
func (s *Store) Get(key int64) (string, error) {
	data, err := s.db.Get(dbKey(key), nil)
	if err == leveldb.ErrNotFound {
		return "", history.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Delete removes the record under key, if any.
func (s *Store) Delete(key int64) error {
	return s.db.Delete(dbKey(key), nil)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
