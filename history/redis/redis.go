// Package redis is the redis backend of the history store.
package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/GermanZvezdin/prun/history"
)

func init() {
	history.Register("redis", func(dsn string) (history.Store, error) {
		return Open(dsn)
	})
}

// Store is a history store over a redis server.
type Store struct {
	rdb *redis.Client
	ctx context.Context
}

// Open connects to the redis server at addr and verifies it answers.
func Open(addr string) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis %v: %w", addr, err)
	}
	return &Store{rdb: rdb, ctx: ctx}, nil
}

func dbKey(key int64) string {
	return fmt.Sprintf("prun:job:%d", key)
}

// Put stores value under key, replacing any previous record.
func (s *Store) Put(key int64, value string) error {
	return s.rdb.Set(s.ctx, dbKey(key), value, 0).Err()
}

// Get returns the record under key.
func (s *Store) Get(key int64) (string, error) {
	value, err := s.rdb.Get(s.ctx, dbKey(key)).Result()
	if err == redis.Nil {
		return "", history.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// Delete removes the record under key, if any.
func (s *Store) Delete(key int64) error {
	return s.rdb.Del(s.ctx, dbKey(key)).Err()
}

// Close closes the client.
func (s *Store) Close() error {
	return s.rdb.Close()
}
