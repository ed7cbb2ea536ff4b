// Copyright (C) 2026, Nostr Game Engine contributors. All rights reserved.
// See the file LICENSE for licensing terms.

package storage

import (
	"github.com/luxfi/database"
	"github.com/luxfi/database/badgerdb"
	"github.com/luxfi/database/memdb"
)

// Storage wraps luxfi's database interface behind the small surface the
// exchange services need (penalty list, rate counters, delegate key).
type Storage struct {
	db database.Database
}

// New creates a storage instance. dbType is "memory" or "badger"; anything
// else defaults to badger at the given path.
func New(dbType string, path string) (*Storage, error) {
	var db database.Database
	var err error

	switch dbType {
	case "memory":
		db = memdb.New()
	default:
		db, err = badgerdb.New(path, nil, "", nil)
		if err != nil {
			return nil, err
		}
	}

	return &Storage{db: db}, nil
}

// NewMemory creates an in-memory storage instance, used in tests.
func NewMemory() *Storage {
	return &Storage{db: memdb.New()}
}

// Put stores a key-value pair.
func (s *Storage) Put(key, value []byte) error {
	return s.db.Put(key, value)
}

// Get retrieves a value by key.
func (s *Storage) Get(key []byte) ([]byte, error) {
	return s.db.Get(key)
}

// Has checks if a key exists.
func (s *Storage) Has(key []byte) (bool, error) {
	return s.db.Has(key)
}

// Delete removes a key-value pair.
func (s *Storage) Delete(key []byte) error {
	return s.db.Delete(key)
}

// NewIteratorWithPrefix creates an iterator over keys with the given prefix.
func (s *Storage) NewIteratorWithPrefix(prefix []byte) database.Iterator {
	return s.db.NewIteratorWithPrefix(prefix)
}

// Close closes the database.
func (s *Storage) Close() error {
	return s.db.Close()
}

// Database returns the underlying database.
func (s *Storage) Database() database.Database {
	return s.db
}

// IsNotFound reports whether err means the key was absent.
func IsNotFound(err error) bool {
	return err == database.ErrNotFound
}
