package store

import (
	"context"
	"fmt"

	"github.com/bitrise-io/go-tus/tus"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

var (
	_ tus.Store   = (*LevelDBStore)(nil)
	_ tus.Remover = (*LevelDBStore)(nil)
)

// LevelDBStore keeps upload URLs in a LevelDB database.
type LevelDBStore struct {
	db *leveldb.DB
}

// NewLevelDBStore opens (or creates) the database at path and recovers it when it is corrupted.
func NewLevelDBStore(path string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if _, corrupted := err.(*errors.ErrCorrupted); corrupted {
		db, err = leveldb.RecoverFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("open leveldb store: %w", err)
	}
	return &LevelDBStore{db: db}, nil
}

// Get ...
func (s *LevelDBStore) Get(_ context.Context, fingerprint string) (string, bool, error) {
	value, err := s.db.Get([]byte(fingerprint), nil)
	if err == leveldb.ErrNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(value), true, nil
}

// Set ...
func (s *LevelDBStore) Set(_ context.Context, fingerprint, url string) error {
	return s.db.Put([]byte(fingerprint), []byte(url), &opt.WriteOptions{Sync: true})
}

// Remove ...
func (s *LevelDBStore) Remove(_ context.Context, fingerprint string) error {
	return s.db.Delete([]byte(fingerprint), &opt.WriteOptions{Sync: true})
}

// Close ...
func (s *LevelDBStore) Close() error {
	return s.db.Close()
}
