package store

import (
	"context"
	"fmt"

	"github.com/bitrise-io/go-tus/tus"
	"github.com/cockroachdb/pebble"
)

var (
	_ tus.Store   = (*PebbleStore)(nil)
	_ tus.Remover = (*PebbleStore)(nil)
)

// PebbleStore keeps upload URLs in a Pebble database.
type PebbleStore struct {
	db *pebble.DB
}

// NewPebbleStore opens (or creates) the database at path.
func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble store: %w", err)
	}
	return &PebbleStore{db: db}, nil
}

// Get ...
func (s *PebbleStore) Get(_ context.Context, fingerprint string) (string, bool, error) {
	value, closer, err := s.db.Get([]byte(fingerprint))
	if err == pebble.ErrNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	// value is only valid until closer is closed
	url := string(value)
	return url, true, closer.Close()
}

// Set ...
func (s *PebbleStore) Set(_ context.Context, fingerprint, url string) error {
	return s.db.Set([]byte(fingerprint), []byte(url), pebble.Sync)
}

// Remove ...
func (s *PebbleStore) Remove(_ context.Context, fingerprint string) error {
	return s.db.Delete([]byte(fingerprint), pebble.Sync)
}

// Close ...
func (s *PebbleStore) Close() error {
	return s.db.Close()
}
