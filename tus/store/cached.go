package store

import (
	"context"
	"fmt"

	"github.com/bitrise-io/go-tus/tus"
	lru "github.com/hashicorp/golang-lru"
)

// DefaultCacheSize is the number of entries a CachedStore keeps when no size is given.
const DefaultCacheSize = 256

var (
	_ tus.Store   = (*CachedStore)(nil)
	_ tus.Remover = (*CachedStore)(nil)
)

// CachedStore keeps recently used entries of a slower store in memory.
// Misses are not cached, so entries written by other processes are found.
type CachedStore struct {
	backing tus.Store
	cache   *lru.Cache
}

// NewCachedStore wraps backing with an LRU cache of size entries.
func NewCachedStore(backing tus.Store, size int) (*CachedStore, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	return &CachedStore{
		backing: backing,
		cache:   cache,
	}, nil
}

// Get ...
func (s *CachedStore) Get(ctx context.Context, fingerprint string) (string, bool, error) {
	if v, ok := s.cache.Get(fingerprint); ok {
		return v.(string), true, nil
	}

	url, ok, err := s.backing.Get(ctx, fingerprint)
	if err != nil || !ok {
		return url, ok, err
	}
	s.cache.Add(fingerprint, url)
	return url, true, nil
}

// Set ...
func (s *CachedStore) Set(ctx context.Context, fingerprint, url string) error {
	if err := s.backing.Set(ctx, fingerprint, url); err != nil {
		s.cache.Remove(fingerprint)
		return err
	}
	s.cache.Add(fingerprint, url)
	return nil
}

// Remove drops the entry from the cache and, when the backing store supports it, from the backing store.
func (s *CachedStore) Remove(ctx context.Context, fingerprint string) error {
	s.cache.Remove(fingerprint)
	if remover, ok := s.backing.(tus.Remover); ok {
		return remover.Remove(ctx, fingerprint)
	}
	return nil
}
