package tus

import (
	"context"
	"sync"
)

// Store maps upload fingerprints to upload URLs so uploads can be resumed.
// Implementations used by concurrent uploads must be safe for concurrent use.
type Store interface {
	// Get returns the URL stored for fingerprint. The bool is false when there is none.
	Get(ctx context.Context, fingerprint string) (string, bool, error)
	Set(ctx context.Context, fingerprint, url string) error
}

// Remover is implemented by stores which can forget a fingerprint.
// The Client never removes entries, callers do once an upload is complete.
type Remover interface {
	Remove(ctx context.Context, fingerprint string) error
}

// MemoryStore keeps URLs in memory, it is safe for concurrent use.
type MemoryStore struct {
	mu   sync.RWMutex
	urls map[string]string
}

// NewMemoryStore ...
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{urls: map[string]string{}}
}

// Get ...
func (s *MemoryStore) Get(_ context.Context, fingerprint string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	url, ok := s.urls[fingerprint]
	return url, ok, nil
}

// Set ...
func (s *MemoryStore) Set(_ context.Context, fingerprint, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.urls[fingerprint] = url
	return nil
}

// Remove ...
func (s *MemoryStore) Remove(_ context.Context, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.urls, fingerprint)
	return nil
}
