package store

import (
	"context"
	"errors"
	"time"

	"github.com/bitrise-io/go-tus/tus"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix is prepended to fingerprints to form Redis keys.
const DefaultRedisPrefix = "tus:upload:"

var (
	_ tus.Store   = (*RedisStore)(nil)
	_ tus.Remover = (*RedisStore)(nil)
)

// RedisClient is the part of *redis.Client the store uses.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisStore keeps upload URLs in Redis, so several machines can resume each other's uploads.
type RedisStore struct {
	client RedisClient
	prefix string
	ttl    time.Duration
}

// RedisOption ...
type RedisOption func(*RedisStore)

// WithTTL makes entries expire after ttl. Servers usually expire unfinished uploads too.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

// NewRedisStore creates a RedisStore. An empty prefix means DefaultRedisPrefix.
func NewRedisStore(client RedisClient, prefix string, opts ...RedisOption) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	s := &RedisStore{
		client: client,
		prefix: prefix,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewRedisClient connects to the Redis server at addr.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// Get ...
func (s *RedisStore) Get(ctx context.Context, fingerprint string) (string, bool, error) {
	url, err := s.client.Get(ctx, s.key(fingerprint)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return url, true, nil
}

// Set ...
func (s *RedisStore) Set(ctx context.Context, fingerprint, url string) error {
	return s.client.Set(ctx, s.key(fingerprint), url, s.ttl).Err()
}

// Remove ...
func (s *RedisStore) Remove(ctx context.Context, fingerprint string) error {
	return s.client.Del(ctx, s.key(fingerprint)).Err()
}

func (s *RedisStore) key(fingerprint string) string {
	return s.prefix + fingerprint
}
