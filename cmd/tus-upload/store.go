package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/bitrise-io/go-tus/tus"
	"github.com/bitrise-io/go-tus/tus/store"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
)

const defaultStoreDir = "~/.tus"

// openStore returns the store selected by cfg, nil for storeNone. The returned function releases the store.
func openStore(ctx context.Context, cfg Config, logger log.Logger) (tus.Store, func() error, error) {
	noop := func() error { return nil }

	var (
		backing tus.Store
		closer  = noop
	)
	switch cfg.Store {
	case storeNone:
		return nil, noop, nil
	case storeMemory:
		return tus.NewMemoryStore(), noop, nil
	case storeFile:
		pth, err := storePath(cfg.StorePath, "uploads.yml")
		if err != nil {
			return nil, nil, err
		}
		s, err := store.NewFileStore(pth)
		if err != nil {
			return nil, nil, err
		}
		backing = s
	case storeLevelDB:
		pth, err := storePath(cfg.StorePath, storeLevelDB)
		if err != nil {
			return nil, nil, err
		}
		s, err := store.NewLevelDBStore(pth)
		if err != nil {
			return nil, nil, err
		}
		backing, closer = s, s.Close
	case storePebble:
		pth, err := storePath(cfg.StorePath, storePebble)
		if err != nil {
			return nil, nil, err
		}
		s, err := store.NewPebbleStore(pth)
		if err != nil {
			return nil, nil, err
		}
		backing, closer = s, s.Close
	case storeRedis:
		client := store.NewRedisClient(cfg.RedisAddr, string(cfg.RedisPassword), 0)
		backing, closer = store.NewRedisStore(client, store.DefaultRedisPrefix), client.Close
	case storeS3:
		s, err := store.NewS3Store(ctx, store.S3Params{
			Bucket:          cfg.S3Bucket,
			Prefix:          cfg.S3Prefix,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: string(cfg.SecretKey),
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		backing = s
	default:
		return nil, nil, fmt.Errorf("unknown store: %s", cfg.Store)
	}

	cached, err := store.NewCachedStore(backing, store.DefaultCacheSize)
	if err != nil {
		_ = closer()
		return nil, nil, err
	}
	return cached, closer, nil
}

func storePath(configured, name string) (string, error) {
	pth := configured
	if pth == "" {
		pth = filepath.Join(defaultStoreDir, name)
	}
	absPath, err := pathutil.NewPathModifier().AbsPath(pth)
	if err != nil {
		return "", fmt.Errorf("resolve store path %s: %w", pth, err)
	}
	return absPath, nil
}
