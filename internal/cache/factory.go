package cache

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/wudi/swproxy/config"
)

// NewStorage builds the storage backend selected by cfg.
func NewStorage(ctx context.Context, cfg config.CacheConfig) (Storage, error) {
	switch cfg.Backend {
	case "", config.CacheBackendMemory:
		return NewMemoryStorage(cfg.MaxEntries, cfg.TTL), nil

	case config.CacheBackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:        cfg.Redis.Address,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			PoolSize:    cfg.Redis.PoolSize,
			DialTimeout: cfg.Redis.DialTimeout,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("redis: ping %s: %w", cfg.Redis.Address, err)
		}
		return NewRedisStorage(client, cfg.Redis.Prefix, cfg.TTL, cfg.Compress), nil

	case config.CacheBackendBlob:
		return OpenBlobStorage(ctx, cfg.Blob.URL, cfg.TTL, cfg.Compress)

	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}
