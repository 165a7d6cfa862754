package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wudi/swproxy/internal/logging"
)

// RedisStore is a Redis-backed named cache implementing Store.
type RedisStore struct {
	client   *redis.Client
	prefix   string
	ttl      time.Duration
	compress bool
}

// NewRedisStore creates a store whose keys all start with prefix, e.g.
// "sw:cache:cex-exchange-v1:". A ttl of 0 stores entries without expiry.
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration, compress bool) *RedisStore {
	return &RedisStore{
		client:   client,
		prefix:   prefix,
		ttl:      ttl,
		compress: compress,
	}
}

func (s *RedisStore) Get(key string) (*Entry, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logging.Warn("Redis cache get failed, treating as miss", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}

	entry, err := decodeEntry(data)
	if err != nil {
		logging.Warn("Redis cache decode failed, treating as miss", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return entry, true
}

func (s *RedisStore) Set(key string, entry *Entry) {
	data, err := encodeEntry(entry, s.compress)
	if err != nil {
		logging.Warn("Redis cache encode failed", zap.String("key", key), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	if err := s.client.Set(ctx, s.prefix+key, data, s.ttl).Err(); err != nil {
		logging.Warn("Redis cache set failed", zap.String("key", key), zap.Error(err))
	}
}

func (s *RedisStore) Delete(key string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	n, err := s.client.Del(ctx, s.prefix+key).Result()
	if err != nil {
		logging.Warn("Redis cache delete failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return n > 0
}

func (s *RedisStore) Keys() []string {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var keys []string
	err := scanPrefix(ctx, s.client, s.prefix, func(batch []string) error {
		for _, k := range batch {
			keys = append(keys, k[len(s.prefix):])
		}
		return nil
	})
	if err != nil {
		logging.Warn("Redis cache key scan failed", zap.Error(err))
	}
	return keys
}

func (s *RedisStore) Purge() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := deletePrefix(ctx, s.client, s.prefix); err != nil {
		logging.Warn("Redis cache purge failed", zap.Error(err))
	}
}

func (s *RedisStore) Stats() StoreStats {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	var count int
	err := scanPrefix(ctx, s.client, s.prefix, func(batch []string) error {
		count += len(batch)
		return nil
	})
	if err != nil {
		logging.Warn("Redis cache stats scan failed", zap.Error(err))
		return StoreStats{}
	}
	return StoreStats{Size: count}
}

// RedisStorage keeps named caches in Redis so several edges share them.
// Cache names live in a sorted set scored by creation time.
type RedisStorage struct {
	client   *redis.Client
	prefix   string
	ttl      time.Duration
	compress bool
}

// NewRedisStorage creates a storage rooted at prefix, e.g. "sw:".
func NewRedisStorage(client *redis.Client, prefix string, ttl time.Duration, compress bool) *RedisStorage {
	if prefix == "" {
		prefix = "sw:"
	}
	return &RedisStorage{
		client:   client,
		prefix:   prefix,
		ttl:      ttl,
		compress: compress,
	}
}

func (r *RedisStorage) namesKey() string {
	return r.prefix + "caches"
}

func (r *RedisStorage) storePrefix(name string) string {
	return r.prefix + "cache:" + name + ":"
}

func (r *RedisStorage) Open(name string) (Store, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := r.client.ZAddNX(ctx, r.namesKey(), redis.Z{
		Score:  float64(time.Now().UnixNano()),
		Member: name,
	}).Err()
	if err != nil {
		return nil, fmt.Errorf("redis: open cache %s: %w", name, err)
	}
	return NewRedisStore(r.client, r.storePrefix(name), r.ttl, r.compress), nil
}

func (r *RedisStorage) Has(name string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := r.client.ZScore(ctx, r.namesKey(), name).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis: lookup cache %s: %w", name, err)
	}
	return true, nil
}

func (r *RedisStorage) Delete(name string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n, err := r.client.ZRem(ctx, r.namesKey(), name).Result()
	if err != nil {
		return false, fmt.Errorf("redis: delete cache %s: %w", name, err)
	}
	if err := deletePrefix(ctx, r.client, r.storePrefix(name)); err != nil {
		return n > 0, fmt.Errorf("redis: purge cache %s: %w", name, err)
	}
	return n > 0, nil
}

func (r *RedisStorage) Names() ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	names, err := r.client.ZRange(ctx, r.namesKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list caches: %w", err)
	}
	return names, nil
}

// Close closes the underlying client.
func (r *RedisStorage) Close() error {
	return r.client.Close()
}

func scanPrefix(ctx context.Context, client *redis.Client, prefix string, fn func([]string) error) error {
	var cursor uint64
	for {
		keys, next, err := client.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func deletePrefix(ctx context.Context, client *redis.Client, prefix string) error {
	return scanPrefix(ctx, client, prefix, func(keys []string) error {
		return client.Del(ctx, keys...).Err()
	})
}
