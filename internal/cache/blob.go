package cache

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// buckets
	_ "gocloud.dev/blob/memblob"  // mem:// buckets
	"gocloud.dev/gcerrors"

	"github.com/wudi/swproxy/internal/logging"
)

// markerObject is written under every cache prefix so empty caches are
// still listed.
const markerObject = ".cache"

// createdLayout is fixed-width so marker contents sort chronologically.
const createdLayout = "2006-01-02T15:04:05.000000000Z"

// BlobStore is a named cache kept in a gocloud bucket. Each entry is one
// object named <cache>/<base64url(key)>.
type BlobStore struct {
	bucket   *blob.Bucket
	prefix   string
	ttl      time.Duration
	compress bool
}

func (s *BlobStore) objectKey(key string) string {
	return s.prefix + base64.RawURLEncoding.EncodeToString([]byte(key))
}

func (s *BlobStore) Get(key string) (*Entry, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	data, err := s.bucket.ReadAll(ctx, s.objectKey(key))
	if err != nil {
		if gcerrors.Code(err) != gcerrors.NotFound {
			logging.Warn("Blob cache read failed, treating as miss", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}

	entry, err := decodeEntry(data)
	if err != nil {
		logging.Warn("Blob cache decode failed, treating as miss", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	if s.ttl > 0 && time.Since(entry.StoredAt) > s.ttl {
		return nil, false
	}
	return entry, true
}

func (s *BlobStore) Set(key string, entry *Entry) {
	data, err := encodeEntry(entry, s.compress)
	if err != nil {
		logging.Warn("Blob cache encode failed", zap.String("key", key), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.bucket.WriteAll(ctx, s.objectKey(key), data, nil); err != nil {
		logging.Warn("Blob cache write failed", zap.String("key", key), zap.Error(err))
	}
}

func (s *BlobStore) Delete(key string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := s.bucket.Delete(ctx, s.objectKey(key))
	if err != nil {
		if gcerrors.Code(err) != gcerrors.NotFound {
			logging.Warn("Blob cache delete failed", zap.String("key", key), zap.Error(err))
		}
		return false
	}
	return true
}

func (s *BlobStore) Keys() []string {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var keys []string
	err := s.each(ctx, func(obj *blob.ListObject) error {
		raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(obj.Key, s.prefix))
		if err != nil {
			return nil // foreign object
		}
		keys = append(keys, string(raw))
		return nil
	})
	if err != nil {
		logging.Warn("Blob cache list failed", zap.Error(err))
	}
	return keys
}

func (s *BlobStore) Purge() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := s.each(ctx, func(obj *blob.ListObject) error {
		return s.bucket.Delete(ctx, obj.Key)
	})
	if err != nil {
		logging.Warn("Blob cache purge failed", zap.Error(err))
	}
}

func (s *BlobStore) Stats() StoreStats {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var count int
	err := s.each(ctx, func(*blob.ListObject) error {
		count++
		return nil
	})
	if err != nil {
		logging.Warn("Blob cache stats failed", zap.Error(err))
		return StoreStats{}
	}
	return StoreStats{Size: count}
}

// each visits every entry object, skipping the marker.
func (s *BlobStore) each(ctx context.Context, fn func(*blob.ListObject) error) error {
	iter := s.bucket.List(&blob.ListOptions{Prefix: s.prefix})
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if obj.IsDir || obj.Key == s.prefix+markerObject {
			continue
		}
		if err := fn(obj); err != nil {
			return err
		}
	}
}

// BlobStorage keeps named caches in a gocloud bucket, so caches survive
// restarts when the bucket is persistent (file://, s3://...).
type BlobStorage struct {
	bucket   *blob.Bucket
	ttl      time.Duration
	compress bool
}

// OpenBlobStorage opens the bucket at bucketURL, e.g. "file:///var/cache/swproxy".
func OpenBlobStorage(ctx context.Context, bucketURL string, ttl time.Duration, compress bool) (*BlobStorage, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("blob: open bucket %s: %w", bucketURL, err)
	}
	return NewBlobStorage(bucket, ttl, compress), nil
}

// NewBlobStorage wraps an already opened bucket.
func NewBlobStorage(bucket *blob.Bucket, ttl time.Duration, compress bool) *BlobStorage {
	return &BlobStorage{bucket: bucket, ttl: ttl, compress: compress}
}

func (b *BlobStorage) Open(name string) (Store, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	prefix := name + "/"
	ok, err := b.bucket.Exists(ctx, prefix+markerObject)
	if err != nil {
		return nil, fmt.Errorf("blob: open cache %s: %w", name, err)
	}
	if !ok {
		created := []byte(time.Now().UTC().Format(createdLayout))
		if err := b.bucket.WriteAll(ctx, prefix+markerObject, created, nil); err != nil {
			return nil, fmt.Errorf("blob: create cache %s: %w", name, err)
		}
	}
	return &BlobStore{bucket: b.bucket, prefix: prefix, ttl: b.ttl, compress: b.compress}, nil
}

func (b *BlobStorage) Has(name string) (bool, error) {
	if validateName(name) != nil {
		return false, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return b.bucket.Exists(ctx, name+"/"+markerObject)
}

func (b *BlobStorage) Delete(name string) (bool, error) {
	ok, err := b.Has(name)
	if err != nil || !ok {
		return false, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	iter := b.bucket.List(&blob.ListOptions{Prefix: name + "/"})
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return true, fmt.Errorf("blob: list cache %s: %w", name, err)
		}
		if err := b.bucket.Delete(ctx, obj.Key); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
			return true, fmt.Errorf("blob: delete %s: %w", obj.Key, err)
		}
	}
	return true, nil
}

// Names lists caches ordered by the creation time recorded in their marker.
func (b *BlobStorage) Names() ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	type named struct {
		name    string
		created string
	}
	var found []named

	iter := b.bucket.List(&blob.ListOptions{Delimiter: "/"})
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("blob: list caches: %w", err)
		}
		if !obj.IsDir {
			continue
		}
		name := strings.TrimSuffix(obj.Key, "/")
		created, err := b.bucket.ReadAll(ctx, obj.Key+markerObject)
		if err != nil {
			continue // not a cache
		}
		found = append(found, named{name: name, created: string(created)})
	}

	sort.SliceStable(found, func(i, j int) bool { return found[i].created < found[j].created })
	names := make([]string, len(found))
	for i, f := range found {
		names[i] = f.name
	}
	return names, nil
}

// Close closes the bucket.
func (b *BlobStorage) Close() error {
	return b.bucket.Close()
}
