package worker

import (
	"sync/atomic"

	"github.com/wudi/swproxy/internal/cache"
)

// blockingStorage hands out stores whose Set blocks on release while
// block is set.
type blockingStorage struct {
	*cache.MemoryStorage
	block   atomic.Bool
	release chan struct{}
}

func (b *blockingStorage) Open(name string) (cache.Store, error) {
	s, err := b.MemoryStorage.Open(name)
	if err != nil {
		return nil, err
	}
	return &blockingStore{Store: s, parent: b}, nil
}

type blockingStore struct {
	cache.Store
	parent *blockingStorage
}

func (s *blockingStore) Set(key string, entry *cache.Entry) {
	if s.parent.block.Load() {
		<-s.parent.release
	}
	s.Store.Set(key, entry)
}
