package cache

import (
	"sync"
	"sync/atomic"
	"time"

	expirable "github.com/hashicorp/golang-lru/v2/expirable"
)

// MemoryStore is an in-memory LRU cache implementing Store.
type MemoryStore struct {
	lru       *expirable.LRU[string, *Entry]
	evictions atomic.Int64
	maxSize   int
}

// NewMemoryStore creates an in-memory store. A maxSize of 0 leaves the
// store unbounded and a ttl of 0 keeps entries until they are deleted.
func NewMemoryStore(maxSize int, ttl time.Duration) *MemoryStore {
	if maxSize < 0 {
		maxSize = 0
	}
	s := &MemoryStore{maxSize: maxSize}
	s.lru = expirable.NewLRU[string, *Entry](maxSize, func(key string, value *Entry) {
		s.evictions.Add(1)
	}, ttl)
	return s
}

func (s *MemoryStore) Get(key string) (*Entry, bool) {
	return s.lru.Get(key)
}

// Set replaces any existing entry; concurrent writers are last-write-wins.
func (s *MemoryStore) Set(key string, entry *Entry) {
	s.lru.Add(key, entry)
}

func (s *MemoryStore) Delete(key string) bool {
	return s.lru.Remove(key)
}

// Keys returns keys from oldest to newest.
func (s *MemoryStore) Keys() []string {
	return s.lru.Keys()
}

func (s *MemoryStore) Purge() {
	s.lru.Purge()
}

func (s *MemoryStore) Stats() StoreStats {
	return StoreStats{
		Size:      s.lru.Len(),
		MaxSize:   s.maxSize,
		Evictions: s.evictions.Load(),
	}
}

// MemoryStorage keeps named MemoryStores for the lifetime of the process.
type MemoryStorage struct {
	mu      sync.RWMutex
	stores  map[string]*MemoryStore
	order   []string
	maxSize int
	ttl     time.Duration
}

// NewMemoryStorage creates an empty set of in-memory caches. maxSize and
// ttl apply to every cache it opens.
func NewMemoryStorage(maxSize int, ttl time.Duration) *MemoryStorage {
	return &MemoryStorage{
		stores:  make(map[string]*MemoryStore),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

func (m *MemoryStorage) Open(name string) (Store, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	m.mu.RLock()
	s, ok := m.stores[name]
	m.mu.RUnlock()
	if ok {
		return s, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.stores[name]; ok {
		return s, nil
	}
	s = NewMemoryStore(m.maxSize, m.ttl)
	m.stores[name] = s
	m.order = append(m.order, name)
	return s, nil
}

func (m *MemoryStorage) Has(name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.stores[name]
	return ok, nil
}

func (m *MemoryStorage) Delete(name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.stores[name]
	if !ok {
		return false, nil
	}
	s.Purge()
	delete(m.stores, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (m *MemoryStorage) Names() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, len(m.order))
	copy(names, m.order)
	return names, nil
}

func (m *MemoryStorage) Close() error {
	return nil
}
