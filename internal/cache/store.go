package cache

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidName is returned when a cache name cannot be used as a key
// namespace by every backend.
var ErrInvalidName = errors.New("invalid cache name")

// StoreStats contains storage-level statistics.
type StoreStats struct {
	Size      int   `json:"size"`
	MaxSize   int   `json:"max_size"`  // 0 if unbounded or N/A
	Evictions int64 `json:"evictions"` // 0 if not tracked (e.g., Redis)
}

// Store is a single named cache. Backend failures are logged and
// reported as misses; cached entries are re-fetchable.
type Store interface {
	Get(key string) (*Entry, bool)
	Set(key string, entry *Entry)
	Delete(key string) bool
	Keys() []string
	Purge()
	Stats() StoreStats
}

// Storage is the set of named caches.
type Storage interface {
	// Open returns the cache called name, creating it if needed.
	Open(name string) (Store, error)
	Has(name string) (bool, error)
	// Delete removes the cache and every entry in it. It reports whether
	// the cache existed.
	Delete(name string) (bool, error)
	// Names lists caches in creation order.
	Names() ([]string, error)
	Close() error
}

// MatchAll looks key up in every cache, oldest first.
func MatchAll(s Storage, key string) (*Entry, string, bool) {
	names, err := s.Names()
	if err != nil {
		return nil, "", false
	}
	for _, name := range names {
		st, err := s.Open(name)
		if err != nil {
			continue
		}
		if e, ok := st.Get(key); ok {
			return e, name, true
		}
	}
	return nil, "", false
}

func validateName(name string) error {
	if name == "" || strings.ContainsAny(name, ":/*?[]\\") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
