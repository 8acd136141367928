package fingerprint

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize bounds the number of remembered fingerprints.
const DefaultCacheSize = 1024

// Cache memoizes Generate results keyed by seed.
type Cache struct {
	entries *lru.Cache[string, Fingerprint]
}

// NewCache creates a Cache holding at most size fingerprints.
func NewCache(size int) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	entries, err := lru.New[string, Fingerprint](size)
	if err != nil {
		return nil, fmt.Errorf("fingerprint: creating LRU: %w", err)
	}
	return &Cache{entries: entries}, nil
}

// Get returns the fingerprint for seed, generating it on a miss.
func (c *Cache) Get(seed string) Fingerprint {
	if fp, ok := c.entries.Get(seed); ok {
		return fp
	}
	fp := Generate(seed)
	c.entries.Add(seed, fp)
	return fp
}

// Forget drops the cached fingerprint for seed.
func (c *Cache) Forget(seed string) {
	c.entries.Remove(seed)
}

// Len returns the number of cached fingerprints.
func (c *Cache) Len() int {
	return c.entries.Len()
}
