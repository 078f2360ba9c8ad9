package diff

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tokenlens/tokenlens/internal/token"
)

const defaultCacheSize = 256

// Cache memoizes diff results keyed by the ordered pair of snapshot content
// hashes. Diff output is deterministic, so a cached entry never goes stale;
// the LRU bound only limits memory. Safe for concurrent use.
type Cache struct {
	entries *lru.Cache[string, Diff]
}

// NewCache constructs a Cache holding at most size results. Sizes <= 0 fall
// back to a default.
func NewCache(size int) (*Cache, error) {
	if size <= 0 {
		size = defaultCacheSize
	}
	entries, err := lru.New[string, Diff](size)
	if err != nil {
		return nil, fmt.Errorf("create diff cache: %w", err)
	}
	return &Cache{entries: entries}, nil
}

// Between diffs two snapshots, consulting the cache when both carry a content
// hash. The boolean reports whether the result was served from cache.
func (c *Cache) Between(oldSnap, newSnap token.Snapshot) (Diff, bool) {
	if c == nil || oldSnap.Hash == "" || newSnap.Hash == "" {
		return Compute(oldSnap.Tokens, newSnap.Tokens), false
	}
	key := oldSnap.Hash + "\x00" + newSnap.Hash
	if cached, ok := c.entries.Get(key); ok {
		return cached, true
	}
	d := Compute(oldSnap.Tokens, newSnap.Tokens)
	c.entries.Add(key, d)
	return d, false
}

// Len reports the number of memoized results.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	return c.entries.Len()
}
