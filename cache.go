package oauthx

import (
	"container/list"
	"context"
	"sync"
	"time"
)

const defaultMemoryCacheEntries = 10000

// CachedClaims are the claims resolved beyond the token, as stored in a
// ClaimsCache. Custom holds the provider-serialized CustomClaims.
type CachedClaims struct {
	UserInfo UserInfoClaims `json:"user_info"`
	Custom   []byte         `json:"custom"`
}

// ClaimsCache maps token fingerprints to resolved claims.
//
// Implementations synchronize internally, must never return an entry at or
// after its expiresAt, and let the last Set for a fingerprint win. An absent
// entry is a miss, reported as (nil, false, nil).
type ClaimsCache interface {
	Get(ctx context.Context, fingerprint string) (*CachedClaims, bool, error)
	Set(ctx context.Context, fingerprint string, claims CachedClaims, expiresAt int64) error
}

// MemoryCacheConfig configures a MemoryCache.
type MemoryCacheConfig struct {
	// MaxEntries bounds memory use; the least recently used entry is evicted first.
	MaxEntries int
	Clock      func() time.Time
}

// MemoryCache is a process-local ClaimsCache with LRU eviction.
type MemoryCache struct {
	mu         sync.Mutex
	entries    map[string]*memoryEntry
	lru        *list.List
	maxEntries int
	now        func() time.Time
}

type memoryEntry struct {
	fingerprint string
	claims      CachedClaims
	expiresAt   int64
	element     *list.Element
}

// NewMemoryCache creates an empty MemoryCache.
func NewMemoryCache(cfg MemoryCacheConfig) *MemoryCache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaultMemoryCacheEntries
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &MemoryCache{
		entries:    make(map[string]*memoryEntry),
		lru:        list.New(),
		maxEntries: cfg.MaxEntries,
		now:        cfg.Clock,
	}
}

// Get implements ClaimsCache.
func (c *MemoryCache) Get(_ context.Context, fingerprint string) (*CachedClaims, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[fingerprint]
	if !ok {
		return nil, false, nil
	}
	if c.now().Unix() >= entry.expiresAt {
		c.remove(entry)
		return nil, false, nil
	}
	c.lru.MoveToFront(entry.element)
	out := cloneCachedClaims(entry.claims)
	return &out, true, nil
}

// Set implements ClaimsCache. Entries that are already expired are not stored.
func (c *MemoryCache) Set(_ context.Context, fingerprint string, claims CachedClaims, expiresAt int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[fingerprint]; ok {
		c.remove(existing)
	}
	if c.now().Unix() >= expiresAt {
		return nil
	}
	for c.lru.Len() >= c.maxEntries {
		c.evictOldest()
	}
	entry := &memoryEntry{
		fingerprint: fingerprint,
		claims:      cloneCachedClaims(claims),
		expiresAt:   expiresAt,
	}
	entry.element = c.lru.PushFront(entry)
	c.entries[fingerprint] = entry
	return nil
}

// Len returns the number of stored entries, expired or not.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// PurgeExpired drops every expired entry and returns how many were removed.
func (c *MemoryCache) PurgeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now().Unix()
	removed := 0
	for _, entry := range c.entries {
		if now >= entry.expiresAt {
			c.remove(entry)
			removed++
		}
	}
	return removed
}

// remove must be called with mu held.
func (c *MemoryCache) remove(entry *memoryEntry) {
	c.lru.Remove(entry.element)
	delete(c.entries, entry.fingerprint)
}

// evictOldest must be called with mu held. Expired entries go first.
func (c *MemoryCache) evictOldest() {
	now := c.now().Unix()
	for e := c.lru.Back(); e != nil; e = e.Prev() {
		if entry := e.Value.(*memoryEntry); now >= entry.expiresAt {
			c.remove(entry)
			return
		}
	}
	if back := c.lru.Back(); back != nil {
		c.remove(back.Value.(*memoryEntry))
	}
}

func cloneCachedClaims(in CachedClaims) CachedClaims {
	out := in
	if in.Custom != nil {
		out.Custom = append([]byte(nil), in.Custom...)
	}
	return out
}
