package lsp

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Symbol cache tuning.
const (
	symbolCacheTTL      = 300 * time.Second
	symbolCacheCapacity = 1000

	workspaceCacheTTL      = 120 * time.Second
	workspaceCacheCapacity = 50
)

// symbolEntry is one cached per-file result.
type symbolEntry struct {
	result       json.RawMessage
	createdAt    time.Time
	lastAccessed time.Time
}

// SymbolCache memoizes per-file symbol results keyed by path plus content
// hash, so any edit naturally misses. Entries expire after a TTL and the
// least recently accessed entry is evicted at capacity.
type SymbolCache struct {
	mu      sync.Mutex
	entries map[string]*symbolEntry

	hits   atomic.Int64
	misses atomic.Int64
}

// NewSymbolCache creates an empty symbol cache.
func NewSymbolCache() *SymbolCache {
	return &SymbolCache{entries: make(map[string]*symbolEntry)}
}

// SymbolCacheKey derives the cache key for path with the given content.
func SymbolCacheKey(path, content string) string {
	sum := sha256.Sum256([]byte(content))
	return path + ":" + hex.EncodeToString(sum[:8])
}

// Get returns the cached result for key, if present and fresh.
func (c *SymbolCache) Get(key string) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok || time.Since(entry.createdAt) > symbolCacheTTL {
		if ok {
			delete(c.entries, key)
		}
		c.misses.Add(1)
		return nil, false
	}
	entry.lastAccessed = time.Now()
	c.hits.Add(1)
	return entry.result, true
}

// Put stores a result under key, evicting the least recently accessed
// entry when at capacity.
func (c *SymbolCache) Put(key string, result json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= symbolCacheCapacity {
		c.evictOldestLocked()
	}
	now := time.Now()
	c.entries[key] = &symbolEntry{result: result, createdAt: now, lastAccessed: now}
}

// GetOrCompute returns the cached result for key or runs compute and
// caches its result. Errors are never cached.
func (c *SymbolCache) GetOrCompute(key string, compute func() (json.RawMessage, error)) (json.RawMessage, error) {
	if result, ok := c.Get(key); ok {
		return result, nil
	}
	result, err := compute()
	if err != nil {
		return nil, err
	}
	c.Put(key, result)
	return result, nil
}

func (c *SymbolCache) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for key, entry := range c.entries {
		if oldestKey == "" || entry.lastAccessed.Before(oldest) {
			oldestKey = key
			oldest = entry.lastAccessed
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// CleanupExpired drops entries past their TTL and returns how many went.
func (c *SymbolCache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.entries {
		if time.Since(entry.createdAt) > symbolCacheTTL {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// CacheStats is a point-in-time cache report.
type CacheStats struct {
	Entries int     `json:"entries"`
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// Stats returns current counters; hit rate is 0 with no lookups yet.
func (c *SymbolCache) Stats() CacheStats {
	c.mu.Lock()
	entries := len(c.entries)
	c.mu.Unlock()

	hits, misses := c.hits.Load(), c.misses.Load()
	stats := CacheStats{Entries: entries, Hits: hits, Misses: misses}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}
	return stats
}

// workspaceEntry is one cached workspace/symbol result tagged with the
// server generation it came from.
type workspaceEntry struct {
	result     json.RawMessage
	createdAt  time.Time
	generation uint64
}

// WorkspaceSymbolCache memoizes workspace-wide symbol queries keyed by
// language and query. Restarting a server bumps its generation, which
// lazily invalidates every result the old process produced.
type WorkspaceSymbolCache struct {
	mu         sync.Mutex
	entries    map[string]*workspaceEntry
	generation atomic.Uint64
}

// NewWorkspaceSymbolCache creates an empty workspace symbol cache.
func NewWorkspaceSymbolCache() *WorkspaceSymbolCache {
	return &WorkspaceSymbolCache{entries: make(map[string]*workspaceEntry)}
}

// Invalidate discards all results from the current server generation.
func (c *WorkspaceSymbolCache) Invalidate() {
	c.generation.Add(1)
}

// Generation returns the live server generation token. Callers capture it
// before computing a result and hand it back to Put, so a result computed
// by a server that restarted mid-flight is never stored as fresh.
func (c *WorkspaceSymbolCache) Generation() uint64 {
	return c.generation.Load()
}

// Get returns the cached result for the language/query pair, if fresh and
// from the live server generation.
func (c *WorkspaceSymbolCache) Get(language, query string) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := language + ":" + query
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if entry.generation != c.generation.Load() || time.Since(entry.createdAt) > workspaceCacheTTL {
		delete(c.entries, key)
		return nil, false
	}
	return entry.result, true
}

// Put stores a query result produced under generation, evicting the
// oldest entry at capacity. A result from a superseded generation is
// discarded: its server restarted between compute and store.
func (c *WorkspaceSymbolCache) Put(generation uint64, language, query string, result json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if generation != c.generation.Load() {
		return
	}

	key := language + ":" + query
	if _, exists := c.entries[key]; !exists && len(c.entries) >= workspaceCacheCapacity {
		var oldestKey string
		var oldest time.Time
		for k, entry := range c.entries {
			if oldestKey == "" || entry.createdAt.Before(oldest) {
				oldestKey = k
				oldest = entry.createdAt
			}
		}
		if oldestKey != "" {
			delete(c.entries, oldestKey)
		}
	}
	c.entries[key] = &workspaceEntry{
		result:     result,
		createdAt:  time.Now(),
		generation: generation,
	}
}
