package provider

import (
	"strings"
	"sync"
	"time"

	"github.com/xqi1337/nekoengine/models"
)

// defaultSearchTTL bounds how long a provider's search results are reused
// within one process before the next identical query re-fetches.
const defaultSearchTTL = time.Minute

// searchCache memoizes one provider instance's search results for a short
// window. Repeated searches of the same query are required to be idempotent
// anyway, so the only observable effect is skipping the HTTP round-trip.
type searchCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]searchCacheEntry
}

type searchCacheEntry struct {
	results   map[string]models.SearchResult
	expiresAt time.Time
}

func newSearchCache(ttl time.Duration) *searchCache {
	if ttl <= 0 {
		ttl = defaultSearchTTL
	}
	return &searchCache{ttl: ttl, entries: make(map[string]searchCacheEntry)}
}

func cacheKey(sp SearchParams) string {
	return strings.ToLower(strings.TrimSpace(sp.Query)) + "|" + string(sp.TranslationType)
}

func (c *searchCache) get(sp SearchParams) (map[string]models.SearchResult, bool) {
	key := cacheKey(sp)
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return entry.results, true
}

func (c *searchCache) put(sp SearchParams, results map[string]models.SearchResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(sp)] = searchCacheEntry{results: results, expiresAt: time.Now().Add(c.ttl)}
}
