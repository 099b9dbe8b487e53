package exchange

import (
	"sync"

	"trinity/internal/models"
)

// FundingCache is the single-writer (the adapter's watcher goroutines),
// many-reader (the Scanner) map of symbol -> FundingCacheEntry. A
// reader may see a value up to one poll cycle old; that is an accepted
// staleness bound, not a bug.
type FundingCache struct {
	mu      sync.RWMutex
	entries map[string]models.FundingCacheEntry
}

// NewFundingCache creates an empty cache.
func NewFundingCache() *FundingCache {
	return &FundingCache{entries: make(map[string]models.FundingCacheEntry)}
}

// Set stores or replaces the entry for symbol.
func (c *FundingCache) Set(symbol string, entry models.FundingCacheEntry) {
	c.mu.Lock()
	c.entries[symbol] = entry
	c.mu.Unlock()
}

// SetAll replaces the entries for every symbol in batch, used after a
// successful batch warmup or batch poll.
func (c *FundingCache) SetAll(entries map[string]models.FundingCacheEntry) {
	c.mu.Lock()
	for symbol, entry := range entries {
		c.entries[symbol] = entry
	}
	c.mu.Unlock()
}

// Get is the non-blocking lookup backing Adapter.GetCachedFunding.
func (c *FundingCache) Get(symbol string) (models.FundingCacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[symbol]
	return entry, ok
}

// Len reports how many symbols currently have a cached entry.
func (c *FundingCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
