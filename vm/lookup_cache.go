package vm

import "sync"

// Descriptor Lookup Cache
//
// A direct-mapped cache of (descriptor array, name, valid entries) to search
// result, consulted by SearchWithCache. Most property lookups hit the same
// few (map, name) pairs repeatedly, so a small cache absorbs the bisection
// cost. Collisions simply overwrite the slot.

// LookupCacheStats holds aggregate lookup cache statistics.
type LookupCacheStats struct {
	Size     int     // Number of slots
	Occupied int     // Slots holding an entry
	Hits     uint64  // Total cache hits
	Misses   uint64  // Total cache misses
	HitRate  float64 // Hit rate percentage
}

type lookupCacheEntry struct {
	array        *DescriptorArray
	name         *Name
	validEntries int
	result       int
}

// DescriptorLookupCache caches search results per (array, name).
type DescriptorLookupCache struct {
	mu      sync.Mutex
	entries []lookupCacheEntry
	mask    uint32

	// Statistics for profiling
	hits   uint64
	misses uint64
}

// NewDescriptorLookupCache creates a cache with size rounded up to a power of two.
func NewDescriptorLookupCache(size int) *DescriptorLookupCache {
	n := 1
	for n < size {
		n <<= 1
	}
	return &DescriptorLookupCache{
		entries: make([]lookupCacheEntry, n),
		mask:    uint32(n - 1),
	}
}

func (c *DescriptorLookupCache) slot(array *DescriptorArray, name *Name) uint32 {
	// Multiplicative mixing of the array identity with the name hash.
	return (array.id*2654435761 ^ name.hash) & c.mask
}

// Lookup returns the cached result for (array, name, validEntries).
// ok is false on a miss.
func (c *DescriptorLookupCache) Lookup(array *DescriptorArray, name *Name, validEntries int) (result int, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := &c.entries[c.slot(array, name)]
	if e.array == array && e.name == name && e.validEntries == validEntries {
		c.hits++
		return e.result, true
	}
	c.misses++
	return NotFound, false
}

// Update records a search result, replacing whatever occupied the slot.
func (c *DescriptorLookupCache) Update(array *DescriptorArray, name *Name, validEntries, result int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[c.slot(array, name)] = lookupCacheEntry{
		array:        array,
		name:         name,
		validEntries: validEntries,
		result:       result,
	}
}

// Clear empties the cache. Statistics are kept.
func (c *DescriptorLookupCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.entries {
		c.entries[i] = lookupCacheEntry{}
	}
}

// Reset empties the cache and its statistics.
func (c *DescriptorLookupCache) Reset() {
	c.Clear()
	c.mu.Lock()
	c.hits = 0
	c.misses = 0
	c.mu.Unlock()
}

// HitRate returns the cache hit rate as a percentage (0-100).
func (c *DescriptorLookupCache) HitRate() float64 {
	return c.Stats().HitRate
}

// Stats returns aggregate statistics for the cache.
func (c *DescriptorLookupCache) Stats() LookupCacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := LookupCacheStats{
		Size:   len(c.entries),
		Hits:   c.hits,
		Misses: c.misses,
	}
	for i := range c.entries {
		if c.entries[i].array != nil {
			stats.Occupied++
		}
	}
	total := stats.Hits + stats.Misses
	if total > 0 {
		stats.HitRate = float64(stats.Hits) * 100 / float64(total)
	}
	return stats
}
