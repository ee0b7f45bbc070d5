// Package lru provides a generic, thread-safe LRU cache.
//
// The cache keeps strict recency order: [Cache.Get] and [Cache.Set] mark an
// entry most recently used, while [Cache.Peek], [Cache.Keys] and
// [Cache.Range] leave the order untouched. When the cache grows past its
// capacity the least recently used entries are evicted.
//
// # Basic Usage
//
//	cache := lru.MustNew[int, []string](100)
//	cache.Set(1, page)
//	page, found := cache.Get(1)
//
// # Unbounded caches
//
// A cache created with capacity [Unbounded] never evicts on its own. A bound
// can be applied at any time with [Cache.Resize], which evicts whatever no
// longer fits.
//
// # Eviction Callbacks
//
//	cache.OnEvict(func(key int, value []string) {
//	    fmt.Printf("evicted page %d\n", key)
//	})
//
// Callbacks are invoked for capacity evictions, [Cache.Resize],
// [Cache.Remove] and [Cache.Clear], after the cache lock is released.
package lru
