package lru

import (
	"errors"
	"math"
	"sync"
)

// Unbounded is a capacity that never forces an eviction. A bound can be
// applied later with [Cache.Resize].
const Unbounded = math.MaxInt

// initialMapSize caps the map preallocation so that large or unbounded
// capacities do not reserve memory up front.
const initialMapSize = 64

// ErrInvalidCapacity is returned when a capacity is zero or negative.
var ErrInvalidCapacity = errors.New("capacity must be greater than zero")

// OnEvictFunc is a function that is called when an entry leaves the cache.
type OnEvictFunc[K comparable, V any] func(key K, value V)

// Cache is a thread-safe LRU cache with strict recency ordering.
// A Cache must be created with [New] or [MustNew]; the zero value is not
// ready for use.
type Cache[K comparable, V any] struct {
	mu       sync.RWMutex
	capacity int
	items    map[K]*entry[K, V]
	head     *entry[K, V] // most recently used
	tail     *entry[K, V] // least recently used
	onEvict  OnEvictFunc[K, V]
}

// entry is an intrusive doubly-linked list node.
type entry[K comparable, V any] struct {
	key  K
	val  V
	prev *entry[K, V]
	next *entry[K, V]
}

// New creates a cache holding at most capacity entries.
func New[K comparable, V any](capacity int) (*Cache[K, V], error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}

	return &Cache[K, V]{
		capacity: capacity,
		items:    make(map[K]*entry[K, V], min(capacity, initialMapSize)),
	}, nil
}

// MustNew is like [New] but panics if the capacity is invalid.
func MustNew[K comparable, V any](capacity int) *Cache[K, V] {
	cache, err := New[K, V](capacity)
	if err != nil {
		panic(err)
	}
	return cache
}

// Get returns the value stored under key and marks it most recently used.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, found := c.items[key]
	if !found {
		var zero V
		return zero, false
	}

	c.moveToFront(e)
	return e.val, true
}

// Peek returns the value stored under key without touching its recency.
func (c *Cache[K, V]) Peek(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, found := c.items[key]
	if !found {
		var zero V
		return zero, false
	}
	return e.val, true
}

// Set stores value under key and marks it most recently used. If the cache
// is full the least recently used entry is evicted.
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	evicted := c.setLocked(key, value)
	onEvict := c.onEvict
	c.mu.Unlock()

	notify(onEvict, evicted)
}

// setLocked assumes the mutex is held and returns the entries it evicted.
func (c *Cache[K, V]) setLocked(key K, value V) []*entry[K, V] {
	if e, found := c.items[key]; found {
		c.moveToFront(e)
		e.val = value
		return nil
	}

	e := &entry[K, V]{key: key, val: value}
	c.pushFront(e)
	c.items[key] = e

	return c.trimLocked()
}

// trimLocked evicts from the tail until the cache fits its capacity.
func (c *Cache[K, V]) trimLocked() []*entry[K, V] {
	var evicted []*entry[K, V]
	for len(c.items) > c.capacity && c.tail != nil {
		oldest := c.tail
		c.unlink(oldest)
		delete(c.items, oldest.key)
		evicted = append(evicted, oldest)
	}
	return evicted
}

// Remove deletes key from the cache and reports whether it was present.
// The eviction callback is invoked for removed entries.
func (c *Cache[K, V]) Remove(key K) bool {
	c.mu.Lock()
	e, found := c.items[key]
	if !found {
		c.mu.Unlock()
		return false
	}

	delete(c.items, key)
	c.unlink(e)
	onEvict := c.onEvict
	c.mu.Unlock()

	notify(onEvict, []*entry[K, V]{e})
	return true
}

// Resize changes the capacity, evicting least recently used entries that no
// longer fit.
func (c *Cache[K, V]) Resize(capacity int) error {
	if capacity <= 0 {
		return ErrInvalidCapacity
	}

	c.mu.Lock()
	c.capacity = capacity
	evicted := c.trimLocked()
	onEvict := c.onEvict
	c.mu.Unlock()

	notify(onEvict, evicted)
	return nil
}

// Len returns the number of entries in the cache.
func (c *Cache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.items)
}

// Clear removes every entry, invoking the eviction callback for each.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	onEvict := c.onEvict

	var evicted []*entry[K, V]
	if onEvict != nil {
		evicted = make([]*entry[K, V], 0, len(c.items))
		for e := c.head; e != nil; e = e.next {
			evicted = append(evicted, e)
		}
	}

	c.items = make(map[K]*entry[K, V], min(c.capacity, initialMapSize))
	c.head = nil
	c.tail = nil
	c.mu.Unlock()

	notify(onEvict, evicted)
}

// Keys returns the cached keys from most to least recently used.
func (c *Cache[K, V]) Keys() []K {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]K, 0, len(c.items))
	for e := c.head; e != nil; e = e.next {
		keys = append(keys, e.key)
	}
	return keys
}

// Range calls fn for each entry from most to least recently used until fn
// returns false. Recency is not changed. fn must not call back into the
// cache.
func (c *Cache[K, V]) Range(fn func(key K, value V) bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for e := c.head; e != nil; e = e.next {
		if !fn(e.key, e.val) {
			return
		}
	}
}

// Capacity returns the maximum number of entries.
func (c *Cache[K, V]) Capacity() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.capacity
}

// OnEvict sets the callback invoked when entries are evicted, removed or
// cleared. It runs after the cache lock is released.
func (c *Cache[K, V]) OnEvict(f OnEvictFunc[K, V]) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onEvict = f
}

func notify[K comparable, V any](onEvict OnEvictFunc[K, V], evicted []*entry[K, V]) {
	if onEvict == nil {
		return
	}
	for _, e := range evicted {
		onEvict(e.key, e.val)
	}
}

func (c *Cache[K, V]) moveToFront(e *entry[K, V]) {
	if c.head == e {
		return
	}
	c.unlink(e)
	c.pushFront(e)
}

func (c *Cache[K, V]) pushFront(e *entry[K, V]) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *Cache[K, V]) unlink(e *entry[K, V]) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev = nil
	e.next = nil
}
