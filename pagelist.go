package datalist

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/rselbach/datalist/lru"
)

const defaultPageSize = 10

// PageList is a mutable list that keeps its values in fixed-size pages and
// holds at most PageCacheSize pages in memory. Values on an evicted page
// read as the zero value again. Reading an index never allocates its page;
// writing one does.
type PageList[T comparable] struct {
	mu         sync.Mutex
	count      int
	pageSize   int
	pages      *lru.Cache[int, []T] // keyed by 0-based page index
	rebuilding bool                 // set while shift re-inserts pages
}

// NewPageList creates an empty list. [WithPageCacheSize] bounds the number
// of pages held.
func NewPageList[T comparable](opts ...Option) (*PageList[T], error) {
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}

	pages, err := lru.New[int, []T](o.pageCacheSize)
	if err != nil {
		return nil, err
	}
	l := &PageList[T]{pageSize: defaultPageSize, pages: pages}

	// the callback runs on the goroutine holding l.mu
	pages.OnEvict(func(page int, _ []T) {
		if l.rebuilding {
			return
		}
		Logger().Debug("page list page dropped", zap.Int("page", page))
		incr(context.Background(), meter().pageEvictions, cacheList)
	})
	return l, nil
}

// MustNewPageList is like [NewPageList] but panics on error.
func MustNewPageList[T comparable](opts ...Option) *PageList[T] {
	l, err := NewPageList[T](opts...)
	if err != nil {
		panic(err)
	}
	return l
}

// UpdateCount resizes the list. Values survive when pageSize is unchanged;
// a new page size drops them all.
func (l *PageList[T]) UpdateCount(count, pageSize int) error {
	if count < 0 {
		return outOfRange("count", count)
	}
	if pageSize < 1 {
		return outOfRange("page size", pageSize)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if pageSize != l.pageSize {
		l.pages.Clear()
		l.pageSize = pageSize
	} else if count < l.count {
		l.truncate(count)
	}
	l.count = count
	return nil
}

// truncate assumes the mutex is held. It zeroes cached values at or beyond
// count so they do not reappear if the list grows again.
func (l *PageList[T]) truncate(count int) {
	var zero T
	for _, page := range l.pages.Keys() {
		first := page * l.pageSize
		if first >= count {
			l.pages.Remove(page)
			continue
		}
		if items, found := l.pages.Peek(page); found {
			for i := count - first; i < len(items); i++ {
				items[i] = zero
			}
		}
	}
}

func (l *PageList[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.count
}

func (l *PageList[T]) PageSize() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.pageSize
}

// PageCacheSize returns the maximum number of pages held in memory.
func (l *PageList[T]) PageCacheSize() int {
	return l.pages.Capacity()
}

// SetPageCacheSize changes the maximum number of pages held, dropping the
// least recently used pages that no longer fit.
func (l *PageList[T]) SetPageCacheSize(n int) error {
	if n <= 0 {
		return outOfRange("page cache size", n)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	return l.pages.Resize(n)
}

// ReadOnly is always false.
func (l *PageList[T]) ReadOnly() bool {
	return false
}

// At returns the value at index. A held page becomes the most recently
// used; an absent page reads as zero values and stays absent.
func (l *PageList[T]) At(index int) (T, error) {
	var zero T

	l.mu.Lock()
	defer l.mu.Unlock()

	if index < 0 || index >= l.count {
		return zero, indexOutOfRange(index, l.count)
	}

	items, found := l.pages.Get(index / l.pageSize)
	if !found {
		return zero, nil
	}
	incr(context.Background(), meter().pageHits, cacheList)
	return items[index%l.pageSize], nil
}

// Set stores item at index, allocating its page if needed.
func (l *PageList[T]) Set(index int, item T) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if index < 0 || index >= l.count {
		return indexOutOfRange(index, l.count)
	}
	l.set(index, item)
	return nil
}

// set assumes the mutex is held and index is valid.
func (l *PageList[T]) set(index int, item T) {
	page := index / l.pageSize
	items, found := l.pages.Get(page)
	if !found {
		items = make([]T, l.pageSize)
	}
	items[index%l.pageSize] = item
	l.pages.Set(page, items)
}

// Add appends item.
func (l *PageList[T]) Add(item T) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.insert(l.count, item)
}

// Insert puts item at index, moving later values up by one.
func (l *PageList[T]) Insert(index int, item T) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if index < 0 || index > l.count {
		return indexOutOfRange(index, l.count)
	}
	l.insert(index, item)
	return nil
}

func (l *PageList[T]) insert(index int, item T) {
	l.shift(index, 1)
	l.count++
	l.set(index, item)
}

// RemoveAt deletes the value at index, moving later values down by one.
func (l *PageList[T]) RemoveAt(index int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if index < 0 || index >= l.count {
		return indexOutOfRange(index, l.count)
	}
	l.removeAt(index)
	return nil
}

func (l *PageList[T]) removeAt(index int) {
	l.shift(index, -1)
	l.count--
}

// Remove deletes the first occurrence of item and reports whether it was
// found.
func (l *PageList[T]) Remove(item T) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	index := l.indexOf(item)
	if index < 0 {
		return false
	}
	l.removeAt(index)
	return true
}

// shift assumes the mutex is held. It moves every held value at or after
// index by delta positions; with a negative delta the value at index is
// dropped. Pages are rebuilt in their old recency order, a new page taking
// the recency of the most recent page that contributed to it.
func (l *PageList[T]) shift(index, delta int) {
	type moved struct {
		pos   int
		value T
	}

	// Keys is most recent first; walk from the least recent
	keys := l.pages.Keys()
	slices.Reverse(keys)

	var zero T
	rank := make(map[int]int)
	values := make(map[int][]moved)
	for r, page := range keys {
		items, _ := l.pages.Peek(page)
		first := page * l.pageSize
		for i, value := range items {
			pos := first + i
			switch {
			case pos >= l.count:
				continue
			case delta < 0 && pos == index:
				continue
			case pos >= index:
				pos += delta
			}

			target := pos / l.pageSize
			if r >= rank[target] {
				rank[target] = r
			}
			if value != zero {
				values[target] = append(values[target], moved{pos: pos, value: value})
			} else if _, ok := values[target]; !ok && target == page {
				values[target] = nil
			}
		}
	}

	order := make([]int, 0, len(values))
	for page := range values {
		order = append(order, page)
	}
	slices.SortFunc(order, func(a, b int) int {
		return rank[a] - rank[b]
	})

	l.rebuilding = true
	l.pages.Clear()
	l.rebuilding = false

	for _, page := range order {
		items := make([]T, l.pageSize)
		first := page * l.pageSize
		for _, m := range values[page] {
			items[m.pos-first] = m.value
		}
		l.pages.Set(page, items)
	}
}

// Clear empties the list.
func (l *PageList[T]) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.count = 0
	l.pages.Clear()
}

func (l *PageList[T]) Contains(item T) bool {
	return l.IndexOf(item) >= 0
}

// IndexOf returns the lowest index holding item, or -1. Only held pages are
// searched, and their recency is left alone.
func (l *PageList[T]) IndexOf(item T) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.indexOf(item)
}

func (l *PageList[T]) indexOf(item T) int {
	found := -1
	l.pages.Range(func(page int, items []T) bool {
		first := page * l.pageSize
		for i, value := range items {
			pos := first + i
			if pos >= l.count {
				break
			}
			if value == item {
				if found < 0 || pos < found {
					found = pos
				}
				break
			}
		}
		return true
	})
	return found
}

// Snapshot returns every value in order, zero where no page is held.
func (l *PageList[T]) Snapshot() []T {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]T, l.count)
	l.copyInto(out)
	return out
}

// CopyTo writes the list into dst starting at offset.
func (l *PageList[T]) CopyTo(dst []T, offset int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if offset < 0 {
		return outOfRange("offset", offset)
	}
	if len(dst)-offset < l.count {
		return fmt.Errorf("%w: destination holds %d items after offset %d, need %d",
			ErrInvalidArgument, len(dst)-offset, offset, l.count)
	}

	window := dst[offset : offset+l.count]
	clear(window)
	l.copyInto(window)
	return nil
}

func (l *PageList[T]) copyInto(out []T) {
	l.pages.Range(func(page int, items []T) bool {
		first := page * l.pageSize
		if first < len(out) {
			copy(out[first:], items)
		}
		return true
	})
}
