package datalist

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/rselbach/datalist/lru"
)

// PageResult is what a [PageFetcher] returns. Any fetch may carry more than
// was asked for: a count fetch that also returns the page size and the first
// page saves two round trips.
type PageResult[T any] struct {
	Count      int
	CountKnown bool

	// PageSize is zero when absent.
	PageSize int

	// Page is the 1-based number of Items, zero when no page is carried.
	Page  int
	Items []T
}

// PageFetcher loads the pieces of a paged collection.
type PageFetcher[T any] interface {
	FetchCount(ctx context.Context) (PageResult[T], error)
	FetchPageSize(ctx context.Context) (PageResult[T], error)
	FetchPage(ctx context.Context, page int) (PageResult[T], error)
}

// PageFetcherFuncs adapts plain functions to the [PageFetcher] interface.
type PageFetcherFuncs[T any] struct {
	Count    func(ctx context.Context) (PageResult[T], error)
	PageSize func(ctx context.Context) (PageResult[T], error)
	Page     func(ctx context.Context, page int) (PageResult[T], error)
}

func (f PageFetcherFuncs[T]) FetchCount(ctx context.Context) (PageResult[T], error) {
	return f.Count(ctx)
}

func (f PageFetcherFuncs[T]) FetchPageSize(ctx context.Context) (PageResult[T], error) {
	return f.PageSize(ctx)
}

func (f PageFetcherFuncs[T]) FetchPage(ctx context.Context, page int) (PageResult[T], error) {
	return f.Page(ctx, page)
}

// PagedSource is a [Source] over a collection served one page at a time.
// The count, the page size and each page are fetched at most once per
// generation no matter how many callers ask concurrently, and a caller whose
// context ends stops waiting without failing the others. Fetched pages are
// kept in an LRU cache. Failed fetches are not cached.
type PagedSource[T comparable] struct {
	fetcher   PageFetcher[T]
	observers Observers
	flights   flightGroup

	mu         sync.Mutex
	generation uint64
	count      int
	countKnown bool
	pageSize   int
	pages      *lru.Cache[int, []T]
	// refreshing silences eviction reporting while Refresh drops the pages
	refreshing bool
}

var _ Source[int] = (*PagedSource[int])(nil)

// NewPagedSource creates a paged source. [WithPageCacheSize] bounds the
// page cache.
func NewPagedSource[T comparable](fetcher PageFetcher[T], opts ...Option) (*PagedSource[T], error) {
	if fetcher == nil {
		return nil, fmt.Errorf("%w: fetcher is nil", ErrInvalidArgument)
	}
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}

	pages, err := lru.New[int, []T](o.pageCacheSize)
	if err != nil {
		return nil, err
	}
	s := &PagedSource[T]{
		fetcher: fetcher,
		pages:   pages,
	}
	// callbacks run on the goroutine that holds s.mu
	pages.OnEvict(func(page int, _ []T) {
		if s.refreshing {
			return
		}
		Logger().Debug("page evicted", zap.Int("page", page))
		incr(context.Background(), meter().pageEvictions, cacheSource)
	})
	return s, nil
}

// MustNewPagedSource is like [NewPagedSource] but panics on error.
func MustNewPagedSource[T comparable](fetcher PageFetcher[T], opts ...Option) *PagedSource[T] {
	s, err := NewPagedSource(fetcher, opts...)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *PagedSource[T]) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.countKnown {
		count := s.count
		s.mu.Unlock()
		return count, nil
	}
	gen := s.generation
	s.mu.Unlock()

	v, err := s.flights.do(ctx, flightKey(gen, "count", 0), func(ctx context.Context) (any, error) {
		s.mu.Lock()
		if s.countKnown && s.generation == gen {
			count := s.count
			s.mu.Unlock()
			return count, nil
		}
		s.mu.Unlock()

		ctx, span := startSpan(ctx, "datalist.PagedSource.FetchCount")
		res, err := s.fetcher.FetchCount(ctx)
		if err == nil && !res.CountKnown {
			err = fmt.Errorf("%w: count result carries no count", ErrInvalidArgument)
		}
		if err == nil && res.Count < 0 {
			err = outOfRange("count", res.Count)
		}
		endSpan(span, err)
		if err != nil {
			return 0, s.failed("count", -1, err)
		}

		s.absorb(gen, res)
		return res.Count, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

// PageSize returns the page size, fetching it if needed.
func (s *PagedSource[T]) PageSize(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.pageSize > 0 {
		size := s.pageSize
		s.mu.Unlock()
		return size, nil
	}
	gen := s.generation
	s.mu.Unlock()

	v, err := s.flights.do(ctx, flightKey(gen, "size", 0), func(ctx context.Context) (any, error) {
		s.mu.Lock()
		if s.pageSize > 0 && s.generation == gen {
			size := s.pageSize
			s.mu.Unlock()
			return size, nil
		}
		s.mu.Unlock()

		ctx, span := startSpan(ctx, "datalist.PagedSource.FetchPageSize")
		res, err := s.fetcher.FetchPageSize(ctx)
		if err == nil && res.PageSize < 1 {
			err = outOfRange("page size", res.PageSize)
		}
		endSpan(span, err)
		if err != nil {
			return 0, s.failed("page size", -1, err)
		}

		s.absorb(gen, res)
		return res.PageSize, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (s *PagedSource[T]) Item(ctx context.Context, index int) (T, error) {
	var zero T
	if index < 0 {
		return zero, outOfRange("index", index)
	}

	count, err := s.Count(ctx)
	if err != nil {
		return zero, err
	}
	if index >= count {
		return zero, indexOutOfRange(index, count)
	}

	size, err := s.PageSize(ctx)
	if err != nil {
		return zero, err
	}

	page := index/size + 1
	items, err := s.page(ctx, page)
	if err != nil {
		return zero, err
	}

	offset := index % size
	if offset >= len(items) {
		return zero, fmt.Errorf("%w: page %d holds %d items, need offset %d", ErrOutOfRange, page, len(items), offset)
	}
	return items[offset], nil
}

func (s *PagedSource[T]) page(ctx context.Context, page int) ([]T, error) {
	s.mu.Lock()
	if items, found := s.pages.Get(page); found {
		s.mu.Unlock()
		incr(ctx, meter().pageHits, cacheSource)
		return items, nil
	}
	gen := s.generation
	s.mu.Unlock()

	v, err := s.flights.do(ctx, flightKey(gen, "page", page), func(ctx context.Context) (any, error) {
		s.mu.Lock()
		if items, found := s.pages.Get(page); found && s.generation == gen {
			s.mu.Unlock()
			return items, nil
		}
		s.mu.Unlock()

		ctx, span := startSpan(ctx, "datalist.PagedSource.FetchPage", attribute.Int("page", page))
		incr(ctx, meter().pageFetches, cacheSource)
		res, err := s.fetcher.FetchPage(ctx, page)
		if err == nil && res.Page != page {
			err = fmt.Errorf("%w: asked for page %d, got page %d", ErrInvalidArgument, page, res.Page)
		}
		endSpan(span, err)
		if err != nil {
			return nil, s.failed("page", page, err)
		}

		s.absorb(gen, res)
		return res.Items, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]T), nil
}

// absorb seeds the cached state from any fetch result of generation gen.
func (s *PagedSource[T]) absorb(gen uint64, res PageResult[T]) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.generation {
		Logger().Debug("discarding page result from an old generation",
			zap.Uint64("generation", gen),
			zap.Uint64("current", s.generation),
		)
		return
	}

	if res.CountKnown && res.Count >= 0 {
		s.count = res.Count
		s.countKnown = true
	}
	if res.PageSize > 0 {
		s.pageSize = res.PageSize
	}
	if res.Page > 0 && res.Items != nil {
		s.pages.Set(res.Page, res.Items)
	}
}

func (s *PagedSource[T]) failed(op string, index int, err error) error {
	Logger().Warn("page fetch failed",
		zap.String("op", op),
		zap.Int("index", index),
		zap.Error(err),
	)
	incr(context.Background(), meter().fetchErrors, attribute.String("op", op))
	return &FetchError{Op: op, Index: index, Err: err}
}

// IndexOf searches the cached pages only and never fetches. It returns the
// lowest matching index, or -1.
func (s *PagedSource[T]) IndexOf(item T) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pageSize == 0 {
		return -1
	}

	found := -1
	s.pages.Range(func(page int, items []T) bool {
		for i, it := range items {
			if it != item {
				continue
			}
			index := (page-1)*s.pageSize + i
			if found < 0 || index < found {
				found = index
			}
			break
		}
		return true
	})
	return found
}

func (s *PagedSource[T]) Subscribe(o Observer) (unsubscribe func()) {
	return s.observers.Add(o)
}

// Refresh drops the count, the page size and every cached page, and tells
// observers with a single Reset. Fetches still in flight are discarded when
// they complete.
func (s *PagedSource[T]) Refresh() {
	s.mu.Lock()
	s.generation++
	s.count = 0
	s.countKnown = false
	s.pageSize = 0
	s.refreshing = true
	s.pages.Clear()
	s.refreshing = false
	s.mu.Unlock()

	s.observers.Notify(NewReset())
}

// PageCacheSize returns the maximum number of cached pages.
func (s *PagedSource[T]) PageCacheSize() int {
	return s.pages.Capacity()
}

// SetPageCacheSize changes the maximum number of cached pages, evicting the
// least recently used pages that no longer fit.
func (s *PagedSource[T]) SetPageCacheSize(n int) error {
	if n <= 0 {
		return outOfRange("page cache size", n)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.pages.Resize(n)
}
