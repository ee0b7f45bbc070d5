package datalist

import "github.com/rselbach/datalist/lru"

const defaultMaxConcurrentFetches = 8

// options holds the settings shared by sources and lists. Each constructor
// reads only the fields it uses.
type options struct {
	pageCacheSize        int
	minimumPagingSize    int
	maxConcurrentFetches int
	dispatcher           Dispatcher
}

// Option is a functional option for the constructors in this package.
type Option func(*options)

// WithPageCacheSize bounds the number of pages kept in memory by a
// [PagedSource] or a [PageList]. The default is unbounded.
func WithPageCacheSize(n int) Option {
	return func(o *options) {
		o.pageCacheSize = n
	}
}

// WithMinimumPagingSize sets the smallest number of items a single
// [IncrementalList.LoadMore] call will request.
func WithMinimumPagingSize(n int) Option {
	return func(o *options) {
		o.minimumPagingSize = n
	}
}

// WithMaxConcurrentFetches bounds the number of item fetches a single
// [IncrementalList.LoadMore] call runs at once.
func WithMaxConcurrentFetches(n int) Option {
	return func(o *options) {
		o.maxConcurrentFetches = n
	}
}

// WithDispatcher sets the owner that applies fetch results and delivers
// notifications. Without it a list starts its own [Loop].
func WithDispatcher(d Dispatcher) Option {
	return func(o *options) {
		o.dispatcher = d
	}
}

func buildOptions(opts []Option) (options, error) {
	o := options{
		pageCacheSize:        lru.Unbounded,
		maxConcurrentFetches: defaultMaxConcurrentFetches,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if o.pageCacheSize <= 0 {
		return o, outOfRange("page cache size", o.pageCacheSize)
	}
	if o.minimumPagingSize < 0 {
		return o, outOfRange("minimum paging size", o.minimumPagingSize)
	}
	if o.maxConcurrentFetches <= 0 {
		return o, outOfRange("max concurrent fetches", o.maxConcurrentFetches)
	}
	return o, nil
}
