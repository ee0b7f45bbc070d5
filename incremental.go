package datalist

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// LoadResult is the outcome of [IncrementalList.LoadMore].
type LoadResult struct {
	Count int
	Err   error
}

// IncrementalList exposes a growing prefix of a [Source]. The prefix starts
// empty and is extended by [IncrementalList.LoadMore]; source updates are
// applied to the part of the source already in the prefix.
type IncrementalList[T any] struct {
	src         Source[T]
	vec         *Vector[T]
	maxFetches  int
	unsubscribe func()

	mu                sync.Mutex
	generation        uint64
	hasMore           bool
	loading           bool
	minimumPagingSize int
}

// NewIncrementalList creates an empty list over src and subscribes to it.
func NewIncrementalList[T any](src Source[T], opts ...Option) (*IncrementalList[T], error) {
	if src == nil {
		return nil, fmt.Errorf("%w: source is nil", ErrInvalidArgument)
	}
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}

	vec := newVector[T](sourceFetcher[T]{src: src}, o)
	vec.count = countResolved

	l := &IncrementalList[T]{
		src:               src,
		vec:               vec,
		maxFetches:        o.maxConcurrentFetches,
		hasMore:           true,
		minimumPagingSize: o.minimumPagingSize,
	}
	l.unsubscribe = src.Subscribe(ObserverFunc(func(u Update) {
		vec.dispatch.Post(func() { l.apply(u) })
	}))
	return l, nil
}

// MustNewIncrementalList is like [NewIncrementalList] but panics on error.
func MustNewIncrementalList[T any](src Source[T], opts ...Option) *IncrementalList[T] {
	l, err := NewIncrementalList(src, opts...)
	if err != nil {
		panic(err)
	}
	return l
}

// Len returns the length of the loaded prefix.
func (l *IncrementalList[T]) Len() int {
	return l.vec.Len()
}

// At returns the item at index, which must lie inside the loaded prefix.
// Items inserted by source updates load on first access and read as the
// zero value until then.
func (l *IncrementalList[T]) At(index int) (T, error) {
	return l.vec.At(index)
}

// Loaded reports whether the item at index has been fetched.
func (l *IncrementalList[T]) Loaded(index int) bool {
	return l.vec.Loaded(index)
}

// IndexOf asks the source for item and hides indexes beyond the prefix.
func (l *IncrementalList[T]) IndexOf(item T) int {
	return l.vec.IndexOf(item)
}

func (l *IncrementalList[T]) Contains(item T) bool {
	return l.vec.Contains(item)
}

func (l *IncrementalList[T]) Snapshot() []T {
	return l.vec.Snapshot()
}

func (l *IncrementalList[T]) ReadOnly() bool {
	return true
}

func (l *IncrementalList[T]) Set(index int, item T) error {
	return l.vec.Set(index, item)
}

func (l *IncrementalList[T]) Insert(index int, item T) error {
	return l.vec.Insert(index, item)
}

func (l *IncrementalList[T]) RemoveAt(index int) error {
	return l.vec.RemoveAt(index)
}

func (l *IncrementalList[T]) Clear() error {
	return l.vec.Clear()
}

// HasMoreItems reports whether the source may hold items beyond the prefix.
// It is true until a load reaches the end of the source.
func (l *IncrementalList[T]) HasMoreItems() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.hasMore
}

// IsLoading reports whether a LoadMore call is in flight.
func (l *IncrementalList[T]) IsLoading() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.loading
}

func (l *IncrementalList[T]) MinimumPagingSize() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.minimumPagingSize
}

// SetMinimumPagingSize sets the smallest number of items a load requests.
func (l *IncrementalList[T]) SetMinimumPagingSize(n int) error {
	if n < 0 {
		return outOfRange("minimum paging size", n)
	}

	l.mu.Lock()
	changed := n != l.minimumPagingSize
	l.minimumPagingSize = n
	l.mu.Unlock()

	if changed {
		l.vec.dispatch.Post(func() { l.vec.props.emit(PropertyMinimumPagingSize) })
	}
	return nil
}

// LoadMore extends the prefix by up to requested items, or by the minimum
// paging size if that is larger. The result arrives once the items have been
// appended and their notifications delivered. If any item fails to load
// nothing is appended and the result carries every failure.
//
// Only one load runs at a time: a call made while IsLoading is true fails
// with [ErrLoadInProgress].
func (l *IncrementalList[T]) LoadMore(requested int) <-chan LoadResult {
	out := make(chan LoadResult, 1)
	if requested < 0 {
		out <- LoadResult{Err: outOfRange("requested", requested)}
		return out
	}

	l.mu.Lock()
	if !l.hasMore {
		l.mu.Unlock()
		out <- LoadResult{}
		return out
	}
	if l.loading {
		l.mu.Unlock()
		out <- LoadResult{Err: ErrLoadInProgress}
		return out
	}
	l.loading = true
	gen := l.generation
	want := max(requested, l.minimumPagingSize)
	start := l.vec.Len()
	l.mu.Unlock()

	l.vec.dispatch.Post(func() { l.vec.props.emit(PropertyIsLoading) })
	go l.load(gen, start, want, out)
	return out
}

func (l *IncrementalList[T]) load(gen uint64, start, want int, out chan<- LoadResult) {
	ctx, span := startSpan(l.vec.ctx, "datalist.IncrementalList.LoadMore",
		attribute.Int("start", start),
		attribute.Int("want", want),
	)
	total, items, err := l.fetch(ctx, start, want)
	endSpan(span, err)

	l.vec.dispatch.Post(func() {
		l.applyLoad(gen, total, items, err, out)
	})
}

// fetch loads the items after start concurrently. Every failure is kept.
func (l *IncrementalList[T]) fetch(ctx context.Context, start, want int) (int, []T, error) {
	total, err := l.src.Count(ctx)
	if err != nil {
		return 0, nil, &FetchError{Op: "count", Index: -1, Err: err}
	}

	target := min(want, max(0, total-start))
	items := make([]T, target)

	var (
		mu   sync.Mutex
		errs error
		g    errgroup.Group
	)
	g.SetLimit(l.maxFetches)
	for i := range target {
		g.Go(func() error {
			incr(ctx, meter().itemFetches)
			item, err := l.src.Item(ctx, start+i)
			if err != nil {
				mu.Lock()
				errs = multierr.Append(errs, &FetchError{Op: "item", Index: start + i, Err: err})
				mu.Unlock()
				return nil
			}
			items[i] = item
			return nil
		})
	}
	_ = g.Wait()

	if errs != nil {
		return total, nil, errs
	}
	return total, items, nil
}

func (l *IncrementalList[T]) applyLoad(gen uint64, total int, items []T, err error, out chan<- LoadResult) {
	l.mu.Lock()
	stale := gen != l.generation || l.vec.isClosed()
	if stale || err != nil {
		l.loading = false
	}
	l.mu.Unlock()

	switch {
	case stale:
		Logger().Debug("discarding load overtaken by an update", zap.Int("items", len(items)))
		l.vec.props.emit(PropertyIsLoading)
		out <- LoadResult{}
		return
	case err != nil:
		Logger().Warn("load more failed", zap.Error(err))
		incr(l.vec.ctx, meter().fetchErrors, attribute.String("op", "load"))
		l.vec.props.emit(PropertyIsLoading)
		l.vec.errs.emit(err)
		out <- LoadResult{Err: err}
		return
	}

	l.vec.appendResolved(items)

	l.mu.Lock()
	l.loading = false
	hasMore := l.vec.Len() < total
	changed := hasMore != l.hasMore
	l.hasMore = hasMore
	l.mu.Unlock()

	if changed {
		l.vec.props.emit(PropertyHasMoreItems)
	}
	l.vec.props.emit(PropertyIsLoading)
	out <- LoadResult{Count: len(items)}
}

// apply clips a source update to the loaded prefix.
func (l *IncrementalList[T]) apply(u Update) {
	n := l.vec.Len()

	switch u.Action {
	case ActionReset:
		l.mu.Lock()
		l.generation++
		changed := !l.hasMore
		l.hasMore = true
		l.mu.Unlock()

		l.vec.resetResolved()
		if changed {
			l.vec.props.emit(PropertyHasMoreItems)
		}

	case ActionAdd:
		if u.Index > n {
			Logger().Debug("ignoring add beyond the loaded items", zap.Stringer("update", u), zap.Int("len", n))
			return
		}
		l.invalidateLoad()
		if err := l.vec.itemsAdded(u.Index, u.Count); err != nil {
			Logger().Warn("applying add failed", zap.Stringer("update", u), zap.Error(err))
		}

	case ActionRemove:
		if u.Index >= n {
			Logger().Debug("ignoring remove beyond the loaded items", zap.Stringer("update", u), zap.Int("len", n))
			return
		}
		l.invalidateLoad()
		if err := l.vec.itemsRemoved(u.Index, min(u.Count, n-u.Index)); err != nil {
			Logger().Warn("applying remove failed", zap.Stringer("update", u), zap.Error(err))
		}
	}
}

// invalidateLoad makes a load in flight report zero items.
func (l *IncrementalList[T]) invalidateLoad() {
	l.mu.Lock()
	l.generation++
	l.mu.Unlock()
}

func (l *IncrementalList[T]) OnChange(fn func(Change[T])) (unsubscribe func()) {
	return l.vec.OnChange(fn)
}

func (l *IncrementalList[T]) OnPropertyChange(fn func(name string)) (unsubscribe func()) {
	return l.vec.OnPropertyChange(fn)
}

func (l *IncrementalList[T]) OnError(fn func(error)) (unsubscribe func()) {
	return l.vec.OnError(fn)
}

// Close unsubscribes from the source and cancels loads in flight.
func (l *IncrementalList[T]) Close() {
	l.unsubscribe()
	l.vec.Close()
}
