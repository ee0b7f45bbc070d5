package datalist

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// CollectionSource is a [Source] over a collection fetched in one piece.
// The fetch runs once per generation and is shared by every caller.
type CollectionSource[T comparable] struct {
	fetch     func(ctx context.Context) ([]T, error)
	observers Observers
	flights   flightGroup

	mu         sync.Mutex
	generation uint64
	items      []T
	fetched    bool
}

var _ Source[int] = (*CollectionSource[int])(nil)

// NewCollectionSource creates a source whose items are loaded by fetch.
func NewCollectionSource[T comparable](fetch func(ctx context.Context) ([]T, error)) (*CollectionSource[T], error) {
	if fetch == nil {
		return nil, fmt.Errorf("%w: fetch is nil", ErrInvalidArgument)
	}
	return &CollectionSource[T]{fetch: fetch}, nil
}

// FromSlice returns a source over a copy of items.
func FromSlice[T comparable](items []T) *CollectionSource[T] {
	items = slices.Clone(items)
	s, _ := NewCollectionSource(func(context.Context) ([]T, error) {
		return items, nil
	})
	return s
}

func (s *CollectionSource[T]) load(ctx context.Context) ([]T, error) {
	s.mu.Lock()
	if s.fetched {
		items := s.items
		s.mu.Unlock()
		return items, nil
	}
	gen := s.generation
	s.mu.Unlock()

	v, err := s.flights.do(ctx, flightKey(gen, "collection", 0), func(ctx context.Context) (any, error) {
		s.mu.Lock()
		if s.fetched && s.generation == gen {
			items := s.items
			s.mu.Unlock()
			return items, nil
		}
		s.mu.Unlock()

		ctx, span := startSpan(ctx, "datalist.CollectionSource.Fetch")
		items, err := s.fetch(ctx)
		endSpan(span, err)
		if err != nil {
			Logger().Warn("collection fetch failed", zap.Error(err))
			incr(ctx, meter().fetchErrors, attribute.String("op", "collection"))
			return nil, &FetchError{Op: "collection", Index: -1, Err: err}
		}

		s.mu.Lock()
		if gen == s.generation {
			s.items = items
			s.fetched = true
		}
		s.mu.Unlock()
		return items, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]T), nil
}

func (s *CollectionSource[T]) Count(ctx context.Context) (int, error) {
	items, err := s.load(ctx)
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

func (s *CollectionSource[T]) Item(ctx context.Context, index int) (T, error) {
	var zero T
	if index < 0 {
		return zero, outOfRange("index", index)
	}

	items, err := s.load(ctx)
	if err != nil {
		return zero, err
	}
	if index >= len(items) {
		return zero, indexOutOfRange(index, len(items))
	}
	return items[index], nil
}

// IndexOf returns -1 until the collection has been fetched.
func (s *CollectionSource[T]) IndexOf(item T) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.fetched {
		return -1
	}
	return slices.Index(s.items, item)
}

func (s *CollectionSource[T]) Subscribe(o Observer) (unsubscribe func()) {
	return s.observers.Add(o)
}

// Refresh forgets the fetched collection and sends a single Reset. The next
// access fetches again.
func (s *CollectionSource[T]) Refresh() {
	s.mu.Lock()
	s.generation++
	s.items = nil
	s.fetched = false
	s.mu.Unlock()

	s.observers.Notify(NewReset())
}
