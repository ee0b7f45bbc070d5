package datalist

import (
	"context"
	"slices"
	"sync"
)

// Source is an asynchronously resolved list that reports structural changes
// to its observers.
type Source[T any] interface {
	// Count returns the number of items in the source.
	Count(ctx context.Context) (int, error)

	// Item returns the item at index. It fails with [ErrOutOfRange] when
	// index is negative or not below the count.
	Item(ctx context.Context, index int) (T, error)

	// IndexOf returns the index of item, or -1. It never blocks.
	IndexOf(item T) int

	// Subscribe registers o for updates. Calling the returned function
	// removes the registration; further calls are no-ops.
	Subscribe(o Observer) (unsubscribe func())
}

// Observer receives updates from a [Source], synchronously and in order.
type Observer interface {
	Update(u Update)
}

// ObserverFunc adapts a function to the [Observer] interface.
type ObserverFunc func(u Update)

func (f ObserverFunc) Update(u Update) {
	f(u)
}

// Observers is a registration list of [Observer] values. The zero value is
// ready to use.
type Observers struct {
	l listeners[Update]
}

// Add registers o and returns a function that removes it.
func (s *Observers) Add(o Observer) (unsubscribe func()) {
	return s.l.add(o.Update)
}

// Notify delivers u to every registered observer in registration order.
func (s *Observers) Notify(u Update) {
	s.l.emit(u)
}

// Len returns the number of registered observers.
func (s *Observers) Len() int {
	return s.l.len()
}

type listener[E any] struct {
	id uint64
	fn func(E)
}

// listeners is an ordered list of callbacks. Callbacks run outside the lock
// so they may register or remove listeners themselves.
type listeners[E any] struct {
	mu     sync.Mutex
	nextID uint64
	subs   []listener[E]
}

func (l *listeners[E]) add(fn func(E)) func() {
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.subs = append(l.subs, listener[E]{id: id, fn: fn})
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()

			l.subs = slices.DeleteFunc(l.subs, func(s listener[E]) bool {
				return s.id == id
			})
		})
	}
}

func (l *listeners[E]) emit(e E) {
	l.mu.Lock()
	subs := slices.Clone(l.subs)
	l.mu.Unlock()

	for _, s := range subs {
		s.fn(e)
	}
}

func (l *listeners[E]) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.subs)
}
